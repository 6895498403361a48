// Package config loads application settings from environment variables and
// an optional yaml file, and owns global logger setup.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration. Env names are flat and
// match the deployment contract (DATABASE_URL, THRESHOLD_SIMILARIDADE, ...).
type Config struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	RedisURL    string `yaml:"redis_url" mapstructure:"redis_url"`
	Port        int    `yaml:"port" mapstructure:"port"`

	// Detection.
	SimilarityThreshold float64 `yaml:"threshold_similaridade" mapstructure:"threshold_similaridade"`
	LLMThreshold        float64 `yaml:"threshold_llm" mapstructure:"threshold_llm"`
	PairLimit           int     `yaml:"limite_pares_por_execucao" mapstructure:"limite_pares_por_execucao"`

	// Enrichment.
	EnrichmentEnabled bool `yaml:"enriquecimento_habilitado" mapstructure:"enriquecimento_habilitado"`
	MaxCEPsPerMember  int  `yaml:"viacep_max_ceps_por_membro" mapstructure:"viacep_max_ceps_por_membro"`
	ViaCEPCacheDays   int  `yaml:"viacep_cache_ttl_dias" mapstructure:"viacep_cache_ttl_dias"`
	GoogleCacheDays   int  `yaml:"google_cache_ttl_dias" mapstructure:"google_cache_ttl_dias"`

	// Credentials; an absent key disables its resolver.
	AnthropicKey   string `yaml:"anthropic_api_key" mapstructure:"anthropic_api_key"`
	AnthropicModel string `yaml:"anthropic_model" mapstructure:"anthropic_model"`
	GoogleMapsKey  string `yaml:"google_maps_api_key" mapstructure:"google_maps_api_key"`

	Log LogConfig `yaml:"log" mapstructure:"log"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment. DATABASE_URL is the
// only required setting.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults; registering every key also makes its env override visible
	// to Unmarshal.
	v.SetDefault("database_url", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("port", 3002)
	v.SetDefault("threshold_similaridade", 0.4)
	v.SetDefault("threshold_llm", 0.8)
	v.SetDefault("limite_pares_por_execucao", 200)
	v.SetDefault("enriquecimento_habilitado", true)
	v.SetDefault("viacep_max_ceps_por_membro", 10)
	v.SetDefault("viacep_cache_ttl_dias", 7)
	v.SetDefault("google_cache_ttl_dias", 30)
	v.SetDefault("anthropic_api_key", "")
	v.SetDefault("anthropic_model", "")
	v.SetDefault("google_maps_api_key", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if cfg.DatabaseURL == "" {
		return nil, eris.New("config: DATABASE_URL is required")
	}
	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}

package main

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/imobcrm/geodedup/internal/cache"
	"github.com/imobcrm/geodedup/internal/db"
	"github.com/imobcrm/geodedup/internal/detect"
	"github.com/imobcrm/geodedup/internal/enrich"
	"github.com/imobcrm/geodedup/internal/impact"
	"github.com/imobcrm/geodedup/internal/merge"
	"github.com/imobcrm/geodedup/internal/pipeline"
	"github.com/imobcrm/geodedup/internal/store"
	"github.com/imobcrm/geodedup/internal/validate"
	"github.com/imobcrm/geodedup/pkg/googlemaps"
	"github.com/imobcrm/geodedup/pkg/ibge"
	"github.com/imobcrm/geodedup/pkg/llm"
	"github.com/imobcrm/geodedup/pkg/viacep"
)

// appEnv wires the shared components a command needs.
type appEnv struct {
	pool      *pgxpool.Pool
	cache     cache.Cache
	store     *store.Store
	detector  *detect.Detector
	runner    *pipeline.Runner
	enricher  *enrich.Enricher
	merger    *merge.Merger
	reverser  *merge.Reverser
	impact    *impact.Analyzer
	validator *validate.Validator

	closers []func()
}

// initEnv builds the application graph from the loaded config. Validation
// and enrichment degrade to disabled when their credentials are absent.
func initEnv(ctx context.Context) (*appEnv, error) {
	env := &appEnv{}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	env.pool = pool
	env.closers = append(env.closers, pool.Close)

	env.cache = cache.Noop{}
	if cfg.RedisURL != "" {
		redisCache, err := cache.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			zap.L().Warn("redis unavailable; continuing without cache", zap.Error(err))
		} else {
			env.cache = redisCache
			env.closers = append(env.closers, func() { _ = redisCache.Close() })
		}
	}

	env.store = store.New(pool)
	env.detector = detect.NewDetector(pool, cfg.SimilarityThreshold, cfg.PairLimit)
	env.merger = merge.NewMerger(env.store)
	env.reverser = merge.NewReverser(env.store)
	env.impact = impact.New(pool)

	var validator pipeline.Validator
	if cfg.AnthropicKey != "" {
		v := validate.NewValidator(llm.NewClient(cfg.AnthropicKey), env.cache, cfg.AnthropicModel, validate.DefaultBatchSize)
		validator = v
		env.validator = v
	} else {
		zap.L().Warn("anthropic key absent; groups will persist without llm validation")
	}

	if cfg.EnrichmentEnabled {
		registry := ibge.NewClient(ibge.WithCache(env.cache, googleCacheTTL()))
		postal := viacep.NewClient(viacep.WithCache(env.cache, viacepCacheTTL()))
		maps := googlemaps.NewClient(cfg.GoogleMapsKey, googlemaps.WithCache(env.cache, googleCacheTTL()))
		env.enricher = enrich.New(env.store, registry, postal, maps, cfg.MaxCEPsPerMember)
	}

	var enricher pipeline.Enricher
	if env.enricher != nil {
		enricher = env.enricher
	}
	contexts := enrich.NewContextResolver(env.store, cfg.MaxCEPsPerMember)
	env.runner = pipeline.NewRunner(env.detector, validator, enricher, contexts, env.store)

	return env, nil
}

func (e *appEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

func viacepCacheTTL() time.Duration {
	return time.Duration(cfg.ViaCEPCacheDays) * 24 * time.Hour
}

func googleCacheTTL() time.Duration {
	return time.Duration(cfg.GoogleCacheDays) * 24 * time.Hour
}

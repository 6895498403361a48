package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/imobcrm/geodedup/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "geodedup",
	Short: "Duplicate detection and merge pipeline for geographic reference data",
	Long:  "Finds duplicate cities, neighborhoods, streets and condos by trigram similarity, validates groups with an LLM, enriches them with official sources, and executes reversible FK-rewrite merges.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

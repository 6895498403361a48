package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/imobcrm/geodedup/internal/model"
)

var (
	scanKind   string
	scanSync   bool
	scanParent string
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run duplicate detection",
	Long:  "Finds similar pairs per entity kind, clusters them into groups, validates with the LLM and persists pending groups. With --sync the result is printed instead of persisted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		kinds := model.AllKinds()
		if scanKind != "" {
			kind, err := model.ParseKind(scanKind)
			if err != nil {
				return err
			}
			kinds = []model.EntityKind{kind}
		}

		if scanSync {
			if len(kinds) != 1 {
				return cmd.Help()
			}
			candidates, err := env.runner.ScanSync(cmd.Context(), kinds[0], scanParent)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(candidates)
		}

		results, err := env.runner.Run(cmd.Context(), kinds)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	},
}

func init() {
	scanCmd.Flags().StringVar(&scanKind, "kind", "", "entity kind (city|neighborhood|street|condo); empty runs all in order")
	scanCmd.Flags().BoolVar(&scanSync, "sync", false, "print detection output without persisting (requires --kind)")
	scanCmd.Flags().StringVar(&scanParent, "parent", "", "restrict --sync output to one parent scope")
	rootCmd.AddCommand(scanCmd)
}

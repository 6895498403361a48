package main

import (
	"github.com/spf13/cobra"

	"github.com/imobcrm/geodedup/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the pipeline's own tables",
	Long:  "Applies pending SQL migrations for the dedup_ tables. Host tables are never altered.",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		return store.Migrate(cmd.Context(), env.pool)
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

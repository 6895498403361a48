package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/imobcrm/geodedup/internal/model"
)

var enrichKind string

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Resolve canonical names for pending groups",
	Long:  "Runs the external-source cascade (IBGE registry, ViaCEP, Google) over pending groups that have no canonical name yet.",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		if env.enricher == nil {
			return eris.New("enrichment is disabled (ENRIQUECIMENTO_HABILITADO=false)")
		}

		kinds := model.AllKinds()
		if enrichKind != "" {
			kind, err := model.ParseKind(enrichKind)
			if err != nil {
				return err
			}
			kinds = []model.EntityKind{kind}
		}

		for _, kind := range kinds {
			n, err := env.enricher.EnrichPending(cmd.Context(), kind, 0)
			if err != nil {
				return err
			}
			zap.L().Info("enrichment pass done", zap.String("kind", string(kind)), zap.Int("enriched", n))
		}
		return nil
	},
}

func init() {
	enrichCmd.Flags().StringVar(&enrichKind, "kind", "", "entity kind; empty runs all in order")
	rootCmd.AddCommand(enrichCmd)
}

package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/claimguardian/ingest-cli/internal/model"
)

var (
	ingestSource string
	ingestFull   bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Run connectors now, regardless of cadence",
	Long:  "Triggers one source (--source) or every registered source, enqueueing fetched documents for the workers. Use --full to force a full refetch on incremental sources.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.sched.RegisterSources(ctx, env.sources); err != nil {
			return err
		}

		mode := model.FetchMode("")
		if ingestFull {
			mode = model.ModeFull
		}

		ids := env.registry.AllIDs()
		if ingestSource != "" {
			ids = []string{ingestSource}
		}
		for _, id := range ids {
			if err := env.sched.Trigger(ctx, id, mode); err != nil {
				if ingestSource != "" {
					return err
				}
				zap.L().Warn("trigger failed", zap.String("source_id", id), zap.Error(err))
			}
		}
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestSource, "source", "", "source ID to ingest (default: all)")
	ingestCmd.Flags().BoolVar(&ingestFull, "full", false, "force full mode")
	rootCmd.AddCommand(ingestCmd)
}

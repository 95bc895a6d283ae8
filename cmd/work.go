package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/claimguardian/ingest-cli/internal/scheduler"
)

var workWorkers int

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Run queue workers",
	Long:  "Claims queued documents and runs them through normalize, enrich, and upsert until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		enricher := newEnricher(env.cfg)
		normalizers := defaultNormalizers()
		workerCfg := scheduler.WorkerConfig{
			BatchSize:         env.cfg.Queue.BatchSize,
			MaxSchemaFailures: env.cfg.Scheduler.MaxSchemaFailures,
			SchemaFailureRate: env.cfg.Scheduler.SchemaFailureRate,
		}

		err = scheduler.RunPool(ctx, workWorkers, func() *scheduler.Worker {
			return scheduler.NewWorker(env.queue, normalizers, enricher, env.store, env.state, workerCfg)
		})
		if err == context.Canceled {
			return nil
		}
		return err
	},
}

func init() {
	workCmd.Flags().IntVar(&workWorkers, "workers", 2, "concurrent workers")
	rootCmd.AddCommand(workCmd)
}

package main

import (
	"encoding/json"
	"os"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the ingestion queue",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue depth by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		stats, err := env.queue.Stats(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	},
}

var queueDeadLimit int

var queueDeadCmd = &cobra.Command{
	Use:   "dead",
	Short: "List dead-letter items",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		items, err := env.queue.DeadLetters(ctx, queueDeadLimit)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(items)
	},
}

var queueRequeueCmd = &cobra.Command{
	Use:   "requeue <id>...",
	Short: "Reset dead-letter items to pending with a fresh attempt budget",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		ids := make([]int64, len(args))
		for i, a := range args {
			id, err := strconv.ParseInt(a, 10, 64)
			if err != nil {
				return eris.Wrapf(err, "parse item ID %q", a)
			}
			ids[i] = id
		}

		n, err := env.queue.Requeue(ctx, ids)
		if err != nil {
			return err
		}
		zap.L().Info("requeued dead-letter items", zap.Int64("requeued", n), zap.Int("requested", len(ids)))
		return nil
	},
}

func init() {
	queueDeadCmd.Flags().IntVar(&queueDeadLimit, "limit", 50, "max items to list")
	queueCmd.AddCommand(queueStatsCmd, queueDeadCmd, queueRequeueCmd)
	rootCmd.AddCommand(queueCmd)
}

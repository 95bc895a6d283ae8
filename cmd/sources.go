package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Inspect and manage data sources",
}

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sources and their run state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		sources, err := env.state.List(ctx)
		if err != nil {
			return err
		}
		return yaml.NewEncoder(os.Stdout).Encode(sources)
	},
}

var sourcesEnableCmd = &cobra.Command{
	Use:   "enable <source-id>",
	Short: "Re-enable a disabled source and reset its failure streaks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.state.SetDisabled(ctx, args[0], false); err != nil {
			return err
		}
		zap.L().Info("source enabled", zap.String("source_id", args[0]))
		return nil
	},
}

var sourcesDisableCmd = &cobra.Command{
	Use:   "disable <source-id>",
	Short: "Disable a source so the scheduler skips it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.state.SetDisabled(ctx, args[0], true); err != nil {
			return err
		}
		zap.L().Info("source disabled", zap.String("source_id", args[0]))
		return nil
	},
}

var sourcesRunsCmd = &cobra.Command{
	Use:   "runs <source-id>",
	Short: "Show recent runs for a source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		runs, err := env.state.RecentRuns(ctx, args[0], 20)
		if err != nil {
			return err
		}
		return yaml.NewEncoder(os.Stdout).Encode(runs)
	},
}

func init() {
	sourcesCmd.AddCommand(sourcesListCmd, sourcesEnableCmd, sourcesDisableCmd, sourcesRunsCmd)
	rootCmd.AddCommand(sourcesCmd)
}

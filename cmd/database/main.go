package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"vertexcentric/database"
	"vertexcentric/util"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	var (
		configPath string
		timeout    time.Duration
		logger     *zap.Logger
		cleanup    func()
		config     util.CoordConfig
	)

	rootCmd := &cobra.Command{
		Use:   "database",
		Short: "Manage the job result store named in the coord config",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := util.LoadConfig(configPath, &config); err != nil {
				return fmt.Errorf("coord config: %w", err)
			}
			if config.ResultStore.Kind == "" {
				return fmt.Errorf("no result store configured in %s", configPath)
			}
			var err error
			logger, cleanup, err = util.NewLogger("database", util.DEFAULT_LOG_FILE, false)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if cleanup != nil {
				cleanup()
			}
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", util.GetConfigPath(util.COORD_CONFIG), "coord config file")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 3*time.Minute, "give up after this long")

	setupCmd := &cobra.Command{
		Use:   "setup",
		Short: "Connect to the store, creating the DynamoDB table if needed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			store, err := database.NewResultStore(ctx, config.ResultStore)
			if err != nil {
				logger.Error("setup failed", zap.String("kind", config.ResultStore.Kind), zap.Error(err))
				return err
			}
			defer store.Close(ctx)
			logger.Info("result store ready", zap.String("kind", config.ResultStore.Kind))
			return nil
		},
	}

	getCmd := &cobra.Command{
		Use:   "get <jobId>",
		Short: "Print a finished job's result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			store, err := database.NewResultStore(ctx, config.ResultStore)
			if err != nil {
				return err
			}
			defer store.Close(ctx)

			record, err := store.GetResult(ctx, args[0])
			if err != nil {
				logger.Warn("could not read result", zap.String("jobId", args[0]), zap.Error(err))
				return err
			}
			out := json.NewEncoder(cmd.OutOrStdout())
			out.SetIndent("", "  ")
			return out.Encode(record)
		},
	}

	rootCmd.AddCommand(setupCmd, getCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"vertexcentric/updater"
	"vertexcentric/util"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const DEFAULT_CHECKPOINT_DSN = "checkpoints.db"

func main() {
	var debug bool

	rootCmd := &cobra.Command{
		Use:   "worker [config file]",
		Short: "Run a worker that computes its share of each job's updaters",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := util.GetConfigPath("worker1_config.json")
			if len(args) == 1 {
				configPath = args[0]
			}

			var config util.WorkerConfig
			if err := util.LoadConfig(configPath, &config); err != nil {
				return fmt.Errorf("worker config: %w", err)
			}
			if config.LogFile == "" {
				config.LogFile = util.DEFAULT_LOG_FILE
			}

			logger, cleanup, err := util.NewLogger(fmt.Sprintf("worker%d", config.WorkerId), config.LogFile, debug)
			if err != nil {
				return err
			}
			defer cleanup()

			dsn := config.CheckpointDSN
			if dsn == "" {
				dsn = DEFAULT_CHECKPOINT_DSN
			}
			store, err := updater.OpenCheckpointStore(config.CheckpointDriver, dsn)
			if err != nil {
				logger.Error("could not open checkpoint store", zap.String("driver", config.CheckpointDriver), zap.Error(err))
				return err
			}
			defer store.Close()

			worker := updater.NewWorker(config, updater.DefaultPrograms(), store, logger)
			if err := worker.Start(); err != nil {
				logger.Error("worker failed to start", zap.Error(err))
				return err
			}
			defer worker.Stop()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			logger.Info("shutting down")
			return nil
		},
	}
	rootCmd.Flags().BoolVarP(&debug, "debug", "d", false, "log at debug level")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

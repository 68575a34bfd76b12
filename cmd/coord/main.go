package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"vertexcentric/database"
	"vertexcentric/updater"
	"vertexcentric/util"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	var (
		configPath string
		debug      bool
	)

	rootCmd := &cobra.Command{
		Use:   "coord",
		Short: "Run the coordinator that schedules updater jobs on workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			var config util.CoordConfig
			if err := util.LoadConfig(configPath, &config); err != nil {
				return fmt.Errorf("coord config: %w", err)
			}
			if config.LogFile == "" {
				config.LogFile = util.DEFAULT_LOG_FILE
			}

			logger, cleanup, err := util.NewLogger("coord", config.LogFile, debug)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			results, err := database.NewResultStore(ctx, config.ResultStore)
			if err != nil {
				logger.Error("could not open result store", zap.String("kind", config.ResultStore.Kind), zap.Error(err))
				return err
			}
			if results != nil {
				defer results.Close(context.Background())
			}

			coord := updater.NewCoord(config, updater.DefaultPrograms(), results, logger)
			return coord.Start(ctx)
		},
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", util.GetConfigPath(util.COORD_CONFIG), "coord config file")
	rootCmd.Flags().BoolVarP(&debug, "debug", "d", false, "log at debug level")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

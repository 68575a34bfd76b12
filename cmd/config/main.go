package main

import (
	"fmt"
	"os"

	"vertexcentric/util"

	"github.com/spf13/cobra"
)

const DEFAULT_BASE_PORT = 43460

func main() {
	var (
		dir      string
		basePort int
	)

	rootCmd := &cobra.Command{
		Use:   "config",
		Short: "Maintain the JSON config files in the config directory",
	}
	rootCmd.PersistentFlags().StringVar(&dir, "dir", "config", "config directory")

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Point client and worker configs at the coord's addresses",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := util.SynchronizeConfigs(dir); err != nil {
				return fmt.Errorf("failed to synchronize config files: %w", err)
			}
			return nil
		},
	}

	portCmd := &cobra.Command{
		Use:   "port",
		Short: "Assign listen and fcheck ports to every worker config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := util.AssignPorts(dir, basePort); err != nil {
				return fmt.Errorf("failed to assign port numbers to workers: %w", err)
			}
			return nil
		},
	}
	portCmd.Flags().IntVar(&basePort, "base-port", DEFAULT_BASE_PORT, "first worker port")

	rootCmd.AddCommand(syncCmd, portCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

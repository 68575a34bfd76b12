package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"vertexcentric/updater"
	"vertexcentric/util"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath  string
	jobPath     string
	name        string
	runs        uint64
	stepsPerRun int
	debug       bool
)

var rootCmd = &cobra.Command{
	Use:   "client [program vertex context]",
	Short: "Send an updater job to the coord and print the result",
	Long: `Send a job to the coord's client API.

Either describe a single updater on the command line:

  client fibonacci 0 1 --runs 2

or pass a JSON job file with --job:

  client --job job.json`,
	Args: func(cmd *cobra.Command, args []string) error {
		if jobPath != "" {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(3)(cmd, args)
	},
	RunE: runClient,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", util.GetConfigPath("client_config.json"), "client config file")
	rootCmd.Flags().StringVarP(&jobPath, "job", "j", "", "JSON job file")
	rootCmd.Flags().StringVarP(&name, "name", "n", "updater", "updater name")
	rootCmd.Flags().Uint64VarP(&runs, "runs", "r", 1, "number of runs (supersteps)")
	rootCmd.Flags().IntVarP(&stepsPerRun, "steps", "s", updater.DEFAULT_STEPS_PER_RUN, "update steps per run")
	rootCmd.Flags().BoolVarP(&debug, "debug", "d", false, "log at debug level")
}

func jobFromArgs(args []string) (updater.Job, error) {
	if jobPath != "" {
		var job updater.Job
		if err := util.ReadJSONConfig(jobPath, &job); err != nil {
			return updater.Job{}, fmt.Errorf("read job %s: %w", jobPath, err)
		}
		return job, nil
	}

	vertex, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return updater.Job{}, fmt.Errorf("vertex %q: %w", args[1], err)
	}
	context, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		return updater.Job{}, fmt.Errorf("context %q: %w", args[2], err)
	}
	return updater.Job{
		Updaters: []updater.UpdaterSpec{{
			Name:    name,
			Program: args[0],
			Vertex:  vertex,
			Context: context,
		}},
		Runs:        runs,
		StepsPerRun: stepsPerRun,
	}, nil
}

func runClient(cmd *cobra.Command, args []string) error {
	var config util.ClientConfig
	if err := util.LoadConfig(configPath, &config); err != nil {
		return fmt.Errorf("client config: %w", err)
	}

	logger, cleanup, err := util.NewLogger(config.ClientId, util.DEFAULT_LOG_FILE, debug)
	if err != nil {
		return err
	}
	defer cleanup()

	job, err := jobFromArgs(args)
	if err != nil {
		return err
	}

	client := updater.NewClient(logger)
	notifyCh, err := client.Start(config.ClientId, config.CoordAddr)
	if err != nil {
		logger.Error("could not connect to coord", zap.String("coordAddr", config.CoordAddr), zap.Error(err))
		return err
	}
	defer client.Stop()

	if err := client.SendJob(job); err != nil {
		return err
	}
	logger.Info("sent job", zap.Int("updaters", len(job.Updaters)), zap.Uint64("runs", job.Runs))

	result := <-notifyCh
	if result.Error != "" {
		logger.Error("job failed", zap.String("jobId", result.Job.JobId), zap.String("error", result.Error))
		return fmt.Errorf("job failed: %s", result.Error)
	}
	logger.Info("job complete", zap.String("jobId", result.Job.JobId))

	out := json.NewEncoder(cmd.OutOrStdout())
	out.SetIndent("", "  ")
	return out.Encode(result)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

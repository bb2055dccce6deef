package main

import (
	"fmt"
	"os"

	"github.com/dontdude/gradex/internal/config"
	"github.com/dontdude/gradex/internal/logger"
	"github.com/spf13/cobra"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "grader",
	Short: "Sandboxed grading worker",
	Long:  `grader pulls grading jobs from a queue, runs each one in a resource limited Docker container and stores the results.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cmd)
		if err != nil {
			return err
		}
		logger.Setup(cfg.Log.Level)
		return nil
	},
	SilenceUsage: true,
	RunE:         runWorker,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "YAML config file")
	flags.String("log.level", config.DefaultLogLevel, "log level (debug, info, warn, error)")
	flags.String("queue.type", config.DefaultQueueType, "queue backend (redis, rabbitmq)")
	flags.String("queue.name", config.DefaultQueueName, "queue or stream name")
	flags.String("store.type", config.DefaultStoreType, "file store (s3, disk)")
	flags.Int("worker.max_concurrent_jobs", config.DefaultMaxConcurrentJobs, "number of jobs run in parallel")
	flags.String("health.addr", config.DefaultHealthAddr, "health and metrics listen address")
}

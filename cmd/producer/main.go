package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/dontdude/gradex/internal/archive"
	"github.com/dontdude/gradex/internal/config"
	"github.com/dontdude/gradex/internal/domain"
	"github.com/dontdude/gradex/internal/logger"
	"github.com/dontdude/gradex/internal/platform/queue"
	"github.com/dontdude/gradex/internal/platform/store"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var producerCmd = &cobra.Command{
	Use:          "producer",
	Short:        "Publish test grading jobs to the configured queue",
	SilenceUsage: true,
	RunE:         publish,
}

func main() {
	if err := producerCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	flags := producerCmd.Flags()
	flags.String("config", "", "YAML config file")
	flags.String("queue.type", config.DefaultQueueType, "queue backend (redis, rabbitmq)")
	flags.String("queue.name", config.DefaultQueueName, "queue or stream name")
	flags.String("store.type", config.DefaultStoreType, "file store (s3, disk)")
	flags.Int("count", 1, "number of jobs to publish")
	flags.String("image", "python:3.12-alpine", "grading image")
	flags.String("entrypoint", "/grade/run.sh", "command run inside the container")
	flags.Float64("timeout", domain.DefaultTimeoutSeconds, "container timeout in seconds")
	flags.String("files", "", "directory packed into each job's job.tar.gz")
	flags.String("bucket", "", "S3 bucket for job files")
	flags.String("root-key", "jobs", "S3 key prefix; each job uses <root-key>/<job id>")
	flags.String("webhook", "", "callback URL for job events")
}

func publish(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cmd)
	if err != nil {
		return err
	}
	logger.Setup(cfg.Log.Level)

	flags := cmd.Flags()
	count, _ := flags.GetInt("count")
	image, _ := flags.GetString("image")
	entrypoint, _ := flags.GetString("entrypoint")
	timeout, _ := flags.GetFloat64("timeout")
	files, _ := flags.GetString("files")
	bucket, _ := flags.GetString("bucket")
	rootKey, _ := flags.GetString("root-key")
	webhook, _ := flags.GetString("webhook")

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	q, err := queue.NewProvider(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect queue: %w", err)
	}
	defer q.Close()

	var input []byte
	var stores *store.Provider
	if files != "" {
		var buf bytes.Buffer
		if err := archive.Create(&buf, files); err != nil {
			return fmt.Errorf("pack %s: %w", files, err)
		}
		input = buf.Bytes()

		var objects store.ObjectClient
		if cfg.Store.Type == config.StoreS3 {
			if objects, err = store.NewMinIOClient(cfg.S3); err != nil {
				return err
			}
		}
		if stores, err = store.NewProvider(cfg, objects); err != nil {
			return err
		}
	}

	for i := 0; i < count; i++ {
		job := domain.Job{
			ID:         domain.JobID(uuid.NewString()),
			Image:      image,
			Entrypoint: entrypoint,
			Timeout:    timeout,
			WebhookURL: webhook,
		}
		if bucket != "" {
			job.S3Bucket = bucket
			job.S3RootKey = rootKey + "/" + job.ID.String()
		}

		if stores != nil {
			st, err := stores.ProvideStore(job)
			if err != nil {
				return err
			}
			if err := st.PutBuffer(ctx, store.InputName, input); err != nil {
				return fmt.Errorf("upload job files: %w", err)
			}
		}

		slog.Info("Publishing job", "jobID", job.ID)
		if err := q.Publish(ctx, job); err != nil {
			return fmt.Errorf("publish job %s: %w", job.ID, err)
		}
	}

	slog.Info("Successfully published jobs", "count", count)
	return nil
}

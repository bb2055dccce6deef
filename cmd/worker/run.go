package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/dontdude/gradex/internal/config"
	"github.com/dontdude/gradex/internal/domain"
	"github.com/dontdude/gradex/internal/load"
	"github.com/dontdude/gradex/internal/platform/docker"
	"github.com/dontdude/gradex/internal/platform/notify"
	"github.com/dontdude/gradex/internal/platform/postgres"
	"github.com/dontdude/gradex/internal/platform/queue"
	"github.com/dontdude/gradex/internal/platform/store"
	"github.com/dontdude/gradex/internal/platform/web"
	"github.com/dontdude/gradex/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

func runWorker(cmd *cobra.Command, _ []string) error {
	if cfg == nil {
		return fmt.Errorf("config not loaded")
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting grader", "instanceID", cfg.InstanceID, "queue", cfg.Queue.Name, "maxConcurrentJobs", cfg.Worker.MaxConcurrentJobs)

	dockerClient, err := docker.NewClient(ctx)
	if err != nil {
		return err
	}

	queues, err := queue.NewProvider(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect queue: %w", err)
	}
	defer queues.Close()

	stores, err := newStoreProvider(cfg)
	if err != nil {
		return err
	}

	notifiers, err := newNotifiers(ctx, cfg)
	if err != nil {
		return err
	}
	defer notifiers.Close()

	health := web.NewHealth()
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := web.NewMetrics(reg)

	reporters := []load.Reporter{metrics}
	var canceled domain.CancellationChecker
	if cfg.Database.DSN != "" {
		pool, err := postgres.Connect(ctx, cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer pool.Close()
		db := postgres.New(pool)
		canceled = db
		reporters = append(reporters, db)
	}

	tracker := load.NewTracker(cfg.InstanceID, cfg.Queue.Name, cfg.Worker.MaxConcurrentJobs, reporters)
	go tracker.Run(ctx, cfg.Load.ReportInterval)

	go func() {
		if err := web.Serve(ctx, cfg.Health.Addr, web.NewRouter(health, reg)); err != nil {
			slog.Error("Health server failed", "error", err)
		}
	}()

	orch := worker.NewOrchestrator(worker.OrchestratorConfig{
		Limits:         sandboxLimits(cfg.Sandbox),
		WorkDir:        cfg.Worker.WorkDir,
		VolumeName:     cfg.Worker.JobFilesVolumeName,
		VolumePath:     cfg.Worker.JobFilesVolumePath,
		ConsoleJobLogs: cfg.Worker.ConsoleJobLogs,
	}, worker.Deps{
		Images:   dockerClient,
		Runner:   docker.NewSandbox(dockerClient.API(), health),
		Stores:   stores,
		Notifier: notifiers,
		Load:     tracker,
		Observer: metrics,
	})

	pool := worker.NewPool(worker.PoolConfig{
		Concurrency:   cfg.Worker.MaxConcurrentJobs,
		LeaseOverhead: cfg.Worker.LeaseOverhead,
	}, queues, orch, canceled, metrics)
	if err := pool.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	slog.Info("Received shutdown signal")
	if !pool.Wait(cfg.Worker.ShutdownTimeout) {
		return errors.New("shutdown timed out with jobs still running")
	}
	return nil
}

func newStoreProvider(cfg *config.Config) (*store.Provider, error) {
	var objects store.ObjectClient
	if cfg.Store.Type == config.StoreS3 {
		client, err := store.NewMinIOClient(cfg.S3)
		if err != nil {
			return nil, err
		}
		objects = client
	}
	return store.NewProvider(cfg, objects)
}

func newNotifiers(ctx context.Context, cfg *config.Config) (notify.Multi, error) {
	notifiers := notify.Multi{notify.NewWebhook(cfg.Webhook.Timeout)}

	if brokers := cfg.Events.Brokers(); len(brokers) > 0 {
		k, err := notify.NewKafka(brokers, cfg.Events.KafkaTopic)
		if err != nil {
			return nil, fmt.Errorf("configure kafka events: %w", err)
		}
		notifiers = append(notifiers, k)
	}

	if cfg.Events.RedisChannel != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = notifiers.Close()
			return nil, fmt.Errorf("connect redis events: %w", err)
		}
		notifiers = append(notifiers, notify.NewRedisBroadcaster(client, cfg.Events.RedisChannel))
	}
	return notifiers, nil
}

func sandboxLimits(s config.SandboxConfig) domain.SandboxLimits {
	return domain.SandboxLimits{
		MemoryBytes:       s.Memory,
		MemorySwapBytes:   s.Memory,
		KernelMemoryBytes: s.KernelMemory,
		DiskQuotaBytes:    s.DiskQuota,
		PidsLimit:         s.PidsLimit,
		CPUPeriod:         s.CPUPeriod,
		CPUQuota:          s.CPUQuota,
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"smartboard-ingest/internal/config"
	"smartboard-ingest/internal/eventbus"
	"smartboard-ingest/internal/ingest"
	"smartboard-ingest/internal/models"
	"smartboard-ingest/internal/objectstore"
	"smartboard-ingest/internal/queue"
	"smartboard-ingest/internal/store"
	"smartboard-ingest/internal/telemetry"
	workerproc "smartboard-ingest/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger, closeLog := config.SetupLogger(cfg, "svc-worker")
	defer func() { _ = closeLog() }()
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		return err
	}

	objects, err := objectstore.New(ctx, cfg)
	if err != nil {
		return err
	}

	redisClient := queue.NewRedisClient(cfg)
	defer redisClient.Close()
	q := queue.NewRedisQueue(redisClient, cfg)
	bus := eventbus.NewRedisBus(redisClient, cfg.EventsChannel, logger)

	// Generate a unique worker ID from hostname or env var
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	processor := workerproc.NewProcessorWithID(cfg, q, logger, workerID)
	processor.RegisterHandler(models.JobIngest, ingest.NewWorker(cfg, st, objects, bus, logger).Handle)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	logger.Info("worker starting",
		"visibility", cfg.VisibilityTimeout, "backoff_initial", cfg.BackoffInitial,
		"max_attempts", cfg.MaxAttempts, "job_timeout", cfg.JobTimeout)
	return processor.Run(ctx)
}

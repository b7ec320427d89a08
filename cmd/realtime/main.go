package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"smartboard-ingest/internal/config"
	"smartboard-ingest/internal/eventbus"
	"smartboard-ingest/internal/queue"
	"smartboard-ingest/internal/realtime"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger, closeLog := config.SetupLogger(cfg, "svc-realtime")
	defer func() { _ = closeLog() }()
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("realtime stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	redisClient := queue.NewRedisClient(cfg)
	defer redisClient.Close()

	hub := realtime.NewHub(logger)
	bus := eventbus.NewRedisBus(redisClient, cfg.EventsChannel, logger)
	go func() {
		if err := realtime.NewConsumer(bus, hub, logger).Run(ctx, nil); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("event consumer stopped", "error", err)
		}
	}()

	ping := func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	httpServer := &http.Server{
		Addr:              ":" + cfg.RealtimePort,
		Handler:           realtime.NewRouter(realtime.NewStreams(hub, cfg, logger), hub, ping),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("realtime listening", "port", cfg.RealtimePort, "channel", bus.Channel())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	// streams stay open until their request context ends, so bound the drain
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return httpServer.Close()
	}
	return nil
}

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"smartboard-ingest/internal/config"
	"smartboard-ingest/internal/ingest"
	"smartboard-ingest/internal/objectstore"
	"smartboard-ingest/internal/queue"
	"smartboard-ingest/internal/store"
)

// app holds lazily opened connections so each command only dials what it uses.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	closeLog func() error
	redis    *redis.Client
	queue    *queue.RedisQueue
	store    *store.Store
	objects  objectstore.Store
}

func newRootCmd(a *app) *cobra.Command {
	var verbose bool
	root := &cobra.Command{
		Use:           "ingestctl",
		Short:         "Operate the dataset ingest pipeline",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if a.logger != nil {
				return nil
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if verbose {
				cfg.LogLevel = "debug"
			}
			a.cfg = cfg
			a.logger, a.closeLog = config.SetupLogger(cfg, "ingestctl")
			return nil
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(newMigrateCmd(a))
	root.AddCommand(newQueueCmd(a))
	root.AddCommand(newDLQCmd(a))
	root.AddCommand(newOrphansCmd(a))
	root.AddCommand(newUploadCmd(a))
	return root
}

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			if err := st.RunMigrations(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func (a *app) openQueue() *queue.RedisQueue {
	if a.queue == nil {
		a.redis = queue.NewRedisClient(a.cfg)
		a.queue = queue.NewRedisQueue(a.redis, a.cfg)
	}
	return a.queue
}

func (a *app) openStore(ctx context.Context) (*store.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	st, err := store.New(ctx, a.cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	a.store = st
	return st, nil
}

func (a *app) openObjects(ctx context.Context) (objectstore.Store, error) {
	if a.objects != nil {
		return a.objects, nil
	}
	objects, err := objectstore.New(ctx, a.cfg)
	if err != nil {
		return nil, err
	}
	a.objects = objects
	return objects, nil
}

func (a *app) producer(ctx context.Context) (*ingest.Producer, error) {
	st, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	objects, err := a.openObjects(ctx)
	if err != nil {
		return nil, err
	}
	return ingest.NewProducer(a.cfg, st, objects, a.openQueue(), a.logger), nil
}

func (a *app) close() {
	if a.store != nil {
		a.store.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.closeLog != nil {
		_ = a.closeLog()
	}
}

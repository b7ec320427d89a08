package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"smartboard-ingest/internal/eventbus"
	"smartboard-ingest/internal/events"
)

// Consumer feeds bus events into the hub. It resubscribes after the subscription drops.
type Consumer struct {
	bus    *eventbus.RedisBus
	hub    *Hub
	logger *slog.Logger
	retry  time.Duration
}

func NewConsumer(bus *eventbus.RedisBus, hub *Hub, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{bus: bus, hub: hub, logger: logger, retry: time.Second}
}

// Run blocks until ctx is done. ready, when non-nil, is closed once the first subscription
// is confirmed.
func (c *Consumer) Run(ctx context.Context, ready chan<- struct{}) error {
	first := true
	for {
		err := c.runOnce(ctx, func() {
			if first && ready != nil {
				close(ready)
			}
			first = false
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("event subscription lost, retrying", "channel", c.bus.Channel(), "error", err, "retry_in", c.retry)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retry):
		}
	}
}

func (c *Consumer) runOnce(ctx context.Context, subscribed func()) error {
	sub, err := c.bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer sub.Close()
	subscribed()
	c.logger.Info("subscribed to events", "channel", c.bus.Channel())

	err = sub.Run(ctx, func(ev events.Event) {
		n := c.hub.Dispatch(ev)
		c.logger.Debug("event dispatched", "event", ev.Kind, "tenant_id", ev.TenantID(), "dataset_id", ev.DatasetID(), "listeners", n)
	})
	if err == nil {
		err = errors.New("subscription ended")
	}
	return fmt.Errorf("consume %s: %w", c.bus.Channel(), err)
}

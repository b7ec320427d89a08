// Package eventbus carries dataset events between the worker and the realtime service over
// a single Redis pub/sub channel.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"smartboard-ingest/internal/events"
)

// RedisBus publishes and subscribes to one channel. Delivery is fire-and-forget: subscribers
// that are not connected when an event is published never see it.
type RedisBus struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewRedisBus builds a bus on an existing client.
func NewRedisBus(client *redis.Client, channel string, logger *slog.Logger) *RedisBus {
	if channel == "" {
		channel = "smartboard:events"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{client: client, channel: channel, logger: logger}
}

// Channel is the pub/sub channel name.
func (b *RedisBus) Channel() string {
	return b.channel
}

// Publish serializes ev and sends it to the channel.
func (b *RedisBus) Publish(ctx context.Context, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", b.channel, err)
	}
	return nil
}

// Subscription is an active channel subscription.
type Subscription struct {
	ps     *redis.PubSub
	logger *slog.Logger
}

// Subscribe joins the channel and waits for the server to confirm, so events published
// after it returns are delivered.
func (b *RedisBus) Subscribe(ctx context.Context) (*Subscription, error) {
	ps := b.client.Subscribe(ctx, b.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	return &Subscription{ps: ps, logger: b.logger}, nil
}

// Run hands every decoded event to handle until ctx is done or the subscription closes.
// Messages that do not decode are logged and skipped.
func (s *Subscription) Run(ctx context.Context, handle func(events.Event)) error {
	ch := s.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("subscription closed")
			}
			ev, err := events.Decode([]byte(msg.Payload))
			if err != nil {
				s.logger.Warn("drop undecodable event", "channel", msg.Channel, "error", err)
				continue
			}
			handle(ev)
		}
	}
}

// Close leaves the channel.
func (s *Subscription) Close() error {
	return s.ps.Close()
}

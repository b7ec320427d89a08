package eventbus

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartboard-ingest/internal/events"
)

func newTestBus(t *testing.T) (*RedisBus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisBus(client, "", slog.New(slog.NewTextHandler(io.Discard, nil))), mr
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()

	got := make(chan events.Event, 4)
	go func() { _ = sub.Run(ctx, func(ev events.Event) { got <- ev }) }()

	at := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, bus.Publish(ctx, events.Ready("T", "D", 2, at)))
	require.NoError(t, bus.Publish(ctx, events.Failed("T", "D2", "uploaded file not found", at)))

	select {
	case ev := <-got:
		assert.Equal(t, events.KindDatasetReady, ev.Kind)
		assert.Equal(t, 2, ev.Ready.RowCount)
		assert.Equal(t, at, ev.Ready.ProcessedAt)
	case <-time.After(2 * time.Second):
		t.Fatal("ready event not delivered")
	}
	select {
	case ev := <-got:
		assert.Equal(t, events.KindDatasetError, ev.Kind)
		assert.Equal(t, "D2", ev.DatasetID())
	case <-time.After(2 * time.Second):
		t.Fatal("error event not delivered")
	}
}

func TestSubscriberSkipsUndecodableMessages(t *testing.T) {
	bus, mr := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()

	got := make(chan events.Event, 4)
	go func() { _ = sub.Run(ctx, func(ev events.Event) { got <- ev }) }()

	mr.Publish(bus.Channel(), `{"event":"dataset.deleted","tenantId":"T"}`)
	mr.Publish(bus.Channel(), `not json`)
	require.NoError(t, bus.Publish(ctx, events.Ready("T", "D", 1, time.Now())))

	select {
	case ev := <-got:
		assert.Equal(t, "D", ev.DatasetID())
	case <-time.After(2 * time.Second):
		t.Fatal("valid event not delivered")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()

	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx, func(events.Event) {}) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return")
	}
}

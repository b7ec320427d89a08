// Package realtime fans dataset events out to the live clients of each tenant.
package realtime

import (
	"log/slog"
	"sync"

	"smartboard-ingest/internal/events"
)

// Listener receives the events of one tenant. It runs on the dispatching goroutine and must
// not block.
type Listener func(events.Event)

// Hub is the registry of listeners per tenant.
type Hub struct {
	mu      sync.RWMutex
	next    uint64
	tenants map[string]map[uint64]Listener
	logger  *slog.Logger
}

// NewHub returns an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{tenants: make(map[string]map[uint64]Listener), logger: logger}
}

// Subscribe registers l for tenantID. The returned func removes exactly this registration
// and is safe to call more than once.
func (h *Hub) Subscribe(tenantID string, l Listener) func() {
	h.mu.Lock()
	h.next++
	id := h.next
	set, ok := h.tenants[tenantID]
	if !ok {
		set = make(map[uint64]Listener)
		h.tenants[tenantID] = set
	}
	set[id] = l
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { h.remove(tenantID, id) })
	}
}

func (h *Hub) remove(tenantID string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.tenants[tenantID]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(h.tenants, tenantID)
	}
}

// Dispatch delivers ev to every listener registered for its tenant when the call starts.
// Listeners run outside the lock, so they may subscribe or unsubscribe. It returns the
// number of listeners invoked.
func (h *Hub) Dispatch(ev events.Event) int {
	tenantID := ev.TenantID()
	if tenantID == "" {
		return 0
	}

	h.mu.RLock()
	set := h.tenants[tenantID]
	snapshot := make([]Listener, 0, len(set))
	for _, l := range set {
		snapshot = append(snapshot, l)
	}
	h.mu.RUnlock()

	for _, l := range snapshot {
		h.invoke(l, ev)
	}
	return len(snapshot)
}

func (h *Hub) invoke(l Listener, ev events.Event) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("listener panicked", "tenant_id", ev.TenantID(), "event", ev.Kind, "panic", r)
		}
	}()
	l(ev)
}

// Subscribers returns the number of listeners for tenantID.
func (h *Hub) Subscribers(tenantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.tenants[tenantID])
}

// Tenants returns the number of tenants with at least one listener.
func (h *Hub) Tenants() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.tenants)
}

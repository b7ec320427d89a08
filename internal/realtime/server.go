package realtime

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"smartboard-ingest/internal/telemetry"
)

// NewRouter wires the push endpoints, health and metrics. ping checks the bus connection.
func NewRouter(streams *Streams, hub *Hub, ping func(context.Context) error) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/events/stream", streams.SSE)
	r.Get("/events/ws", streams.WebSocket)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		body := map[string]any{"ok": true, "service": "svc-realtime", "tenants": hub.Tenants()}
		if ping != nil {
			if err := ping(r.Context()); err != nil {
				status = http.StatusServiceUnavailable
				body["ok"] = false
				body["error"] = "redis unavailable"
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	})
	r.Handle("/metrics", telemetry.Handler())
	return r
}

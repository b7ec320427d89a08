package realtime

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"smartboard-ingest/internal/config"
	"smartboard-ingest/internal/events"
	"smartboard-ingest/internal/telemetry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
)

// Streams serves the per-tenant push endpoints.
type Streams struct {
	hub       *Hub
	heartbeat time.Duration
	buffer    int
	upgrader  websocket.Upgrader
	logger    *slog.Logger
}

func NewStreams(hub *Hub, cfg config.Config, logger *slog.Logger) *Streams {
	if logger == nil {
		logger = slog.Default()
	}
	heartbeat := cfg.StreamHeartbeat
	if heartbeat <= 0 {
		heartbeat = 20 * time.Second
	}
	buffer := cfg.StreamBuffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Streams{
		hub:       hub,
		heartbeat: heartbeat,
		buffer:    buffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.StreamAllowedOrigins),
		},
		logger: logger,
	}
}

// originChecker accepts requests without an Origin header, same-origin requests and the
// configured origins.
func originChecker(allowed []string) func(*http.Request) bool {
	anyOrigin := false
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		o = strings.TrimRight(strings.ToLower(strings.TrimSpace(o)), "/")
		if o == "*" {
			anyOrigin = true
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || anyOrigin {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if strings.EqualFold(u.Host, r.Host) {
			return true
		}
		_, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}

// TenantFromRequest reads the tenant from the X-Tenant-ID header, falling back to the
// tenant query parameter for browser clients that cannot set headers.
func TenantFromRequest(r *http.Request) string {
	if t := strings.TrimSpace(r.Header.Get("X-Tenant-ID")); t != "" {
		return t
	}
	return strings.TrimSpace(r.URL.Query().Get("tenant"))
}

// attach subscribes a buffered outbox for tenantID. A full outbox drops the event so a slow
// client never stalls dispatch. The outbox is never closed; callers stop reading after detach.
func (s *Streams) attach(tenantID string) (<-chan []byte, func()) {
	outbox := make(chan []byte, s.buffer)
	unsubscribe := s.hub.Subscribe(tenantID, func(ev events.Event) {
		data, err := json.Marshal(ev)
		if err != nil {
			s.logger.Error("marshal event", "event", ev.Kind, "error", err)
			return
		}
		select {
		case outbox <- data:
		default:
			telemetry.EventsDropped.Inc()
		}
	})
	telemetry.StreamClients.Inc()
	return outbox, func() {
		unsubscribe()
		telemetry.StreamClients.Dec()
	}
}

// SSE streams events as text/event-stream with a comment heartbeat.
func (s *Streams) SSE(w http.ResponseWriter, r *http.Request) {
	tenantID := TenantFromRequest(r)
	if tenantID == "" {
		http.Error(w, "missing x-tenant-id header", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	outbox, detach := s.attach(tenantID)
	defer detach()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	log := s.logger.With("tenant_id", tenantID, "transport", "sse")
	log.Debug("stream opened")

	for {
		select {
		case <-r.Context().Done():
			log.Debug("stream closed")
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case data := <-outbox:
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// WebSocket streams events as text frames, one JSON event per frame.
func (s *Streams) WebSocket(w http.ResponseWriter, r *http.Request) {
	tenantID := TenantFromRequest(r)
	if tenantID == "" {
		http.Error(w, "missing x-tenant-id header", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "tenant_id", tenantID, "error", err)
		return
	}
	defer conn.Close()

	outbox, detach := s.attach(tenantID)
	defer detach()

	closed := make(chan struct{})
	go s.readPump(conn, closed)
	s.writePump(conn, outbox, closed)
}

// readPump discards client frames and keeps the read deadline fresh on pong.
func (s *Streams) readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn("websocket read", "error", err)
			}
			return
		}
	}
}

func (s *Streams) writePump(conn *websocket.Conn, outbox <-chan []byte, closed <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case data := <-outbox:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

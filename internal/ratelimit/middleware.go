package ratelimit

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
)

// Middleware rejects requests with 429 once the tenant's bucket for scope is empty. tenant
// extracts the tenant from the request; requests without one pass through to the handler,
// which is responsible for rejecting them. Limiter errors fail open.
func Middleware(b *TokenBucket, scope string, tenant func(*http.Request) string, onReject func(), logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := tenant(r)
			if b == nil || id == "" {
				next.ServeHTTP(w, r)
				return
			}
			d, err := b.Allow(r.Context(), Key(scope, id))
			if err != nil {
				logger.Warn("rate limiter unavailable", "scope", scope, "tenant_id", id, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !d.Allowed {
				if onReject != nil {
					onReject()
				}
				secs := int(math.Ceil(d.RetryAfter.Seconds()))
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "rate limited"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

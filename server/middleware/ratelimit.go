package middleware

import (
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tomyedwab/relay/internal/httputils"
	"github.com/tomyedwab/relay/ratelimit"
)

// RateLimit rejects requests from a source whose token bucket is empty.
// Websocket upgrades are left to the relay's own connection ceiling.
func RateLimit(limiter *ratelimit.IPRateLimiter, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if websocket.IsWebSocketUpgrade(r) {
				next.ServeHTTP(w, r)
				return
			}
			ip := httputils.ClientIP(r)
			if !limiter.Allow(ip) {
				logger.Debug("HTTP rate limit exceeded", zap.String("source", ip), zap.String("path", r.URL.Path))
				httputils.WriteError(w, http.StatusTooManyRequests, ratelimit.Reason)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

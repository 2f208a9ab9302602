package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"peertube-live/internal/api"
	"peertube-live/internal/observability/logging"
	"peertube-live/internal/observability/metrics"
)

// writeMiddlewareError answers in the API's JSON error shape.
func writeMiddlewareError(w http.ResponseWriter, status int, message string) {
	api.WriteError(w, status, errors.New(message))
}

// requestLogger prefers the logger stored by requestContextMiddleware.
func requestLogger(r *http.Request, fallback *slog.Logger) *slog.Logger {
	if logger := logging.LoggerFromContext(r.Context()); logger != nil {
		return logger
	}
	if fallback == nil {
		return slog.Default()
	}
	return logging.WithContext(r.Context(), fallback)
}

// rateLimitMiddleware applies the global bucket to every request and the
// per-client login budget to password grants.
func rateLimitMiddleware(rl *rateLimiter, resolver *clientIPResolver, logger *slog.Logger, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.AllowRequest() {
			writeMiddlewareError(w, http.StatusTooManyRequests, "global rate limit exceeded")
			return
		}
		if r.Method != http.MethodPost || r.URL.Path != loginPath {
			next.ServeHTTP(w, r)
			return
		}

		ip, source := resolveClientIP(r, resolver)
		allowed, retryAfter, err := rl.AllowLogin(r.Context(), ip)
		switch {
		case err != nil:
			requestLogger(r, logger).Error("login rate limiter unavailable",
				"error", err, "remote_ip", ip, "ip_source", source)
			writeMiddlewareError(w, http.StatusServiceUnavailable, "rate limit failure")
		case !allowed:
			if secs := int(retryAfter.Round(time.Second) / time.Second); secs > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(secs))
			}
			writeMiddlewareError(w, http.StatusTooManyRequests, "too many login attempts")
		default:
			next.ServeHTTP(w, r)
		}
	})
}

// auditMiddleware logs every state changing call with the caller identity,
// so it has to sit behind authentication.
func auditMiddleware(logger *slog.Logger, resolver *clientIPResolver, next http.Handler) http.Handler {
	if logger == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		started := time.Now()
		rr := metrics.NewResponseRecorder(w)
		next.ServeHTTP(rr, r)

		ip, _ := resolveClientIP(r, resolver)
		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rr.Status(),
			"duration_ms", time.Since(started).Milliseconds(),
			"remote_ip", ip,
		}
		if id, ok := logging.RequestIDFromContext(r.Context()); ok {
			attrs = append(attrs, "request_id", id)
		}
		if identity, ok := api.IdentityFromContext(r.Context()); ok {
			attrs = append(attrs, "user_id", identity.UserID, "admin", identity.Admin)
		}
		logger.Info("audit", attrs...)
	})
}

package logging

import (
	"log/slog"
	"net/http"
	"time"

	"peertube-live/internal/observability/metrics"
)

type RequestLoggerConfig struct {
	Logger            *slog.Logger
	DisableRemoteAddr bool
	// AdditionalFields appends key/value pairs computed after the handler ran.
	AdditionalFields func(r *http.Request, status int, elapsed time.Duration) []any
}

// RequestLogger emits one line per request, at error level for 5xx.
func RequestLogger(cfg RequestLoggerConfig) func(http.Handler) http.Handler {
	base := cfg.Logger
	if base == nil {
		base = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			rr := metrics.NewResponseRecorder(w)
			next.ServeHTTP(rr, r)
			elapsed := time.Since(started)

			status := rr.Status()
			args := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", rr.BytesWritten(),
				"duration_ms", elapsed.Milliseconds(),
			}
			if !cfg.DisableRemoteAddr {
				args = append(args, "remote_addr", r.RemoteAddr)
			}
			if cfg.AdditionalFields != nil {
				args = append(args, cfg.AdditionalFields(r, status, elapsed)...)
			}

			level, msg := slog.LevelInfo, "request completed"
			if status >= http.StatusInternalServerError {
				level, msg = slog.LevelError, "request failed"
			}
			WithContext(r.Context(), base).Log(r.Context(), level, msg, args...)
		})
	}
}

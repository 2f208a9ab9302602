package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"peertube-live/internal/observability/logging"
)

// requestContextMiddleware runs after chi's RequestID middleware. It copies
// the id into the logging context, echoes it to the client and stores a
// request scoped logger for the handlers.
func requestContextMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if requestID := middleware.GetReqID(ctx); requestID != "" {
			ctx = logging.ContextWithRequestID(ctx, requestID)
			w.Header().Set(middleware.RequestIDHeader, requestID)
		}
		ctx = logging.ContextWithLogger(ctx, logging.WithContext(ctx, logger))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

package logging

import (
	"context"
	"log/slog"
	"strings"
)

type ctxKey struct{}

// scope is the set of identifiers attached to a context. Each With* call
// copies it so parent contexts never observe child values.
type scope struct {
	requestID string
	liveID    int64
	sessionID string
	logger    *slog.Logger
}

func scopeFrom(ctx context.Context) scope {
	if ctx == nil {
		return scope{}
	}
	s, _ := ctx.Value(ctxKey{}).(scope)
	return s
}

func withScope(ctx context.Context, edit func(*scope)) context.Context {
	s := scopeFrom(ctx)
	edit(&s)
	return context.WithValue(ctx, ctxKey{}, s)
}

func ContextWithRequestID(ctx context.Context, id string) context.Context {
	id = strings.TrimSpace(id)
	if id == "" {
		return ctx
	}
	return withScope(ctx, func(s *scope) { s.requestID = id })
}

func RequestIDFromContext(ctx context.Context) (string, bool) {
	id := scopeFrom(ctx).requestID
	return id, id != ""
}

// ContextWithLiveID ignores non-positive ids.
func ContextWithLiveID(ctx context.Context, id int64) context.Context {
	if id <= 0 {
		return ctx
	}
	return withScope(ctx, func(s *scope) { s.liveID = id })
}

func LiveIDFromContext(ctx context.Context) (int64, bool) {
	id := scopeFrom(ctx).liveID
	return id, id > 0
}

// ContextWithSessionID records the ingest session handling a live.
func ContextWithSessionID(ctx context.Context, id string) context.Context {
	id = strings.TrimSpace(id)
	if id == "" {
		return ctx
	}
	return withScope(ctx, func(s *scope) { s.sessionID = id })
}

func SessionIDFromContext(ctx context.Context) (string, bool) {
	id := scopeFrom(ctx).sessionID
	return id, id != ""
}

func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return withScope(ctx, func(s *scope) { s.logger = logger })
}

// LoggerFromContext returns nil when no logger was attached.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	return scopeFrom(ctx).logger
}

// WithContext adds request_id, live_id and session_id from ctx to logger.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return nil
	}
	s := scopeFrom(ctx)
	var attrs []any
	if s.requestID != "" {
		attrs = append(attrs, slog.String("request_id", s.requestID))
	}
	if s.liveID > 0 {
		attrs = append(attrs, slog.Int64("live_id", s.liveID))
	}
	if s.sessionID != "" {
		attrs = append(attrs, slog.String("session_id", s.sessionID))
	}
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(attrs...)
}

package main

import (
	"context"
	"log/slog"
	"time"
)

type sessionPurger interface {
	PurgeExpired(ctx context.Context) error
}

// runSessionPurger deletes expired access tokens on every tick until ctx is
// done or ticks closes. Failures are logged and retried on the next tick.
func runSessionPurger(ctx context.Context, logger *slog.Logger, sessions sessionPurger, ticks <-chan time.Time) {
	if sessions == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ticks:
			if !ok {
				return
			}
		}
		err := sessions.PurgeExpired(ctx)
		if err != nil && ctx.Err() == nil && logger != nil {
			logger.Warn("session purge failed", "error", err)
		}
	}
}

package main

import (
	"context"
	"log/slog"

	"peertube-live/internal/models"
	"peertube-live/internal/session"
)

type sessionCloser interface {
	CloseAll(cause session.Cause)
}

// closeOnShutdown ends every live session once ctx is done and only then
// stops the replay worker, so the replays those sessions schedule are
// still accepted and drained.
func closeOnShutdown(ctx context.Context, sessions sessionCloser, stopReplays context.CancelFunc) {
	<-ctx.Done()
	sessions.CloseAll(session.CauseStop)
	stopReplays()
}

type recoveredReplays interface {
	RecoveredReplays() []models.LiveVideo
}

// scheduleRecoveredReplays hands replays interrupted by a previous process to
// the worker. Without one they are logged as lost.
func scheduleRecoveredReplays(registry recoveredReplays, worker session.ReplayScheduler, logger *slog.Logger) int {
	lives := registry.RecoveredReplays()
	for _, live := range lives {
		if worker == nil {
			logger.Warn("replay of interrupted live lost: no archive target", "live_id", live.ID)
			continue
		}
		worker.Schedule(live)
	}
	return len(lives)
}

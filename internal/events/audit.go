package events

import (
	"context"
	"log/slog"

	"peertube-live/internal/observability/metrics"
)

// AuditWorker drains a queue into the structured log and the event counters.
type AuditWorker struct {
	Queue   Queue
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Run consumes events until ctx is cancelled or the subscription closes.
func (w AuditWorker) Run(ctx context.Context) error {
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := w.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	sub := w.Queue.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-sub.Events():
			if !ok {
				return nil
			}
			recorder.ObserveEvent(string(event.Type))
			level := slog.LevelInfo
			if event.Type == TypeReplayFailed {
				level = slog.LevelWarn
			}
			logger.Log(ctx, level, "live event",
				"type", event.Type,
				"live_id", event.LiveID,
				"session_id", event.SessionID,
				"from", event.From,
				"state", event.State,
				"cause", event.Cause,
				"detail", event.Detail,
			)
		}
	}
}

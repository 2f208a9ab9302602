// Package ingest admits publishers. The Gate turns a stream key into a
// session handle and RTMPServer speaks RTMP to encoders on its behalf.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"peertube-live/internal/models"
	"peertube-live/internal/observability/metrics"
	"peertube-live/internal/policy"
	"peertube-live/internal/session"
	"peertube-live/internal/storage"
)

// Decision reasons reported to the metrics recorder.
const (
	ReasonAccepted   = "accepted"
	ReasonUnknownKey = "unknown_key"
	ReasonDisabled   = "disabled"
	ReasonConflict   = "conflict"
	ReasonQuota      = "quota"
	ReasonInternal   = "internal"
)

type Dependencies struct {
	Registry *storage.Registry
	Policies policy.Store
	Sessions *session.Machine
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
}

// Gate decides whether an ingest connection may start a session.
type Gate struct {
	registry *storage.Registry
	policies policy.Store
	sessions *session.Machine
	logger   *slog.Logger
	metrics  *metrics.Recorder
}

func NewGate(deps Dependencies) (*Gate, error) {
	if deps.Registry == nil || deps.Policies == nil || deps.Sessions == nil {
		return nil, errors.New("ingest: missing dependency")
	}
	g := &Gate{
		registry: deps.Registry,
		policies: deps.Policies,
		sessions: deps.Sessions,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.metrics == nil {
		g.metrics = metrics.Default()
	}
	return g, nil
}

// AcceptConnection resolves streamKey and starts a session for it. The
// caller must Close the returned handle when the connection ends.
func (g *Gate) AcceptConnection(ctx context.Context, streamKey string) (*session.Handle, error) {
	const op = "accept connection"

	streamKey = strings.TrimSpace(streamKey)
	video, err := g.registry.LookupStreamKey(streamKey)
	if err != nil {
		g.refuse(ReasonUnknownKey, 0, err)
		return nil, models.Errorf(models.KindNotFound, op, "unknown stream key")
	}

	current, err := g.policies.Get(ctx)
	if err != nil {
		err = models.Wrap(models.KindInternal, op, err)
		g.refuse(ReasonInternal, video.ID, err)
		return nil, err
	}
	if !current.Enabled {
		err := models.Errorf(models.KindForbidden, op, "live streaming is disabled on this instance")
		g.refuse(ReasonDisabled, video.ID, err)
		return nil, err
	}

	h, err := g.sessions.BeginWithKey(ctx, video.ID, streamKey, streamGuard(current))
	if err != nil {
		g.refuse(reasonFor(err), video.ID, err)
		return nil, err
	}
	g.metrics.ObserveIngestDecision(ReasonAccepted)
	return h, nil
}

// Publish asks the packaging pipeline for playable output. A failure ends
// the session in ERRORED.
func (g *Gate) Publish(ctx context.Context, h *session.Handle) error {
	if _, err := g.sessions.MarkPublished(ctx, h); err != nil {
		if models.IsKind(err, models.KindConflict) {
			// The session ended while packaging started.
			return err
		}
		g.logger.Error("publish live session", "live_id", h.LiveID(), "session_id", h.SessionID(), "error", err)
		if closeErr := h.Close(session.CauseInternal); closeErr != nil {
			g.logger.Error("close failed session", "live_id", h.LiveID(), "error", closeErr)
		}
		return err
	}
	return nil
}

func (g *Gate) refuse(reason string, liveID int64, err error) {
	g.metrics.ObserveIngestDecision(reason)
	g.logger.Info("ingest refused", "reason", reason, "live_id", liveID, "error", err)
}

// streamGuard runs under the registry counter lock. Only running sessions
// count towards the quotas at the start of a broadcast.
func streamGuard(current models.LivePolicy) storage.Guard {
	return func(usage storage.Usage) error {
		if current.InstanceQuotaReached(usage.InstanceActive) {
			return models.Errorf(models.KindForbidden, "begin stream", "instance live quota of %d reached", current.MaxInstanceLives)
		}
		if current.UserQuotaReached(usage.OwnerActive) {
			return models.Errorf(models.KindForbidden, "begin stream", "user live quota of %d reached", current.MaxUserLives)
		}
		return nil
	}
}

func reasonFor(err error) string {
	switch models.KindOf(err) {
	case models.KindConflict:
		return ReasonConflict
	case models.KindForbidden:
		return ReasonQuota
	case models.KindNotFound:
		return ReasonUnknownKey
	default:
		return ReasonInternal
	}
}

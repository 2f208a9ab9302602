// Package session drives a live through one broadcast: it claims the ingest
// slot, publishes once packaging is ready and releases everything when the
// handle closes.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"peertube-live/internal/events"
	"peertube-live/internal/models"
	"peertube-live/internal/observability/logging"
	"peertube-live/internal/observability/metrics"
	"peertube-live/internal/storage"
	"peertube-live/internal/transcode"
)

const defaultTransitionTimeout = 10 * time.Second

// Cause says why a session ended.
type Cause string

const (
	CauseDisconnect    Cause = "disconnect"
	CauseStop          Cause = "stop"
	CauseForceEnd      Cause = "force_end"
	CauseProtocolError Cause = "protocol_error"
	CauseInternal      Cause = "internal"
)

// Errored reports whether the cause leaves the live in ERRORED.
func (c Cause) Errored() bool {
	return c == CauseProtocolError || c == CauseInternal
}

// ReplayScheduler queues a finished broadcast for archiving. Schedule must
// not block.
type ReplayScheduler interface {
	Schedule(video models.LiveVideo)
}

type Config struct {
	// RotateKeyOnRearm issues a new stream key when a permanent live returns
	// to READY.
	RotateKeyOnRearm bool
	// TransitionTimeout bounds the end-of-session work started by Close.
	TransitionTimeout time.Duration
}

// Dependencies are the collaborators of a Machine. Only Registry is required.
type Dependencies struct {
	Registry   *storage.Registry
	Transcoder transcode.Controller
	Events     events.Publisher
	Replays    ReplayScheduler
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
}

// Machine owns the live handles of this process.
type Machine struct {
	registry   *storage.Registry
	transcoder transcode.Controller
	events     events.Publisher
	replays    ReplayScheduler
	cfg        Config
	logger     *slog.Logger
	metrics    *metrics.Recorder

	mu      sync.Mutex
	handles map[int64]*Handle
}

func NewMachine(deps Dependencies, cfg Config) (*Machine, error) {
	if deps.Registry == nil {
		return nil, errors.New("session: registry required")
	}
	if cfg.TransitionTimeout <= 0 {
		cfg.TransitionTimeout = defaultTransitionTimeout
	}
	m := &Machine{
		registry:   deps.Registry,
		transcoder: deps.Transcoder,
		events:     deps.Events,
		replays:    deps.Replays,
		cfg:        cfg,
		logger:     deps.Logger,
		metrics:    deps.Metrics,
		handles:    make(map[int64]*Handle),
	}
	if m.transcoder == nil {
		m.transcoder = transcode.NoopController{}
	}
	if m.events == nil {
		m.events = events.Discard{}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.metrics == nil {
		m.metrics = metrics.Default()
	}
	return m, nil
}

// Begin moves a READY live to STREAMING. guard runs atomically with the
// active counter increment. The returned handle owns the ingest slot until it
// is closed.
func (m *Machine) Begin(ctx context.Context, liveID int64, guard storage.Guard) (*Handle, error) {
	return m.begin(ctx, liveID, func() (models.LiveVideo, error) {
		return m.registry.BeginStream(ctx, liveID, guard)
	})
}

// BeginWithKey is Begin for an ingest holding streamKey. It fails with
// NotFound when the key no longer belongs to the live.
func (m *Machine) BeginWithKey(ctx context.Context, liveID int64, streamKey string, guard storage.Guard) (*Handle, error) {
	return m.begin(ctx, liveID, func() (models.LiveVideo, error) {
		return m.registry.BeginKeyedStream(ctx, liveID, streamKey, guard)
	})
}

func (m *Machine) begin(ctx context.Context, liveID int64, claim func() (models.LiveVideo, error)) (*Handle, error) {
	video, err := claim()
	if err != nil {
		if models.IsKind(err, models.KindInternal) {
			m.reportForcedError(ctx, liveID, models.StateReady, CauseInternal)
		}
		return nil, err
	}

	h := &Handle{
		machine:   m,
		liveID:    video.ID,
		sessionID: video.SessionID,
		video:     video,
		done:      make(chan struct{}),
	}
	m.mu.Lock()
	m.handles[video.ID] = h
	m.mu.Unlock()

	m.metrics.SessionStarted()
	m.metrics.ObserveTransition(models.StateReady.String(), models.StateStreaming.String())
	m.publish(ctx, events.Transition(models.StateReady, video, ""))
	m.sessionLogger(ctx, h).Info("live session started", "owner_id", video.OwnerID)
	return h, nil
}

// MarkPublished starts packaging for h and moves the live to PUBLISHED once
// the pipeline reports playable output.
func (m *Machine) MarkPublished(ctx context.Context, h *Handle) (models.LiveVideo, error) {
	const op = "publish session"
	video := h.Video()
	result, err := m.transcoder.Start(ctx, transcode.StartParams{
		LiveID:    video.ID,
		LiveUUID:  video.UUID,
		SessionID: h.sessionID,
		StreamKey: video.StreamKey,
		Record:    video.SaveReplay,
	})
	if err != nil {
		return models.LiveVideo{}, models.Wrap(models.KindInternal, op, err)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		m.stopJobs(h.sessionID, result.JobIDs)
		return models.LiveVideo{}, models.Errorf(models.KindConflict, op, "session %s already ended", h.sessionID)
	}
	h.jobIDs = append(h.jobIDs, result.JobIDs...)
	h.mu.Unlock()

	published, err := m.registry.Publish(ctx, h.liveID, h.sessionID, result.PlaybackURL, result.RecordingPath)
	if err != nil {
		if models.IsKind(err, models.KindInternal) {
			// The registry already parked the live in ERRORED and freed the slot.
			h.abandon(m, models.StateStreaming)
		}
		return models.LiveVideo{}, err
	}
	h.setVideo(published)
	m.metrics.ObserveTransition(models.StateStreaming.String(), models.StatePublished.String())
	m.publish(ctx, events.Transition(models.StateStreaming, published, ""))
	m.sessionLogger(ctx, h).Info("live session published", "playback_url", published.PlaybackURL)
	return published, nil
}

// ForceEnd closes the session of the live behind ref on behalf of identity.
func (m *Machine) ForceEnd(ctx context.Context, ref storage.Ref, identity models.Identity) (models.LiveVideo, error) {
	const op = "force end"
	video, err := m.registry.Get(ref)
	if err != nil {
		return models.LiveVideo{}, err
	}
	if !identity.CanManage(video.OwnerID) {
		return models.LiveVideo{}, models.Errorf(models.KindForbidden, op, "live %s belongs to another account", ref)
	}
	h := m.Handle(video.ID)
	if h == nil {
		return models.LiveVideo{}, models.Errorf(models.KindConflict, op, "live %d is not streaming", video.ID)
	}
	if err := h.Close(CauseForceEnd); err != nil {
		return models.LiveVideo{}, err
	}
	m.logger.Info("live session force ended", "live_id", video.ID, "user_id", identity.UserID)
	return h.Video(), nil
}

// Handle returns the open handle of liveID, if any.
func (m *Machine) Handle(liveID int64) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handles[liveID]
}

// ActiveHandles returns the number of open handles.
func (m *Machine) ActiveHandles() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// CloseAll ends every open session with cause. It is used on shutdown.
func (m *Machine) CloseAll(cause Cause) {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()
	for _, h := range handles {
		_ = h.Close(cause)
	}
}

func (m *Machine) end(h *Handle, cause Cause, jobIDs []string) (models.LiveVideo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.TransitionTimeout)
	defer cancel()

	before := h.Video()
	opts := storage.EndOptions{Errored: cause.Errored()}
	if m.cfg.RotateKeyOnRearm && before.PermanentLive && !opts.Errored {
		key, err := storage.GenerateStreamKey()
		if err != nil {
			m.logger.Warn("stream key rotation skipped", "live_id", h.liveID, "error", err)
		} else {
			opts.RotateKey = key
		}
	}

	ended, err := m.registry.EndStream(ctx, h.liveID, h.sessionID, opts)
	m.stopJobs(h.sessionID, jobIDs)
	m.release(h)
	if err != nil {
		m.sessionLogger(ctx, h).Error("live session end failed", "cause", cause, "error", err)
		if models.IsKind(err, models.KindInternal) {
			m.reportForcedError(ctx, h.liveID, before.State, cause)
		}
		return models.LiveVideo{}, err
	}

	switch {
	case ended.State == models.StateReady:
		m.metrics.ObserveTransition(before.State.String(), models.StateEnded.String())
		m.metrics.ObserveTransition(models.StateEnded.String(), models.StateReady.String())
	default:
		m.metrics.ObserveTransition(before.State.String(), ended.State.String())
	}
	m.publish(ctx, events.Transition(before.State, ended, string(cause)))
	m.sessionLogger(ctx, h).Info("live session ended", "cause", cause, "state", ended.State.String())

	if ended.State == models.StateEnded && ended.SaveReplay && m.replays != nil {
		m.replays.Schedule(ended)
	}
	return ended, nil
}

func (m *Machine) release(h *Handle) {
	m.mu.Lock()
	if m.handles[h.liveID] == h {
		delete(m.handles, h.liveID)
	}
	m.mu.Unlock()
	m.metrics.SessionEnded()
}

func (m *Machine) stopJobs(sessionID string, jobIDs []string) {
	if len(jobIDs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.TransitionTimeout)
	defer cancel()
	if err := m.transcoder.Stop(ctx, sessionID, jobIDs); err != nil {
		m.logger.Warn("stop packaging jobs", "session_id", sessionID, "error", err)
	}
}

// reportForcedError emits the transition of a live the registry parked in
// ERRORED after a failed write.
func (m *Machine) reportForcedError(ctx context.Context, liveID int64, from models.LiveState, cause Cause) {
	video, err := m.registry.Get(storage.RefByID(liveID))
	if err != nil || video.State != models.StateErrored {
		return
	}
	m.metrics.ObserveTransition(from.String(), models.StateErrored.String())
	m.publish(ctx, events.Transition(from, video, string(cause)))
}

func (m *Machine) publish(ctx context.Context, event events.Event) {
	if err := m.events.Publish(context.WithoutCancel(ctx), event); err != nil {
		m.logger.Warn("publish live event", "type", event.Type, "live_id", event.LiveID, "error", err)
	}
}

func (m *Machine) sessionLogger(ctx context.Context, h *Handle) *slog.Logger {
	ctx = logging.ContextWithLiveID(ctx, h.liveID)
	ctx = logging.ContextWithSessionID(ctx, h.sessionID)
	return logging.WithContext(ctx, m.logger)
}

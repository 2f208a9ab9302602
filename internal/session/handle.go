package session

import (
	"context"
	"sync"

	"peertube-live/internal/models"
	"peertube-live/internal/storage"
)

// Handle is the ingest side's claim on a live. Close is the only way a
// session leaves STREAMING or PUBLISHED.
type Handle struct {
	machine   *Machine
	liveID    int64
	sessionID string
	done      chan struct{}
	once      sync.Once

	mu     sync.Mutex
	video  models.LiveVideo
	jobIDs []string
	closed bool
	cause  Cause
	err    error
}

func (h *Handle) LiveID() int64 { return h.liveID }

func (h *Handle) SessionID() string { return h.sessionID }

// Video returns the latest copy of the live as seen by this session.
func (h *Handle) Video() models.LiveVideo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.video.Clone()
}

// Done is closed once the session has fully ended.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Cause returns why the session ended, or "" while it is open.
func (h *Handle) Cause() Cause {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cause
}

// Close ends the session. Only the first call has an effect; later calls
// wait for it and return its result.
func (h *Handle) Close(cause Cause) error {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.cause = cause
		jobs := append([]string(nil), h.jobIDs...)
		h.mu.Unlock()

		ended, err := h.machine.end(h, cause, jobs)

		h.mu.Lock()
		if err == nil {
			h.video = ended
		}
		h.err = err
		h.mu.Unlock()
		close(h.done)
	})
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) setVideo(video models.LiveVideo) {
	h.mu.Lock()
	h.video = video
	h.mu.Unlock()
}

// abandon closes a handle whose slot the registry already released after a
// failed write.
func (h *Handle) abandon(m *Machine, from models.LiveState) {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.cause = CauseInternal
		jobs := append([]string(nil), h.jobIDs...)
		h.mu.Unlock()

		m.stopJobs(h.sessionID, jobs)
		m.release(h)
		m.reportForcedError(context.Background(), h.liveID, from, CauseInternal)
		if video, err := m.registry.Get(storage.RefByID(h.liveID)); err == nil {
			h.setVideo(video)
		}
		close(h.done)
	})
}

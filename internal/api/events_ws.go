package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"peertube-live/internal/events"
	"peertube-live/internal/models"
)

const (
	defaultEventPingInterval = 30 * time.Second
	eventWriteTimeout        = 10 * time.Second
)

var eventUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// LiveEvents handles GET /api/v1/videos/live/{id}/events. It upgrades to a
// websocket, sends a snapshot of the live and then every lifecycle event for
// it until either side closes.
func (h *Handler) LiveEvents(w http.ResponseWriter, r *http.Request) {
	if h.Events == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("live events are not available"))
		return
	}
	identity, ref, ok := h.liveTarget(w, r)
	if !ok {
		return
	}
	live, err := h.Admission.GetLive(r.Context(), ref, identity)
	if err != nil {
		writeServiceError(w, h.requestLogger(r), err)
		return
	}

	sub := h.Events.Subscribe()
	defer sub.Close()

	conn, err := eventUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already answered the client.
		h.requestLogger(r).Warn("live events upgrade failed", "live_id", live.ID, "error", err)
		return
	}
	defer conn.Close()

	logger := h.requestLogger(r).With("live_id", live.ID, "user_id", identity.UserID)
	logger.Debug("live events listener attached")

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := writeEvent(conn, events.ForLive(events.TypeLiveSnapshot, live)); err != nil {
		return
	}

	interval := h.EventPingInterval
	if interval <= 0 {
		interval = defaultEventPingInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			logger.Debug("live events listener detached")
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(eventWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case event, ok := <-sub.Events():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(eventWriteTimeout))
				return
			}
			if event.LiveID != live.ID {
				continue
			}
			if err := writeEvent(conn, event); err != nil {
				logger.Debug("live events write failed", "error", err)
				return
			}
			if event.Type == events.TypeLiveDeleted || event.State == models.StateDeleted.String() {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "live deleted"),
					time.Now().Add(eventWriteTimeout))
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, event events.Event) error {
	if err := conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(event)
}

// Package events carries live lifecycle notifications to websocket listeners
// and to the audit worker.
package events

import (
	"time"

	"peertube-live/internal/models"
)

// Type enumerates the notifications emitted by the live core.
type Type string

const (
	TypeLiveCreated    Type = "live.created"
	TypeLiveUpdated    Type = "live.updated"
	TypeLiveDeleted    Type = "live.deleted"
	TypeStateChanged   Type = "live.state_changed"
	TypeReplayArchived Type = "replay.archived"
	TypeReplayFailed   Type = "replay.failed"
	// TypeLiveSnapshot is sent once to a websocket listener when it attaches.
	TypeLiveSnapshot Type = "live.snapshot"
)

// Event is the wire representation shared by every queue implementation.
type Event struct {
	Type       Type      `json:"type"`
	LiveID     int64     `json:"liveId"`
	LiveUUID   string    `json:"liveUuid,omitempty"`
	OwnerID    string    `json:"ownerId,omitempty"`
	SessionID  string    `json:"sessionId,omitempty"`
	From       string    `json:"from,omitempty"`
	State      string    `json:"state,omitempty"`
	Cause      string    `json:"cause,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// ForLive fills the identifying fields of an event from video.
func ForLive(eventType Type, video models.LiveVideo) Event {
	return Event{
		Type:       eventType,
		LiveID:     video.ID,
		LiveUUID:   video.UUID,
		OwnerID:    video.OwnerID,
		SessionID:  video.SessionID,
		State:      video.State.String(),
		OccurredAt: time.Now().UTC(),
	}
}

// Transition builds a state change event.
func Transition(from models.LiveState, video models.LiveVideo, cause string) Event {
	event := ForLive(TypeStateChanged, video)
	event.From = from.String()
	event.Cause = cause
	return event
}

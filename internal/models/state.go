package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// LiveState is the lifecycle position of a live resource.
type LiveState int

const (
	StateReady LiveState = iota + 1
	StateStreaming
	StatePublished
	StateEnded
	StateErrored
	StateArchived
	StateDeleted
)

var stateNames = map[LiveState]string{
	StateReady:     "ready",
	StateStreaming: "streaming",
	StatePublished: "published",
	StateEnded:     "ended",
	StateErrored:   "errored",
	StateArchived:  "archived",
	StateDeleted:   "deleted",
}

// transitions lists every legal edge. Anything absent is illegal.
var transitions = map[LiveState][]LiveState{
	StateReady:     {StateStreaming, StateDeleted},
	StateStreaming: {StatePublished, StateEnded, StateErrored},
	StatePublished: {StateEnded, StateErrored},
	StateEnded:     {StateReady, StateArchived, StateDeleted},
	StateErrored:   {StateDeleted},
	StateArchived:  {StateDeleted},
}

func (s LiveState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Active reports whether an ingest currently holds the resource.
func (s LiveState) Active() bool {
	return s == StateStreaming || s == StatePublished
}

// Terminal reports whether no further broadcast can happen.
func (s LiveState) Terminal() bool {
	return s == StateErrored || s == StateArchived || s == StateDeleted
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to LiveState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ParseLiveState converts a state name back to its value.
func ParseLiveState(name string) (LiveState, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	for state, candidate := range stateNames {
		if candidate == normalized {
			return state, nil
		}
	}
	return 0, fmt.Errorf("unknown live state %q", name)
}

// MarshalJSON refuses states without a name so nothing unreadable is stored.
func (s LiveState) MarshalJSON() ([]byte, error) {
	name, ok := stateNames[s]
	if !ok {
		return nil, fmt.Errorf("encode live state: unknown value %d", int(s))
	}
	return json.Marshal(name)
}

func (s *LiveState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("decode live state: %w", err)
	}
	parsed, err := ParseLiveState(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

package session

import (
	"errors"
	"fmt"

	"chromalign/internal/stack"
)

var (
	// ErrInvalidTransition is returned when an operation is not allowed in
	// the session's current status.
	ErrInvalidTransition = errors.New("invalid session transition")
	// ErrClosed is returned by every operation after Close or Export.
	ErrClosed = errors.New("session closed")
	// ErrNoStacks is returned when an operation needs a loaded pair.
	ErrNoStacks = errors.New("no stacks loaded")
)

// Status is the lifecycle position of a session.
type Status int

const (
	Idle Status = iota
	Computing
	ReadyForPreview
	Refining
	Exporting
	Closed
)

var statusNames = [...]string{"Idle", "Computing", "ReadyForPreview", "Refining", "Exporting", "Closed"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	for i, n := range statusNames {
		if n == string(b) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", b)
}

// State is a point-in-time copy of a session.
type State struct {
	ID         string               `json:"id"`
	Status     Status               `json:"status"`
	Reference  string               `json:"reference,omitempty"`
	Target     string               `json:"target,omitempty"`
	Auto       stack.ShiftVector    `json:"auto"`
	Manual     stack.ShiftVector    `json:"manual"`
	Effective  stack.ShiftVector    `json:"effective"`
	Confidence float64              `json:"confidence"`
	Ambiguous  bool                 `json:"ambiguous"`
	Projection stack.ProjectionMode `json:"projection"`
	FrameIndex int                  `json:"frame_index"`
	Generation uint64               `json:"generation"`
	Err        error                `json:"-"`
	Error      string               `json:"error,omitempty"`
}

// EventType classifies session events.
type EventType string

const (
	EventStatus     EventType = "status"
	EventShift      EventType = "shift"
	EventRegistered EventType = "registered"
	EventFailed     EventType = "failed"
	EventExported   EventType = "exported"
)

// Event is pushed to subscribers on every state or shift change.
type Event struct {
	Type  EventType `json:"type"`
	State State     `json:"state"`
}

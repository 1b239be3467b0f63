// Package threadlifecycle validates status transitions of tracked threads.
package threadlifecycle

import (
	"errors"
	"fmt"

	"github.com/miguel-bm/threadwatch/internal/db"
)

// Event is a logical trigger that may change a tracked thread's status.
type Event string

const (
	EventPause  Event = "pause"
	EventResume Event = "resume"
	EventClose  Event = "close"
)

// ErrInvalidTransition is returned when an event is not allowed from a state.
var ErrInvalidTransition = errors.New("invalid thread transition")

// Transition is the result of applying an event to a current state.
type Transition struct {
	Event   Event
	From    db.ThreadStatus
	To      db.ThreadStatus
	Changed bool
}

// ParseEvent maps an admin API action name to an Event.
func ParseEvent(action string) (Event, error) {
	switch Event(action) {
	case EventPause, EventResume, EventClose:
		return Event(action), nil
	default:
		return "", fmt.Errorf("%w: unknown event %q", ErrInvalidTransition, action)
	}
}

// Apply validates and computes a thread status transition for the given event.
// Closed is terminal: only a repeated close is accepted, as a no-op.
func Apply(current db.ThreadStatus, event Event) (Transition, error) {
	switch event {
	case EventPause:
		return transition(event, current, db.ThreadStatusPaused, db.ThreadStatusActive, db.ThreadStatusPaused)
	case EventResume:
		return transition(event, current, db.ThreadStatusActive, db.ThreadStatusActive, db.ThreadStatusPaused)
	case EventClose:
		return transition(event, current, db.ThreadStatusClosed, db.ThreadStatusActive, db.ThreadStatusPaused, db.ThreadStatusClosed)
	default:
		return Transition{}, fmt.Errorf("%w: unknown event %q", ErrInvalidTransition, event)
	}
}

// Accepts reports whether replies in a thread with this status should be answered.
func Accepts(status db.ThreadStatus) bool {
	return status == db.ThreadStatusActive
}

func transition(event Event, current, target db.ThreadStatus, allowed ...db.ThreadStatus) (Transition, error) {
	if !contains(allowed, current) {
		return Transition{}, fmt.Errorf("%w: event=%s from=%s", ErrInvalidTransition, event, current)
	}
	return Transition{
		Event:   event,
		From:    current,
		To:      target,
		Changed: current != target,
	}, nil
}

func contains(states []db.ThreadStatus, state db.ThreadStatus) bool {
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}

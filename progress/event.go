// Package progress provides the fire-and-forget progress layer: an
// in-process broker that fans execution progress out to subscribers,
// with per-execution replay so late subscribers catch up on everything
// already published for that execution.
package progress

import (
	"time"

	"github.com/pipevine/pipevine/id"
)

// EventType identifies the kind of progress event.
type EventType string

const (
	// EventProgress is a handler-published step label.
	EventProgress EventType = "progress"

	// Execution lifecycle events, published via the ext hooks.
	EventStarted       EventType = "execution.started"
	EventStepCompleted EventType = "execution.step_completed"
	EventStepFailed    EventType = "execution.step_failed"
	EventCompleted     EventType = "execution.completed"
	EventFailed        EventType = "execution.failed"
	EventCancelled     EventType = "execution.cancelled"
)

// Event is the envelope delivered to subscribers. It carries enough
// identifying context (execution id, human-readable label) for a
// subscriber to render progress.
type Event struct {
	ExecutionID id.ExecutionID `json:"execution_id"`
	Type        EventType      `json:"type"`

	// Label is the human-readable step label for progress events.
	Label string `json:"label,omitempty"`

	// Step is the durable step name for step lifecycle events.
	Step string `json:"step,omitempty"`

	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"ts"`
}

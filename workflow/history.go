package workflow

import (
	"time"

	"github.com/pipevine/pipevine/id"
)

// Phase distinguishes the two records a side-effecting step writes:
// intent is appended before the external call is dispatched, outcome
// after it resolves. An intent without an outcome means the process
// crashed mid-call; replay re-dispatches with the recorded idempotency
// key so the receiving service deduplicates.
type Phase string

const (
	// PhaseIntent marks a record written before dispatch.
	PhaseIntent Phase = "intent"
	// PhaseOutcome marks a record written after the call resolved.
	PhaseOutcome Phase = "outcome"
)

// Kind classifies what a history entry records.
type Kind string

const (
	// KindActivity records an external side-effecting call.
	KindActivity Kind = "activity"
	// KindCompensation records a compensating call run after failure.
	KindCompensation Kind = "compensation"
	// KindNow records a wall-clock reading.
	KindNow Kind = "now"
	// KindCapture records an arbitrary nondeterministic value.
	KindCapture Kind = "capture"
	// KindProgress records a fire-and-forget progress publication.
	KindProgress Kind = "progress"
)

// HistoryEntry is one record in an execution's append-only history.
// Within an execution, entries are strictly ordered by Seq; an outcome
// is never recorded before its intent.
type HistoryEntry struct {
	ID          id.HistoryID   `json:"id"`
	ExecutionID id.ExecutionID `json:"execution_id"`

	// Seq is the position in the execution's history, starting at 1.
	Seq int `json:"seq"`

	// Step is the logical call-site name. Unique per (execution, phase).
	Step string `json:"step"`

	Phase Phase `json:"phase"`
	Kind  Kind  `json:"kind"`

	// Key is the idempotency key the step dispatched with. Empty for
	// local primitives (now, capture, progress).
	Key string `json:"key,omitempty"`

	// Data holds the JSON-encoded input (intent) or result (outcome).
	Data []byte `json:"data,omitempty"`

	// Err is the recorded failure for failed outcomes. Replay feeds it
	// back so a resumed execution fails the same way it did the first
	// time.
	Err string `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

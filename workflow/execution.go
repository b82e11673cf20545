package workflow

import (
	"time"

	"github.com/pipevine/pipevine"
	"github.com/pipevine/pipevine/id"
)

// State represents the lifecycle state of a workflow execution.
type State string

const (
	// StatePending means the execution is waiting to be claimed by a worker.
	StatePending State = "pending"
	// StateRunning means a worker is currently executing it.
	StateRunning State = "running"
	// StateCompleted means the execution finished successfully.
	StateCompleted State = "completed"
	// StateFailed means the execution failed terminally.
	StateFailed State = "failed"
	// StateCancelled means the execution was cancelled externally.
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Execution represents a single durable run of a workflow. Its history
// (see HistoryEntry) is the source of truth for replay; the Execution
// row itself carries lifecycle metadata.
type Execution struct {
	pipevine.Entity

	ID    id.ExecutionID `json:"id"`
	Name  string         `json:"name"`
	State State          `json:"state"`
	Input []byte         `json:"input,omitempty"`

	// Output is the handler's result, set on completion.
	Output []byte `json:"output,omitempty"`

	// Error is the terminal failure cause.
	Error string `json:"error,omitempty"`

	// CompensationError records a compensation that itself failed after
	// its bounded retries. It never masks Error; the operator alert is
	// the recourse.
	CompensationError string `json:"compensation_error,omitempty"`

	// WorkerID identifies the worker currently claiming the execution.
	WorkerID id.WorkerID `json:"worker_id,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// HeartbeatAt is stamped periodically by the owning worker while the
	// execution is running. The reaper returns executions with stale
	// heartbeats to pending so another worker can resume them.
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`
}

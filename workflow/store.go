package workflow

import (
	"context"
	"time"

	"github.com/pipevine/pipevine/id"
)

// ListOpts controls filtering and pagination for execution list queries.
type ListOpts struct {
	// Limit is the maximum number of executions to return. Zero means no
	// limit.
	Limit int
	// Offset is the number of executions to skip.
	Offset int
	// State filters by execution state. Empty means all states.
	State State
	// Name filters by workflow name. Empty means all workflows.
	Name string
}

// Store defines the persistence contract for executions and their
// history.
type Store interface {
	// CreateExecution persists a new execution. Returns
	// pipevine.ErrExecutionExists if the ID is already present.
	CreateExecution(ctx context.Context, exec *Execution) error

	// GetExecution retrieves an execution by ID. Returns
	// pipevine.ErrExecutionNotFound if absent.
	GetExecution(ctx context.Context, execID id.ExecutionID) (*Execution, error)

	// UpdateExecution persists changes to an existing execution.
	UpdateExecution(ctx context.Context, exec *Execution) error

	// ListExecutions returns executions matching the given options,
	// ordered by creation time.
	ListExecutions(ctx context.Context, opts ListOpts) ([]*Execution, error)

	// ClaimPending atomically transitions up to limit pending executions
	// to running, stamping WorkerID, StartedAt, and HeartbeatAt. Two
	// workers never claim the same execution.
	ClaimPending(ctx context.Context, workerID id.WorkerID, limit int) ([]*Execution, error)

	// HeartbeatExecution stamps HeartbeatAt on a running execution.
	HeartbeatExecution(ctx context.Context, execID id.ExecutionID, at time.Time) error

	// ReapStale returns running executions whose heartbeat is older than
	// olderThan to pending, clearing WorkerID. Returns the number
	// reaped. History is untouched; the next claimer replays it.
	ReapStale(ctx context.Context, olderThan time.Time) (int, error)

	// AppendHistory appends one entry to an execution's history. Returns
	// pipevine.ErrHistoryConflict if an entry with the same
	// (ExecutionID, Seq) already exists.
	AppendHistory(ctx context.Context, entry *HistoryEntry) error

	// GetHistory retrieves the entry for a specific step and phase.
	// Returns pipevine.ErrHistoryNotFound if absent.
	GetHistory(ctx context.Context, execID id.ExecutionID, step string, phase Phase) (*HistoryEntry, error)

	// ListHistory returns an execution's full history ordered by Seq.
	ListHistory(ctx context.Context, execID id.ExecutionID) ([]*HistoryEntry, error)

	// ArchiveTerminal moves up to limit terminal executions completed
	// before the cutoff (and their history) out of the hot tables.
	// Returns the number archived.
	ArchiveTerminal(ctx context.Context, before time.Time, limit int) (int, error)
}

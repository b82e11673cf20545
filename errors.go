package pipevine

import "errors"

var (
	// Store errors.
	ErrNoStore     = errors.New("pipevine: no store configured")
	ErrStoreClosed = errors.New("pipevine: store closed")

	// Not found errors.
	ErrExecutionNotFound = errors.New("pipevine: execution not found")
	ErrHistoryNotFound   = errors.New("pipevine: history entry not found")
	ErrWorkerNotFound    = errors.New("pipevine: worker not found")

	// Conflict errors.
	ErrExecutionExists = errors.New("pipevine: execution already exists")
	ErrHistoryConflict = errors.New("pipevine: history entry already recorded for step")

	// State errors.
	ErrInvalidState     = errors.New("pipevine: invalid state transition")
	ErrRetriesExhausted = errors.New("pipevine: max attempts exceeded")
	ErrCancelled        = errors.New("pipevine: execution cancelled")
	ErrNondeterminism   = errors.New("pipevine: replay diverged from recorded history")
	ErrWorkflowNotFound = errors.New("pipevine: no workflow registered")

	// Cluster errors.
	ErrNotLeader = errors.New("pipevine: not the leader")
)

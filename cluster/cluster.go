// Package cluster provides worker identity and coordination for
// multi-node deployments: worker registration with heartbeats, and a
// lease-based leader election used to gate singleton duties (the
// retention sweeper, stale-execution reaping).
package cluster

import (
	"context"
	"time"

	"github.com/pipevine/pipevine/id"
)

// WorkerState represents the lifecycle state of a worker.
type WorkerState string

const (
	// WorkerActive means the worker is healthy and claiming executions.
	WorkerActive WorkerState = "active"
	// WorkerDraining means the worker is finishing in-flight executions
	// but not claiming new ones (graceful shutdown).
	WorkerDraining WorkerState = "draining"
	// WorkerDead means the worker has stopped heartbeating; its
	// executions are eligible for reaping.
	WorkerDead WorkerState = "dead"
)

// Worker represents one engine instance in a deployment.
type Worker struct {
	ID          id.WorkerID `json:"id"`
	Hostname    string      `json:"hostname"`
	Concurrency int         `json:"concurrency"`
	State       WorkerState `json:"state"`
	IsLeader    bool        `json:"is_leader"`
	LeaderUntil *time.Time  `json:"leader_until,omitempty"`
	LastSeen    time.Time   `json:"last_seen"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Store defines the persistence contract for worker coordination.
type Store interface {
	// RegisterWorker adds a worker to the registry.
	RegisterWorker(ctx context.Context, w *Worker) error

	// DeregisterWorker removes a worker from the registry.
	DeregisterWorker(ctx context.Context, workerID id.WorkerID) error

	// HeartbeatWorker updates a worker's last-seen timestamp.
	HeartbeatWorker(ctx context.Context, workerID id.WorkerID) error

	// ListWorkers returns all registered workers.
	ListWorkers(ctx context.Context) ([]*Worker, error)

	// AcquireLeadership attempts to become the leader. Returns true if
	// this worker now holds the lease; the lease expires after ttl
	// unless renewed.
	AcquireLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error)

	// RenewLeadership extends the leader's lease. Must be called before
	// the TTL expires; returns false if the lease was lost.
	RenewLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error)

	// GetLeader returns the current leader, or nil if there is none.
	GetLeader(ctx context.Context) (*Worker, error)
}

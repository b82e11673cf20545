package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/pipevine/pipevine"
	"github.com/pipevine/pipevine/cluster"
	"github.com/pipevine/pipevine/id"
)

// RegisterWorker adds a worker to the cluster registry. Re-registering
// an existing worker refreshes its mutable fields.
func (s *Store) RegisterWorker(ctx context.Context, w *cluster.Worker) error {
	m := toWorkerModel(w)
	_, err := s.db.NewInsert().Model(m).
		On("CONFLICT (id) DO UPDATE").
		Set("hostname = EXCLUDED.hostname").
		Set("concurrency = EXCLUDED.concurrency").
		Set("state = EXCLUDED.state").
		Set("last_seen = EXCLUDED.last_seen").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("pipevine/bun: register worker: %w", err)
	}
	return nil
}

// DeregisterWorker removes a worker from the cluster registry.
func (s *Store) DeregisterWorker(ctx context.Context, workerID id.WorkerID) error {
	res, err := s.db.NewDelete().
		TableExpr("pipevine_workers").
		Where("id = ?", workerID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("pipevine/bun: deregister worker: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return pipevine.ErrWorkerNotFound
	}
	return nil
}

// HeartbeatWorker updates the last-seen timestamp for a worker.
func (s *Store) HeartbeatWorker(ctx context.Context, workerID id.WorkerID) error {
	res, err := s.db.NewUpdate().
		TableExpr("pipevine_workers").
		Set("last_seen = NOW()").
		Where("id = ?", workerID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("pipevine/bun: heartbeat worker: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return pipevine.ErrWorkerNotFound
	}
	return nil
}

// ListWorkers returns all registered workers.
func (s *Store) ListWorkers(ctx context.Context) ([]*cluster.Worker, error) {
	var models []workerModel
	err := s.db.NewSelect().Model(&models).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("pipevine/bun: list workers: %w", err)
	}

	workers := make([]*cluster.Worker, 0, len(models))
	for i := range models {
		w, convErr := fromWorkerModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("pipevine/bun: list workers convert: %w", convErr)
		}
		workers = append(workers, w)
	}
	return workers, nil
}

// AcquireLeadership attempts to become the cluster leader. Leadership is
// a lease on the workers table: claim succeeds when no unexpired leader
// exists, or when the caller already holds the lease.
func (s *Store) AcquireLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	wID := workerID.String()
	until := time.Now().UTC().Add(ttl)

	// Step 1: Clear any expired leader.
	_, err := s.db.NewUpdate().
		TableExpr("pipevine_workers").
		Set("is_leader = FALSE").
		Set("leader_until = NULL").
		Where("is_leader = TRUE").
		Where("leader_until < NOW()").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("pipevine/bun: clear expired leader: %w", err)
	}

	// Step 2: Check if there's already an active leader that isn't us.
	var activeLeaderID string
	err = s.db.NewSelect().
		TableExpr("pipevine_workers").
		Column("id").
		Where("is_leader = TRUE").
		Where("leader_until >= NOW()").
		Limit(1).
		Scan(ctx, &activeLeaderID)
	if err != nil && !isNoRows(err) {
		return false, fmt.Errorf("pipevine/bun: check leader: %w", err)
	}
	if activeLeaderID != "" && activeLeaderID != wID {
		return false, nil
	}

	// Step 3: Claim or re-claim leadership.
	res, err := s.db.NewUpdate().
		TableExpr("pipevine_workers").
		Set("is_leader = TRUE").
		Set("leader_until = ?", until).
		Where("id = ?", wID).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("pipevine/bun: claim leadership: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return rows > 0, nil
}

// RenewLeadership extends the leader's hold.
func (s *Store) RenewLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	until := time.Now().UTC().Add(ttl)

	res, err := s.db.NewUpdate().
		TableExpr("pipevine_workers").
		Set("leader_until = ?", until).
		Where("id = ?", workerID.String()).
		Where("is_leader = TRUE").
		Where("leader_until >= NOW()").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("pipevine/bun: renew leadership: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return rows > 0, nil
}

// GetLeader returns the current cluster leader, or nil if there is none.
func (s *Store) GetLeader(ctx context.Context) (*cluster.Worker, error) {
	m := new(workerModel)
	err := s.db.NewSelect().Model(m).
		Where("is_leader = TRUE").
		Where("leader_until >= NOW()").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("pipevine/bun: get leader: %w", err)
	}
	return fromWorkerModel(m)
}

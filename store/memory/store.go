// Package memory provides a fully in-memory store. Safe for concurrent
// access. Intended for unit testing and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pipevine/pipevine"
	"github.com/pipevine/pipevine/cluster"
	"github.com/pipevine/pipevine/id"
	"github.com/pipevine/pipevine/workflow"
)

// Compile-time interface checks.
var (
	_ workflow.Store = (*Store)(nil)
	_ cluster.Store  = (*Store)(nil)
)

// Store is an in-memory implementation of the workflow and cluster
// stores.
type Store struct {
	mu sync.RWMutex

	executions map[string]*workflow.Execution
	history    map[string][]*workflow.HistoryEntry // execID → ordered by Seq

	archivedExecs   map[string]*workflow.Execution
	archivedHistory map[string][]*workflow.HistoryEntry

	workers     map[string]*cluster.Worker
	leader      string
	leaderUntil time.Time
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		executions:      make(map[string]*workflow.Execution),
		history:         make(map[string][]*workflow.HistoryEntry),
		archivedExecs:   make(map[string]*workflow.Execution),
		archivedHistory: make(map[string][]*workflow.HistoryEntry),
		workers:         make(map[string]*cluster.Worker),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Executions
// ──────────────────────────────────────────────────

// CreateExecution persists a new execution.
func (m *Store) CreateExecution(_ context.Context, exec *workflow.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := exec.ID.String()
	if _, exists := m.executions[key]; exists {
		return pipevine.ErrExecutionExists
	}
	cp := *exec
	m.executions[key] = &cp
	return nil
}

// GetExecution retrieves an execution by ID.
func (m *Store) GetExecution(_ context.Context, execID id.ExecutionID) (*workflow.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	exec, ok := m.executions[execID.String()]
	if !ok {
		return nil, pipevine.ErrExecutionNotFound
	}
	cp := *exec
	return &cp, nil
}

// UpdateExecution persists changes to an existing execution.
func (m *Store) UpdateExecution(_ context.Context, exec *workflow.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := exec.ID.String()
	if _, ok := m.executions[key]; !ok {
		return pipevine.ErrExecutionNotFound
	}
	cp := *exec
	cp.UpdatedAt = time.Now().UTC()
	m.executions[key] = &cp
	return nil
}

// ListExecutions returns executions matching the given options, ordered
// by creation time.
func (m *Store) ListExecutions(_ context.Context, opts workflow.ListOpts) ([]*workflow.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*workflow.Execution, 0, len(m.executions))
	for _, exec := range m.executions {
		if opts.State != "" && exec.State != opts.State {
			continue
		}
		if opts.Name != "" && exec.Name != opts.Name {
			continue
		}
		cp := *exec
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

// ClaimPending atomically claims up to limit pending executions for the
// given worker.
func (m *Store) ClaimPending(_ context.Context, workerID id.WorkerID, limit int) ([]*workflow.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	candidates := make([]*workflow.Execution, 0, len(m.executions))
	for _, exec := range m.executions {
		if exec.State == workflow.StatePending {
			candidates = append(candidates, exec)
		}
	}
	sort.Slice(candidates, func(i, k int) bool {
		return candidates[i].CreatedAt.Before(candidates[k].CreatedAt)
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	now := time.Now().UTC()
	result := make([]*workflow.Execution, len(candidates))
	for i, exec := range candidates {
		exec.State = workflow.StateRunning
		exec.WorkerID = workerID
		n := now
		exec.StartedAt = &n
		exec.HeartbeatAt = &n
		// Return a copy so callers can mutate without racing with the store.
		cp := *exec
		result[i] = &cp
	}
	return result, nil
}

// HeartbeatExecution stamps HeartbeatAt on a running execution.
func (m *Store) HeartbeatExecution(_ context.Context, execID id.ExecutionID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	exec, ok := m.executions[execID.String()]
	if !ok {
		return pipevine.ErrExecutionNotFound
	}
	if exec.State != workflow.StateRunning {
		return pipevine.ErrInvalidState
	}
	t := at
	exec.HeartbeatAt = &t
	return nil
}

// ReapStale returns running executions with heartbeats older than
// olderThan to pending.
func (m *Store) ReapStale(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reaped := 0
	for _, exec := range m.executions {
		if exec.State != workflow.StateRunning {
			continue
		}
		if exec.HeartbeatAt != nil && exec.HeartbeatAt.After(olderThan) {
			continue
		}
		exec.State = workflow.StatePending
		exec.WorkerID = id.Nil
		exec.HeartbeatAt = nil
		reaped++
	}
	return reaped, nil
}

// ──────────────────────────────────────────────────
// History
// ──────────────────────────────────────────────────

// AppendHistory appends one entry to an execution's history.
func (m *Store) AppendHistory(_ context.Context, entry *workflow.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := entry.ExecutionID.String()
	for _, e := range m.history[key] {
		if e.Seq == entry.Seq {
			return pipevine.ErrHistoryConflict
		}
	}
	cp := *entry
	m.history[key] = append(m.history[key], &cp)
	return nil
}

// GetHistory retrieves the entry for a specific step and phase.
func (m *Store) GetHistory(_ context.Context, execID id.ExecutionID, step string, phase workflow.Phase) (*workflow.HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.history[execID.String()] {
		if e.Step == step && e.Phase == phase {
			cp := *e
			return &cp, nil
		}
	}
	return nil, pipevine.ErrHistoryNotFound
}

// ListHistory returns an execution's full history ordered by Seq.
func (m *Store) ListHistory(_ context.Context, execID id.ExecutionID) ([]*workflow.HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.history[execID.String()]
	result := make([]*workflow.HistoryEntry, len(entries))
	for i, e := range entries {
		cp := *e
		result[i] = &cp
	}
	sort.Slice(result, func(i, k int) bool {
		return result[i].Seq < result[k].Seq
	})
	return result, nil
}

// ──────────────────────────────────────────────────
// Archive
// ──────────────────────────────────────────────────

// ArchiveTerminal moves terminal executions completed before the cutoff
// (and their history) to the archive maps.
func (m *Store) ArchiveTerminal(_ context.Context, before time.Time, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	archived := 0
	for key, exec := range m.executions {
		if limit > 0 && archived >= limit {
			break
		}
		if !exec.State.Terminal() {
			continue
		}
		if exec.CompletedAt == nil || exec.CompletedAt.After(before) {
			continue
		}
		m.archivedExecs[key] = exec
		if entries, ok := m.history[key]; ok {
			m.archivedHistory[key] = entries
			delete(m.history, key)
		}
		delete(m.executions, key)
		archived++
	}
	return archived, nil
}

// ArchivedExecutions returns all archived executions. Memory-store
// helper for tests and inspection.
func (m *Store) ArchivedExecutions() []*workflow.Execution {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*workflow.Execution, 0, len(m.archivedExecs))
	for _, exec := range m.archivedExecs {
		cp := *exec
		result = append(result, &cp)
	}
	return result
}

// ──────────────────────────────────────────────────
// Cluster
// ──────────────────────────────────────────────────

// RegisterWorker adds a worker to the registry.
func (m *Store) RegisterWorker(_ context.Context, w *cluster.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *w
	m.workers[w.ID.String()] = &cp
	return nil
}

// DeregisterWorker removes a worker from the registry.
func (m *Store) DeregisterWorker(_ context.Context, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.workers, workerID.String())
	if m.leader == workerID.String() {
		m.leader = ""
	}
	return nil
}

// HeartbeatWorker updates a worker's last-seen timestamp.
func (m *Store) HeartbeatWorker(_ context.Context, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workers[workerID.String()]
	if !ok {
		return pipevine.ErrWorkerNotFound
	}
	w.LastSeen = time.Now().UTC()
	return nil
}

// ListWorkers returns all registered workers.
func (m *Store) ListWorkers(_ context.Context) ([]*cluster.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*cluster.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		cp := *w
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})
	return result, nil
}

// AcquireLeadership attempts to take the leader lease.
func (m *Store) AcquireLeadership(_ context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	key := workerID.String()
	if m.leader != "" && m.leader != key && m.leaderUntil.After(now) {
		return false, nil
	}
	m.leader = key
	m.leaderUntil = now.Add(ttl)
	if w, ok := m.workers[key]; ok {
		w.IsLeader = true
		until := m.leaderUntil
		w.LeaderUntil = &until
	}
	return true, nil
}

// RenewLeadership extends the leader lease.
func (m *Store) RenewLeadership(_ context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if m.leader != workerID.String() || !m.leaderUntil.After(now) {
		return false, nil
	}
	m.leaderUntil = now.Add(ttl)
	return true, nil
}

// GetLeader returns the current leader, or nil if there is none.
func (m *Store) GetLeader(_ context.Context) (*cluster.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.leader == "" || !m.leaderUntil.After(time.Now().UTC()) {
		return nil, nil
	}
	w, ok := m.workers[m.leader]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}

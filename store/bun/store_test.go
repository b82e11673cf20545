//go:build integration

package bunstore_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/pipevine/pipevine"
	"github.com/pipevine/pipevine/cluster"
	"github.com/pipevine/pipevine/id"
	bunstore "github.com/pipevine/pipevine/store/bun"
	"github.com/pipevine/pipevine/workflow"
)

// setupTestStore creates a Postgres container and returns a connected Bun Store.
func setupTestStore(t *testing.T) *bunstore.Store {
	t.Helper()

	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("pipevine_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(connStr)))
	db := bun.NewDB(sqldb, pgdialect.New())

	t.Cleanup(func() {
		_ = db.Close()
	})

	store := bunstore.New(db, bunstore.WithLogger(slog.Default()))

	if migErr := store.Migrate(ctx); migErr != nil {
		t.Fatalf("migrate: %v", migErr)
	}

	return store
}

func newExecution(name string) *workflow.Execution {
	return &workflow.Execution{
		Entity: pipevine.NewEntity(),
		ID:     id.NewExecutionID(),
		Name:   name,
		State:  workflow.StatePending,
		Input:  []byte(`{"key":"value"}`),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle tests
// ──────────────────────────────────────────────────

func TestStore_Ping(t *testing.T) {
	s := setupTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
}

func TestStore_MigrateIdempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	// Second migrate should be a no-op.
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

// ──────────────────────────────────────────────────
// Execution Store tests
// ──────────────────────────────────────────────────

func TestExecutionStore_CreateAndGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	exec := newExecution("video-pipeline")
	if err := s.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Duplicate should fail.
	if dupErr := s.CreateExecution(ctx, exec); !errors.Is(dupErr, pipevine.ErrExecutionExists) {
		t.Fatalf("expected ErrExecutionExists, got: %v", dupErr)
	}

	got, err := s.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "video-pipeline" {
		t.Fatalf("expected name video-pipeline, got %s", got.Name)
	}
	if got.State != workflow.StatePending {
		t.Fatalf("expected pending, got %s", got.State)
	}
}

func TestExecutionStore_UpdateExecution(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	exec := newExecution("update-test")
	if err := s.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("create: %v", err)
	}

	exec.State = workflow.StateCompleted
	now := time.Now().UTC()
	exec.CompletedAt = &now
	exec.Output = []byte(`{"result":"done"}`)
	if err := s.UpdateExecution(ctx, exec); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if got.State != workflow.StateCompleted {
		t.Fatalf("expected completed, got %s", got.State)
	}
	if string(got.Output) != `{"result":"done"}` {
		t.Fatalf("unexpected output: %s", got.Output)
	}
}

func TestExecutionStore_ListExecutions(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		exec := newExecution(fmt.Sprintf("list-%d", i%2))
		if i >= 3 {
			exec.State = workflow.StateCompleted
		}
		if err := s.CreateExecution(ctx, exec); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	pending, err := s.ListExecutions(ctx, workflow.ListOpts{State: workflow.StatePending})
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending, got %d", len(pending))
	}

	named, err := s.ListExecutions(ctx, workflow.ListOpts{Name: "list-0"})
	if err != nil {
		t.Fatalf("list by name: %v", err)
	}
	if len(named) != 3 {
		t.Fatalf("expected 3 named list-0, got %d", len(named))
	}

	paged, err := s.ListExecutions(ctx, workflow.ListOpts{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("list paged: %v", err)
	}
	if len(paged) != 2 {
		t.Fatalf("expected 2 paged, got %d", len(paged))
	}
}

func TestExecutionStore_ClaimPendingSkipLocked(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		exec := newExecution(fmt.Sprintf("claim-%d", i))
		exec.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		if err := s.CreateExecution(ctx, exec); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		ids = append(ids, exec.ID.String())
	}

	workerID := id.NewWorkerID()
	claimed, err := s.ClaimPending(ctx, workerID, 2)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("expected 2 claimed, got %d", len(claimed))
	}
	// Oldest first.
	if claimed[0].ID.String() != ids[0] {
		t.Fatalf("expected oldest claimed first, got %s", claimed[0].ID)
	}
	for _, exec := range claimed {
		if exec.State != workflow.StateRunning {
			t.Fatalf("expected running, got %s", exec.State)
		}
		if exec.WorkerID.String() != workerID.String() {
			t.Fatalf("expected worker %s, got %s", workerID, exec.WorkerID)
		}
		if exec.StartedAt == nil || exec.HeartbeatAt == nil {
			t.Fatal("expected started_at and heartbeat_at stamped")
		}
	}

	// Claim remaining — should get 1.
	remaining, err := s.ClaimPending(ctx, id.NewWorkerID(), 10)
	if err != nil {
		t.Fatalf("claim remaining: %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("expected 1 remaining, got %d", len(remaining))
	}
}

func TestExecutionStore_HeartbeatAndReap(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	exec := newExecution("heartbeat-test")
	if err := s.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Heartbeat on pending execution is an invalid state.
	if err := s.HeartbeatExecution(ctx, exec.ID, time.Now().UTC()); !errors.Is(err, pipevine.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got: %v", err)
	}
	if err := s.HeartbeatExecution(ctx, id.NewExecutionID(), time.Now().UTC()); !errors.Is(err, pipevine.ErrExecutionNotFound) {
		t.Fatalf("expected ErrExecutionNotFound, got: %v", err)
	}

	claimed, err := s.ClaimPending(ctx, id.NewWorkerID(), 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v (%d)", err, len(claimed))
	}

	if err = s.HeartbeatExecution(ctx, exec.ID, time.Now().UTC()); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	// Fresh heartbeat survives the reaper.
	reaped, err := s.ReapStale(ctx, time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if reaped != 0 {
		t.Fatalf("expected 0 reaped, got %d", reaped)
	}

	// A stale heartbeat goes back to pending.
	reaped, err = s.ReapStale(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("reap stale: %v", err)
	}
	if reaped != 1 {
		t.Fatalf("expected 1 reaped, got %d", reaped)
	}

	got, err := s.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("get after reap: %v", err)
	}
	if got.State != workflow.StatePending {
		t.Fatalf("expected pending after reap, got %s", got.State)
	}
	if !got.WorkerID.IsNil() {
		t.Fatalf("expected cleared worker, got %s", got.WorkerID)
	}
}

// ──────────────────────────────────────────────────
// History Store tests
// ──────────────────────────────────────────────────

func TestHistoryStore_AppendAndList(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	exec := newExecution("history-test")
	if err := s.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("create: %v", err)
	}

	for seq := 1; seq <= 3; seq++ {
		entry := &workflow.HistoryEntry{
			ID:          id.NewHistoryID(),
			ExecutionID: exec.ID,
			Seq:         seq,
			Step:        fmt.Sprintf("step-%d", seq),
			Phase:       workflow.PhaseIntent,
			Kind:        workflow.KindActivity,
			Key:         workflow.IdempotencyKey(exec.ID, seq),
			Data:        []byte(`{}`),
			CreatedAt:   time.Now().UTC(),
		}
		if err := s.AppendHistory(ctx, entry); err != nil {
			t.Fatalf("append seq %d: %v", seq, err)
		}
	}

	entries, err := s.ListHistory(ctx, exec.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, entry := range entries {
		if entry.Seq != i+1 {
			t.Fatalf("expected seq %d at position %d, got %d", i+1, i, entry.Seq)
		}
	}
}

func TestHistoryStore_SeqConflict(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	exec := newExecution("conflict-test")
	if err := s.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("create: %v", err)
	}

	entry := &workflow.HistoryEntry{
		ID:          id.NewHistoryID(),
		ExecutionID: exec.ID,
		Seq:         1,
		Step:        "charge",
		Phase:       workflow.PhaseIntent,
		Kind:        workflow.KindActivity,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.AppendHistory(ctx, entry); err != nil {
		t.Fatalf("append: %v", err)
	}

	dup := &workflow.HistoryEntry{
		ID:          id.NewHistoryID(),
		ExecutionID: exec.ID,
		Seq:         1,
		Step:        "other",
		Phase:       workflow.PhaseOutcome,
		Kind:        workflow.KindActivity,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.AppendHistory(ctx, dup); !errors.Is(err, pipevine.ErrHistoryConflict) {
		t.Fatalf("expected ErrHistoryConflict, got: %v", err)
	}
}

func TestHistoryStore_GetByStepAndPhase(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	exec := newExecution("get-history-test")
	if err := s.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("create: %v", err)
	}

	entry := &workflow.HistoryEntry{
		ID:          id.NewHistoryID(),
		ExecutionID: exec.ID,
		Seq:         1,
		Step:        "charge",
		Phase:       workflow.PhaseOutcome,
		Kind:        workflow.KindActivity,
		Data:        []byte(`"txn-99"`),
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.AppendHistory(ctx, entry); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := s.GetHistory(ctx, exec.ID, "charge", workflow.PhaseOutcome)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Data) != `"txn-99"` {
		t.Fatalf("unexpected data: %s", got.Data)
	}

	_, err = s.GetHistory(ctx, exec.ID, "charge", workflow.PhaseIntent)
	if !errors.Is(err, pipevine.ErrHistoryNotFound) {
		t.Fatalf("expected ErrHistoryNotFound, got: %v", err)
	}
}

func TestHistoryStore_ArchiveTerminal(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)

	done := newExecution("archive-old")
	done.State = workflow.StateCompleted
	done.CompletedAt = &old
	if err := s.CreateExecution(ctx, done); err != nil {
		t.Fatalf("create old: %v", err)
	}
	if err := s.AppendHistory(ctx, &workflow.HistoryEntry{
		ID:          id.NewHistoryID(),
		ExecutionID: done.ID,
		Seq:         1,
		Step:        "charge",
		Phase:       workflow.PhaseIntent,
		Kind:        workflow.KindActivity,
		CreatedAt:   old,
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	running := newExecution("archive-running")
	running.State = workflow.StateRunning
	if err := s.CreateExecution(ctx, running); err != nil {
		t.Fatalf("create running: %v", err)
	}

	archived, err := s.ArchiveTerminal(ctx, time.Now().UTC().Add(-24*time.Hour), 100)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if archived != 1 {
		t.Fatalf("expected 1 archived, got %d", archived)
	}

	if _, err = s.GetExecution(ctx, done.ID); !errors.Is(err, pipevine.ErrExecutionNotFound) {
		t.Fatalf("expected archived execution gone, got: %v", err)
	}
	if _, err = s.GetExecution(ctx, running.ID); err != nil {
		t.Fatalf("expected running execution kept: %v", err)
	}

	entries, err := s.ListHistory(ctx, done.ID)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected history moved, got %d entries", len(entries))
	}
}

// ──────────────────────────────────────────────────
// Cluster Store tests
// ──────────────────────────────────────────────────

func newWorker(hostname string) *cluster.Worker {
	return &cluster.Worker{
		ID:          id.NewWorkerID(),
		Hostname:    hostname,
		Concurrency: 10,
		State:       cluster.WorkerActive,
		LastSeen:    time.Now().UTC(),
		CreatedAt:   time.Now().UTC(),
	}
}

func TestClusterStore_RegisterAndList(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	w := newWorker("worker-1")
	if err := s.RegisterWorker(ctx, w); err != nil {
		t.Fatalf("register: %v", err)
	}

	workers, err := s.ListWorkers(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(workers) != 1 {
		t.Fatalf("expected 1, got %d", len(workers))
	}
	if workers[0].Hostname != "worker-1" {
		t.Fatalf("expected worker-1, got %s", workers[0].Hostname)
	}
}

func TestClusterStore_Deregister(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	w := newWorker("ephemeral")
	if err := s.RegisterWorker(ctx, w); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := s.DeregisterWorker(ctx, w.ID); err != nil {
		t.Fatalf("deregister: %v", err)
	}

	workers, err := s.ListWorkers(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(workers) != 0 {
		t.Fatalf("expected 0, got %d", len(workers))
	}

	if err = s.HeartbeatWorker(ctx, w.ID); !errors.Is(err, pipevine.ErrWorkerNotFound) {
		t.Fatalf("expected ErrWorkerNotFound, got: %v", err)
	}
}

func TestClusterStore_Leadership(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	w1 := newWorker("leader-1")
	w2 := newWorker("leader-2")
	for _, w := range []*cluster.Worker{w1, w2} {
		if err := s.RegisterWorker(ctx, w); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	// w1 acquires leadership.
	acquired, err := s.AcquireLeadership(ctx, w1.ID, 30*time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !acquired {
		t.Fatal("expected acquired")
	}

	// w2 cannot acquire.
	acquired, err = s.AcquireLeadership(ctx, w2.ID, 30*time.Second)
	if err != nil {
		t.Fatalf("acquire by w2: %v", err)
	}
	if acquired {
		t.Fatal("expected not acquired by w2")
	}

	// GetLeader returns w1.
	leader, err := s.GetLeader(ctx)
	if err != nil {
		t.Fatalf("get leader: %v", err)
	}
	if leader == nil {
		t.Fatal("expected leader")
	}
	if leader.ID.String() != w1.ID.String() {
		t.Fatalf("expected w1 as leader, got %s", leader.ID.String())
	}

	// w1 renews.
	renewed, err := s.RenewLeadership(ctx, w1.ID, 30*time.Second)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if !renewed {
		t.Fatal("expected renewed")
	}

	// w2 cannot renew (not leader).
	renewed, err = s.RenewLeadership(ctx, w2.ID, 30*time.Second)
	if err != nil {
		t.Fatalf("renew by w2: %v", err)
	}
	if renewed {
		t.Fatal("expected not renewed by w2")
	}
}

func TestClusterStore_LeaderExpiry(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	w1 := newWorker("expiring-leader")
	w2 := newWorker("new-leader")
	for _, w := range []*cluster.Worker{w1, w2} {
		if err := s.RegisterWorker(ctx, w); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	// w1 acquires with very short TTL.
	acquired, err := s.AcquireLeadership(ctx, w1.ID, 1*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !acquired {
		t.Fatal("expected acquired")
	}

	// Wait for TTL to expire.
	time.Sleep(50 * time.Millisecond)

	// w2 should now be able to acquire.
	acquired, err = s.AcquireLeadership(ctx, w2.ID, 30*time.Second)
	if err != nil {
		t.Fatalf("acquire by w2: %v", err)
	}
	if !acquired {
		t.Fatal("expected acquired by w2 after expiry")
	}
}

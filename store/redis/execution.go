package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pipevine/pipevine"
	"github.com/pipevine/pipevine/id"
	"github.com/pipevine/pipevine/workflow"
)

// CreateExecution stores the execution as a Hash and adds it to the
// pending queue.
func (s *Store) CreateExecution(ctx context.Context, exec *workflow.Execution) error {
	eID := exec.ID.String()
	key := execKey(eID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("pipevine/redis: create check exists: %w", err)
	}
	if exists > 0 {
		return pipevine.ErrExecutionExists
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, execToMap(exec))
	pipe.SAdd(ctx, execIDsKey, eID)
	if exec.State == workflow.StatePending {
		pipe.ZAdd(ctx, pendingQueueKey, goredis.Z{Score: execScore(exec.CreatedAt), Member: eID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pipevine/redis: create execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution by ID.
func (s *Store) GetExecution(ctx context.Context, execID id.ExecutionID) (*workflow.Execution, error) {
	return s.getExecutionByKey(ctx, execKey(execID.String()))
}

// UpdateExecution persists changes to an existing execution. An
// execution leaving the pending state is removed from the pending queue.
func (s *Store) UpdateExecution(ctx context.Context, exec *workflow.Execution) error {
	eID := exec.ID.String()
	key := execKey(eID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("pipevine/redis: update exists: %w", err)
	}
	if exists == 0 {
		return pipevine.ErrExecutionNotFound
	}

	fields := execToMap(exec)
	fields["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if exec.State == workflow.StatePending {
		pipe.ZAdd(ctx, pendingQueueKey, goredis.Z{Score: execScore(exec.CreatedAt), Member: eID})
	} else {
		pipe.ZRem(ctx, pendingQueueKey, eID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pipevine/redis: update execution: %w", err)
	}
	return nil
}

// ListExecutions returns executions matching the given options, ordered
// by creation time.
func (s *Store) ListExecutions(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Execution, error) {
	ids, err := s.client.SMembers(ctx, execIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("pipevine/redis: list smembers: %w", err)
	}

	execs := make([]*workflow.Execution, 0, len(ids))
	for _, eID := range ids {
		exec, getErr := s.getExecutionByKey(ctx, execKey(eID))
		if getErr != nil {
			continue // skip missing
		}
		if opts.State != "" && exec.State != opts.State {
			continue
		}
		if opts.Name != "" && exec.Name != opts.Name {
			continue
		}
		execs = append(execs, exec)
	}

	sort.Slice(execs, func(i, k int) bool {
		return execs[i].CreatedAt.Before(execs[k].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(execs) {
			return nil, nil
		}
		execs = execs[opts.Offset:]
	}
	if opts.Limit > 0 && len(execs) > opts.Limit {
		execs = execs[:opts.Limit]
	}
	return execs, nil
}

// ClaimPending atomically pops up to limit executions from the pending
// queue and stamps them running under the given worker.
func (s *Store) ClaimPending(ctx context.Context, workerID id.WorkerID, limit int) ([]*workflow.Execution, error) {
	members, err := s.client.ZPopMin(ctx, pendingQueueKey, int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("pipevine/redis: claim zpopmin: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	execs := make([]*workflow.Execution, 0, len(members))
	for _, z := range members {
		eID, ok := z.Member.(string)
		if !ok {
			continue
		}
		key := execKey(eID)
		if _, hErr := s.client.HSet(ctx, key,
			"state", string(workflow.StateRunning),
			"worker_id", workerID.String(),
			"started_at", now,
			"heartbeat_at", now,
			"updated_at", now,
		).Result(); hErr != nil {
			return nil, fmt.Errorf("pipevine/redis: claim update: %w", hErr)
		}

		exec, getErr := s.getExecutionByKey(ctx, key)
		if getErr != nil {
			return nil, getErr
		}
		execs = append(execs, exec)
	}
	return execs, nil
}

// HeartbeatExecution stamps the liveness timestamp on a running execution.
func (s *Store) HeartbeatExecution(ctx context.Context, execID id.ExecutionID, at time.Time) error {
	key := execKey(execID.String())

	state, err := s.client.HGet(ctx, key, "state").Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return pipevine.ErrExecutionNotFound
		}
		return fmt.Errorf("pipevine/redis: heartbeat get state: %w", err)
	}
	if workflow.State(state) != workflow.StateRunning {
		return pipevine.ErrInvalidState
	}

	if _, err := s.client.HSet(ctx, key,
		"heartbeat_at", at.UTC().Format(time.RFC3339Nano),
	).Result(); err != nil {
		return fmt.Errorf("pipevine/redis: heartbeat execution: %w", err)
	}
	return nil
}

// ReapStale returns running executions with heartbeats older than
// olderThan to the pending queue for another worker to resume.
func (s *Store) ReapStale(ctx context.Context, olderThan time.Time) (int, error) {
	ids, err := s.client.SMembers(ctx, execIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("pipevine/redis: reap smembers: %w", err)
	}

	reaped := 0
	for _, eID := range ids {
		exec, getErr := s.getExecutionByKey(ctx, execKey(eID))
		if getErr != nil {
			continue
		}
		if exec.State != workflow.StateRunning {
			continue
		}
		if exec.HeartbeatAt != nil && exec.HeartbeatAt.After(olderThan) {
			continue
		}

		pipe := s.client.TxPipeline()
		pipe.HSet(ctx, execKey(eID),
			"state", string(workflow.StatePending),
			"worker_id", "",
			"heartbeat_at", "",
			"updated_at", time.Now().UTC().Format(time.RFC3339Nano),
		)
		pipe.ZAdd(ctx, pendingQueueKey, goredis.Z{Score: execScore(exec.CreatedAt), Member: eID})
		if _, pErr := pipe.Exec(ctx); pErr != nil {
			return reaped, fmt.Errorf("pipevine/redis: reap requeue: %w", pErr)
		}
		reaped++
	}
	return reaped, nil
}

// ──────────────────────────────────────────────────
// History
// ──────────────────────────────────────────────────

// AppendHistory appends one entry to an execution's history. HSETNX on
// the sequence number gives the append-only conflict check.
func (s *Store) AppendHistory(ctx context.Context, entry *workflow.HistoryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("pipevine/redis: marshal history entry: %w", err)
	}

	set, err := s.client.HSetNX(ctx, historyKey(entry.ExecutionID.String()), strconv.Itoa(entry.Seq), data).Result()
	if err != nil {
		return fmt.Errorf("pipevine/redis: append history: %w", err)
	}
	if !set {
		return pipevine.ErrHistoryConflict
	}
	return nil
}

// GetHistory retrieves the entry for a specific step and phase.
func (s *Store) GetHistory(ctx context.Context, execID id.ExecutionID, step string, phase workflow.Phase) (*workflow.HistoryEntry, error) {
	entries, err := s.ListHistory(ctx, execID)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Step == step && e.Phase == phase {
			return e, nil
		}
	}
	return nil, pipevine.ErrHistoryNotFound
}

// ListHistory returns an execution's full history ordered by Seq.
func (s *Store) ListHistory(ctx context.Context, execID id.ExecutionID) ([]*workflow.HistoryEntry, error) {
	vals, err := s.client.HGetAll(ctx, historyKey(execID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("pipevine/redis: list history: %w", err)
	}

	entries := make([]*workflow.HistoryEntry, 0, len(vals))
	for _, raw := range vals {
		var e workflow.HistoryEntry
		if uErr := json.Unmarshal([]byte(raw), &e); uErr != nil {
			return nil, fmt.Errorf("pipevine/redis: decode history entry: %w", uErr)
		}
		entries = append(entries, &e)
	}
	sort.Slice(entries, func(i, k int) bool {
		return entries[i].Seq < entries[k].Seq
	})
	return entries, nil
}

// ──────────────────────────────────────────────────
// Archive
// ──────────────────────────────────────────────────

// ArchiveTerminal moves terminal executions completed before the cutoff
// (and their history) under the archive namespace.
func (s *Store) ArchiveTerminal(ctx context.Context, before time.Time, limit int) (int, error) {
	ids, err := s.client.SMembers(ctx, execIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("pipevine/redis: archive smembers: %w", err)
	}

	archived := 0
	for _, eID := range ids {
		if limit > 0 && archived >= limit {
			break
		}
		exec, getErr := s.getExecutionByKey(ctx, execKey(eID))
		if getErr != nil {
			continue
		}
		if !exec.State.Terminal() {
			continue
		}
		if exec.CompletedAt == nil || exec.CompletedAt.After(before) {
			continue
		}

		pipe := s.client.TxPipeline()
		pipe.Rename(ctx, execKey(eID), archivedExecKey(eID))
		pipe.SRem(ctx, execIDsKey, eID)
		pipe.SAdd(ctx, archivedIDsKey, eID)
		if _, pErr := pipe.Exec(ctx); pErr != nil {
			return archived, fmt.Errorf("pipevine/redis: archive execution: %w", pErr)
		}

		// History may be empty for executions that never dispatched.
		hKey := historyKey(eID)
		if exists, _ := s.client.Exists(ctx, hKey).Result(); exists > 0 {
			if rErr := s.client.Rename(ctx, hKey, archivedHistoryKey(eID)).Err(); rErr != nil {
				return archived, fmt.Errorf("pipevine/redis: archive history: %w", rErr)
			}
		}
		archived++
	}
	return archived, nil
}

// ── helpers ──

// execScore orders the pending queue FIFO by creation time.
func execScore(createdAt time.Time) float64 {
	return float64(createdAt.UnixMilli())
}

func execToMap(exec *workflow.Execution) map[string]interface{} {
	m := map[string]interface{}{
		"id":                 exec.ID.String(),
		"name":               exec.Name,
		"state":              string(exec.State),
		"input":              string(exec.Input),
		"output":             string(exec.Output),
		"error":              exec.Error,
		"compensation_error": exec.CompensationError,
		"worker_id":          exec.WorkerID.String(),
		"created_at":         exec.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":         exec.UpdatedAt.Format(time.RFC3339Nano),
	}
	if exec.StartedAt != nil {
		m["started_at"] = exec.StartedAt.Format(time.RFC3339Nano)
	}
	if exec.CompletedAt != nil {
		m["completed_at"] = exec.CompletedAt.Format(time.RFC3339Nano)
	}
	if exec.HeartbeatAt != nil {
		m["heartbeat_at"] = exec.HeartbeatAt.Format(time.RFC3339Nano)
	}
	return m
}

func (s *Store) getExecutionByKey(ctx context.Context, key string) (*workflow.Execution, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("pipevine/redis: get execution: %w", err)
	}
	if len(vals) == 0 {
		return nil, pipevine.ErrExecutionNotFound
	}
	return mapToExec(vals)
}

func mapToExec(m map[string]string) (*workflow.Execution, error) {
	eID, err := id.ParseExecutionID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("pipevine/redis: parse execution id: %w", err)
	}

	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	exec := &workflow.Execution{
		Entity: pipevine.Entity{
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
		ID:                eID,
		Name:              m["name"],
		State:             workflow.State(m["state"]),
		Input:             []byte(m["input"]),
		Output:            []byte(m["output"]),
		Error:             m["error"],
		CompensationError: m["compensation_error"],
	}

	if wid := m["worker_id"]; wid != "" {
		exec.WorkerID, _ = id.ParseWorkerID(wid) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	if v := m["started_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		exec.StartedAt = &t
	}
	if v := m["completed_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		exec.CompletedAt = &t
	}
	if v := m["heartbeat_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		exec.HeartbeatAt = &t
	}

	return exec, nil
}

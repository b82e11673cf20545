package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pipevine/pipevine"
	"github.com/pipevine/pipevine/id"
	"github.com/pipevine/pipevine/workflow"
)

const executionColumns = `
	id, name, state, input, output, error, compensation_error, worker_id,
	started_at, completed_at, heartbeat_at, created_at, updated_at`

// CreateExecution persists a new execution in pending state.
func (s *Store) CreateExecution(ctx context.Context, exec *workflow.Execution) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pipevine_executions (
			id, name, state, input, output, error, compensation_error, worker_id,
			started_at, completed_at, heartbeat_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11, $12, $13
		)`,
		exec.ID.String(), exec.Name, string(exec.State), exec.Input, exec.Output,
		exec.Error, exec.CompensationError, exec.WorkerID.String(),
		exec.StartedAt, exec.CompletedAt, exec.HeartbeatAt,
		exec.CreatedAt, exec.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return pipevine.ErrExecutionExists
		}
		return fmt.Errorf("pipevine/postgres: create execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution by ID.
func (s *Store) GetExecution(ctx context.Context, execID id.ExecutionID) (*workflow.Execution, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT`+executionColumns+`
		FROM pipevine_executions
		WHERE id = $1`,
		execID.String(),
	)

	exec, err := scanExecution(row)
	if err != nil {
		if isNoRows(err) {
			return nil, pipevine.ErrExecutionNotFound
		}
		return nil, fmt.Errorf("pipevine/postgres: get execution: %w", err)
	}
	return exec, nil
}

// UpdateExecution persists changes to an existing execution.
func (s *Store) UpdateExecution(ctx context.Context, exec *workflow.Execution) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pipevine_executions SET
			name = $2, state = $3, input = $4, output = $5,
			error = $6, compensation_error = $7, worker_id = $8,
			started_at = $9, completed_at = $10, heartbeat_at = $11,
			updated_at = NOW()
		WHERE id = $1`,
		exec.ID.String(), exec.Name, string(exec.State), exec.Input, exec.Output,
		exec.Error, exec.CompensationError, exec.WorkerID.String(),
		exec.StartedAt, exec.CompletedAt, exec.HeartbeatAt,
	)
	if err != nil {
		return fmt.Errorf("pipevine/postgres: update execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pipevine.ErrExecutionNotFound
	}
	return nil
}

// ListExecutions returns executions matching the given options, ordered
// by creation time.
func (s *Store) ListExecutions(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Execution, error) {
	query := `
		SELECT` + executionColumns + `
		FROM pipevine_executions
		WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if opts.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, string(opts.State))
		argIdx++
	}
	if opts.Name != "" {
		query += fmt.Sprintf(" AND name = $%d", argIdx)
		args = append(args, opts.Name)
		argIdx++
	}

	query += " ORDER BY created_at ASC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pipevine/postgres: list executions: %w", err)
	}
	defer rows.Close()

	return collectExecutions(rows)
}

// ClaimPending atomically claims up to limit pending executions, sets
// them to running, and returns them. Uses SELECT FOR UPDATE SKIP LOCKED
// for concurrent-safe claiming.
func (s *Store) ClaimPending(ctx context.Context, workerID id.WorkerID, limit int) ([]*workflow.Execution, error) {
	rows, err := s.pool.Query(ctx, `
		WITH claimed AS (
			UPDATE pipevine_executions
			SET state = 'running', worker_id = $1,
			    started_at = NOW(), heartbeat_at = NOW(), updated_at = NOW()
			WHERE id IN (
				SELECT id FROM pipevine_executions
				WHERE state = 'pending'
				ORDER BY created_at ASC
				FOR UPDATE SKIP LOCKED
				LIMIT $2
			)
			RETURNING
				id, name, state, input, output, error, compensation_error, worker_id,
				started_at, completed_at, heartbeat_at, created_at, updated_at
		)
		SELECT * FROM claimed ORDER BY created_at ASC`,
		workerID.String(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("pipevine/postgres: claim pending: %w", err)
	}
	defer rows.Close()

	return collectExecutions(rows)
}

// HeartbeatExecution stamps the heartbeat timestamp on a running
// execution.
func (s *Store) HeartbeatExecution(ctx context.Context, execID id.ExecutionID, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pipevine_executions
		SET heartbeat_at = $2, updated_at = NOW()
		WHERE id = $1 AND state = 'running'`,
		execID.String(), at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("pipevine/postgres: heartbeat execution: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Distinguish a missing execution from one in the wrong state.
	var exists bool
	err = s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM pipevine_executions WHERE id = $1)`,
		execID.String(),
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("pipevine/postgres: heartbeat execution check: %w", err)
	}
	if !exists {
		return pipevine.ErrExecutionNotFound
	}
	return pipevine.ErrInvalidState
}

// ReapStale returns running executions whose heartbeat is older than
// olderThan to pending, clearing the worker assignment.
func (s *Store) ReapStale(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pipevine_executions
		SET state = 'pending', worker_id = '', heartbeat_at = NULL, updated_at = NOW()
		WHERE state = 'running'
		  AND (heartbeat_at IS NULL OR heartbeat_at <= $1)`,
		olderThan.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("pipevine/postgres: reap stale: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// AppendHistory appends one entry to an execution's history. The unique
// (execution_id, seq) constraint rejects concurrent duplicate appends.
func (s *Store) AppendHistory(ctx context.Context, entry *workflow.HistoryEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pipevine_history (
			id, execution_id, seq, step, phase, kind, key, data, err, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.ID.String(), entry.ExecutionID.String(), entry.Seq,
		entry.Step, string(entry.Phase), string(entry.Kind),
		entry.Key, entry.Data, entry.Err, entry.CreatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return pipevine.ErrHistoryConflict
		}
		return fmt.Errorf("pipevine/postgres: append history: %w", err)
	}
	return nil
}

// GetHistory retrieves the entry for a specific step and phase.
func (s *Store) GetHistory(ctx context.Context, execID id.ExecutionID, step string, phase workflow.Phase) (*workflow.HistoryEntry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, execution_id, seq, step, phase, kind, key, data, err, created_at
		FROM pipevine_history
		WHERE execution_id = $1 AND step = $2 AND phase = $3
		LIMIT 1`,
		execID.String(), step, string(phase),
	)

	entry, err := scanEntry(row)
	if err != nil {
		if isNoRows(err) {
			return nil, pipevine.ErrHistoryNotFound
		}
		return nil, fmt.Errorf("pipevine/postgres: get history: %w", err)
	}
	return entry, nil
}

// ListHistory returns an execution's full history ordered by sequence.
func (s *Store) ListHistory(ctx context.Context, execID id.ExecutionID) ([]*workflow.HistoryEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, execution_id, seq, step, phase, kind, key, data, err, created_at
		FROM pipevine_history
		WHERE execution_id = $1
		ORDER BY seq ASC`,
		execID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("pipevine/postgres: list history: %w", err)
	}
	defer rows.Close()

	var entries []*workflow.HistoryEntry
	for rows.Next() {
		entry, scanErr := scanEntry(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("pipevine/postgres: scan history row: %w", scanErr)
		}
		entries = append(entries, entry)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("pipevine/postgres: iterate history rows: %w", err)
	}
	return entries, nil
}

// ArchiveTerminal moves up to limit terminal executions completed before
// the cutoff, and their history, into the archive tables. The whole move
// runs in one transaction so an execution is never half-archived.
func (s *Store) ArchiveTerminal(ctx context.Context, before time.Time, limit int) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("pipevine/postgres: archive begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	rows, err := tx.Query(ctx, `
		SELECT id FROM pipevine_executions
		WHERE state IN ('completed', 'failed', 'cancelled')
		  AND completed_at IS NOT NULL
		  AND completed_at <= $1
		ORDER BY completed_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $2`,
		before.UTC(), limit,
	)
	if err != nil {
		return 0, fmt.Errorf("pipevine/postgres: select terminal: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return 0, fmt.Errorf("pipevine/postgres: collect terminal ids: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	if _, err = tx.Exec(ctx, `
		INSERT INTO pipevine_archived_executions
		SELECT * FROM pipevine_executions WHERE id = ANY($1)`,
		ids,
	); err != nil {
		return 0, fmt.Errorf("pipevine/postgres: copy executions: %w", err)
	}
	if _, err = tx.Exec(ctx, `
		INSERT INTO pipevine_archived_history
		SELECT * FROM pipevine_history WHERE execution_id = ANY($1)`,
		ids,
	); err != nil {
		return 0, fmt.Errorf("pipevine/postgres: copy history: %w", err)
	}
	if _, err = tx.Exec(ctx,
		`DELETE FROM pipevine_history WHERE execution_id = ANY($1)`, ids,
	); err != nil {
		return 0, fmt.Errorf("pipevine/postgres: delete history: %w", err)
	}
	if _, err = tx.Exec(ctx,
		`DELETE FROM pipevine_executions WHERE id = ANY($1)`, ids,
	); err != nil {
		return 0, fmt.Errorf("pipevine/postgres: delete executions: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("pipevine/postgres: archive commit: %w", err)
	}
	return len(ids), nil
}

// scanExecution scans a single execution row.
func scanExecution(row pgx.Row) (*workflow.Execution, error) {
	var (
		exec      workflow.Execution
		idStr     string
		stateStr  string
		workerStr string
	)
	err := row.Scan(
		&idStr, &exec.Name, &stateStr, &exec.Input, &exec.Output,
		&exec.Error, &exec.CompensationError, &workerStr,
		&exec.StartedAt, &exec.CompletedAt, &exec.HeartbeatAt,
		&exec.CreatedAt, &exec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	exec.State = workflow.State(stateStr)

	parsedID, parseErr := id.ParseExecutionID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("pipevine/postgres: parse execution id %q: %w", idStr, parseErr)
	}
	exec.ID = parsedID

	if workerStr != "" {
		parsedWorker, workerErr := id.ParseWorkerID(workerStr)
		if workerErr == nil {
			exec.WorkerID = parsedWorker
		}
	}

	return &exec, nil
}

// collectExecutions collects all executions from query rows.
func collectExecutions(rows pgx.Rows) ([]*workflow.Execution, error) {
	var execs []*workflow.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("pipevine/postgres: scan execution row: %w", err)
		}
		execs = append(execs, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pipevine/postgres: iterate execution rows: %w", err)
	}
	return execs, nil
}

// scanEntry scans a single history row.
func scanEntry(row pgx.Row) (*workflow.HistoryEntry, error) {
	var (
		entry    workflow.HistoryEntry
		idStr    string
		execStr  string
		phaseStr string
		kindStr  string
	)
	err := row.Scan(
		&idStr, &execStr, &entry.Seq, &entry.Step, &phaseStr, &kindStr,
		&entry.Key, &entry.Data, &entry.Err, &entry.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	entry.Phase = workflow.Phase(phaseStr)
	entry.Kind = workflow.Kind(kindStr)

	parsedID, parseErr := id.ParseHistoryID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("pipevine/postgres: parse history id %q: %w", idStr, parseErr)
	}
	entry.ID = parsedID

	parsedExec, parseErr := id.ParseExecutionID(execStr)
	if parseErr != nil {
		return nil, fmt.Errorf("pipevine/postgres: parse execution id %q: %w", execStr, parseErr)
	}
	entry.ExecutionID = parsedExec

	return &entry, nil
}

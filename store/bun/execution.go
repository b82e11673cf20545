package bunstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"github.com/pipevine/pipevine"
	"github.com/pipevine/pipevine/id"
	"github.com/pipevine/pipevine/workflow"
)

// CreateExecution persists a new execution in pending state.
func (s *Store) CreateExecution(ctx context.Context, exec *workflow.Execution) error {
	m := toExecutionModel(exec)
	_, err := s.db.NewInsert().Model(m).Exec(ctx)
	if err != nil {
		if isDuplicateKey(err) {
			return pipevine.ErrExecutionExists
		}
		return fmt.Errorf("pipevine/bun: create execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution by ID.
func (s *Store) GetExecution(ctx context.Context, execID id.ExecutionID) (*workflow.Execution, error) {
	m := new(executionModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", execID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, pipevine.ErrExecutionNotFound
		}
		return nil, fmt.Errorf("pipevine/bun: get execution: %w", err)
	}
	return fromExecutionModel(m)
}

// UpdateExecution persists changes to an existing execution.
func (s *Store) UpdateExecution(ctx context.Context, exec *workflow.Execution) error {
	m := toExecutionModel(exec)
	m.UpdatedAt = time.Now().UTC()
	res, err := s.db.NewUpdate().Model(m).WherePK().Exec(ctx)
	if err != nil {
		return fmt.Errorf("pipevine/bun: update execution: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return pipevine.ErrExecutionNotFound
	}
	return nil
}

// ListExecutions returns executions matching the given options, ordered
// by creation time.
func (s *Store) ListExecutions(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Execution, error) {
	var models []executionModel
	q := s.db.NewSelect().Model(&models)

	if opts.State != "" {
		q = q.Where("state = ?", string(opts.State))
	}
	if opts.Name != "" {
		q = q.Where("name = ?", opts.Name)
	}

	q = q.Order("created_at ASC")

	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	err := q.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("pipevine/bun: list executions: %w", err)
	}

	execs := make([]*workflow.Execution, 0, len(models))
	for i := range models {
		exec, convErr := fromExecutionModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("pipevine/bun: list executions convert: %w", convErr)
		}
		execs = append(execs, exec)
	}
	return execs, nil
}

// ClaimPending atomically claims up to limit pending executions, sets
// them to running, and returns them. Uses SELECT FOR UPDATE SKIP LOCKED
// for concurrent-safe claiming via raw SQL.
func (s *Store) ClaimPending(ctx context.Context, workerID id.WorkerID, limit int) ([]*workflow.Execution, error) {
	var models []executionModel
	_, err := s.db.NewRaw(`
		WITH claimed AS (
			UPDATE pipevine_executions
			SET state = 'running', worker_id = ?0,
			    started_at = NOW(), heartbeat_at = NOW(), updated_at = NOW()
			WHERE id IN (
				SELECT id FROM pipevine_executions
				WHERE state = 'pending'
				ORDER BY created_at ASC
				FOR UPDATE SKIP LOCKED
				LIMIT ?1
			)
			RETURNING *
		)
		SELECT * FROM claimed ORDER BY created_at ASC`,
		workerID.String(), limit,
	).Exec(ctx, &models)
	if err != nil {
		return nil, fmt.Errorf("pipevine/bun: claim pending: %w", err)
	}

	execs := make([]*workflow.Execution, 0, len(models))
	for i := range models {
		exec, convErr := fromExecutionModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("pipevine/bun: claim convert: %w", convErr)
		}
		execs = append(execs, exec)
	}
	return execs, nil
}

// HeartbeatExecution stamps the heartbeat timestamp on a running
// execution.
func (s *Store) HeartbeatExecution(ctx context.Context, execID id.ExecutionID, at time.Time) error {
	res, err := s.db.NewUpdate().
		TableExpr("pipevine_executions").
		Set("heartbeat_at = ?", at.UTC()).
		Set("updated_at = NOW()").
		Where("id = ?", execID.String()).
		Where("state = 'running'").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("pipevine/bun: heartbeat execution: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows > 0 {
		return nil
	}

	// Distinguish a missing execution from one in the wrong state.
	exists, err := s.db.NewSelect().
		TableExpr("pipevine_executions").
		Where("id = ?", execID.String()).
		Exists(ctx)
	if err != nil {
		return fmt.Errorf("pipevine/bun: heartbeat execution check: %w", err)
	}
	if !exists {
		return pipevine.ErrExecutionNotFound
	}
	return pipevine.ErrInvalidState
}

// ReapStale returns running executions whose heartbeat is older than
// olderThan to pending, clearing the worker assignment. History is left
// untouched so the next claimer replays it.
func (s *Store) ReapStale(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.NewUpdate().
		TableExpr("pipevine_executions").
		Set("state = 'pending'").
		Set("worker_id = ''").
		Set("heartbeat_at = NULL").
		Set("updated_at = NOW()").
		Where("state = 'running'").
		Where("heartbeat_at IS NULL OR heartbeat_at <= ?", olderThan.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("pipevine/bun: reap stale: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return int(rows), nil
}

// AppendHistory appends one entry to an execution's history. The unique
// (execution_id, seq) constraint rejects concurrent duplicate appends.
func (s *Store) AppendHistory(ctx context.Context, entry *workflow.HistoryEntry) error {
	m := toHistoryModel(entry)
	_, err := s.db.NewInsert().Model(m).Exec(ctx)
	if err != nil {
		if isDuplicateKey(err) {
			return pipevine.ErrHistoryConflict
		}
		return fmt.Errorf("pipevine/bun: append history: %w", err)
	}
	return nil
}

// GetHistory retrieves the entry for a specific step and phase.
func (s *Store) GetHistory(ctx context.Context, execID id.ExecutionID, step string, phase workflow.Phase) (*workflow.HistoryEntry, error) {
	m := new(historyModel)
	err := s.db.NewSelect().Model(m).
		Where("execution_id = ?", execID.String()).
		Where("step = ?", step).
		Where("phase = ?", string(phase)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, pipevine.ErrHistoryNotFound
		}
		return nil, fmt.Errorf("pipevine/bun: get history: %w", err)
	}
	return fromHistoryModel(m)
}

// ListHistory returns an execution's full history ordered by sequence.
func (s *Store) ListHistory(ctx context.Context, execID id.ExecutionID) ([]*workflow.HistoryEntry, error) {
	var models []historyModel
	err := s.db.NewSelect().Model(&models).
		Where("execution_id = ?", execID.String()).
		Order("seq ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("pipevine/bun: list history: %w", err)
	}

	entries := make([]*workflow.HistoryEntry, 0, len(models))
	for i := range models {
		entry, convErr := fromHistoryModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("pipevine/bun: list history convert: %w", convErr)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// ArchiveTerminal moves up to limit terminal executions completed before
// the cutoff, and their history, into the archive tables. The whole move
// runs in one transaction so an execution is never half-archived.
func (s *Store) ArchiveTerminal(ctx context.Context, before time.Time, limit int) (int, error) {
	var archived int
	err := s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		var ids []string
		err := tx.NewRaw(`
			SELECT id FROM pipevine_executions
			WHERE state IN ('completed', 'failed', 'cancelled')
			  AND completed_at IS NOT NULL
			  AND completed_at <= ?0
			ORDER BY completed_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT ?1`,
			before.UTC(), limit,
		).Scan(ctx, &ids)
		if err != nil {
			return fmt.Errorf("select terminal: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		if _, err = tx.NewRaw(`
			INSERT INTO pipevine_archived_executions
			SELECT * FROM pipevine_executions WHERE id = ANY(?0)`,
			pgdialect.Array(ids),
		).Exec(ctx); err != nil {
			return fmt.Errorf("copy executions: %w", err)
		}
		if _, err = tx.NewRaw(`
			INSERT INTO pipevine_archived_history
			SELECT * FROM pipevine_history WHERE execution_id = ANY(?0)`,
			pgdialect.Array(ids),
		).Exec(ctx); err != nil {
			return fmt.Errorf("copy history: %w", err)
		}
		if _, err = tx.NewRaw(`
			DELETE FROM pipevine_history WHERE execution_id = ANY(?0)`,
			pgdialect.Array(ids),
		).Exec(ctx); err != nil {
			return fmt.Errorf("delete history: %w", err)
		}
		if _, err = tx.NewRaw(`
			DELETE FROM pipevine_executions WHERE id = ANY(?0)`,
			pgdialect.Array(ids),
		).Exec(ctx); err != nil {
			return fmt.Errorf("delete executions: %w", err)
		}

		archived = len(ids)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("pipevine/bun: archive terminal: %w", err)
	}
	return archived, nil
}

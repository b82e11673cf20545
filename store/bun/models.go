package bunstore

import (
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/pipevine/pipevine"
	"github.com/pipevine/pipevine/cluster"
	"github.com/pipevine/pipevine/id"
	"github.com/pipevine/pipevine/workflow"
)

// ── Execution model ───────────────────────────────────────────────

type executionModel struct {
	bun.BaseModel `bun:"table:pipevine_executions"`

	ID                string     `bun:"id,pk"`
	Name              string     `bun:"name,notnull"`
	State             string     `bun:"state,notnull,default:'pending'"`
	Input             []byte     `bun:"input,type:bytea"`
	Output            []byte     `bun:"output,type:bytea"`
	Error             string     `bun:"error"`
	CompensationError string     `bun:"compensation_error"`
	WorkerID          string     `bun:"worker_id"`
	StartedAt         *time.Time `bun:"started_at"`
	CompletedAt       *time.Time `bun:"completed_at"`
	HeartbeatAt       *time.Time `bun:"heartbeat_at"`
	CreatedAt         time.Time  `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt         time.Time  `bun:"updated_at,notnull,default:current_timestamp"`
}

func toExecutionModel(exec *workflow.Execution) *executionModel {
	return &executionModel{
		ID:                exec.ID.String(),
		Name:              exec.Name,
		State:             string(exec.State),
		Input:             exec.Input,
		Output:            exec.Output,
		Error:             exec.Error,
		CompensationError: exec.CompensationError,
		WorkerID:          exec.WorkerID.String(),
		StartedAt:         exec.StartedAt,
		CompletedAt:       exec.CompletedAt,
		HeartbeatAt:       exec.HeartbeatAt,
		CreatedAt:         exec.CreatedAt,
		UpdatedAt:         exec.UpdatedAt,
	}
}

func fromExecutionModel(m *executionModel) (*workflow.Execution, error) {
	parsedID, err := id.ParseExecutionID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("pipevine/bun: parse execution id %q: %w", m.ID, err)
	}

	exec := &workflow.Execution{
		Entity: pipevine.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:                parsedID,
		Name:              m.Name,
		State:             workflow.State(m.State),
		Input:             m.Input,
		Output:            m.Output,
		Error:             m.Error,
		CompensationError: m.CompensationError,
		StartedAt:         m.StartedAt,
		CompletedAt:       m.CompletedAt,
		HeartbeatAt:       m.HeartbeatAt,
	}

	if m.WorkerID != "" {
		parsedWorker, wErr := id.ParseWorkerID(m.WorkerID)
		if wErr == nil {
			exec.WorkerID = parsedWorker
		}
	}

	return exec, nil
}

// ── History model ─────────────────────────────────────────────────

type historyModel struct {
	bun.BaseModel `bun:"table:pipevine_history"`

	ID          string    `bun:"id,pk"`
	ExecutionID string    `bun:"execution_id,notnull"`
	Seq         int       `bun:"seq,notnull"`
	Step        string    `bun:"step,notnull"`
	Phase       string    `bun:"phase,notnull"`
	Kind        string    `bun:"kind,notnull"`
	Key         string    `bun:"key"`
	Data        []byte    `bun:"data,type:bytea"`
	Err         string    `bun:"err"`
	CreatedAt   time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

func toHistoryModel(e *workflow.HistoryEntry) *historyModel {
	return &historyModel{
		ID:          e.ID.String(),
		ExecutionID: e.ExecutionID.String(),
		Seq:         e.Seq,
		Step:        e.Step,
		Phase:       string(e.Phase),
		Kind:        string(e.Kind),
		Key:         e.Key,
		Data:        e.Data,
		Err:         e.Err,
		CreatedAt:   e.CreatedAt,
	}
}

func fromHistoryModel(m *historyModel) (*workflow.HistoryEntry, error) {
	parsedID, err := id.ParseHistoryID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("pipevine/bun: parse history id %q: %w", m.ID, err)
	}
	parsedExecID, err := id.ParseExecutionID(m.ExecutionID)
	if err != nil {
		return nil, fmt.Errorf("pipevine/bun: parse execution id %q: %w", m.ExecutionID, err)
	}

	return &workflow.HistoryEntry{
		ID:          parsedID,
		ExecutionID: parsedExecID,
		Seq:         m.Seq,
		Step:        m.Step,
		Phase:       workflow.Phase(m.Phase),
		Kind:        workflow.Kind(m.Kind),
		Key:         m.Key,
		Data:        m.Data,
		Err:         m.Err,
		CreatedAt:   m.CreatedAt,
	}, nil
}

// ── Worker model ──────────────────────────────────────────────────

type workerModel struct {
	bun.BaseModel `bun:"table:pipevine_workers"`

	ID          string     `bun:"id,pk"`
	Hostname    string     `bun:"hostname"`
	Concurrency int        `bun:"concurrency"`
	State       string     `bun:"state,notnull,default:'active'"`
	IsLeader    bool       `bun:"is_leader,notnull,default:false"`
	LeaderUntil *time.Time `bun:"leader_until"`
	LastSeen    time.Time  `bun:"last_seen,notnull,default:current_timestamp"`
	CreatedAt   time.Time  `bun:"created_at,notnull,default:current_timestamp"`
}

func toWorkerModel(w *cluster.Worker) *workerModel {
	return &workerModel{
		ID:          w.ID.String(),
		Hostname:    w.Hostname,
		Concurrency: w.Concurrency,
		State:       string(w.State),
		IsLeader:    w.IsLeader,
		LeaderUntil: w.LeaderUntil,
		LastSeen:    w.LastSeen,
		CreatedAt:   w.CreatedAt,
	}
}

func fromWorkerModel(m *workerModel) (*cluster.Worker, error) {
	parsedID, err := id.ParseWorkerID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("pipevine/bun: parse worker id %q: %w", m.ID, err)
	}

	return &cluster.Worker{
		ID:          parsedID,
		Hostname:    m.Hostname,
		Concurrency: m.Concurrency,
		State:       cluster.WorkerState(m.State),
		IsLeader:    m.IsLeader,
		LeaderUntil: m.LeaderUntil,
		LastSeen:    m.LastSeen,
		CreatedAt:   m.CreatedAt,
	}, nil
}

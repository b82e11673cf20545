// Package worker runs the claim/execute/heartbeat loops of one engine
// instance. A pool claims pending executions from the store, drives them
// through the workflow runner, keeps their heartbeats fresh, and returns
// executions orphaned by dead workers to the pending queue.
package worker

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/pipevine/pipevine/cluster"
	"github.com/pipevine/pipevine/id"
	"github.com/pipevine/pipevine/workflow"
)

// Pool manages a set of concurrent claim goroutines that poll for
// pending executions and run them through the workflow Runner.
type Pool struct {
	store        workflow.Store
	clusterStore cluster.Store
	runner       *workflow.Runner
	concurrency  int
	pollInterval time.Duration
	workerID     id.WorkerID
	logger       *slog.Logger

	// Heartbeat / reaper configuration.
	heartbeatInterval time.Duration
	staleThreshold    time.Duration

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	activeMu sync.Mutex
	active   map[id.ExecutionID]struct{}
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of concurrent claim goroutines.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithPollInterval sets how often idle claim goroutines poll for work.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithHeartbeatInterval sets how often the pool stamps heartbeats for
// in-flight executions and its own worker record. A zero value disables
// heartbeats.
func WithHeartbeatInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.heartbeatInterval = d }
}

// WithStaleThreshold sets the threshold after which running executions
// without a heartbeat are considered orphaned and returned to pending.
// A zero value disables reaping.
func WithStaleThreshold(d time.Duration) PoolOption {
	return func(p *Pool) { p.staleThreshold = d }
}

// WithClusterStore sets the worker registry. When present the pool
// registers itself on Start, heartbeats its record, and deregisters on
// Stop.
func WithClusterStore(cs cluster.Store) PoolOption {
	return func(p *Pool) { p.clusterStore = cs }
}

// NewPool creates a worker pool.
func NewPool(store workflow.Store, runner *workflow.Runner, logger *slog.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		store:        store,
		runner:       runner,
		concurrency:  10,
		pollInterval: time.Second,
		workerID:     id.NewWorkerID(),
		logger:       logger,
		stopCh:       make(chan struct{}),
		active:       make(map[id.ExecutionID]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the claim goroutines. It returns immediately.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
	)

	if p.clusterStore != nil {
		hostname, _ := os.Hostname() //nolint:errcheck // empty hostname is acceptable
		w := &cluster.Worker{
			ID:          p.workerID,
			Hostname:    hostname,
			Concurrency: p.concurrency,
			State:       cluster.WorkerActive,
			LastSeen:    time.Now().UTC(),
			CreatedAt:   time.Now().UTC(),
		}
		if err := p.clusterStore.RegisterWorker(ctx, w); err != nil {
			p.logger.Error("worker registration failed",
				slog.String("worker_id", p.workerID.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	for range p.concurrency {
		p.wg.Add(1)
		go p.claimLoop()
	}

	if p.heartbeatInterval > 0 {
		p.wg.Add(1)
		go p.heartbeatLoop()
	}

	if p.staleThreshold > 0 {
		p.wg.Add(1)
		go p.reaperLoop()
	}

	return nil
}

// Stop signals all loops to stop and waits for in-flight executions to
// settle. If the context has a deadline, active executions are cancelled
// when time runs out; their history lets the next claimer resume them.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))

	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, abandoning active executions")
		p.wg.Wait()
	}

	if p.clusterStore != nil {
		if err := p.clusterStore.DeregisterWorker(context.WithoutCancel(ctx), p.workerID); err != nil {
			p.logger.Warn("worker deregistration failed",
				slog.String("worker_id", p.workerID.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	return nil
}

// claimLoop is run by each claim goroutine.
func (p *Pool) claimLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		execs, err := p.store.ClaimPending(context.Background(), p.workerID, 1)
		if err != nil {
			p.logger.Error("claim error", slog.String("error", err.Error()))
			p.sleep()
			continue
		}

		if len(execs) == 0 {
			p.sleep()
			continue
		}

		exec := execs[0]
		p.trackExecution(exec.ID)

		// stopCh interrupts the run; the runner leaves an interrupted
		// execution running so replay can finish it elsewhere.
		runCtx, cancel := context.WithCancel(context.Background())
		stopWatch := make(chan struct{})
		go func() {
			select {
			case <-p.stopCh:
				cancel()
			case <-stopWatch:
			}
		}()

		if execErr := p.runner.Execute(runCtx, exec); execErr != nil {
			p.logger.Debug("execution finished with error",
				slog.String("execution_id", exec.ID.String()),
				slog.String("workflow", exec.Name),
				slog.String("error", execErr.Error()),
			)
		}

		close(stopWatch)
		cancel()
		p.untrackExecution(exec.ID)
	}
}

// heartbeatLoop periodically stamps heartbeats for all in-flight
// executions and the pool's own worker record.
func (p *Pool) heartbeatLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sendHeartbeats()
		}
	}
}

func (p *Pool) sendHeartbeats() {
	p.activeMu.Lock()
	execIDs := make([]id.ExecutionID, 0, len(p.active))
	for execID := range p.active {
		execIDs = append(execIDs, execID)
	}
	p.activeMu.Unlock()

	now := time.Now().UTC()
	for _, execID := range execIDs {
		if err := p.store.HeartbeatExecution(context.Background(), execID, now); err != nil {
			p.logger.Warn("execution heartbeat failed",
				slog.String("execution_id", execID.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	if p.clusterStore != nil {
		if err := p.clusterStore.HeartbeatWorker(context.Background(), p.workerID); err != nil {
			p.logger.Warn("worker heartbeat failed",
				slog.String("worker_id", p.workerID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// reaperLoop periodically returns orphaned executions to pending. Their
// history is untouched, so the next claimer replays settled steps
// instead of re-running them.
func (p *Pool) reaperLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.staleThreshold)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reapStale()
		}
	}
}

func (p *Pool) reapStale() {
	cutoff := time.Now().UTC().Add(-p.staleThreshold)
	reaped, err := p.store.ReapStale(context.Background(), cutoff)
	if err != nil {
		p.logger.Error("reap stale error", slog.String("error", err.Error()))
		return
	}
	if reaped > 0 {
		p.logger.Info("reaped stale executions", slog.Int("count", reaped))
	}
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.pollInterval):
	case <-p.stopCh:
	}
}

func (p *Pool) trackExecution(execID id.ExecutionID) {
	p.activeMu.Lock()
	p.active[execID] = struct{}{}
	p.activeMu.Unlock()
}

func (p *Pool) untrackExecution(execID id.ExecutionID) {
	p.activeMu.Lock()
	delete(p.active, execID)
	p.activeMu.Unlock()
}

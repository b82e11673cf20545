// Package archive prunes terminal executions out of the hot store. A
// sweeper runs on a cron schedule and moves executions that completed
// before the retention window, together with their history, into the
// archive tables. In a clustered deployment only the leader sweeps.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/pipevine/pipevine/cluster"
	"github.com/pipevine/pipevine/id"
	"github.com/pipevine/pipevine/workflow"
)

// cronParser supports standard 5-field cron and descriptors like
// "@hourly" or "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression and returns the schedule.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// Sweeper archives terminal executions on a cron schedule.
type Sweeper struct {
	store        workflow.Store
	clusterStore cluster.Store
	workerID     id.WorkerID
	logger       *slog.Logger

	schedule  cronlib.Schedule
	retention time.Duration
	batchSize int
	leaderTTL time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithBatchSize sets how many executions one sweep pass archives at
// most.
func WithBatchSize(n int) Option {
	return func(s *Sweeper) { s.batchSize = n }
}

// WithLeaderTTL sets the TTL for the sweeper's leader lease.
func WithLeaderTTL(d time.Duration) Option {
	return func(s *Sweeper) { s.leaderTTL = d }
}

// WithClusterStore sets the worker registry used for leader election.
// Without one the sweeper runs unconditionally (single-node mode).
func WithClusterStore(cs cluster.Store) Option {
	return func(s *Sweeper) { s.clusterStore = cs }
}

// NewSweeper creates a retention sweeper. schedule is a cron expression;
// retention is how long terminal executions stay in the hot store after
// completion.
func NewSweeper(
	store workflow.Store,
	workerID id.WorkerID,
	schedule string,
	retention time.Duration,
	logger *slog.Logger,
	opts ...Option,
) (*Sweeper, error) {
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return nil, fmt.Errorf("pipevine/archive: parse schedule %q: %w", schedule, err)
	}

	s := &Sweeper{
		store:     store,
		workerID:  workerID,
		logger:    logger,
		schedule:  sched,
		retention: retention,
		batchSize: 500,
		leaderTTL: 15 * time.Second,
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start launches the sweep loop and, when clustered, the leader lease
// loop.
func (s *Sweeper) Start(_ context.Context) error {
	if s.clusterStore != nil {
		s.wg.Add(1)
		go s.leaderLoop()
	}

	s.wg.Add(1)
	go s.sweepLoop()

	s.logger.Info("archive sweeper started",
		slog.Duration("retention", s.retention),
		slog.Int("batch_size", s.batchSize),
	)
	return nil
}

// Stop signals the sweeper to stop and waits for its goroutines.
func (s *Sweeper) Stop(_ context.Context) error {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("archive sweeper stopped")
	return nil
}

// leaderLoop continuously attempts to acquire or renew the leader lease.
func (s *Sweeper) leaderLoop() {
	defer s.wg.Done()

	renewInterval := s.leaderTTL / 2
	ticker := time.NewTicker(renewInterval)
	defer ticker.Stop()

	// Try once immediately at start.
	s.tryLeadership()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tryLeadership()
		}
	}
}

func (s *Sweeper) tryLeadership() {
	ctx := context.Background()

	// Try to renew first (cheap if already leader).
	renewed, err := s.clusterStore.RenewLeadership(ctx, s.workerID, s.leaderTTL)
	if err != nil {
		s.logger.Warn("leadership renew error", slog.String("error", err.Error()))
		return
	}
	if renewed {
		return
	}

	acquired, err := s.clusterStore.AcquireLeadership(ctx, s.workerID, s.leaderTTL)
	if err != nil {
		s.logger.Warn("leadership acquire error", slog.String("error", err.Error()))
		return
	}
	if acquired {
		s.logger.Info("acquired sweep leadership", slog.String("worker_id", s.workerID.String()))
	}
}

// sweepLoop waits for each scheduled fire time and sweeps.
func (s *Sweeper) sweepLoop() {
	defer s.wg.Done()

	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))

		select {
		case <-s.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	ctx := context.Background()

	if s.clusterStore != nil {
		leader, err := s.clusterStore.GetLeader(ctx)
		if err != nil {
			s.logger.Warn("get leader error", slog.String("error", err.Error()))
			return
		}
		if leader == nil || leader.ID.String() != s.workerID.String() {
			return
		}
	}

	if _, err := s.SweepOnce(ctx); err != nil {
		s.logger.Error("sweep error", slog.String("error", err.Error()))
	}
}

// SweepOnce archives one batch at a time until no terminal execution
// older than the retention window remains. It returns the total number
// archived.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.retention)
	total := 0

	for {
		archived, err := s.store.ArchiveTerminal(ctx, cutoff, s.batchSize)
		if err != nil {
			return total, fmt.Errorf("pipevine/archive: archive terminal: %w", err)
		}
		total += archived
		if archived < s.batchSize {
			break
		}
	}

	if total > 0 {
		s.logger.Info("archived terminal executions",
			slog.Int("count", total),
			slog.Time("cutoff", cutoff),
		)
	}
	return total, nil
}

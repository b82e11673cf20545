package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pipevine/pipevine"
	"github.com/pipevine/pipevine/activity"
	"github.com/pipevine/pipevine/alert"
	"github.com/pipevine/pipevine/id"
	"github.com/pipevine/pipevine/sem"
)

// Invoker dispatches one activity invocation. Satisfied by
// *activity.Executor.
type Invoker interface {
	Invoke(ctx context.Context, inv *activity.Invocation, fn activity.RawFunc) ([]byte, error)
}

// Publisher emits fire-and-forget progress events. Satisfied by
// *progress.Publisher; implementations must not block.
type Publisher interface {
	Publish(ctx context.Context, execID id.ExecutionID, label string) error
}

// StepEmitter emits step-level lifecycle events. This interface is
// satisfied by ext.Registry and wired up by the engine package to
// break the import cycle between workflow and ext.
type StepEmitter interface {
	EmitStepCompleted(ctx context.Context, exec *Execution, step string, elapsed time.Duration)
	EmitStepFailed(ctx context.Context, exec *Execution, step string, err error)
}

// Events emits execution-level lifecycle events. Satisfied by
// ext.Registry like StepEmitter.
type Events interface {
	StepEmitter
	EmitExecutionStarted(ctx context.Context, exec *Execution)
	EmitExecutionCompleted(ctx context.Context, exec *Execution, elapsed time.Duration)
	EmitExecutionFailed(ctx context.Context, exec *Execution, err error)
	EmitExecutionCancelled(ctx context.Context, exec *Execution)
	EmitAlertFired(ctx context.Context, a alert.Alert)
}

type nopEvents struct{}

func (nopEvents) EmitStepCompleted(context.Context, *Execution, string, time.Duration) {}
func (nopEvents) EmitStepFailed(context.Context, *Execution, string, error)            {}
func (nopEvents) EmitExecutionStarted(context.Context, *Execution)                     {}
func (nopEvents) EmitExecutionCompleted(context.Context, *Execution, time.Duration)    {}
func (nopEvents) EmitExecutionFailed(context.Context, *Execution, error)               {}
func (nopEvents) EmitExecutionCancelled(context.Context, *Execution)                   {}
func (nopEvents) EmitAlertFired(context.Context, alert.Alert)                          {}

// Runner drives executions to a terminal state: creating them, building
// the Run context, invoking handlers with replay, and running the
// compensation path on failure or cancellation.
type Runner struct {
	registry  *Registry
	store     Store
	invoker   Invoker
	pools     *sem.Registry
	publisher Publisher
	alerter   alert.Alerter
	emitter   Events
	logger    *slog.Logger

	inspectBaseURL string

	mu     sync.Mutex
	active map[id.ExecutionID]context.CancelCauseFunc
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithPools sets the concurrency pool registry used by WithPool-gated
// steps.
func WithPools(pools *sem.Registry) RunnerOption {
	return func(r *Runner) { r.pools = pools }
}

// WithPublisher sets the progress publisher.
func WithPublisher(p Publisher) RunnerOption {
	return func(r *Runner) { r.publisher = p }
}

// WithAlerter sets the operator alert channel. Defaults to
// alert.NewLogAlerter.
func WithAlerter(a alert.Alerter) RunnerOption {
	return func(r *Runner) { r.alerter = a }
}

// WithEvents sets the lifecycle event emitter.
func WithEvents(e Events) RunnerOption {
	return func(r *Runner) { r.emitter = e }
}

// WithInspectBaseURL sets the base URL used to build alert deep links
// into the execution-history inspection UI.
func WithInspectBaseURL(u string) RunnerOption {
	return func(r *Runner) { r.inspectBaseURL = u }
}

// NewRunner creates a workflow runner.
func NewRunner(registry *Registry, store Store, invoker Invoker, logger *slog.Logger, opts ...RunnerOption) *Runner {
	r := &Runner{
		registry: registry,
		store:    store,
		invoker:  invoker,
		pools:    sem.NewRegistry(),
		alerter:  alert.NewLogAlerter(logger),
		emitter:  nopEvents{},
		logger:   logger,
		active:   make(map[id.ExecutionID]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Registry returns the workflow registry.
func (r *Runner) Registry() *Registry { return r.registry }

// Submit creates a pending execution with a typed input and returns it
// synchronously. A worker claims and runs it; the returned ID is valid
// for progress subscription and Timeline immediately.
func Submit[T any](ctx context.Context, r *Runner, name string, input T) (*Execution, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal input for workflow %q: %w", name, err)
	}
	return r.SubmitRaw(ctx, name, data)
}

// SubmitRaw creates a pending execution with pre-serialized JSON input.
func (r *Runner) SubmitRaw(ctx context.Context, name string, input []byte) (*Execution, error) {
	if _, ok := r.registry.Get(name); !ok {
		return nil, fmt.Errorf("%w: %q", pipevine.ErrWorkflowNotFound, name)
	}

	exec := &Execution{
		Entity: pipevine.NewEntity(),
		ID:     id.NewExecutionID(),
		Name:   name,
		State:  StatePending,
		Input:  input,
	}
	if err := r.store.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("create execution for workflow %q: %w", name, err)
	}
	return exec, nil
}

// Execute runs a pending or claimed execution to a terminal state. On
// shutdown (ctx cancelled without an explicit Cancel) the execution is
// left running for the reaper or a restart to resume.
func (r *Runner) Execute(ctx context.Context, exec *Execution) error {
	fn, ok := r.registry.Get(exec.Name)
	if !ok {
		now := time.Now().UTC()
		exec.State = StateFailed
		exec.Error = fmt.Sprintf("no workflow registered for %q", exec.Name)
		exec.CompletedAt = &now
		if err := r.store.UpdateExecution(ctx, exec); err != nil {
			r.logger.Error("failed to mark unroutable execution",
				slog.String("execution_id", exec.ID.String()),
				slog.String("error", err.Error()),
			)
		}
		return fmt.Errorf("%w: %q", pipevine.ErrWorkflowNotFound, exec.Name)
	}

	if exec.State == StatePending {
		now := time.Now().UTC()
		exec.State = StateRunning
		exec.StartedAt = &now
		exec.HeartbeatAt = &now
		if err := r.store.UpdateExecution(ctx, exec); err != nil {
			return fmt.Errorf("mark execution %s running: %w", exec.ID, err)
		}
	}
	if exec.State != StateRunning {
		return fmt.Errorf("%w: execution %s is %s", pipevine.ErrInvalidState, exec.ID, exec.State)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	r.track(exec.ID, cancel)
	defer r.untrack(exec.ID)

	entries, err := r.store.ListHistory(ctx, exec.ID)
	if err != nil {
		return fmt.Errorf("load history for execution %s: %w", exec.ID, err)
	}

	run := newRun(runCtx, exec, entries, r)
	r.emitter.EmitExecutionStarted(runCtx, exec)

	start := time.Now()
	runErr := fn(run, exec.Input)
	elapsed := time.Since(start)

	return r.finish(ctx, runCtx, run, runErr, elapsed)
}

// finish settles the execution after the handler returned.
func (r *Runner) finish(ctx, runCtx context.Context, run *Run, runErr error, elapsed time.Duration) error {
	exec := run.exec
	now := time.Now().UTC()

	if runErr == nil {
		exec.State = StateCompleted
		exec.Output = run.output
		exec.CompletedAt = &now
		if err := r.store.UpdateExecution(ctx, exec); err != nil {
			return fmt.Errorf("mark execution %s completed: %w", exec.ID, err)
		}
		r.emitter.EmitExecutionCompleted(ctx, exec, elapsed)
		return nil
	}

	cancelled := errors.Is(runErr, pipevine.ErrCancelled) ||
		errors.Is(context.Cause(runCtx), pipevine.ErrCancelled)

	// Shutdown, not failure: the handler was interrupted by the worker
	// stopping. Leave the execution running; history already holds
	// every settled step.
	if !cancelled && runCtx.Err() != nil &&
		(errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded)) {
		r.logger.Info("execution interrupted, left running for resume",
			slog.String("execution_id", exec.ID.String()),
			slog.String("workflow", exec.Name),
		)
		return runErr
	}

	// Compensations and the alert run detached from cancellation:
	// a cancelled execution still gets its refund.
	settleCtx := context.WithoutCancel(runCtx)

	if compErr := run.runCompensations(settleCtx); compErr != nil {
		exec.CompensationError = compErr.Error()
		r.logger.Error("compensation failed",
			slog.String("execution_id", exec.ID.String()),
			slog.String("workflow", exec.Name),
			slog.String("error", compErr.Error()),
		)
	}

	if !cancelled || len(run.compensations) > 0 {
		r.fireAlert(settleCtx, exec, runErr)
	}

	exec.Error = runErr.Error()
	exec.CompletedAt = &now
	if cancelled {
		exec.State = StateCancelled
	} else {
		exec.State = StateFailed
	}
	if err := r.store.UpdateExecution(settleCtx, exec); err != nil {
		return fmt.Errorf("mark execution %s %s: %w", exec.ID, exec.State, err)
	}

	if cancelled {
		r.emitter.EmitExecutionCancelled(settleCtx, exec)
	} else {
		r.emitter.EmitExecutionFailed(settleCtx, exec, runErr)
	}
	return nil
}

// fireAlert delivers the operator alert: one attempt, failure logged.
func (r *Runner) fireAlert(ctx context.Context, exec *Execution, cause error) {
	a := alert.Alert{
		ExecutionID: exec.ID,
		Workflow:    exec.Name,
		Message:     fmt.Sprintf("workflow %s execution failed", exec.Name),
		DeepLink:    r.deepLink(exec.ID),
		Cause:       cause.Error(),
		FiredAt:     time.Now().UTC(),
	}
	if err := r.alerter.Fire(ctx, a); err != nil {
		r.logger.Warn("alert delivery failed",
			slog.String("execution_id", exec.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	r.emitter.EmitAlertFired(ctx, a)
}

func (r *Runner) deepLink(execID id.ExecutionID) string {
	if r.inspectBaseURL == "" {
		return ""
	}
	return r.inspectBaseURL + "/executions/" + execID.String()
}

// Resume re-executes a non-terminal execution with replay. Called for
// crash recovery; completed steps are fed back from history, and a
// dangling intent re-dispatches with its recorded key.
func (r *Runner) Resume(ctx context.Context, execID id.ExecutionID) error {
	exec, err := r.store.GetExecution(ctx, execID)
	if err != nil {
		return fmt.Errorf("get execution %s: %w", execID, err)
	}
	if exec.State.Terminal() {
		return fmt.Errorf("%w: execution %s is already %s", pipevine.ErrInvalidState, execID, exec.State)
	}
	return r.Execute(ctx, exec)
}

// ResumeAll resumes every execution left in running state. Called at
// startup for crash recovery on a single-node deployment; clustered
// deployments rely on the stale reaper returning orphans to pending
// instead.
func (r *Runner) ResumeAll(ctx context.Context) error {
	execs, err := r.store.ListExecutions(ctx, ListOpts{State: StateRunning})
	if err != nil {
		return fmt.Errorf("list running executions: %w", err)
	}

	for _, exec := range execs {
		r.logger.Info("resuming execution",
			slog.String("execution_id", exec.ID.String()),
			slog.String("workflow", exec.Name),
		)
		if resumeErr := r.Resume(ctx, exec.ID); resumeErr != nil {
			r.logger.Error("failed to resume execution",
				slog.String("execution_id", exec.ID.String()),
				slog.String("error", resumeErr.Error()),
			)
		}
	}
	return nil
}

// Cancel requests cancellation of an execution. A pending execution is
// cancelled immediately; a running one observes the request at its next
// suspension point and still runs its compensation path. Cancellation
// of a running execution must be issued on the worker that owns it.
func (r *Runner) Cancel(ctx context.Context, execID id.ExecutionID) error {
	r.mu.Lock()
	cancel, isActive := r.active[execID]
	r.mu.Unlock()
	if isActive {
		cancel(pipevine.ErrCancelled)
		return nil
	}

	exec, err := r.store.GetExecution(ctx, execID)
	if err != nil {
		return fmt.Errorf("get execution %s: %w", execID, err)
	}

	switch exec.State {
	case StatePending:
		now := time.Now().UTC()
		exec.State = StateCancelled
		exec.Error = pipevine.ErrCancelled.Error()
		exec.CompletedAt = &now
		if err := r.store.UpdateExecution(ctx, exec); err != nil {
			return fmt.Errorf("mark execution %s cancelled: %w", execID, err)
		}
		r.emitter.EmitExecutionCancelled(ctx, exec)
		return nil
	case StateRunning:
		return fmt.Errorf("%w: execution %s is running on another worker", pipevine.ErrInvalidState, execID)
	default:
		return fmt.Errorf("%w: execution %s is already %s", pipevine.ErrInvalidState, execID, exec.State)
	}
}

// Timeline returns an execution's full history ordered by sequence,
// for the inspection UI and debugging.
func (r *Runner) Timeline(ctx context.Context, execID id.ExecutionID) ([]*HistoryEntry, error) {
	return r.store.ListHistory(ctx, execID)
}

func (r *Runner) track(execID id.ExecutionID, cancel context.CancelCauseFunc) {
	r.mu.Lock()
	r.active[execID] = cancel
	r.mu.Unlock()
}

func (r *Runner) untrack(execID id.ExecutionID) {
	r.mu.Lock()
	delete(r.active, execID)
	r.mu.Unlock()
}

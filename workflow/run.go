package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pipevine/pipevine/activity"
	"github.com/pipevine/pipevine/id"
	"github.com/pipevine/pipevine/retry"
)

// Run is the execution context passed to workflow handler functions.
// It provides durable activity dispatch (Do), deterministic local
// primitives (Now, Capture), fire-and-forget progress publication, and
// saga compensation registration.
//
// A Run replays: after a crash the handler re-runs from the top, and
// every primitive first consults recorded history before touching the
// outside world.
type Run struct {
	ctx    context.Context
	exec   *Execution
	runner *Runner

	// counter numbers keyed call sites; it advances identically on
	// replay so IdempotencyKey reproduces every key.
	counter  int
	progress int
	seq      int

	intents       map[string]*HistoryEntry
	outcomes      map[string]*HistoryEntry
	compensations []compensation
	output        []byte

	// settling is set when history already holds compensation entries:
	// a prior incarnation failed or was cancelled and died mid-refund.
	// Replay may only feed back recorded outcomes and re-enter the
	// compensation path; dispatching new forward work could deliver a
	// result the customer was already refunded for.
	settling bool
}

type compensation struct {
	step string
	fn   CompensationFunc
}

// CompensationFunc undoes a previously committed side effect. It
// receives a fresh idempotency key, distinct from the key of the step
// it compensates and stable across retries and replays.
type CompensationFunc func(ctx context.Context, key string) error

// newRun builds the handler context for one execution attempt,
// preloading recorded history for replay.
func newRun(ctx context.Context, exec *Execution, entries []*HistoryEntry, runner *Runner) *Run {
	r := &Run{
		ctx:      ctx,
		exec:     exec,
		runner:   runner,
		intents:  make(map[string]*HistoryEntry),
		outcomes: make(map[string]*HistoryEntry),
	}
	for _, e := range entries {
		if e.Seq > r.seq {
			r.seq = e.Seq
		}
		if e.Kind == KindCompensation {
			r.settling = true
		}
		switch e.Phase {
		case PhaseIntent:
			r.intents[e.Step] = e
		case PhaseOutcome:
			r.outcomes[e.Step] = e
		}
	}
	return r
}

// Context returns the underlying context.Context.
func (r *Run) Context() context.Context { return r.ctx }

// ExecutionID returns the owning execution's ID.
func (r *Run) ExecutionID() id.ExecutionID { return r.exec.ID }

// Execution returns the owning execution.
func (r *Run) Execution() *Execution { return r.exec }

// NextKey returns the idempotency key for the next keyed call site.
// Handler code normally never calls this (Do allocates keys itself);
// it exists for activities that thread keys through manually.
func (r *Run) NextKey() string {
	r.counter++
	return IdempotencyKey(r.exec.ID, r.counter)
}

// SetOutput records the handler's result. It is persisted on the
// execution when the handler returns nil.
func (r *Run) SetOutput(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("workflow %s: marshal output: %w", r.exec.Name, err)
	}
	r.output = data
	return nil
}

// Now returns the current wall-clock time, recorded in history so
// replay observes the identical value. The step name must be unique
// within the handler.
func (r *Run) Now(step string) (time.Time, error) {
	stepName := "now:" + step
	if err := r.checkCancelled(); err != nil {
		return time.Time{}, err
	}

	if out, ok := r.outcomes[stepName]; ok {
		var t time.Time
		if err := json.Unmarshal(out.Data, &t); err != nil {
			return time.Time{}, fmt.Errorf("workflow %s: decode recorded time %q: %w", r.exec.Name, step, err)
		}
		return t, nil
	}

	t := time.Now().UTC()
	data, err := json.Marshal(t)
	if err != nil {
		return time.Time{}, fmt.Errorf("workflow %s: marshal time %q: %w", r.exec.Name, step, err)
	}
	if _, err := r.append(r.ctx, KindNow, stepName, PhaseOutcome, "", data, ""); err != nil {
		return time.Time{}, err
	}
	return t, nil
}

// Capture runs fn once and records its value, so replay returns the
// recorded value instead of re-running fn. Use it for any
// nondeterministic read (random choice, environment lookup) that
// workflow logic depends on.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func Capture[T any](r *Run, step string, fn func() (T, error)) (T, error) {
	var zero T
	stepName := "capture:" + step

	if err := r.checkCancelled(); err != nil {
		return zero, err
	}

	if out, ok := r.outcomes[stepName]; ok {
		var v T
		if err := json.Unmarshal(out.Data, &v); err != nil {
			return zero, fmt.Errorf("workflow %s: decode recorded capture %q: %w", r.exec.Name, step, err)
		}
		return v, nil
	}

	v, err := fn()
	if err != nil {
		return zero, fmt.Errorf("workflow %s: capture %q: %w", r.exec.Name, step, err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return zero, fmt.Errorf("workflow %s: marshal capture %q: %w", r.exec.Name, step, err)
	}
	if _, err := r.append(r.ctx, KindCapture, stepName, PhaseOutcome, "", data, ""); err != nil {
		return zero, err
	}
	return v, nil
}

// Publish emits a progress event with the given human-readable label.
// One attempt, failure swallowed and logged; Publish never blocks or
// fails the workflow. Publications are recorded in history so replay
// does not duplicate them.
func (r *Run) Publish(label string) {
	r.progress++
	stepName := fmt.Sprintf("progress:%04d", r.progress)

	if _, ok := r.outcomes[stepName]; ok {
		return
	}

	if r.runner.publisher != nil {
		if err := r.runner.publisher.Publish(r.ctx, r.exec.ID, label); err != nil {
			r.runner.logger.Warn("progress publish failed",
				slog.String("execution_id", r.exec.ID.String()),
				slog.String("label", label),
				slog.String("error", err.Error()),
			)
		}
	}

	data, err := json.Marshal(label)
	if err != nil {
		return
	}
	if _, err := r.append(r.ctx, KindProgress, stepName, PhaseOutcome, "", data, ""); err != nil {
		r.runner.logger.Warn("progress history append failed",
			slog.String("execution_id", r.exec.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// Compensate registers a compensating action for a committed side
// effect. Compensations run in LIFO order when the handler later fails
// or the execution is cancelled; each gets a fresh idempotency key and
// a bounded retry budget. Register immediately after the side effect's
// Do call succeeds.
func (r *Run) Compensate(step string, fn CompensationFunc) {
	r.compensations = append(r.compensations, compensation{step: step, fn: fn})
}

// runCompensations executes registered compensations in reverse order.
// Compensation failures are joined and returned but never retried
// beyond their bounded budget; the caller records them without masking
// the original failure.
func (r *Run) runCompensations(ctx context.Context) error {
	var errs []error

	for i := len(r.compensations) - 1; i >= 0; i-- {
		c := r.compensations[i]
		stepName := "comp:" + c.step

		r.counter++
		key := IdempotencyKey(r.exec.ID, r.counter)

		if out, ok := r.outcomes[stepName]; ok {
			if out.Err != "" {
				errs = append(errs, &StepFailure{Step: stepName, Message: out.Err})
			}
			continue
		}

		if it, ok := r.intents[stepName]; ok {
			if it.Key != key {
				errs = append(errs, nondeterminismErr(stepName, fmt.Sprintf("recorded key %s, replay derived %s", it.Key, key)))
				continue
			}
		} else {
			if _, err := r.append(ctx, KindCompensation, stepName, PhaseIntent, key, nil, ""); err != nil {
				errs = append(errs, err)
				continue
			}
		}

		inv := &activity.Invocation{
			ExecutionID: r.exec.ID,
			Kind:        stepName,
			Key:         key,
			Policy:      retry.Bounded(3),
		}
		_, err := r.runner.invoker.Invoke(ctx, inv, func(cctx context.Context, _ []byte) ([]byte, error) {
			return nil, c.fn(cctx, key)
		})

		errStr := ""
		if err != nil {
			errStr = err.Error()
			errs = append(errs, err)
		}
		if _, aerr := r.append(ctx, KindCompensation, stepName, PhaseOutcome, key, nil, errStr); aerr != nil {
			errs = append(errs, aerr)
		}
	}

	return errors.Join(errs...)
}

// append writes one history entry and updates the replay maps.
func (r *Run) append(ctx context.Context, kind Kind, step string, phase Phase, key string, data []byte, errStr string) (*HistoryEntry, error) {
	r.seq++
	entry := &HistoryEntry{
		ID:          id.NewHistoryID(),
		ExecutionID: r.exec.ID,
		Seq:         r.seq,
		Step:        step,
		Phase:       phase,
		Kind:        kind,
		Key:         key,
		Data:        data,
		Err:         errStr,
		CreatedAt:   time.Now().UTC(),
	}
	if err := r.runner.store.AppendHistory(ctx, entry); err != nil {
		return nil, fmt.Errorf("workflow %s: append %s for step %q: %w", r.exec.Name, phase, step, err)
	}
	if phase == PhaseIntent {
		r.intents[step] = entry
	} else {
		r.outcomes[step] = entry
	}
	return entry, nil
}

// checkCancelled observes external cancellation at a suspension point.
func (r *Run) checkCancelled() error {
	if r.ctx.Err() == nil {
		return nil
	}
	if cause := context.Cause(r.ctx); cause != nil {
		return cause
	}
	return r.ctx.Err()
}

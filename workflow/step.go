package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/pipevine/pipevine"
	"github.com/pipevine/pipevine/activity"
	"github.com/pipevine/pipevine/retry"
)

// StepFailure is the replayed form of a recorded step failure: when a
// resumed execution reaches a step whose failure outcome is already in
// history, it fails again with a StepFailure instead of re-dispatching.
// It classifies as pipevine.ErrRetriesExhausted under errors.Is, like
// the original failure did.
type StepFailure struct {
	Step    string
	Message string
}

// Error implements the error interface.
func (e *StepFailure) Error() string {
	return fmt.Sprintf("step %q: %s", e.Step, e.Message)
}

// Is reports true for pipevine.ErrRetriesExhausted.
func (e *StepFailure) Is(target error) bool {
	return target == pipevine.ErrRetriesExhausted
}

type stepOptions struct {
	policy  retry.Policy
	pool    string
	poolMax int64
}

// StepOption configures a single Do call site.
type StepOption func(*stepOptions)

// WithPolicy sets the retry policy for the step. The default is
// retry.Bounded(3).
func WithPolicy(p retry.Policy) StepOption {
	return func(o *stepOptions) { o.policy = p }
}

// WithPool gates the step's dispatch on a named concurrency pool with
// the given capacity. Acquisition is a suspension point: it blocks
// until a slot frees up and observes cancellation.
func WithPool(name string, maxConcurrency int64) StepOption {
	return func(o *stepOptions) {
		o.pool = name
		o.poolMax = maxConcurrency
	}
}

// Do durably executes a named side-effecting step. On first execution
// it records an intent (with the step's idempotency key) before
// dispatching, invokes fn through the activity executor, and records
// the outcome. On replay it feeds back the recorded outcome without
// touching the outside world; an intent with no outcome means the
// process died mid-call, and Do re-dispatches with the recorded key so
// the receiving service deduplicates.
//
// Step names must be unique within a handler and stable across code
// versions that may replay old executions.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func Do[I, O any](r *Run, step string, fn activity.Func[I, O], in I, opts ...StepOption) (O, error) {
	var zero O

	input, err := json.Marshal(in)
	if err != nil {
		return zero, fmt.Errorf("workflow %s: marshal input for step %q: %w", r.exec.Name, step, err)
	}

	data, err := r.dispatch(step, activity.Erase(step, fn), input, opts)
	if err != nil {
		return zero, err
	}

	var out O
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return zero, fmt.Errorf("workflow %s: decode result for step %q: %w", r.exec.Name, step, err)
		}
	}
	return out, nil
}

// Call durably executes an activity registered in reg, dispatching by
// kind with the definition's default retry policy unless the call site
// overrides it. I and O must match the registered definition's types.
// The kind doubles as the step name, so a handler may Call each kind at
// most once; repeated invocations of the same operation go through Do
// with distinct step names.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func Call[I, O any](r *Run, reg *activity.Registry, kind string, in I, opts ...StepOption) (O, error) {
	var zero O

	raw, policy, ok := reg.Get(kind)
	if !ok {
		return zero, fmt.Errorf("workflow %s: no activity registered for kind %q", r.exec.Name, kind)
	}

	input, err := json.Marshal(in)
	if err != nil {
		return zero, fmt.Errorf("workflow %s: marshal input for activity %q: %w", r.exec.Name, kind, err)
	}

	allOpts := append([]StepOption{WithPolicy(policy)}, opts...)
	data, err := r.dispatch(kind, raw, input, allOpts)
	if err != nil {
		return zero, err
	}

	var out O
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return zero, fmt.Errorf("workflow %s: decode result for activity %q: %w", r.exec.Name, kind, err)
		}
	}
	return out, nil
}

// dispatch implements the intent/outcome protocol for one step.
func (r *Run) dispatch(step string, fn activity.RawFunc, input []byte, opts []StepOption) ([]byte, error) {
	o := stepOptions{policy: retry.Bounded(3)}
	for _, opt := range opts {
		opt(&o)
	}

	if err := r.checkCancelled(); err != nil {
		return nil, err
	}

	r.counter++
	key := IdempotencyKey(r.exec.ID, r.counter)

	// Replay: recorded outcome wins, success or failure.
	if out, ok := r.outcomes[step]; ok {
		if out.Key != key {
			return nil, nondeterminismErr(step, fmt.Sprintf("recorded key %s, replay derived %s", out.Key, key))
		}
		if out.Err != "" {
			return nil, &StepFailure{Step: step, Message: out.Err}
		}
		r.runner.logger.Debug("replaying recorded step result",
			slog.String("execution_id", r.exec.ID.String()),
			slog.String("step", step),
		)
		return out.Data, nil
	}

	// A prior incarnation already started compensating: the execution
	// is settling, not progressing. Surface cancellation so the runner
	// re-enters the compensation path instead of dispatching work whose
	// side effect may already have been undone.
	if r.settling {
		return nil, fmt.Errorf("%w: compensation already recorded, refusing step %q", pipevine.ErrCancelled, step)
	}

	// Intent without outcome: the previous incarnation died after
	// recording intent, possibly after the external call landed.
	// Re-dispatch with the recorded key.
	if it, ok := r.intents[step]; ok {
		if it.Key != key {
			return nil, nondeterminismErr(step, fmt.Sprintf("recorded intent key %s, replay derived %s", it.Key, key))
		}
		r.runner.logger.Info("re-dispatching step from recorded intent",
			slog.String("execution_id", r.exec.ID.String()),
			slog.String("step", step),
			slog.String("key", key),
		)
	} else {
		if _, err := r.append(r.ctx, KindActivity, step, PhaseIntent, key, input, ""); err != nil {
			return nil, err
		}
	}

	if o.pool != "" {
		slot, err := r.runner.pools.Acquire(r.ctx, o.pool, o.poolMax)
		if err != nil {
			return nil, r.suspensionErr(err)
		}
		defer slot.Release()
	}

	inv := &activity.Invocation{
		ExecutionID: r.exec.ID,
		Kind:        step,
		Key:         key,
		Input:       input,
		Policy:      o.policy,
	}

	start := time.Now()
	out, err := r.runner.invoker.Invoke(r.ctx, inv, fn)
	elapsed := time.Since(start)

	if err != nil {
		// Interrupted by cancellation or shutdown: leave the intent
		// dangling so resume re-dispatches with the same key.
		if r.ctx.Err() != nil && !activity.IsPermanent(err) {
			return nil, r.suspensionErr(err)
		}

		if _, aerr := r.append(r.ctx, KindActivity, step, PhaseOutcome, key, nil, err.Error()); aerr != nil {
			return nil, aerr
		}
		r.runner.emitter.EmitStepFailed(r.ctx, r.exec, step, err)
		return nil, err
	}

	if _, aerr := r.append(r.ctx, KindActivity, step, PhaseOutcome, key, out, ""); aerr != nil {
		return nil, aerr
	}
	r.runner.emitter.EmitStepCompleted(r.ctx, r.exec, step, elapsed)
	return out, nil
}

// suspensionErr maps an interruption to its cancellation cause, so a
// Cancel call surfaces as pipevine.ErrCancelled to the runner.
func (r *Run) suspensionErr(err error) error {
	if r.ctx.Err() != nil {
		if cause := context.Cause(r.ctx); cause != nil {
			return cause
		}
	}
	return err
}

func nondeterminismErr(step, detail string) error {
	return fmt.Errorf("%w: step %q: %s", pipevine.ErrNondeterminism, step, detail)
}

package activity

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Emitter receives retry lifecycle notifications from the executor.
// Implemented by the ext registry and wired up by the engine package
// to break the import cycle between activity and ext.
type Emitter interface {
	EmitActivityRetrying(ctx context.Context, inv *Invocation, attempt int, err error, delay time.Duration)
}

// Executor invokes activities through a middleware chain with retry,
// per-attempt timeouts, and heartbeat monitoring. It is stateless between
// invocations and safe for concurrent use.
type Executor struct {
	mw      Middleware
	emitter Emitter
	logger  *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithEmitter sets the retry lifecycle emitter.
func WithEmitter(em Emitter) ExecutorOption {
	return func(e *Executor) { e.emitter = em }
}

// NewExecutor creates an Executor wrapping every attempt in the given
// middleware (outermost first).
func NewExecutor(logger *slog.Logger, mws []Middleware, opts ...ExecutorOption) *Executor {
	e := &Executor{
		mw:     Chain(mws...),
		logger: logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Invoke runs one logical activity invocation to completion: it attempts
// the function, retries transient failures per the invocation's policy,
// absorbs heartbeat-stuck attempts without consuming budget, and returns
// either the output or a workflow-visible *Error.
//
// The caller owns history recording; Invoke performs exactly the external
// call and retry bookkeeping.
func (e *Executor) Invoke(ctx context.Context, inv *Invocation, fn RawFunc) ([]byte, error) {
	policy := inv.Policy
	bo := policy.Strategy()

	var output []byte
	attempt := 0
	failures := 0

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		attempt++
		inv.Attempt = attempt

		attemptCtx := ctx
		var cancel context.CancelFunc
		if policy.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(attemptCtx, policy.AttemptTimeout)
		}

		var mon *monitor
		if policy.HeartbeatTimeout > 0 {
			attemptCtx, mon = startMonitor(attemptCtx, policy.HeartbeatTimeout)
		}

		terminal := func(c context.Context) error {
			out, fnErr := fn(c, inv.Input)
			if fnErr != nil {
				return fnErr
			}
			output = out
			return nil
		}

		err := e.mw(attemptCtx, inv, terminal)
		stuck := errors.Is(context.Cause(attemptCtx), ErrStuck)

		if mon != nil {
			mon.stop()
		}
		if cancel != nil {
			cancel()
		}

		if err == nil {
			return output, nil
		}

		// Stuck attempt: the worker slot is abandoned but the external
		// job keeps running. Reschedule the same logical invocation
		// immediately; no retry budget is consumed.
		if stuck || errors.Is(err, ErrStuck) {
			e.logger.Warn("activity attempt stuck, rescheduling",
				slog.String("execution_id", inv.ExecutionID.String()),
				slog.String("activity", inv.Kind),
				slog.Int("attempt", attempt),
			)
			continue
		}

		if IsPermanent(err) {
			return nil, &Error{Kind: inv.Kind, Key: inv.Key, Attempts: attempt, Err: err}
		}

		// The owning execution was cancelled mid-attempt: surface
		// cancellation, not a retry failure.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		failures++
		if !policy.Unbounded() && failures >= policy.MaxAttempts {
			return nil, &Error{Kind: inv.Kind, Key: inv.Key, Attempts: attempt, Err: err}
		}

		delay := bo.Delay(failures)
		if e.emitter != nil {
			e.emitter.EmitActivityRetrying(ctx, inv, attempt, err, delay)
		}

		e.logger.Info("activity scheduled for retry",
			slog.String("execution_id", inv.ExecutionID.String()),
			slog.String("activity", inv.Kind),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", policy.MaxAttempts),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Package activity provides the activity executor — the single place
// where external side-effecting operations (charges, refunds, job
// submission, polling, fetches) are invoked, with bounded or unbounded
// retry, per-attempt timeouts, and heartbeat-based stuck-attempt
// detection.
//
// Activities are ordinary typed Go functions. The workflow layer
// type-erases them to RawFunc via JSON and records their outcomes in
// durable history; this package knows nothing about history and keeps no
// state between invocations beyond retry bookkeeping.
package activity

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pipevine/pipevine/id"
	"github.com/pipevine/pipevine/retry"
)

// Func is a typed activity function. I is the input payload, O the output.
// Both must be JSON-serializable so outcomes can be recorded in history.
type Func[I, O any] func(ctx context.Context, in I) (O, error)

// RawFunc is a type-erased activity function over JSON payloads.
type RawFunc func(ctx context.Context, input []byte) ([]byte, error)

// Erase converts a typed activity function into a RawFunc by closing over
// JSON unmarshal/marshal of the input and output.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func Erase[I, O any](kind string, fn Func[I, O]) RawFunc {
	return func(ctx context.Context, input []byte) ([]byte, error) {
		var in I
		if len(input) > 0 {
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, Permanent(fmt.Errorf("unmarshal input for activity %q: %w", kind, err))
			}
		}

		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}

		data, err := json.Marshal(out)
		if err != nil {
			return nil, Permanent(fmt.Errorf("marshal output for activity %q: %w", kind, err))
		}
		return data, nil
	}
}

// Invocation describes one logical activity call. Its identity (Kind +
// Key) is stable across retries and replays of the owning execution; the
// executor mutates only Attempt.
type Invocation struct {
	// ExecutionID is the owning workflow execution.
	ExecutionID id.ExecutionID

	// Kind is the logical call-site name (step name).
	Kind string

	// Key is the idempotency key the receiving service uses to
	// deduplicate the side effect. Stable across retries and replays.
	Key string

	// Input is the JSON-encoded input payload.
	Input []byte

	// Policy bounds retries, attempt timeouts, and heartbeat liveness.
	Policy retry.Policy

	// Attempt is the current attempt number (1-indexed). Set by the
	// executor; visible to middleware.
	Attempt int
}

// Handler is the terminal function that performs one activity attempt.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic. It receives the
// current context, the invocation being attempted, and the next handler.
// Middleware MUST call next to continue the chain (unless
// short-circuiting on error).
type Middleware func(ctx context.Context, inv *Invocation, next Handler) error

// Chain composes multiple middleware into a single Middleware.
// Middleware are applied right-to-left: the first middleware in the list
// is the outermost wrapper.
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, inv *Invocation, next Handler) error {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, inv, prev)
			}
		}
		return h(ctx)
	}
}

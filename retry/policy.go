package retry

import "time"

// Policy bounds a single logical activity invocation: how many attempts
// it gets, how long each attempt may run, and how often a long-running
// attempt must report liveness before it is abandoned and rescheduled.
type Policy struct {
	// MaxAttempts is the total attempt budget. Zero means unbounded:
	// the invocation retries forever until it succeeds, is cancelled,
	// or fails with a permanent error.
	MaxAttempts int

	// Backoff computes the delay between attempts. Nil means
	// DefaultBackoff().
	Backoff Backoff

	// AttemptTimeout bounds a single attempt. Zero means no per-attempt
	// deadline.
	AttemptTimeout time.Duration

	// HeartbeatTimeout is the liveness window for long-running attempts.
	// If the attempt does not call activity.Beat within this window the
	// executor abandons it and reschedules the same logical invocation.
	// Zero disables heartbeat monitoring.
	HeartbeatTimeout time.Duration
}

// Unbounded reports whether the policy retries without an attempt cap.
func (p Policy) Unbounded() bool { return p.MaxAttempts <= 0 }

// Strategy returns the configured backoff, falling back to the default.
func (p Policy) Strategy() Backoff {
	if p.Backoff != nil {
		return p.Backoff
	}
	return DefaultBackoff()
}

// Bounded returns a policy with n total attempts and default backoff.
// Billing-style operations use Bounded(3).
func Bounded(n int) Policy {
	return Policy{MaxAttempts: n}
}

// Unbounded returns a policy that retries forever. Polling operations on
// long-running external jobs use this, typically combined with a
// HeartbeatTimeout.
func Unbounded() Policy {
	return Policy{MaxAttempts: 0}
}

// Once returns a single-attempt policy. Alerts and progress publication
// use this: one try, failure logged, never retried.
func Once() Policy {
	return Policy{MaxAttempts: 1}
}

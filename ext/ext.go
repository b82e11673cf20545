// Package ext defines the extension system for pipevine. Extensions are
// notified of lifecycle events (execution started, step completed,
// activity retrying, alert fired, etc.) and can react to them —
// logging, metrics, audit, stream fan-out.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"
	"time"

	"github.com/pipevine/pipevine/activity"
	"github.com/pipevine/pipevine/alert"
	"github.com/pipevine/pipevine/workflow"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Execution lifecycle hooks
// ──────────────────────────────────────────────────

// ExecutionStarted is called when a worker begins (or resumes) an
// execution.
type ExecutionStarted interface {
	OnExecutionStarted(ctx context.Context, exec *workflow.Execution) error
}

// ExecutionCompleted is called after an execution finishes successfully.
type ExecutionCompleted interface {
	OnExecutionCompleted(ctx context.Context, exec *workflow.Execution, elapsed time.Duration) error
}

// ExecutionFailed is called when an execution fails terminally, after
// its compensation path has settled.
type ExecutionFailed interface {
	OnExecutionFailed(ctx context.Context, exec *workflow.Execution, err error) error
}

// ExecutionCancelled is called when an execution is cancelled.
type ExecutionCancelled interface {
	OnExecutionCancelled(ctx context.Context, exec *workflow.Execution) error
}

// ──────────────────────────────────────────────────
// Step and activity hooks
// ──────────────────────────────────────────────────

// StepCompleted is called after a durable step settles successfully.
type StepCompleted interface {
	OnStepCompleted(ctx context.Context, exec *workflow.Execution, step string, elapsed time.Duration) error
}

// StepFailed is called when a durable step fails workflow-visibly
// (retry budget exhausted or permanent error).
type StepFailed interface {
	OnStepFailed(ctx context.Context, exec *workflow.Execution, step string, err error) error
}

// ActivityRetrying is called when an activity attempt fails transiently
// and a retry is scheduled.
type ActivityRetrying interface {
	OnActivityRetrying(ctx context.Context, inv *activity.Invocation, attempt int, err error, delay time.Duration) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// AlertFired is called after an operator alert is delivered (or its
// single delivery attempt failed and was logged).
type AlertFired interface {
	OnAlertFired(ctx context.Context, a alert.Alert) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}

package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/pipevine/pipevine/activity"
	"github.com/pipevine/pipevine/alert"
	"github.com/pipevine/pipevine/workflow"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time. This avoids type-asserting back to
// Extension inside the emit methods.
type executionStartedEntry struct {
	name string
	hook ExecutionStarted
}

type executionCompletedEntry struct {
	name string
	hook ExecutionCompleted
}

type executionFailedEntry struct {
	name string
	hook ExecutionFailed
}

type executionCancelledEntry struct {
	name string
	hook ExecutionCancelled
}

type stepCompletedEntry struct {
	name string
	hook StepCompleted
}

type stepFailedEntry struct {
	name string
	hook StepFailed
}

type activityRetryingEntry struct {
	name string
	hook ActivityRetrying
}

type alertFiredEntry struct {
	name string
	hook AlertFired
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
//
// Registry satisfies workflow.Events and the activity executor's
// Emitter, so it can be wired directly into both.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	// Type-cached slices for each lifecycle hook.
	executionStarted   []executionStartedEntry
	executionCompleted []executionCompletedEntry
	executionFailed    []executionFailedEntry
	executionCancelled []executionCancelledEntry
	stepCompleted      []stepCompletedEntry
	stepFailed         []stepFailedEntry
	activityRetrying   []activityRetryingEntry
	alertFired         []alertFiredEntry
	shutdown           []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(ExecutionStarted); ok {
		r.executionStarted = append(r.executionStarted, executionStartedEntry{name, h})
	}
	if h, ok := e.(ExecutionCompleted); ok {
		r.executionCompleted = append(r.executionCompleted, executionCompletedEntry{name, h})
	}
	if h, ok := e.(ExecutionFailed); ok {
		r.executionFailed = append(r.executionFailed, executionFailedEntry{name, h})
	}
	if h, ok := e.(ExecutionCancelled); ok {
		r.executionCancelled = append(r.executionCancelled, executionCancelledEntry{name, h})
	}
	if h, ok := e.(StepCompleted); ok {
		r.stepCompleted = append(r.stepCompleted, stepCompletedEntry{name, h})
	}
	if h, ok := e.(StepFailed); ok {
		r.stepFailed = append(r.stepFailed, stepFailedEntry{name, h})
	}
	if h, ok := e.(ActivityRetrying); ok {
		r.activityRetrying = append(r.activityRetrying, activityRetryingEntry{name, h})
	}
	if h, ok := e.(AlertFired); ok {
		r.alertFired = append(r.alertFired, alertFiredEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Execution event emitters
// ──────────────────────────────────────────────────

// EmitExecutionStarted notifies all extensions that implement ExecutionStarted.
func (r *Registry) EmitExecutionStarted(ctx context.Context, exec *workflow.Execution) {
	for _, e := range r.executionStarted {
		if err := e.hook.OnExecutionStarted(ctx, exec); err != nil {
			r.logHookError("OnExecutionStarted", e.name, err)
		}
	}
}

// EmitExecutionCompleted notifies all extensions that implement ExecutionCompleted.
func (r *Registry) EmitExecutionCompleted(ctx context.Context, exec *workflow.Execution, elapsed time.Duration) {
	for _, e := range r.executionCompleted {
		if err := e.hook.OnExecutionCompleted(ctx, exec, elapsed); err != nil {
			r.logHookError("OnExecutionCompleted", e.name, err)
		}
	}
}

// EmitExecutionFailed notifies all extensions that implement ExecutionFailed.
func (r *Registry) EmitExecutionFailed(ctx context.Context, exec *workflow.Execution, execErr error) {
	for _, e := range r.executionFailed {
		if err := e.hook.OnExecutionFailed(ctx, exec, execErr); err != nil {
			r.logHookError("OnExecutionFailed", e.name, err)
		}
	}
}

// EmitExecutionCancelled notifies all extensions that implement ExecutionCancelled.
func (r *Registry) EmitExecutionCancelled(ctx context.Context, exec *workflow.Execution) {
	for _, e := range r.executionCancelled {
		if err := e.hook.OnExecutionCancelled(ctx, exec); err != nil {
			r.logHookError("OnExecutionCancelled", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Step and activity event emitters
// ──────────────────────────────────────────────────

// EmitStepCompleted notifies all extensions that implement StepCompleted.
func (r *Registry) EmitStepCompleted(ctx context.Context, exec *workflow.Execution, step string, elapsed time.Duration) {
	for _, e := range r.stepCompleted {
		if err := e.hook.OnStepCompleted(ctx, exec, step, elapsed); err != nil {
			r.logHookError("OnStepCompleted", e.name, err)
		}
	}
}

// EmitStepFailed notifies all extensions that implement StepFailed.
func (r *Registry) EmitStepFailed(ctx context.Context, exec *workflow.Execution, step string, stepErr error) {
	for _, e := range r.stepFailed {
		if err := e.hook.OnStepFailed(ctx, exec, step, stepErr); err != nil {
			r.logHookError("OnStepFailed", e.name, err)
		}
	}
}

// EmitActivityRetrying notifies all extensions that implement ActivityRetrying.
func (r *Registry) EmitActivityRetrying(ctx context.Context, inv *activity.Invocation, attempt int, invErr error, delay time.Duration) {
	for _, e := range r.activityRetrying {
		if err := e.hook.OnActivityRetrying(ctx, inv, attempt, invErr, delay); err != nil {
			r.logHookError("OnActivityRetrying", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Other event emitters
// ──────────────────────────────────────────────────

// EmitAlertFired notifies all extensions that implement AlertFired.
func (r *Registry) EmitAlertFired(ctx context.Context, a alert.Alert) {
	for _, e := range r.alertFired {
		if err := e.hook.OnAlertFired(ctx, a); err != nil {
			r.logHookError("OnAlertFired", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated — they must not block the engine.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}

// Package workflow implements the durable execution engine: executions,
// append-only history, deterministic replay, the handler run context,
// and the runner that drives executions to a terminal state with
// compensation on failure.
package workflow

// Definition is a typed workflow definition with a handler function.
// T is the input type (must be JSON-serializable for Execution.Input
// storage).
type Definition[T any] struct {
	// Name is the unique identifier for this workflow type.
	Name string

	// Handler is the function that executes the workflow logic. It
	// receives a *Run which provides Do, Now, Capture, Publish, and
	// Compensate. Handler code between those calls must be
	// deterministic: replay after a crash re-runs it from the top and
	// feeds back recorded outcomes.
	Handler func(run *Run, input T) error
}

// NewWorkflow creates a typed workflow definition.
func NewWorkflow[T any](name string, handler func(run *Run, input T) error) *Definition[T] {
	return &Definition[T]{
		Name:    name,
		Handler: handler,
	}
}

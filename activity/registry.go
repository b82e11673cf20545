package activity

import (
	"sync"

	"github.com/pipevine/pipevine/retry"
)

// Definition is a typed, named activity: a reusable external operation
// (charge, refund, job submission) registered once and dispatched by
// kind from any workflow. The kind must be unique within a registry.
type Definition[I, O any] struct {
	// Kind is the unique activity name.
	Kind string

	// Handler performs the side effect.
	Handler Func[I, O]

	// Policy is the default retry policy applied when the activity is
	// dispatched by kind. Call sites may override it.
	Policy retry.Policy
}

// DefinitionOption configures a Definition.
type DefinitionOption func(*retry.Policy)

// WithDefaultPolicy sets the definition's default retry policy.
func WithDefaultPolicy(p retry.Policy) DefinitionOption {
	return func(dst *retry.Policy) { *dst = p }
}

// NewDefinition creates a typed activity definition. The default policy
// is three bounded attempts unless overridden.
func NewDefinition[I, O any](kind string, handler Func[I, O], opts ...DefinitionOption) *Definition[I, O] {
	def := &Definition[I, O]{
		Kind:    kind,
		Handler: handler,
		Policy:  retry.Bounded(3),
	}
	for _, opt := range opts {
		opt(&def.Policy)
	}
	return def
}

// registration couples a type-erased handler with its default policy.
type registration struct {
	fn     RawFunc
	policy retry.Policy
}

// Registry maps activity kinds to type-erased handlers. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
}

// NewRegistry creates an empty activity registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registration)}
}

// Register registers a typed activity definition. The typed handler is
// erased to a RawFunc at registration time by closing over JSON
// unmarshal/marshal of the input and output.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func Register[I, O any](r *Registry, def *Definition[I, O]) {
	raw := Erase(def.Kind, def.Handler)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[def.Kind] = registration{fn: raw, policy: def.Policy}
}

// Get returns the erased handler and default policy for a kind.
// Returns false if no activity is registered under that kind.
func (r *Registry) Get(kind string) (RawFunc, retry.Policy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[kind]
	return reg.fn, reg.policy, ok
}

// Kinds returns all registered activity kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.entries))
	for kind := range r.entries {
		kinds = append(kinds, kind)
	}
	return kinds
}

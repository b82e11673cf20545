package pipevine

import (
	"context"
	"log/slog"
	"time"
)

// Option configures an Orchestrator.
type Option func(*Orchestrator) error

// Storer is the minimal store interface held by the Orchestrator.
// It covers lifecycle operations only. The subsystem interfaces
// (workflow.Store, cluster.Store) live in their own packages to avoid
// import cycles; engine.Build type-asserts the configured store to
// them. Every store backend under store/ implements all of them.
type Storer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// poolRunner is an internal interface for the execution pool lifecycle.
type poolRunner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// extensionEmitter is an internal interface for extension lifecycle events.
type extensionEmitter interface {
	EmitShutdown(ctx context.Context)
}

// Orchestrator is the central coordinator for durable executions: it owns
// the store handle, the execution pool, and the retention sweeper.
//
// Create one with New() and functional options, then use engine.Build to
// wire registries, middleware, and subsystems together. The Orchestrator
// holds subsystem components via internal interfaces to avoid import
// cycles.
type Orchestrator struct {
	config     Config
	logger     *slog.Logger
	store      Storer
	extensions extensionEmitter
	pool       poolRunner

	// started tracks whether Start has been called.
	started bool
}

// New creates a new Orchestrator with the given options.
func New(opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// Logger returns the orchestrator's logger.
func (o *Orchestrator) Logger() *slog.Logger { return o.logger }

// Store returns the orchestrator's store.
func (o *Orchestrator) Store() Storer { return o.store }

// Config returns a copy of the orchestrator's configuration.
func (o *Orchestrator) Config() Config { return o.config }

// SetPool sets the execution pool (called by the engine package).
func (o *Orchestrator) SetPool(p poolRunner) { o.pool = p }

// SetExtensions sets the extension emitter (called by the engine package).
func (o *Orchestrator) SetExtensions(e extensionEmitter) { o.extensions = e }

// Start begins execution processing.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.pool == nil {
		return ErrNoStore
	}
	if err := o.pool.Start(ctx); err != nil {
		return err
	}
	o.started = true
	return nil
}

// Stop gracefully shuts down the orchestrator.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if o.pool != nil && o.started {
		if err := o.pool.Stop(ctx); err != nil {
			o.logger.Error("pool stop error", "error", err)
		}
	}
	if o.extensions != nil {
		o.extensions.EmitShutdown(ctx)
	}
	if o.store != nil {
		return o.store.Close()
	}
	return nil
}

// WithConcurrency sets the maximum number of concurrent executions.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) error {
		o.config.Concurrency = n
		return nil
	}
}

// WithLogger sets the structured logger for the orchestrator.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) error {
		o.logger = l
		return nil
	}
}

// WithStore sets the persistence backend for the orchestrator.
// The store must implement Storer at minimum; typically it will be a
// store.Store which embeds all subsystem store interfaces.
func WithStore(s Storer) Option {
	return func(o *Orchestrator) error {
		o.store = s
		return nil
	}
}

// WithRetention sets how long terminal executions are kept before the
// sweeper archives them.
func WithRetention(d time.Duration) Option {
	return func(o *Orchestrator) error {
		o.config.Retention = d
		return nil
	}
}

// WithInspectBaseURL sets the base URL used to build deep links into the
// execution-history inspection UI for operator alerts.
func WithInspectBaseURL(u string) Option {
	return func(o *Orchestrator) error {
		o.config.InspectBaseURL = u
		return nil
	}
}

// Package engine wires all pipevine subsystems together. It creates the
// extension registry, workflow registry, activity middleware chain,
// worker pool, retention sweeper, and progress streaming, and provides
// Register/Submit operations.
//
// This package exists to break the import cycle: the root pipevine
// package defines Entity and Config (imported by workflow, cluster,
// etc.) and so cannot import those packages back. The engine package
// sits above all subsystem packages and below the application layer.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/pipevine/pipevine"
	"github.com/pipevine/pipevine/activity"
	"github.com/pipevine/pipevine/alert"
	"github.com/pipevine/pipevine/archive"
	"github.com/pipevine/pipevine/cluster"
	"github.com/pipevine/pipevine/ext"
	"github.com/pipevine/pipevine/id"
	mw "github.com/pipevine/pipevine/middleware"
	"github.com/pipevine/pipevine/progress"
	"github.com/pipevine/pipevine/sem"
	"github.com/pipevine/pipevine/stream"
	"github.com/pipevine/pipevine/worker"
	"github.com/pipevine/pipevine/workflow"
)

// Engine wraps an Orchestrator with typed subsystem access.
// Use Build() to create one from an Orchestrator.
type Engine struct {
	o          *pipevine.Orchestrator
	extensions *ext.Registry
	registry   *workflow.Registry
	activities *activity.Registry
	runner     *workflow.Runner
	executor   *activity.Executor
	logger     *slog.Logger

	// Activity middleware, beyond the default stack.
	mws []activity.Middleware

	// Concurrency pools for admission-gated steps.
	poolConfigs []sem.PoolConfig
	pools       *sem.Registry

	// Progress subsystem.
	broker       *progress.Broker
	streamServer *stream.Server

	// Operator alerting.
	alerter alert.Alerter

	// Worker subsystem.
	workflowStore workflow.Store
	clusterStore  cluster.Store
	pool          *worker.Pool
	sweeper       *archive.Sweeper

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithExtension registers an extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) {
		eng.extensions.Register(e)
	}
}

// WithMiddleware adds activity middleware to the engine's chain, after
// the default stack.
func WithMiddleware(m activity.Middleware) Option {
	return func(eng *Engine) {
		eng.mws = append(eng.mws, m)
	}
}

// WithPoolConfig registers named concurrency pools used by
// admission-gated steps. Pools not listed are created on first use with
// the capacity the step requests.
func WithPoolConfig(configs ...sem.PoolConfig) Option {
	return func(eng *Engine) {
		eng.poolConfigs = append(eng.poolConfigs, configs...)
	}
}

// WithAlerter sets the operator alert channel.
// If not set, alert.NewLogAlerter (structured log) is used.
func WithAlerter(a alert.Alerter) Option {
	return func(eng *Engine) {
		eng.alerter = a
	}
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// When set, the tracing middleware uses this provider instead of the global one.
// If not set, the global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) {
		eng.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom OTel MeterProvider for the engine.
// When set, the metrics middleware uses this provider instead of the global one.
// If not set, the global otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) {
		eng.meterProvider = mp
	}
}

// Build creates an Engine from an existing Orchestrator.
// The Orchestrator's store must implement workflow.Store and
// cluster.Store.
func Build(o *pipevine.Orchestrator, opts ...Option) (*Engine, error) {
	logger := o.Logger()
	store := o.Store()

	if store == nil {
		return nil, pipevine.ErrNoStore
	}

	// Type-assert the store to get the workflow.Store interface.
	ws, ok := store.(workflow.Store)
	if !ok {
		return nil, fmt.Errorf("pipevine: store does not implement workflow.Store")
	}

	// Type-assert the store to get the cluster.Store interface.
	cls, ok := store.(cluster.Store)
	if !ok {
		return nil, fmt.Errorf("pipevine: store does not implement cluster.Store")
	}

	eng := &Engine{
		o:             o,
		extensions:    ext.NewRegistry(logger),
		registry:      workflow.NewRegistry(),
		activities:    activity.NewRegistry(),
		workflowStore: ws,
		clusterStore:  cls,
		logger:        logger,
	}

	for _, opt := range opts {
		opt(eng)
	}

	// Default alerter if none provided.
	if eng.alerter == nil {
		eng.alerter = alert.NewLogAlerter(logger)
	}

	eng.pools = sem.NewRegistry(eng.poolConfigs...)

	// The progress broker is both a Publisher (handler-published
	// labels) and an extension (execution lifecycle events).
	eng.broker = progress.NewBroker(logger)
	eng.extensions.Register(eng.broker)
	eng.streamServer = stream.NewServer(eng.broker, stream.WithLogger(logger))

	// Build tracing middleware (custom provider or global).
	var tracingMw activity.Middleware
	if eng.tracerProvider != nil {
		tracer := eng.tracerProvider.Tracer("github.com/pipevine/pipevine")
		tracingMw = mw.TracingWithTracer(tracer)
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw activity.Middleware
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/pipevine/pipevine")
		metricsMw = mw.MetricsWithMeter(meter)
	} else {
		metricsMw = mw.Metrics()
	}

	// Build default middleware stack: recover → tracing → metrics → logging.
	defaultMws := []activity.Middleware{
		mw.Recover(logger),
		tracingMw,
		metricsMw,
		mw.Logging(logger),
	}
	allMws := make([]activity.Middleware, 0, len(defaultMws)+len(eng.mws))
	allMws = append(allMws, defaultMws...)
	allMws = append(allMws, eng.mws...)

	// Create the executor and runner. The extension registry satisfies
	// both the activity retry emitter and the workflow event emitter.
	config := o.Config()
	eng.executor = activity.NewExecutor(logger, allMws, activity.WithEmitter(eng.extensions))
	eng.runner = workflow.NewRunner(eng.registry, ws, eng.executor, logger,
		workflow.WithPools(eng.pools),
		workflow.WithPublisher(eng.broker),
		workflow.WithAlerter(eng.alerter),
		workflow.WithEvents(eng.extensions),
		workflow.WithInspectBaseURL(config.InspectBaseURL),
	)

	// Create the worker pool.
	eng.pool = worker.NewPool(ws, eng.runner, logger,
		worker.WithPoolConcurrency(config.Concurrency),
		worker.WithPollInterval(config.PollInterval),
		worker.WithHeartbeatInterval(config.HeartbeatInterval),
		worker.WithStaleThreshold(config.StaleThreshold),
		worker.WithClusterStore(cls),
	)

	// Create the retention sweeper. Zero retention disables archival.
	if config.Retention > 0 {
		sweeper, err := archive.NewSweeper(ws, eng.pool.WorkerID(),
			config.SweepSchedule, config.Retention, logger,
			archive.WithClusterStore(cls),
		)
		if err != nil {
			return nil, fmt.Errorf("pipevine: build sweeper: %w", err)
		}
		eng.sweeper = sweeper
	}

	// Wire back into the Orchestrator.
	o.SetPool(eng.pool)
	o.SetExtensions(eng.extensions)

	return eng, nil
}

// Register registers a typed workflow definition with the engine.
func Register[T any](eng *Engine, def *workflow.Definition[T]) {
	workflow.Register(eng.registry, def)
}

// RegisterActivity registers a typed activity definition, dispatchable
// by kind from any workflow handler via workflow.Call.
func RegisterActivity[I, O any](eng *Engine, def *activity.Definition[I, O]) {
	activity.Register(eng.activities, def)
}

// Submit creates a pending execution with a typed input. A worker pool
// claims and runs it.
func Submit[T any](ctx context.Context, eng *Engine, name string, input T) (*workflow.Execution, error) {
	return workflow.Submit(ctx, eng.runner, name, input)
}

// SubmitRaw creates a pending execution with a pre-serialized input.
func (eng *Engine) SubmitRaw(ctx context.Context, name string, input []byte) (*workflow.Execution, error) {
	return eng.runner.SubmitRaw(ctx, name, input)
}

// Cancel requests cancellation of an execution. A running execution is
// interrupted; its compensation path runs before it settles.
func (eng *Engine) Cancel(ctx context.Context, execID id.ExecutionID) error {
	return eng.runner.Cancel(ctx, execID)
}

// Timeline returns the ordered history of an execution.
func (eng *Engine) Timeline(ctx context.Context, execID id.ExecutionID) ([]*workflow.HistoryEntry, error) {
	return eng.runner.Timeline(ctx, execID)
}

// Start begins execution processing: the retention sweeper and the
// worker pool start. Executions interrupted by a crash stay in running
// state until the pool's stale reaper returns them to pending, where
// any worker claims and resumes them via replay. Start never resumes
// running executions itself: on a shared store they may be owned by
// live workers on other processes. Single-node embedders that want
// immediate recovery can call Runner().ResumeAll before Start.
func (eng *Engine) Start(ctx context.Context) error {
	if eng.sweeper != nil {
		if err := eng.sweeper.Start(ctx); err != nil {
			return fmt.Errorf("start sweeper: %w", err)
		}
	}

	return eng.o.Start(ctx)
}

// Stop gracefully shuts down the engine: the sweeper and stream server
// first, then the pool, extensions, and store via the Orchestrator.
func (eng *Engine) Stop(ctx context.Context) error {
	if eng.sweeper != nil {
		if err := eng.sweeper.Stop(ctx); err != nil {
			eng.logger.Error("sweeper stop error", slog.String("error", err.Error()))
		}
	}

	if err := eng.streamServer.Shutdown(ctx); err != nil {
		eng.logger.Error("stream server stop error", slog.String("error", err.Error()))
	}

	return eng.o.Stop(ctx)
}

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Registry returns the workflow registry.
func (eng *Engine) Registry() *workflow.Registry { return eng.registry }

// Activities returns the shared activity registry.
func (eng *Engine) Activities() *activity.Registry { return eng.activities }

// Orchestrator returns the underlying Orchestrator.
func (eng *Engine) Orchestrator() *pipevine.Orchestrator { return eng.o }

// Runner returns the workflow runner.
func (eng *Engine) Runner() *workflow.Runner { return eng.runner }

// Pools returns the concurrency pool registry.
func (eng *Engine) Pools() *sem.Registry { return eng.pools }

// Broker returns the progress broker.
func (eng *Engine) Broker() *progress.Broker { return eng.broker }

// StreamServer returns the WebSocket progress server. Mount it on any
// HTTP mux to expose live execution progress.
func (eng *Engine) StreamServer() *stream.Server { return eng.streamServer }

// WorkerPool returns the worker pool.
func (eng *Engine) WorkerPool() *worker.Pool { return eng.pool }

// Sweeper returns the retention sweeper, or nil when retention is
// disabled.
func (eng *Engine) Sweeper() *archive.Sweeper { return eng.sweeper }

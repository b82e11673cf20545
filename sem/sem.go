// Package sem provides process-wide named admission gates: counting
// semaphores shared across all workflow executions on one worker process,
// bounding aggregate in-flight calls against rate-limited external
// services.
//
// Pools are created on first use and live for the lifetime of the process.
// They are intentionally NOT part of durable state: a restarted process
// reconstructs them empty. Each Registry only bounds concurrency local to
// the process holding it; cluster-wide throttling would require an
// externally shared limiter, which is out of scope by design.
package sem

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// PoolConfig declares optional limits for a named pool beyond the
// max-concurrency cap passed at acquisition time.
type PoolConfig struct {
	// Name is the pool identifier.
	Name string

	// MaxConcurrency is the pool capacity. Required.
	MaxConcurrency int64

	// RateLimit is the maximum sustained acquisitions per second.
	// Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token-bucket rate limiter.
	// Defaults to 1 if RateLimit is set but RateBurst is zero.
	RateBurst int
}

// pool tracks runtime state for a single named gate.
type pool struct {
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	max     int64
}

// Registry holds all named pools for one worker process. Create one per
// process (the engine does this) and share it across executions; never
// create one per execution.
type Registry struct {
	mu    sync.Mutex
	pools map[string]*pool
}

// NewRegistry creates an empty pool registry.
func NewRegistry(configs ...PoolConfig) *Registry {
	r := &Registry{pools: make(map[string]*pool, len(configs))}
	for _, cfg := range configs {
		r.pools[cfg.Name] = newPool(cfg)
	}
	return r
}

func newPool(cfg PoolConfig) *pool {
	p := &pool{
		sem: semaphore.NewWeighted(cfg.MaxConcurrency),
		max: cfg.MaxConcurrency,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return p
}

// Configure registers (or replaces) a pool configuration ahead of first
// use. In-flight holders of a replaced pool keep their slots.
func (r *Registry) Configure(cfg PoolConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pools[cfg.Name] = newPool(cfg)
}

// Acquire blocks until a slot in the named pool is free, creating the
// pool with the given capacity on first use. The returned Slot MUST be
// released on every exit path; defer slot.Release() immediately.
//
// If the pool was pre-configured with a different capacity, the
// configured capacity wins; maxConcurrency only seeds lazy creation.
func (r *Registry) Acquire(ctx context.Context, name string, maxConcurrency int64) (*Slot, error) {
	r.mu.Lock()
	p, ok := r.pools[name]
	if !ok {
		if maxConcurrency <= 0 {
			r.mu.Unlock()
			return nil, fmt.Errorf("sem: pool %q: max concurrency must be positive, got %d", name, maxConcurrency)
		}
		p = newPool(PoolConfig{Name: name, MaxConcurrency: maxConcurrency})
		r.pools[name] = p
	}
	r.mu.Unlock()

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("sem: pool %q rate wait: %w", name, err)
		}
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("sem: pool %q acquire: %w", name, err)
	}

	return &Slot{pool: p, name: name}, nil
}

// TryAcquire attempts a non-blocking acquisition. It returns nil, false
// when the pool is full or rate-limited.
func (r *Registry) TryAcquire(name string, maxConcurrency int64) (*Slot, bool) {
	r.mu.Lock()
	p, ok := r.pools[name]
	if !ok {
		if maxConcurrency <= 0 {
			r.mu.Unlock()
			return nil, false
		}
		p = newPool(PoolConfig{Name: name, MaxConcurrency: maxConcurrency})
		r.pools[name] = p
	}
	r.mu.Unlock()

	if p.limiter != nil && !p.limiter.Allow() {
		return nil, false
	}
	if !p.sem.TryAcquire(1) {
		return nil, false
	}
	return &Slot{pool: p, name: name}, true
}

// Capacity returns the configured capacity of a pool, or 0 if the pool
// does not exist yet.
func (r *Registry) Capacity(name string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pools[name]; ok {
		return p.max
	}
	return 0
}

// Slot is one acquired unit of a pool's capacity. Its lifetime is bounded
// by the duration of one gated call; Release is idempotent and safe to
// defer alongside explicit calls on error paths.
type Slot struct {
	pool *pool
	name string
	once sync.Once
}

// Release returns the slot to its pool. Releasing more than once is a
// no-op.
func (s *Slot) Release() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.pool.sem.Release(1)
	})
}

// Pool returns the name of the pool this slot belongs to.
func (s *Slot) Pool() string { return s.name }

package activity

import (
	"context"
	"sync/atomic"
	"time"
)

type beatKeyType struct{}

var beatKey beatKeyType

// Beat records liveness for the current activity attempt. Long-running
// activities (external job polls) should call it on every iteration; if
// the attempt's heartbeat window elapses without a beat, the executor
// abandons the attempt and reschedules the same logical invocation — the
// underlying external job is untouched and continues running remotely.
//
// Beat is a no-op outside a heartbeat-monitored attempt.
func Beat(ctx context.Context) {
	if fn, ok := ctx.Value(beatKey).(func()); ok {
		fn()
	}
}

// monitor watches a single attempt for heartbeat liveness. It cancels the
// attempt context with ErrStuck when no beat arrives within the window.
type monitor struct {
	lastBeat atomic.Int64 // unix nanos
	window   time.Duration
	cancel   context.CancelCauseFunc
	done     chan struct{}
}

// startMonitor instruments ctx with a beat function and begins watching.
// The returned context must be used for the attempt; stop must be called
// when the attempt finishes.
func startMonitor(ctx context.Context, window time.Duration) (context.Context, *monitor) {
	ctx, cancel := context.WithCancelCause(ctx)

	m := &monitor{
		window: window,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.lastBeat.Store(time.Now().UnixNano())

	ctx = context.WithValue(ctx, beatKey, func() {
		m.lastBeat.Store(time.Now().UnixNano())
	})

	go m.watch(ctx)
	return ctx, m
}

func (m *monitor) watch(ctx context.Context) {
	// Check at half the window so a beat arriving just inside the
	// deadline is never missed by a full tick.
	interval := m.window / 2
	if interval <= 0 {
		interval = m.window
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, m.lastBeat.Load())
			if time.Since(last) > m.window {
				m.cancel(ErrStuck)
				return
			}
		}
	}
}

// stop ends the watch goroutine and releases the attempt context.
func (m *monitor) stop() {
	close(m.done)
	m.cancel(nil)
}

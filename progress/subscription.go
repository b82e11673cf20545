package progress

import (
	"sync"
	"sync/atomic"

	"github.com/pipevine/pipevine/id"
)

// Subscription receives events for one execution. Delivery is
// non-blocking: if the subscriber falls behind and its buffer fills,
// events are dropped and counted rather than stalling the publisher.
type Subscription struct {
	id     string
	execID id.ExecutionID
	ch     chan *Event

	dropped atomic.Int64

	// mu serializes send against close: a publisher that snapshotted
	// this subscription must never send on a channel a concurrent
	// Unsubscribe already closed.
	mu     sync.Mutex
	closed bool
}

func newSubscription(subID string, execID id.ExecutionID, bufferSize int) *Subscription {
	return &Subscription{
		id:     subID,
		execID: execID,
		ch:     make(chan *Event, bufferSize),
	}
}

// ID returns the subscriber identifier.
func (s *Subscription) ID() string { return s.id }

// ExecutionID returns the execution this subscription follows.
func (s *Subscription) ExecutionID() id.ExecutionID { return s.execID }

// C returns the read-only event channel. It is closed when the
// subscription is removed or the broker shuts down.
func (s *Subscription) C() <-chan *Event { return s.ch }

// Dropped returns how many events were dropped because the buffer was
// full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// send attempts non-blocking delivery. Returns false on drop or when
// the subscription is already closed.
func (s *Subscription) send(evt *Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- evt:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// close closes the channel. Safe to call multiple times.
func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

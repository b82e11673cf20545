package progress

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pipevine/pipevine/ext"
	"github.com/pipevine/pipevine/id"
	"github.com/pipevine/pipevine/workflow"
)

// Compile-time interface checks.
var (
	_ workflow.Publisher     = (*Broker)(nil)
	_ ext.Extension          = (*Broker)(nil)
	_ ext.ExecutionStarted   = (*Broker)(nil)
	_ ext.StepCompleted      = (*Broker)(nil)
	_ ext.StepFailed         = (*Broker)(nil)
	_ ext.ExecutionCompleted = (*Broker)(nil)
	_ ext.ExecutionFailed    = (*Broker)(nil)
	_ ext.ExecutionCancelled = (*Broker)(nil)
	_ ext.Shutdown           = (*Broker)(nil)
)

// DefaultBufferSize is the default per-subscription event buffer.
const DefaultBufferSize = 256

// DefaultHistorySize is the default per-execution replay ring size.
const DefaultHistorySize = 64

// topic holds the state for one execution: its replay ring and its
// live subscribers.
type topic struct {
	history []*Event
	subs    map[string]*Subscription
}

// Broker fans progress events out to subscribers, one topic per
// execution. It keeps a bounded replay ring per execution so a late
// subscriber catches up on prior events before receiving live ones.
//
// The Broker implements workflow.Publisher (handler-published labels)
// and the ext lifecycle hooks (started/step/terminal events), so wiring
// it as an extension gives subscribers the full execution timeline.
type Broker struct {
	mu     sync.RWMutex
	topics map[id.ExecutionID]*topic
	logger *slog.Logger

	bufferSize  int
	historySize int

	published atomic.Int64
	dropped   atomic.Int64
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBufferSize sets the per-subscription event buffer size.
func WithBufferSize(size int) BrokerOption {
	return func(b *Broker) { b.bufferSize = size }
}

// WithHistorySize sets the per-execution replay ring size.
func WithHistorySize(size int) BrokerOption {
	return func(b *Broker) { b.historySize = size }
}

// NewBroker creates a progress broker.
func NewBroker(logger *slog.Logger, opts ...BrokerOption) *Broker {
	b := &Broker{
		topics:      make(map[id.ExecutionID]*topic),
		logger:      logger,
		bufferSize:  DefaultBufferSize,
		historySize: DefaultHistorySize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements ext.Extension.
func (b *Broker) Name() string { return "progress-broker" }

// Publish implements workflow.Publisher: one delivery attempt per
// subscriber, never blocking. It always returns nil; slow subscribers
// lose events rather than slowing the workflow.
func (b *Broker) Publish(_ context.Context, execID id.ExecutionID, label string) error {
	b.publish(&Event{
		ExecutionID: execID,
		Type:        EventProgress,
		Label:       label,
		Timestamp:   time.Now().UTC(),
	})
	return nil
}

// Subscribe attaches a subscriber to an execution's topic. Events
// already published for the execution are replayed into the
// subscription buffer first (catch-up), then live events follow in
// order.
func (b *Broker) Subscribe(execID id.ExecutionID, subscriberID string) *Subscription {
	sub := newSubscription(subscriberID, execID, b.bufferSize)

	b.mu.Lock()
	t := b.ensureTopic(execID)
	for _, evt := range t.history {
		sub.send(evt)
	}
	t.subs[subscriberID] = sub
	b.mu.Unlock()

	return sub
}

// Unsubscribe detaches and closes a subscription.
func (b *Broker) Unsubscribe(execID id.ExecutionID, subscriberID string) {
	b.mu.Lock()
	t, ok := b.topics[execID]
	if ok {
		if sub, exists := t.subs[subscriberID]; exists {
			delete(t.subs, subscriberID)
			sub.close()
		}
	}
	b.mu.Unlock()
}

// Forget drops an execution's topic: its replay ring is discarded and
// all its subscriptions are closed. Called after the execution has been
// archived and can no longer produce events.
func (b *Broker) Forget(execID id.ExecutionID) {
	b.mu.Lock()
	t, ok := b.topics[execID]
	if ok {
		delete(b.topics, execID)
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	for _, sub := range t.subs {
		sub.close()
	}
}

// Stats returns broker counters.
func (b *Broker) Stats() Stats {
	b.mu.RLock()
	topicCount := len(b.topics)
	subCount := 0
	for _, t := range b.topics {
		subCount += len(t.subs)
	}
	b.mu.RUnlock()

	return Stats{
		TopicCount:      topicCount,
		SubscriberCount: subCount,
		Published:       b.published.Load(),
		Dropped:         b.dropped.Load(),
	}
}

// Stats contains broker counters.
type Stats struct {
	TopicCount      int   `json:"topic_count"`
	SubscriberCount int   `json:"subscriber_count"`
	Published       int64 `json:"published"`
	Dropped         int64 `json:"dropped"`
}

// publish appends to the execution's replay ring and fans out to its
// live subscribers.
func (b *Broker) publish(evt *Event) {
	b.mu.Lock()
	t := b.ensureTopic(evt.ExecutionID)

	t.history = append(t.history, evt)
	if len(t.history) > b.historySize {
		t.history = t.history[len(t.history)-b.historySize:]
	}

	targets := make([]*Subscription, 0, len(t.subs))
	for _, sub := range t.subs {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		if sub.send(evt) {
			b.published.Add(1)
		} else {
			b.dropped.Add(1)
		}
	}
}

// ensureTopic returns the topic for an execution, creating it if
// needed. Caller holds b.mu.
func (b *Broker) ensureTopic(execID id.ExecutionID) *topic {
	t, ok := b.topics[execID]
	if !ok {
		t = &topic{subs: make(map[string]*Subscription)}
		b.topics[execID] = t
	}
	return t
}

// ── Lifecycle hooks ─────────────────────────────────

// OnExecutionStarted implements ext.ExecutionStarted.
func (b *Broker) OnExecutionStarted(_ context.Context, exec *workflow.Execution) error {
	b.publish(&Event{
		ExecutionID: exec.ID,
		Type:        EventStarted,
		Timestamp:   time.Now().UTC(),
	})
	return nil
}

// OnStepCompleted implements ext.StepCompleted.
func (b *Broker) OnStepCompleted(_ context.Context, exec *workflow.Execution, step string, _ time.Duration) error {
	b.publish(&Event{
		ExecutionID: exec.ID,
		Type:        EventStepCompleted,
		Step:        step,
		Timestamp:   time.Now().UTC(),
	})
	return nil
}

// OnStepFailed implements ext.StepFailed.
func (b *Broker) OnStepFailed(_ context.Context, exec *workflow.Execution, step string, stepErr error) error {
	b.publish(&Event{
		ExecutionID: exec.ID,
		Type:        EventStepFailed,
		Step:        step,
		Error:       stepErr.Error(),
		Timestamp:   time.Now().UTC(),
	})
	return nil
}

// OnExecutionCompleted implements ext.ExecutionCompleted.
func (b *Broker) OnExecutionCompleted(_ context.Context, exec *workflow.Execution, _ time.Duration) error {
	b.publish(&Event{
		ExecutionID: exec.ID,
		Type:        EventCompleted,
		Timestamp:   time.Now().UTC(),
	})
	return nil
}

// OnExecutionFailed implements ext.ExecutionFailed.
func (b *Broker) OnExecutionFailed(_ context.Context, exec *workflow.Execution, execErr error) error {
	b.publish(&Event{
		ExecutionID: exec.ID,
		Type:        EventFailed,
		Error:       execErr.Error(),
		Timestamp:   time.Now().UTC(),
	})
	return nil
}

// OnExecutionCancelled implements ext.ExecutionCancelled.
func (b *Broker) OnExecutionCancelled(_ context.Context, exec *workflow.Execution) error {
	b.publish(&Event{
		ExecutionID: exec.ID,
		Type:        EventCancelled,
		Timestamp:   time.Now().UTC(),
	})
	return nil
}

// OnShutdown implements ext.Shutdown: closes every subscription.
func (b *Broker) OnShutdown(context.Context) error {
	b.mu.Lock()
	topics := b.topics
	b.topics = make(map[id.ExecutionID]*topic)
	b.mu.Unlock()

	for _, t := range topics {
		for _, sub := range t.subs {
			sub.close()
		}
	}
	b.logger.Info("progress broker shut down")
	return nil
}

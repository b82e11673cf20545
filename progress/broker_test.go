package progress_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pipevine/pipevine/id"
	"github.com/pipevine/pipevine/progress"
	"github.com/pipevine/pipevine/workflow"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func drain(sub *progress.Subscription) []*progress.Event {
	var out []*progress.Event
	for {
		select {
		case evt := <-sub.C():
			out = append(out, evt)
		default:
			return out
		}
	}
}

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := progress.NewBroker(testLogger())
	execID := id.NewExecutionID()

	sub := b.Subscribe(execID, "ui-1")
	if err := b.Publish(context.Background(), execID, "downloading"); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case evt := <-sub.C():
		if evt.Label != "downloading" {
			t.Errorf("label = %q, want %q", evt.Label, "downloading")
		}
		if evt.Type != progress.EventProgress {
			t.Errorf("type = %q, want %q", evt.Type, progress.EventProgress)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestLateSubscriberCatchesUp(t *testing.T) {
	b := progress.NewBroker(testLogger())
	execID := id.NewExecutionID()
	ctx := context.Background()

	labels := []string{"charging", "submitting", "transcoding"}
	for _, l := range labels {
		if err := b.Publish(ctx, execID, l); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	// Subscribe after the fact: the replay ring must deliver everything
	// already published, in order, before any live event.
	sub := b.Subscribe(execID, "late-ui")
	if err := b.Publish(ctx, execID, "finishing"); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got := drain(sub)
	want := append(labels, "finishing")
	if len(got) != len(want) {
		t.Fatalf("received %d events, want %d", len(got), len(want))
	}
	for i, evt := range got {
		if evt.Label != want[i] {
			t.Errorf("event %d label = %q, want %q", i, evt.Label, want[i])
		}
	}
}

func TestReplayRingIsBounded(t *testing.T) {
	b := progress.NewBroker(testLogger(), progress.WithHistorySize(2))
	execID := id.NewExecutionID()
	ctx := context.Background()

	for _, l := range []string{"one", "two", "three"} {
		if err := b.Publish(ctx, execID, l); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	sub := b.Subscribe(execID, "late")
	got := drain(sub)
	if len(got) != 2 {
		t.Fatalf("replayed %d events, want 2", len(got))
	}
	if got[0].Label != "two" || got[1].Label != "three" {
		t.Errorf("replay kept %q,%q; want newest two", got[0].Label, got[1].Label)
	}
}

func TestSlowSubscriberDropsWithoutBlocking(t *testing.T) {
	b := progress.NewBroker(testLogger(), progress.WithBufferSize(1))
	execID := id.NewExecutionID()
	ctx := context.Background()

	sub := b.Subscribe(execID, "slow")

	// Second publish overflows the size-1 buffer; Publish must return
	// immediately and count the drop.
	if err := b.Publish(ctx, execID, "first"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := b.Publish(ctx, execID, "second"); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if sub.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", sub.Dropped())
	}
	if b.Stats().Dropped != 1 {
		t.Errorf("broker dropped = %d, want 1", b.Stats().Dropped)
	}
}

func TestSubscribersAreIsolatedPerExecution(t *testing.T) {
	b := progress.NewBroker(testLogger())
	execA := id.NewExecutionID()
	execB := id.NewExecutionID()
	ctx := context.Background()

	subA := b.Subscribe(execA, "a")
	subB := b.Subscribe(execB, "b")

	if err := b.Publish(ctx, execA, "only-for-a"); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if got := drain(subA); len(got) != 1 {
		t.Errorf("subscriber A received %d events, want 1", len(got))
	}
	if got := drain(subB); len(got) != 0 {
		t.Errorf("subscriber B received %d events, want 0", len(got))
	}
}

func TestLifecycleHooksPublishEvents(t *testing.T) {
	b := progress.NewBroker(testLogger())
	exec := &workflow.Execution{ID: id.NewExecutionID(), Name: "video-pipeline"}

	sub := b.Subscribe(exec.ID, "ui")
	ctx := context.Background()

	if err := b.OnExecutionStarted(ctx, exec); err != nil {
		t.Fatalf("OnExecutionStarted: %v", err)
	}
	if err := b.OnStepCompleted(ctx, exec, "charge", time.Millisecond); err != nil {
		t.Fatalf("OnStepCompleted: %v", err)
	}
	if err := b.OnExecutionFailed(ctx, exec, errors.New("boom")); err != nil {
		t.Fatalf("OnExecutionFailed: %v", err)
	}

	got := drain(sub)
	if len(got) != 3 {
		t.Fatalf("received %d events, want 3", len(got))
	}
	if got[0].Type != progress.EventStarted {
		t.Errorf("event 0 type = %q", got[0].Type)
	}
	if got[1].Type != progress.EventStepCompleted || got[1].Step != "charge" {
		t.Errorf("event 1 = %+v", got[1])
	}
	if got[2].Type != progress.EventFailed || got[2].Error != "boom" {
		t.Errorf("event 2 = %+v", got[2])
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := progress.NewBroker(testLogger())
	execID := id.NewExecutionID()

	sub := b.Subscribe(execID, "ui")
	b.Unsubscribe(execID, "ui")

	select {
	case _, ok := <-sub.C():
		if ok {
			t.Error("expected closed channel after Unsubscribe")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
}

func TestForgetDropsTopic(t *testing.T) {
	b := progress.NewBroker(testLogger())
	execID := id.NewExecutionID()
	ctx := context.Background()

	if err := b.Publish(ctx, execID, "something"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	b.Forget(execID)

	// New subscription sees no history.
	sub := b.Subscribe(execID, "after-forget")
	if got := drain(sub); len(got) != 0 {
		t.Errorf("received %d replayed events after Forget, want 0", len(got))
	}
}

func TestPublishRacesUnsubscribeSafely(t *testing.T) {
	b := progress.NewBroker(testLogger())
	execID := id.NewExecutionID()
	ctx := context.Background()

	// A publisher hammers the topic while subscribers come and go, so
	// the fan-out constantly holds snapshots of subscriptions that are
	// being closed underneath it.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = b.Publish(ctx, execID, "tick")
			}
		}
	}()

	for i := 0; i < 500; i++ {
		sub := b.Subscribe(execID, fmt.Sprintf("churn-%d", i))
		drain(sub)
		b.Unsubscribe(execID, sub.ID())
	}

	close(stop)
	wg.Wait()
}

package workflow_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pipevine/pipevine"
	"github.com/pipevine/pipevine/activity"
	"github.com/pipevine/pipevine/alert"
	"github.com/pipevine/pipevine/id"
	"github.com/pipevine/pipevine/retry"
	"github.com/pipevine/pipevine/store/memory"
	"github.com/pipevine/pipevine/workflow"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fastPolicy keeps retries from slowing tests down.
func fastPolicy(maxAttempts int) retry.Policy {
	return retry.Policy{MaxAttempts: maxAttempts, Backoff: retry.NewConstant(time.Millisecond)}
}

// recordingInvoker wraps the real executor and captures the idempotency
// key of every dispatched invocation.
type recordingInvoker struct {
	inner workflow.Invoker

	mu   sync.Mutex
	keys []string
}

func (ri *recordingInvoker) Invoke(ctx context.Context, inv *activity.Invocation, fn activity.RawFunc) ([]byte, error) {
	ri.mu.Lock()
	ri.keys = append(ri.keys, inv.Key)
	ri.mu.Unlock()
	return ri.inner.Invoke(ctx, inv, fn)
}

func (ri *recordingInvoker) Keys() []string {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	return append([]string(nil), ri.keys...)
}

// recordingAlerter captures fired alerts and, when given a store, the
// execution state at the moment each alert fired.
type recordingAlerter struct {
	store workflow.Store

	mu     sync.Mutex
	fired  []alert.Alert
	states []workflow.State
}

func (a *recordingAlerter) Fire(ctx context.Context, al alert.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.store != nil {
		if exec, err := a.store.GetExecution(ctx, al.ExecutionID); err == nil {
			a.states = append(a.states, exec.State)
		}
	}
	a.fired = append(a.fired, al)
	return nil
}

func (a *recordingAlerter) Fired() []alert.Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]alert.Alert(nil), a.fired...)
}

// countingPublisher counts progress publications.
type countingPublisher struct {
	mu     sync.Mutex
	labels []string
}

func (p *countingPublisher) Publish(_ context.Context, _ id.ExecutionID, label string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.labels = append(p.labels, label)
	return nil
}

func (p *countingPublisher) Labels() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.labels...)
}

func seedEntry(t *testing.T, store workflow.Store, execID id.ExecutionID, seq int, kind workflow.Kind, step string, phase workflow.Phase, key string, data []byte, errStr string) {
	t.Helper()
	err := store.AppendHistory(context.Background(), &workflow.HistoryEntry{
		ID:          id.NewHistoryID(),
		ExecutionID: execID,
		Seq:         seq,
		Step:        step,
		Phase:       phase,
		Kind:        kind,
		Key:         key,
		Data:        data,
		Err:         errStr,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed history entry: %v", err)
	}
}

func getExec(t *testing.T, store workflow.Store, execID id.ExecutionID) *workflow.Execution {
	t.Helper()
	exec, err := store.GetExecution(context.Background(), execID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	return exec
}

// ──────────────────────────────────────────────────
// Happy path and history shape
// ──────────────────────────────────────────────────

func TestExecuteCompletesAndRecordsHistory(t *testing.T) {
	store := memory.New()
	registry := workflow.NewRegistry()
	invoker := activity.NewExecutor(testLogger(), nil)
	runner := workflow.NewRunner(registry, store, invoker, testLogger())
	ctx := context.Background()

	var calls atomic.Int64
	charge := func(_ context.Context, amount int) (int, error) {
		calls.Add(1)
		return amount * 2, nil
	}

	workflow.Register(registry, workflow.NewWorkflow("double", func(run *workflow.Run, input int) error {
		total, err := workflow.Do(run, "charge", charge, input, workflow.WithPolicy(fastPolicy(3)))
		if err != nil {
			return err
		}
		return run.SetOutput(total)
	}))

	exec, err := workflow.Submit(ctx, runner, "double", 21)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := runner.Execute(ctx, exec); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if calls.Load() != 1 {
		t.Errorf("activity called %d times, want 1", calls.Load())
	}

	got := getExec(t, store, exec.ID)
	if got.State != workflow.StateCompleted {
		t.Fatalf("State = %q, want completed (error: %s)", got.State, got.Error)
	}
	if string(got.Output) != "42" {
		t.Errorf("Output = %s, want 42", got.Output)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}

	entries, err := runner.Timeline(ctx, exec.ID)
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("history has %d entries, want 2", len(entries))
	}
	wantKey := workflow.IdempotencyKey(exec.ID, 1)
	if entries[0].Phase != workflow.PhaseIntent || entries[0].Key != wantKey {
		t.Errorf("entry 0 = %+v, want charge intent with key %s", entries[0], wantKey)
	}
	if entries[1].Phase != workflow.PhaseOutcome || entries[1].Key != wantKey {
		t.Errorf("entry 1 = %+v, want charge outcome with key %s", entries[1], wantKey)
	}
	if string(entries[0].Data) != "21" {
		t.Errorf("intent recorded input %s, want 21", entries[0].Data)
	}
}

func TestCallDispatchesRegisteredActivity(t *testing.T) {
	store := memory.New()
	registry := workflow.NewRegistry()
	invoker := activity.NewExecutor(testLogger(), nil)
	runner := workflow.NewRunner(registry, store, invoker, testLogger())
	ctx := context.Background()

	var calls atomic.Int64
	activities := activity.NewRegistry()
	activity.Register(activities, activity.NewDefinition("charge",
		func(_ context.Context, cents int) (string, error) {
			calls.Add(1)
			return "receipt-1", nil
		},
		activity.WithDefaultPolicy(fastPolicy(2)),
	))

	workflow.Register(registry, workflow.NewWorkflow("bill", func(run *workflow.Run, cents int) error {
		receipt, err := workflow.Call[int, string](run, activities, "charge", cents)
		if err != nil {
			return err
		}
		return run.SetOutput(receipt)
	}))

	exec, err := workflow.Submit(ctx, runner, "bill", 499)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := runner.Execute(ctx, exec); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if calls.Load() != 1 {
		t.Errorf("activity called %d times, want 1", calls.Load())
	}
	got := getExec(t, store, exec.ID)
	if got.State != workflow.StateCompleted {
		t.Fatalf("State = %q, want completed (error: %s)", got.State, got.Error)
	}
	if string(got.Output) != `"receipt-1"` {
		t.Errorf("Output = %s, want the receipt", got.Output)
	}

	// Dispatch-by-kind follows the same intent/outcome protocol with
	// the kind as the step name.
	entries, err := runner.Timeline(ctx, exec.ID)
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	wantKey := workflow.IdempotencyKey(exec.ID, 1)
	if len(entries) != 2 || entries[0].Step != "charge" || entries[0].Key != wantKey {
		t.Errorf("history = %+v, want charge intent/outcome with key %s", entries, wantKey)
	}
}

func TestCallUnknownKindFailsWithoutDispatch(t *testing.T) {
	store := memory.New()
	registry := workflow.NewRegistry()
	invoker := activity.NewExecutor(testLogger(), nil)
	runner := workflow.NewRunner(registry, store, invoker, testLogger())
	ctx := context.Background()

	activities := activity.NewRegistry()
	var handlerErr error

	workflow.Register(registry, workflow.NewWorkflow("misbound", func(run *workflow.Run, _ struct{}) error {
		_, handlerErr = workflow.Call[struct{}, string](run, activities, "missing", struct{}{})
		return handlerErr
	}))

	exec, err := workflow.Submit(ctx, runner, "misbound", struct{}{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := runner.Execute(ctx, exec); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if handlerErr == nil || !strings.Contains(handlerErr.Error(), "missing") {
		t.Errorf("handler error = %v, want unknown-kind error", handlerErr)
	}
	entries, _ := runner.Timeline(ctx, exec.ID)
	if len(entries) != 0 {
		t.Errorf("history has %d entries, want none for an unbound kind", len(entries))
	}
}

func TestIntentAlwaysPrecedesOutcome(t *testing.T) {
	store := memory.New()
	registry := workflow.NewRegistry()
	invoker := activity.NewExecutor(testLogger(), nil)
	runner := workflow.NewRunner(registry, store, invoker, testLogger())
	ctx := context.Background()

	step := func(_ context.Context, in string) (string, error) { return in, nil }

	workflow.Register(registry, workflow.NewWorkflow("two-steps", func(run *workflow.Run, _ struct{}) error {
		if _, err := workflow.Do(run, "first", step, "a"); err != nil {
			return err
		}
		run.Publish("halfway")
		if _, err := run.Now("midpoint"); err != nil {
			return err
		}
		_, err := workflow.Do(run, "second", step, "b")
		return err
	}))

	exec, err := workflow.Submit(ctx, runner, "two-steps", struct{}{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := runner.Execute(ctx, exec); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	entries, err := runner.Timeline(ctx, exec.ID)
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}

	intentSeq := map[string]int{}
	outcomeSeq := map[string]int{}
	for i, e := range entries {
		if e.Seq != i+1 {
			t.Errorf("entry %d Seq = %d, want %d (gap or reorder)", i, e.Seq, i+1)
		}
		switch e.Phase {
		case workflow.PhaseIntent:
			intentSeq[e.Step] = e.Seq
		case workflow.PhaseOutcome:
			outcomeSeq[e.Step] = e.Seq
		}
	}
	for step, in := range intentSeq {
		out, ok := outcomeSeq[step]
		if !ok {
			t.Errorf("step %q has an intent but no outcome", step)
			continue
		}
		if in >= out {
			t.Errorf("step %q outcome seq %d not after intent seq %d", step, out, in)
		}
	}
}

// ──────────────────────────────────────────────────
// Replay
// ──────────────────────────────────────────────────

func TestReplaySkipsRecordedSteps(t *testing.T) {
	store := memory.New()
	registry := workflow.NewRegistry()
	invoker := activity.NewExecutor(testLogger(), nil)
	runner := workflow.NewRunner(registry, store, invoker, testLogger())
	ctx := context.Background()

	var firstCalls, secondCalls atomic.Int64
	first := func(_ context.Context, _ struct{}) (int, error) {
		firstCalls.Add(1)
		return 5, nil
	}
	second := func(_ context.Context, in int) (int, error) {
		secondCalls.Add(1)
		return in + 1, nil
	}

	workflow.Register(registry, workflow.NewWorkflow("resume", func(run *workflow.Run, _ struct{}) error {
		a, err := workflow.Do(run, "step-one", first, struct{}{})
		if err != nil {
			return err
		}
		b, err := workflow.Do(run, "step-two", second, a)
		if err != nil {
			return err
		}
		return run.SetOutput(b)
	}))

	exec, err := workflow.Submit(ctx, runner, "resume", struct{}{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Simulate a prior incarnation that settled step-one before dying.
	k1 := workflow.IdempotencyKey(exec.ID, 1)
	seedEntry(t, store, exec.ID, 1, workflow.KindActivity, "step-one", workflow.PhaseIntent, k1, []byte("{}"), "")
	seedEntry(t, store, exec.ID, 2, workflow.KindActivity, "step-one", workflow.PhaseOutcome, k1, []byte("5"), "")

	if err := runner.Execute(ctx, exec); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if firstCalls.Load() != 0 {
		t.Errorf("settled step re-executed %d times, want 0", firstCalls.Load())
	}
	if secondCalls.Load() != 1 {
		t.Errorf("unsettled step executed %d times, want 1", secondCalls.Load())
	}

	got := getExec(t, store, exec.ID)
	if got.State != workflow.StateCompleted {
		t.Fatalf("State = %q, want completed (error: %s)", got.State, got.Error)
	}
	if string(got.Output) != "6" {
		t.Errorf("Output = %s, want 6", got.Output)
	}
}

func TestDanglingIntentRedispatchesWithRecordedKey(t *testing.T) {
	store := memory.New()
	registry := workflow.NewRegistry()
	ri := &recordingInvoker{inner: activity.NewExecutor(testLogger(), nil)}
	runner := workflow.NewRunner(registry, store, ri, testLogger())
	ctx := context.Background()

	var calls atomic.Int64
	submit := func(_ context.Context, _ struct{}) (string, error) {
		calls.Add(1)
		return "job-1", nil
	}

	workflow.Register(registry, workflow.NewWorkflow("submit-job", func(run *workflow.Run, _ struct{}) error {
		_, err := workflow.Do(run, "submit", submit, struct{}{})
		return err
	}))

	exec, err := workflow.Submit(ctx, runner, "submit-job", struct{}{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Intent without outcome: the process died mid-call. The external
	// service may or may not have seen the request; re-dispatch must
	// reuse the recorded key so it can deduplicate.
	k1 := workflow.IdempotencyKey(exec.ID, 1)
	seedEntry(t, store, exec.ID, 1, workflow.KindActivity, "submit", workflow.PhaseIntent, k1, []byte("{}"), "")

	if err := runner.Execute(ctx, exec); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if calls.Load() != 1 {
		t.Errorf("activity called %d times, want 1", calls.Load())
	}
	keys := ri.Keys()
	if len(keys) != 1 || keys[0] != k1 {
		t.Errorf("dispatched keys = %v, want [%s]", keys, k1)
	}

	entries, _ := runner.Timeline(ctx, exec.ID)
	if len(entries) != 2 {
		t.Fatalf("history has %d entries, want 2 (no duplicate intent)", len(entries))
	}
	if entries[1].Phase != workflow.PhaseOutcome || entries[1].Key != k1 {
		t.Errorf("outcome entry = %+v, want key %s", entries[1], k1)
	}
}

func TestRecordedFailureReplaysWithoutDispatch(t *testing.T) {
	store := memory.New()
	registry := workflow.NewRegistry()
	invoker := activity.NewExecutor(testLogger(), nil)
	runner := workflow.NewRunner(registry, store, invoker, testLogger())
	ctx := context.Background()

	var calls atomic.Int64
	var handlerErr error
	charge := func(_ context.Context, _ struct{}) (string, error) {
		calls.Add(1)
		return "", nil
	}

	workflow.Register(registry, workflow.NewWorkflow("declined", func(run *workflow.Run, _ struct{}) error {
		_, handlerErr = workflow.Do(run, "charge", charge, struct{}{})
		return handlerErr
	}))

	exec, err := workflow.Submit(ctx, runner, "declined", struct{}{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	k1 := workflow.IdempotencyKey(exec.ID, 1)
	seedEntry(t, store, exec.ID, 1, workflow.KindActivity, "charge", workflow.PhaseIntent, k1, []byte("{}"), "")
	seedEntry(t, store, exec.ID, 2, workflow.KindActivity, "charge", workflow.PhaseOutcome, k1, nil, "card declined")

	if err := runner.Execute(ctx, exec); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if calls.Load() != 0 {
		t.Errorf("failed step re-dispatched %d times, want 0", calls.Load())
	}
	if !errors.Is(handlerErr, pipevine.ErrRetriesExhausted) {
		t.Errorf("handler error = %v, want ErrRetriesExhausted classification", handlerErr)
	}
	var sf *workflow.StepFailure
	if !errors.As(handlerErr, &sf) || sf.Step != "charge" {
		t.Errorf("handler error = %v, want *StepFailure for charge", handlerErr)
	}

	got := getExec(t, store, exec.ID)
	if got.State != workflow.StateFailed {
		t.Errorf("State = %q, want failed", got.State)
	}
	if !strings.Contains(got.Error, "card declined") {
		t.Errorf("Error = %q, want the recorded failure", got.Error)
	}
}

func TestNondeterministicReplayIsFatal(t *testing.T) {
	store := memory.New()
	registry := workflow.NewRegistry()
	invoker := activity.NewExecutor(testLogger(), nil)
	runner := workflow.NewRunner(registry, store, invoker, testLogger())
	ctx := context.Background()

	var handlerErr error
	charge := func(_ context.Context, _ struct{}) (string, error) { return "ok", nil }

	workflow.Register(registry, workflow.NewWorkflow("diverged", func(run *workflow.Run, _ struct{}) error {
		_, handlerErr = workflow.Do(run, "charge", charge, struct{}{})
		return handlerErr
	}))

	exec, err := workflow.Submit(ctx, runner, "diverged", struct{}{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// History recorded key #2 at the first call site: the handler code
	// must have changed between incarnations. Silent continuation would
	// break key determinism, so this is fatal.
	wrongKey := workflow.IdempotencyKey(exec.ID, 2)
	seedEntry(t, store, exec.ID, 1, workflow.KindActivity, "charge", workflow.PhaseIntent, wrongKey, []byte("{}"), "")
	seedEntry(t, store, exec.ID, 2, workflow.KindActivity, "charge", workflow.PhaseOutcome, wrongKey, []byte(`"ok"`), "")

	if err := runner.Execute(ctx, exec); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if !errors.Is(handlerErr, pipevine.ErrNondeterminism) {
		t.Errorf("handler error = %v, want ErrNondeterminism", handlerErr)
	}
	got := getExec(t, store, exec.ID)
	if got.State != workflow.StateFailed {
		t.Errorf("State = %q, want failed", got.State)
	}
}

// ──────────────────────────────────────────────────
// Compensation and alerting
// ──────────────────────────────────────────────────

func TestFailureRunsCompensationWithFreshKey(t *testing.T) {
	store := memory.New()
	registry := workflow.NewRegistry()
	invoker := activity.NewExecutor(testLogger(), nil)
	alerter := &recordingAlerter{store: store}
	runner := workflow.NewRunner(registry, store, invoker, testLogger(),
		workflow.WithAlerter(alerter),
		workflow.WithInspectBaseURL("https://ops.example.com/pipevine"),
	)
	ctx := context.Background()

	var refundCalls atomic.Int64
	var refundKey string
	charge := func(_ context.Context, _ struct{}) (string, error) { return "charged", nil }
	submit := func(_ context.Context, _ struct{}) (string, error) {
		return "", activity.Permanent(errors.New("invalid codec"))
	}

	workflow.Register(registry, workflow.NewWorkflow("video", func(run *workflow.Run, _ struct{}) error {
		if _, err := workflow.Do(run, "charge", charge, struct{}{}); err != nil {
			return err
		}
		run.Compensate("charge", func(_ context.Context, key string) error {
			refundCalls.Add(1)
			refundKey = key
			return nil
		})
		_, err := workflow.Do(run, "submit", submit, struct{}{}, workflow.WithPolicy(fastPolicy(3)))
		return err
	}))

	exec, err := workflow.Submit(ctx, runner, "video", struct{}{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := runner.Execute(ctx, exec); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if refundCalls.Load() != 1 {
		t.Fatalf("refund called %d times, want 1", refundCalls.Load())
	}
	chargeKey := workflow.IdempotencyKey(exec.ID, 1)
	if refundKey == chargeKey {
		t.Error("refund reused the charge key; a keyed refund with the charge key would dedupe to a no-op")
	}
	if want := workflow.IdempotencyKey(exec.ID, 3); refundKey != want {
		t.Errorf("refund key = %q, want %q", refundKey, want)
	}

	got := getExec(t, store, exec.ID)
	if got.State != workflow.StateFailed {
		t.Fatalf("State = %q, want failed", got.State)
	}
	if !strings.Contains(got.Error, "invalid codec") {
		t.Errorf("Error = %q, want the original failure", got.Error)
	}
	if got.CompensationError != "" {
		t.Errorf("CompensationError = %q, want empty", got.CompensationError)
	}

	fired := alerter.Fired()
	if len(fired) != 1 {
		t.Fatalf("alerts fired = %d, want 1", len(fired))
	}
	a := fired[0]
	if a.ExecutionID != exec.ID {
		t.Error("alert references the wrong execution")
	}
	if !strings.Contains(a.Cause, "invalid codec") {
		t.Errorf("alert cause = %q", a.Cause)
	}
	wantLink := "https://ops.example.com/pipevine/executions/" + exec.ID.String()
	if a.DeepLink != wantLink {
		t.Errorf("alert deep link = %q, want %q", a.DeepLink, wantLink)
	}
	// The alert fires before the execution is marked failed, so an
	// operator following the link sees the full settled history.
	if len(alerter.states) != 1 || alerter.states[0] != workflow.StateRunning {
		t.Errorf("state at alert time = %v, want [running]", alerter.states)
	}

	// The refund is durable like any other side effect.
	entries, _ := runner.Timeline(ctx, exec.ID)
	var compIntent, compOutcome bool
	for _, e := range entries {
		if e.Step == "comp:charge" && e.Kind == workflow.KindCompensation {
			switch e.Phase {
			case workflow.PhaseIntent:
				compIntent = true
			case workflow.PhaseOutcome:
				compOutcome = true
			}
		}
	}
	if !compIntent || !compOutcome {
		t.Errorf("compensation history incomplete: intent=%v outcome=%v", compIntent, compOutcome)
	}
}

func TestCompensationFailureNeverMasksOriginal(t *testing.T) {
	store := memory.New()
	registry := workflow.NewRegistry()
	invoker := activity.NewExecutor(testLogger(), nil)
	runner := workflow.NewRunner(registry, store, invoker, testLogger())
	ctx := context.Background()

	charge := func(_ context.Context, _ struct{}) (string, error) { return "charged", nil }
	submit := func(_ context.Context, _ struct{}) (string, error) {
		return "", activity.Permanent(errors.New("invalid codec"))
	}

	workflow.Register(registry, workflow.NewWorkflow("bad-refund", func(run *workflow.Run, _ struct{}) error {
		if _, err := workflow.Do(run, "charge", charge, struct{}{}); err != nil {
			return err
		}
		run.Compensate("charge", func(_ context.Context, _ string) error {
			return activity.Permanent(errors.New("refund endpoint down"))
		})
		_, err := workflow.Do(run, "submit", submit, struct{}{}, workflow.WithPolicy(fastPolicy(3)))
		return err
	}))

	exec, err := workflow.Submit(ctx, runner, "bad-refund", struct{}{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := runner.Execute(ctx, exec); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got := getExec(t, store, exec.ID)
	if got.State != workflow.StateFailed {
		t.Fatalf("State = %q, want failed", got.State)
	}
	if !strings.Contains(got.Error, "invalid codec") {
		t.Errorf("Error = %q, want the original failure, not the refund failure", got.Error)
	}
	if !strings.Contains(got.CompensationError, "refund endpoint down") {
		t.Errorf("CompensationError = %q, want the refund failure", got.CompensationError)
	}
}

func TestResumeDuringCompensationRefusesForwardDispatch(t *testing.T) {
	store := memory.New()
	registry := workflow.NewRegistry()
	invoker := activity.NewExecutor(testLogger(), nil)
	runner := workflow.NewRunner(registry, store, invoker, testLogger())
	ctx := context.Background()

	var submits atomic.Int64
	var refundKeys []string

	charge := func(_ context.Context, _ struct{}) (string, error) {
		return "receipt-1", nil
	}
	submit := func(_ context.Context, _ struct{}) (string, error) {
		submits.Add(1)
		return "job-1", nil
	}

	workflow.Register(registry, workflow.NewWorkflow("deliver", func(run *workflow.Run, _ struct{}) error {
		if _, err := workflow.Do(run, "charge", charge, struct{}{}); err != nil {
			return err
		}
		run.Compensate("charge", func(_ context.Context, key string) error {
			refundKeys = append(refundKeys, key)
			return nil
		})
		if _, err := workflow.Do(run, "submit", submit, struct{}{}); err != nil {
			return err
		}
		return run.SetOutput("delivered")
	}))

	exec, err := workflow.Submit(ctx, runner, "deliver", struct{}{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// The previous incarnation was cancelled after the charge landed,
	// left the submit intent dangling, began refunding, and died before
	// the refund outcome was recorded. Resuming must settle, not
	// deliver: the customer may already hold the refund.
	k1 := workflow.IdempotencyKey(exec.ID, 1)
	k2 := workflow.IdempotencyKey(exec.ID, 2)
	k3 := workflow.IdempotencyKey(exec.ID, 3)
	seedEntry(t, store, exec.ID, 1, workflow.KindActivity, "charge", workflow.PhaseIntent, k1, []byte("{}"), "")
	seedEntry(t, store, exec.ID, 2, workflow.KindActivity, "charge", workflow.PhaseOutcome, k1, []byte(`"receipt-1"`), "")
	seedEntry(t, store, exec.ID, 3, workflow.KindActivity, "submit", workflow.PhaseIntent, k2, []byte("{}"), "")
	seedEntry(t, store, exec.ID, 4, workflow.KindCompensation, "comp:charge", workflow.PhaseIntent, k3, nil, "")

	if err := runner.Execute(ctx, exec); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if submits.Load() != 0 {
		t.Errorf("dangling submit re-dispatched %d times during settlement, want 0", submits.Load())
	}
	if len(refundKeys) != 1 || refundKeys[0] != k3 {
		t.Errorf("refund keys = %v, want [%s] (recorded compensation key)", refundKeys, k3)
	}

	got := getExec(t, store, exec.ID)
	if got.State != workflow.StateCancelled {
		t.Fatalf("State = %q, want cancelled", got.State)
	}
	if len(got.Output) != 0 {
		t.Errorf("Output = %s, want none on a settled execution", got.Output)
	}
}

// ──────────────────────────────────────────────────
// Cancellation
// ──────────────────────────────────────────────────

func TestCancelRunningExecutionRunsCompensations(t *testing.T) {
	store := memory.New()
	registry := workflow.NewRegistry()
	invoker := activity.NewExecutor(testLogger(), nil)
	runner := workflow.NewRunner(registry, store, invoker, testLogger())
	ctx := context.Background()

	var refundCalls atomic.Int64
	started := make(chan struct{})
	var once sync.Once

	charge := func(_ context.Context, _ struct{}) (string, error) { return "charged", nil }
	poll := func(ctx context.Context, _ struct{}) (string, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return "", ctx.Err()
	}

	workflow.Register(registry, workflow.NewWorkflow("cancellable", func(run *workflow.Run, _ struct{}) error {
		if _, err := workflow.Do(run, "charge", charge, struct{}{}); err != nil {
			return err
		}
		run.Compensate("charge", func(_ context.Context, _ string) error {
			refundCalls.Add(1)
			return nil
		})
		_, err := workflow.Do(run, "poll", poll, struct{}{}, workflow.WithPolicy(fastPolicy(1)))
		return err
	}))

	exec, err := workflow.Submit(ctx, runner, "cancellable", struct{}{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- runner.Execute(ctx, exec) }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("execution never reached the blocking step")
	}
	if err := runner.Cancel(ctx, exec.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not settle after cancellation")
	}

	if refundCalls.Load() != 1 {
		t.Errorf("refund called %d times, want 1", refundCalls.Load())
	}
	got := getExec(t, store, exec.ID)
	if got.State != workflow.StateCancelled {
		t.Errorf("State = %q, want cancelled", got.State)
	}
	if got.Error != pipevine.ErrCancelled.Error() {
		t.Errorf("Error = %q", got.Error)
	}
}

func TestCancelPendingExecution(t *testing.T) {
	store := memory.New()
	registry := workflow.NewRegistry()
	invoker := activity.NewExecutor(testLogger(), nil)
	runner := workflow.NewRunner(registry, store, invoker, testLogger())
	ctx := context.Background()

	workflow.Register(registry, workflow.NewWorkflow("queued", func(_ *workflow.Run, _ struct{}) error {
		return nil
	}))

	exec, err := workflow.Submit(ctx, runner, "queued", struct{}{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := runner.Cancel(ctx, exec.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	got := getExec(t, store, exec.ID)
	if got.State != workflow.StateCancelled {
		t.Errorf("State = %q, want cancelled", got.State)
	}

	// Cancelling a terminal execution is an invalid transition.
	if err := runner.Cancel(ctx, exec.ID); !errors.Is(err, pipevine.ErrInvalidState) {
		t.Errorf("second Cancel err = %v, want ErrInvalidState", err)
	}
}

// ──────────────────────────────────────────────────
// Submit / resume / routing
// ──────────────────────────────────────────────────

func TestSubmitUnknownWorkflow(t *testing.T) {
	store := memory.New()
	registry := workflow.NewRegistry()
	invoker := activity.NewExecutor(testLogger(), nil)
	runner := workflow.NewRunner(registry, store, invoker, testLogger())

	if _, err := workflow.Submit(context.Background(), runner, "nope", struct{}{}); !errors.Is(err, pipevine.ErrWorkflowNotFound) {
		t.Errorf("err = %v, want ErrWorkflowNotFound", err)
	}
}

func TestExecuteUnroutableExecutionMarksFailed(t *testing.T) {
	store := memory.New()
	registry := workflow.NewRegistry()
	invoker := activity.NewExecutor(testLogger(), nil)
	runner := workflow.NewRunner(registry, store, invoker, testLogger())
	ctx := context.Background()

	// An execution persisted by an older deployment whose workflow is no
	// longer registered.
	exec := &workflow.Execution{
		Entity: pipevine.NewEntity(),
		ID:     id.NewExecutionID(),
		Name:   "retired-workflow",
		State:  workflow.StatePending,
	}
	if err := store.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	if err := runner.Execute(ctx, exec); !errors.Is(err, pipevine.ErrWorkflowNotFound) {
		t.Fatalf("Execute err = %v, want ErrWorkflowNotFound", err)
	}
	got := getExec(t, store, exec.ID)
	if got.State != workflow.StateFailed {
		t.Errorf("State = %q, want failed", got.State)
	}
}

func TestResumeAllFinishesOrphanedExecutions(t *testing.T) {
	store := memory.New()
	registry := workflow.NewRegistry()
	invoker := activity.NewExecutor(testLogger(), nil)
	runner := workflow.NewRunner(registry, store, invoker, testLogger())
	ctx := context.Background()

	var calls atomic.Int64
	step := func(_ context.Context, _ struct{}) (string, error) {
		calls.Add(1)
		return "done", nil
	}
	workflow.Register(registry, workflow.NewWorkflow("orphan", func(run *workflow.Run, _ struct{}) error {
		_, err := workflow.Do(run, "step", step, struct{}{})
		return err
	}))

	exec, err := workflow.Submit(ctx, runner, "orphan", struct{}{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// Claim it so it is stranded in running state, as after a crash.
	if _, err := store.ClaimPending(ctx, id.NewWorkerID(), 1); err != nil {
		t.Fatalf("ClaimPending: %v", err)
	}

	if err := runner.ResumeAll(ctx); err != nil {
		t.Fatalf("ResumeAll: %v", err)
	}

	if calls.Load() != 1 {
		t.Errorf("activity called %d times, want 1", calls.Load())
	}
	got := getExec(t, store, exec.ID)
	if got.State != workflow.StateCompleted {
		t.Errorf("State = %q, want completed (error: %s)", got.State, got.Error)
	}
}

// ──────────────────────────────────────────────────
// Progress, Now, Capture
// ──────────────────────────────────────────────────

func TestPublishReachesPublisherOnce(t *testing.T) {
	store := memory.New()
	registry := workflow.NewRegistry()
	invoker := activity.NewExecutor(testLogger(), nil)
	pub := &countingPublisher{}
	runner := workflow.NewRunner(registry, store, invoker, testLogger(), workflow.WithPublisher(pub))
	ctx := context.Background()

	workflow.Register(registry, workflow.NewWorkflow("talky", func(run *workflow.Run, _ struct{}) error {
		run.Publish("charging")
		run.Publish("transcoding")
		return nil
	}))

	exec, err := workflow.Submit(ctx, runner, "talky", struct{}{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := runner.Execute(ctx, exec); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	labels := pub.Labels()
	if len(labels) != 2 || labels[0] != "charging" || labels[1] != "transcoding" {
		t.Errorf("published labels = %v", labels)
	}
}

func TestReplayDoesNotRepublishProgress(t *testing.T) {
	store := memory.New()
	registry := workflow.NewRegistry()
	invoker := activity.NewExecutor(testLogger(), nil)
	pub := &countingPublisher{}
	runner := workflow.NewRunner(registry, store, invoker, testLogger(), workflow.WithPublisher(pub))
	ctx := context.Background()

	var calls atomic.Int64
	charge := func(_ context.Context, _ struct{}) (string, error) {
		calls.Add(1)
		return "charged", nil
	}

	workflow.Register(registry, workflow.NewWorkflow("replayed-progress", func(run *workflow.Run, _ struct{}) error {
		run.Publish("charging")
		_, err := workflow.Do(run, "charge", charge, struct{}{})
		return err
	}))

	exec, err := workflow.Submit(ctx, runner, "replayed-progress", struct{}{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	k1 := workflow.IdempotencyKey(exec.ID, 1)
	seedEntry(t, store, exec.ID, 1, workflow.KindProgress, "progress:0001", workflow.PhaseOutcome, "", []byte(`"charging"`), "")
	seedEntry(t, store, exec.ID, 2, workflow.KindActivity, "charge", workflow.PhaseIntent, k1, []byte("{}"), "")
	seedEntry(t, store, exec.ID, 3, workflow.KindActivity, "charge", workflow.PhaseOutcome, k1, []byte(`"charged"`), "")

	if err := runner.Execute(ctx, exec); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if got := pub.Labels(); len(got) != 0 {
		t.Errorf("replay republished %v, want nothing", got)
	}
	if calls.Load() != 0 {
		t.Errorf("settled step re-executed %d times", calls.Load())
	}
	got := getExec(t, store, exec.ID)
	if got.State != workflow.StateCompleted {
		t.Errorf("State = %q, want completed (error: %s)", got.State, got.Error)
	}
}

func TestNowAndCaptureReplayRecordedValues(t *testing.T) {
	store := memory.New()
	registry := workflow.NewRegistry()
	invoker := activity.NewExecutor(testLogger(), nil)
	runner := workflow.NewRunner(registry, store, invoker, testLogger())
	ctx := context.Background()

	recorded := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	var gotTime time.Time
	var gotQuality string
	var captureCalled atomic.Bool

	workflow.Register(registry, workflow.NewWorkflow("deterministic", func(run *workflow.Run, _ struct{}) error {
		t0, err := run.Now("started")
		if err != nil {
			return err
		}
		gotTime = t0
		q, err := workflow.Capture(run, "quality", func() (string, error) {
			captureCalled.Store(true)
			return "sd", nil
		})
		if err != nil {
			return err
		}
		gotQuality = q
		return nil
	}))

	exec, err := workflow.Submit(ctx, runner, "deterministic", struct{}{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	tsData, _ := recorded.MarshalJSON()
	seedEntry(t, store, exec.ID, 1, workflow.KindNow, "now:started", workflow.PhaseOutcome, "", tsData, "")
	seedEntry(t, store, exec.ID, 2, workflow.KindCapture, "capture:quality", workflow.PhaseOutcome, "", []byte(`"hd"`), "")

	if err := runner.Execute(ctx, exec); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if !gotTime.Equal(recorded) {
		t.Errorf("Now replayed %v, want recorded %v", gotTime, recorded)
	}
	if gotQuality != "hd" {
		t.Errorf("Capture replayed %q, want recorded %q", gotQuality, "hd")
	}
	if captureCalled.Load() {
		t.Error("Capture re-ran its function on replay")
	}
}

// ──────────────────────────────────────────────────
// Concurrency pools
// ──────────────────────────────────────────────────

func TestPoolGatesConcurrentExecutions(t *testing.T) {
	store := memory.New()
	registry := workflow.NewRegistry()
	invoker := activity.NewExecutor(testLogger(), nil)
	runner := workflow.NewRunner(registry, store, invoker, testLogger())
	ctx := context.Background()

	var active, violations atomic.Int64
	transcode := func(_ context.Context, _ struct{}) (string, error) {
		if active.Add(1) > 1 {
			violations.Add(1)
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return "ok", nil
	}

	workflow.Register(registry, workflow.NewWorkflow("gated", func(run *workflow.Run, _ struct{}) error {
		_, err := workflow.Do(run, "transcode", transcode, struct{}{}, workflow.WithPool("transcode", 1))
		return err
	}))

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		exec, err := workflow.Submit(ctx, runner, "gated", struct{}{})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := runner.Execute(ctx, exec); err != nil {
				t.Errorf("Execute: %v", err)
			}
		}()
	}
	wg.Wait()

	if violations.Load() != 0 {
		t.Errorf("pool admitted %d concurrent executions beyond its capacity", violations.Load())
	}
}

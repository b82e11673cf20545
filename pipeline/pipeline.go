// Package pipeline is the reference integration of the orchestration
// core: a paid media-generation pipeline that charges the customer,
// submits a render job to an external service, polls it to completion,
// fetches the artifact, and transcodes it for delivery. Every external
// call is a durable step; a failure after the charge lands refunds it.
//
// The package exists both as a usable workflow and as the worked
// example of the library's patterns: idempotency keys threaded into
// collaborator calls, admission-gated submission, unbounded polling
// with heartbeats, and compensation registered right after the side
// effect it undoes.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/pipevine/pipevine/activity"
	"github.com/pipevine/pipevine/retry"
	"github.com/pipevine/pipevine/workflow"
)

// WorkflowName is the registered name of the media pipeline workflow.
const WorkflowName = "media-pipeline"

// ── Collaborators ──────────────────────────────────────

// ChargeRequest describes a charge to place.
type ChargeRequest struct {
	UserID      string `json:"user_id"`
	AmountCents int64  `json:"amount_cents"`
}

// ChargeReceipt is the biller's record of a committed charge.
type ChargeReceipt struct {
	ChargeID string `json:"charge_id"`
}

// Biller places and undoes charges. Both operations take an idempotency
// key: submitting the same key twice must commit the side effect at
// most once. Charge keys and refund keys are never the same value.
type Biller interface {
	Charge(ctx context.Context, key string, req ChargeRequest) (ChargeReceipt, error)
	Refund(ctx context.Context, key string, chargeID string) error
}

// JobSpec describes a render job to submit.
type JobSpec struct {
	Prompt string `json:"prompt"`
	Preset string `json:"preset"`
}

// JobHandle is the external service's opaque reference to a submitted
// job.
type JobHandle struct {
	ID string `json:"id"`
}

// JobStatus is one poll observation of a submitted job.
type JobStatus struct {
	Done     bool   `json:"done"`
	Progress int    `json:"progress"` // 0-100
	Failure  string `json:"failure,omitempty"`
}

// Artifact is the rendered output, referenced by location.
type Artifact struct {
	URL       string `json:"url"`
	SizeBytes int64  `json:"size_bytes"`
}

// JobService submits render jobs to an external, long-running service.
// Submit deduplicates on the idempotency key; Poll and Fetch are
// read-only and safe to repeat.
type JobService interface {
	Submit(ctx context.Context, key string, spec JobSpec) (JobHandle, error)
	Poll(ctx context.Context, handle JobHandle) (JobStatus, error)
	Fetch(ctx context.Context, handle JobHandle) (Artifact, error)
}

// Rendition is the transcoded, deliverable output.
type Rendition struct {
	URL    string `json:"url"`
	Format string `json:"format"`
}

// Transcoder converts a raw artifact into a delivery format.
type Transcoder interface {
	Transcode(ctx context.Context, artifact Artifact, preset string) (Rendition, error)
}

// ── Workflow ───────────────────────────────────────────

// Request is the pipeline's typed input.
type Request struct {
	UserID      string `json:"user_id"`
	Prompt      string `json:"prompt"`
	Preset      string `json:"preset"`
	AmountCents int64  `json:"amount_cents"`
}

// Result is the pipeline's typed output.
type Result struct {
	ChargeID  string `json:"charge_id"`
	JobID     string `json:"job_id"`
	OutputURL string `json:"output_url"`
	Format    string `json:"format"`
}

// Pipeline binds the collaborators into a workflow definition.
type Pipeline struct {
	biller     Biller
	jobs       JobService
	transcoder Transcoder

	pollInterval     time.Duration
	heartbeatTimeout time.Duration
	renderPool       string
	renderPoolCap    int64
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithPollInterval sets how often the poll step asks the job service
// for status.
func WithPollInterval(d time.Duration) Option {
	return func(p *Pipeline) { p.pollInterval = d }
}

// WithHeartbeatTimeout sets the liveness window for the poll step. An
// attempt that goes this long without a successful poll is abandoned
// and rescheduled; the external job keeps running.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.heartbeatTimeout = d }
}

// WithRenderPool names the concurrency pool gating job submission and
// sets its capacity. Submissions beyond the capacity wait for a slot.
func WithRenderPool(name string, capacity int64) Option {
	return func(p *Pipeline) {
		p.renderPool = name
		p.renderPoolCap = capacity
	}
}

// New creates a media pipeline over the given collaborators.
func New(biller Biller, jobs JobService, transcoder Transcoder, opts ...Option) *Pipeline {
	p := &Pipeline{
		biller:           biller,
		jobs:             jobs,
		transcoder:       transcoder,
		pollInterval:     2 * time.Second,
		heartbeatTimeout: 30 * time.Second,
		renderPool:       "render",
		renderPoolCap:    4,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Definition returns the registrable workflow definition.
func (p *Pipeline) Definition() *workflow.Definition[Request] {
	return workflow.NewWorkflow(WorkflowName, p.run)
}

// chargeInput carries the idempotency key into the charge activity, so
// the biller can deduplicate across retries and replays.
type chargeInput struct {
	Key         string `json:"key"`
	UserID      string `json:"user_id"`
	AmountCents int64  `json:"amount_cents"`
}

type submitInput struct {
	Key    string `json:"key"`
	Prompt string `json:"prompt"`
	Preset string `json:"preset"`
}

type transcodeInput struct {
	Artifact Artifact `json:"artifact"`
	Preset   string   `json:"preset"`
}

func (p *Pipeline) run(run *workflow.Run, req Request) error {
	// Charge first. The key is allocated before the call and recorded
	// with the intent, so a crash mid-charge re-sends the same key and
	// the biller commits at most once.
	run.Publish("charging")
	chargeKey := run.NextKey()
	receipt, err := workflow.Do(run, "charge",
		func(ctx context.Context, in chargeInput) (ChargeReceipt, error) {
			return p.biller.Charge(ctx, in.Key, ChargeRequest{
				UserID:      in.UserID,
				AmountCents: in.AmountCents,
			})
		},
		chargeInput{Key: chargeKey, UserID: req.UserID, AmountCents: req.AmountCents},
		workflow.WithPolicy(retry.Bounded(3)),
	)
	if err != nil {
		return err
	}

	// The charge is committed: from here on, any failure or
	// cancellation refunds it. The refund runs under its own key.
	run.Compensate("charge", func(ctx context.Context, key string) error {
		return p.biller.Refund(ctx, key, receipt.ChargeID)
	})

	// Submission is gated on the render pool so a burst of executions
	// cannot flood the external service.
	run.Publish("submitting render job")
	submitKey := run.NextKey()
	handle, err := workflow.Do(run, "submit",
		func(ctx context.Context, in submitInput) (JobHandle, error) {
			return p.jobs.Submit(ctx, in.Key, JobSpec{Prompt: in.Prompt, Preset: in.Preset})
		},
		submitInput{Key: submitKey, Prompt: req.Prompt, Preset: req.Preset},
		workflow.WithPool(p.renderPool, p.renderPoolCap),
	)
	if err != nil {
		return err
	}

	// Poll to completion. The attempt beats after every successful
	// poll; if the worker wedges, the heartbeat monitor abandons the
	// attempt and the same logical invocation is rescheduled without
	// consuming retry budget.
	run.Publish("rendering")
	_, err = workflow.Do(run, "poll",
		func(ctx context.Context, h JobHandle) (JobStatus, error) {
			return p.pollUntilDone(ctx, h)
		},
		handle,
		workflow.WithPolicy(retry.Policy{
			MaxAttempts:      0, // unbounded: external jobs take as long as they take
			HeartbeatTimeout: p.heartbeatTimeout,
		}),
	)
	if err != nil {
		return err
	}

	run.Publish("fetching artifact")
	artifact, err := workflow.Do(run, "fetch",
		func(ctx context.Context, h JobHandle) (Artifact, error) {
			return p.jobs.Fetch(ctx, h)
		},
		handle,
	)
	if err != nil {
		return err
	}

	run.Publish("transcoding")
	rendition, err := workflow.Do(run, "transcode",
		func(ctx context.Context, in transcodeInput) (Rendition, error) {
			return p.transcoder.Transcode(ctx, in.Artifact, in.Preset)
		},
		transcodeInput{Artifact: artifact, Preset: req.Preset},
	)
	if err != nil {
		return err
	}

	run.Publish("done")
	return run.SetOutput(Result{
		ChargeID:  receipt.ChargeID,
		JobID:     handle.ID,
		OutputURL: rendition.URL,
		Format:    rendition.Format,
	})
}

// pollUntilDone is one poll attempt: it loops on the job service until
// the job settles, beating the heartbeat after every observation.
func (p *Pipeline) pollUntilDone(ctx context.Context, h JobHandle) (JobStatus, error) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		st, err := p.jobs.Poll(ctx, h)
		if err != nil {
			return JobStatus{}, err
		}
		activity.Beat(ctx)

		if st.Failure != "" {
			// The external job itself failed; retrying the poll cannot
			// help.
			return JobStatus{}, activity.Permanent(fmt.Errorf("render job %s failed: %s", h.ID, st.Failure))
		}
		if st.Done {
			return st, nil
		}

		select {
		case <-ctx.Done():
			return JobStatus{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

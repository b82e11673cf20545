// Package alert defines operator alerting for failures that need a
// human: exhausted workflows whose compensation could not undo a
// committed side effect, and failed executions in general. Alerts are
// best-effort; delivery failure never affects workflow correctness.
package alert

import (
	"context"
	"log/slog"
	"time"

	"github.com/pipevine/pipevine/id"
)

// Alert carries enough context for an operator to act: the execution,
// a deep link to its history, and the failure cause.
type Alert struct {
	ExecutionID id.ExecutionID `json:"execution_id"`
	Workflow    string         `json:"workflow"`
	Message     string         `json:"message"`
	DeepLink    string         `json:"deep_link,omitempty"`
	Cause       string         `json:"cause,omitempty"`
	FiredAt     time.Time      `json:"fired_at"`
}

// Alerter delivers alerts to an operator channel. Implementations get a
// single attempt per alert; the caller logs failures and moves on.
type Alerter interface {
	Fire(ctx context.Context, a Alert) error
}

// LogAlerter writes alerts to the structured log. It is the default
// Alerter when no external channel is configured.
type LogAlerter struct {
	logger *slog.Logger
}

// NewLogAlerter creates a LogAlerter.
func NewLogAlerter(logger *slog.Logger) *LogAlerter {
	return &LogAlerter{logger: logger}
}

// Fire logs the alert at error level.
func (l *LogAlerter) Fire(_ context.Context, a Alert) error {
	l.logger.Error("operator alert",
		slog.String("execution_id", a.ExecutionID.String()),
		slog.String("workflow", a.Workflow),
		slog.String("message", a.Message),
		slog.String("deep_link", a.DeepLink),
		slog.String("cause", a.Cause),
	)
	return nil
}

package pipevine

import "time"

// Config holds configuration for the Orchestrator.
type Config struct {
	// Concurrency is the maximum number of executions processed
	// concurrently by this worker process.
	Concurrency int

	// PollInterval is how often idle workers poll for pending executions.
	PollInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration

	// HeartbeatInterval is how often running executions are stamped alive.
	HeartbeatInterval time.Duration

	// StaleThreshold is how long a running execution may go without a
	// heartbeat before it is considered orphaned and returned to pending
	// for another worker to resume.
	StaleThreshold time.Duration

	// Retention is how long terminal executions are kept before the
	// sweeper archives them. Zero disables archival.
	Retention time.Duration

	// SweepSchedule is the cron expression driving the retention sweeper.
	SweepSchedule string

	// InspectBaseURL is the base URL of the execution-history inspection
	// UI, used to build deep links in operator alerts.
	InspectBaseURL string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:       10,
		PollInterval:      1 * time.Second,
		ShutdownTimeout:   30 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		StaleThreshold:    30 * time.Second,
		Retention:         30 * 24 * time.Hour,
		SweepSchedule:     "@hourly",
		InspectBaseURL:    "http://localhost:8080",
	}
}

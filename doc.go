// Package pipevine provides a durable workflow orchestration core for
// pipelines of external, side-effecting activities — AI model jobs,
// payment capture, refunds, media transcoding — with at-most-once
// side-effect semantics over non-transactional third-party APIs.
//
// Pipevine is designed as a library, not a service. Import it, configure
// a store, register workflows as ordinary Go functions, and submit
// executions. Every suspension point (activity call, deterministic
// primitive, admission-gate acquisition) is recorded to an append-only
// execution history, so a crashed process replays the workflow logic and
// feeds back recorded outcomes instead of re-invoking completed side
// effects.
//
// # Quick Start
//
//	o, err := pipevine.New(
//	    pipevine.WithStore(memory.New()),
//	    pipevine.WithConcurrency(20),
//	)
//
// # Architecture
//
// Each subsystem (workflow, cluster, archive) defines its own store
// interface; a single backend implements all of them. All entity IDs use
// TypeID — type-prefixed, K-sortable, UUIDv7-based identifiers.
// Idempotency keys are the one exception: they are derived purely from
// the execution ID and a per-run counter so that replay reproduces them
// byte-for-byte.
package pipevine

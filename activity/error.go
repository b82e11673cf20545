package activity

import (
	"errors"
	"fmt"

	"github.com/pipevine/pipevine"
)

// Error is the workflow-visible failure of an activity whose retry budget
// is exhausted (or that failed permanently). It wraps
// pipevine.ErrRetriesExhausted so callers can classify with errors.Is.
type Error struct {
	Kind     string
	Key      string
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("activity %q failed after %d attempt(s): %v", e.Kind, e.Attempts, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports true for pipevine.ErrRetriesExhausted so that
// errors.Is(err, pipevine.ErrRetriesExhausted) classifies exhausted
// activities without unwrapping the cause chain.
func (e *Error) Is(target error) bool {
	return target == pipevine.ErrRetriesExhausted
}

// permanentError marks a failure that must not be retried.
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so the executor stops retrying immediately.
// Use for failures where retrying cannot help: rejected payments,
// malformed payloads, 4xx-class API responses.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err (or anything it wraps) was marked
// Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// ErrStuck is the cancel cause used when an attempt misses its heartbeat
// window. Stuck attempts are absorbed: they do not consume retry budget
// and are never surfaced to workflow logic.
var ErrStuck = errors.New("activity attempt missed heartbeat window")

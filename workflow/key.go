package workflow

import (
	"fmt"

	"github.com/pipevine/pipevine/id"
)

// IdempotencyKey derives the key for the n-th keyed call site of an
// execution. It is a pure function of the execution id and the counter
// (never wall-clock time or random state) so replay reproduces the
// exact key and the receiving service deduplicates the side effect.
func IdempotencyKey(execID id.ExecutionID, n int) string {
	return fmt.Sprintf("%s:%04d", execID, n)
}

package redis

// Redis key naming conventions for pipevine data.
// All keys are prefixed with "pipevine:" to avoid collisions.

const keyPrefix = "pipevine:"

// ── Execution keys ──

// execKey returns the key for an execution entity: pipevine:exec:{id}
func execKey(id string) string { return keyPrefix + "exec:" + id }

// execIDsKey is the Set tracking all live execution IDs for enumeration.
const execIDsKey = keyPrefix + "exec_ids"

// pendingQueueKey is the Sorted Set of pending execution IDs, scored by
// creation time so claims are FIFO.
const pendingQueueKey = keyPrefix + "pending"

// ── History keys ──

// historyKey returns the Hash key holding an execution's history,
// field = sequence number, value = JSON entry: pipevine:hist:{execID}
func historyKey(execID string) string { return keyPrefix + "hist:" + execID }

// ── Archive keys ──

// archivedExecKey returns the key an execution Hash is renamed to when
// archived: pipevine:archive:exec:{id}
func archivedExecKey(id string) string { return keyPrefix + "archive:exec:" + id }

// archivedHistoryKey returns the key an execution's history Hash is
// renamed to when archived: pipevine:archive:hist:{execID}
func archivedHistoryKey(execID string) string { return keyPrefix + "archive:hist:" + execID }

// archivedIDsKey is the Set tracking archived execution IDs.
const archivedIDsKey = keyPrefix + "archive_ids"

// ── Cluster keys ──

// workerKey returns the key for a worker entity: pipevine:worker:{id}
func workerKey(id string) string { return keyPrefix + "worker:" + id }

// workerIDsKey is the Set tracking all worker IDs for enumeration.
const workerIDsKey = keyPrefix + "worker_ids"

// leaderKey stores the current leader worker ID with the lease TTL.
const leaderKey = keyPrefix + "leader"

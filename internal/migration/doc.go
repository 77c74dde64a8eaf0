// Package migration moves slot ranges between nodes while the cluster keeps
// serving.
//
// # State Machine
//
//	Validated ──▶ Locked ──▶ Executing ──▶ Committing ──▶ Succeeded
//	    │                        │              │
//	    │ (fully owned:          │ executor     │ commit retries
//	    │  no-op)                │ failed       │ exhausted
//	    ▼                        ▼              ▼
//	Succeeded               RolledBack        Failed
//
// Validation failures happen before a job exists and are returned to the
// caller directly. Once a job holds its range lock, every path out of it
// releases the lock.
//
// # Locking
//
// The orchestrator keeps a set of locked ranges. Acquire checks for overlap
// and inserts in one critical section, so two jobs can never hold
// overlapping ranges. There is no queue: a request that overlaps a running
// job fails with cluster.ErrRangeLocked and the caller retries later.
// The executor runs with no mutex held.
//
// Ownership is checked before Acquire and again after it, since a job on the
// same range can commit in between. A range the target already owns turns
// into the no-op success at either point.
//
// A node that is the target of an unfinished job cannot be removed:
// InFlightTarget is wired into the node registry's removal check. Each commit
// attempt also confirms the target is still registered.
//
// # Failure Handling
//
//   - Executor failure: the migrating flag is cleared, the lock released and
//     the slot map left exactly as it was. The executor's message is kept on
//     the job verbatim.
//   - Commit failure: Commit is retried with exponential backoff. If every
//     attempt fails, the data is already on the target but the map still
//     names the source. The job ends Failed with cluster.ErrCommit, a
//     CRITICAL line is logged and an operator repairs the range with
//     Reconcile. Nothing is rolled back automatically.
//
// # Jobs
//
// Every locked request becomes a job with an id. Callers that stop waiting
// do not cancel the job; it runs to completion and stays queryable through
// Job and Jobs until it ages out of the history.
package migration

package migration

import (
	"time"

	"github.com/dreamware/slotctl/internal/cluster"
)

// State is the lifecycle state of a migration job.
type State string

const (
	// StateValidated means the request passed validation
	StateValidated State = "validated"
	// StateLocked means the job holds its range lock
	StateLocked State = "locked"
	// StateExecuting means the executor is copying data
	StateExecuting State = "executing"
	// StateCommitting means the slot map is being updated
	StateCommitting State = "committing"
	// StateSucceeded means the range now belongs to the target
	StateSucceeded State = "succeeded"
	// StateFailed means the job stopped with an error
	StateFailed State = "failed"
	// StateRolledBack means the job failed and released its lock with the
	// slot map untouched
	StateRolledBack State = "rolled_back"
)

// Done reports whether the state is terminal.
func (s State) Done() bool {
	return s == StateSucceeded || s == StateFailed || s == StateRolledBack
}

// Kind distinguishes a normal migration from an operator repair.
type Kind string

const (
	KindMigrate   Kind = "migrate"
	KindReconcile Kind = "reconcile"
)

// Request asks for every slot of Range to move to the node whose master
// listens on TargetAddr.
type Request struct {
	Range      cluster.SlotRange
	TargetAddr string
}

// job is the orchestrator's private record. All fields after done are
// guarded by Orchestrator.mu.
type job struct {
	id         string
	kind       Kind
	r          cluster.SlotRange
	target     int
	targetAddr string
	created    time.Time
	done       chan struct{}

	state   State
	err     error
	message string
	updated time.Time
}

// JobStatus is a point-in-time copy of a job.
type JobStatus struct {
	ID         string            `json:"id"`
	Kind       Kind              `json:"kind"`
	Range      cluster.SlotRange `json:"range"`
	Target     int               `json:"target"`
	TargetAddr string            `json:"target_addr"`
	State      State             `json:"state"`
	Error      string            `json:"error,omitempty"`
	Code       int               `json:"error_code"`
	Message    string            `json:"message,omitempty"`
	Created    time.Time         `json:"created"`
	Updated    time.Time         `json:"updated"`
}

// status must be called with Orchestrator.mu held.
func (j *job) status() JobStatus {
	s := JobStatus{
		ID:         j.id,
		Kind:       j.kind,
		Range:      j.r,
		Target:     j.target,
		TargetAddr: j.targetAddr,
		State:      j.state,
		Code:       cluster.Code(j.err),
		Message:    j.message,
		Created:    j.created,
		Updated:    j.updated,
	}
	if j.err != nil {
		s.Error = j.err.Error()
	}
	return s
}

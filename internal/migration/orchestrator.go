package migration

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dreamware/slotctl/internal/cluster"
	"github.com/dreamware/slotctl/internal/executor"
	"github.com/dreamware/slotctl/internal/metrics"
	"github.com/dreamware/slotctl/internal/slotmap"
)

// SlotMap is the part of the slot map manager the orchestrator drives.
type SlotMap interface {
	Ready() bool
	CountOwned(r cluster.SlotRange, nodeID int) (int, error)
	Commit(ctx context.Context, lease slotmap.Lease, target int) error
	MarkMigrating(ctx context.Context, r cluster.SlotRange, on bool) error
}

// NodeLookup resolves a target address to a registered node. Confirm must be
// ordered against node removal; see registry.NodeRegistry.Confirm.
type NodeLookup interface {
	FindByAddr(ctx context.Context, addr string) (cluster.Node, error)
	Confirm(ctx context.Context, id int) (cluster.Node, error)
}

// Options tunes the orchestrator.
type Options struct {
	// CoordEndpoint is passed to the executor with -z.
	CoordEndpoint string
	// CommitAttempts is the number of Commit calls before giving up.
	CommitAttempts int
	// CommitBackoff is the delay before the first retry; it doubles after.
	CommitBackoff time.Duration
	// History is the number of finished jobs kept for queries.
	History int
}

func (o *Options) setDefaults() {
	if o.CommitAttempts < 1 {
		o.CommitAttempts = 3
	}
	if o.CommitBackoff <= 0 {
		o.CommitBackoff = 200 * time.Millisecond
	}
	if o.History <= 0 {
		o.History = 256
	}
}

// Orchestrator runs migration jobs. See doc.go for the state machine.
type Orchestrator struct {
	slots SlotMap
	nodes NodeLookup
	exec  executor.Executor
	opts  Options
	locks *lockSet

	// mu guards jobs, order, seq and the mutable fields of every job.
	mu    sync.Mutex
	jobs  map[string]*job
	order []string // Creation order
	seq   uint64

	wg sync.WaitGroup
}

// New creates an orchestrator.
func New(slots SlotMap, nodes NodeLookup, exec executor.Executor, opts Options) *Orchestrator {
	opts.setDefaults()
	return &Orchestrator{
		slots: slots,
		nodes: nodes,
		exec:  exec,
		opts:  opts,
		locks: newLockSet(),
		jobs:  make(map[string]*job),
	}
}

// Migrate validates and locks synchronously, then runs the job and waits for
// it. If ctx ends first the current status is returned with ctx's error and
// the job keeps running; query it with Job.
func (o *Orchestrator) Migrate(ctx context.Context, req Request) (JobStatus, error) {
	j, err := o.start(ctx, req)
	if err != nil {
		return JobStatus{}, err
	}

	select {
	case <-j.done:
	case <-ctx.Done():
		return o.snapshot(j), ctx.Err()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	return j.status(), j.err
}

// Start validates and locks synchronously and returns once the job is
// running in the background. A request for a range the target already owns
// returns a succeeded job without running anything.
func (o *Orchestrator) Start(ctx context.Context, req Request) (JobStatus, error) {
	j, err := o.start(ctx, req)
	if err != nil {
		return JobStatus{}, err
	}
	return o.snapshot(j), nil
}

func (o *Orchestrator) start(ctx context.Context, req Request) (*job, error) {
	target, err := o.validate(ctx, req)
	if err != nil {
		return nil, err
	}

	if noop, err := o.checkOwned(req.Range, target.ID); err != nil || noop {
		return o.noop(req, target.ID, err)
	}

	lock, err := o.locks.Acquire(req.Range)
	if err != nil {
		return nil, err
	}

	// A job on the same range may have committed between the check above
	// and Acquire.
	if noop, err := o.checkOwned(req.Range, target.ID); err != nil || noop {
		lock.Release()
		return o.noop(req, target.ID, err)
	}

	j := o.record(KindMigrate, req, target.ID)
	o.setState(j, StateLocked)
	log.Printf("migration: job %s locked %s -> node %d (%s)", j.id, req.Range, target.ID, target.MasterAddr)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(j, lock, target)
	}()

	return j, nil
}

// checkOwned reports whether target already owns all of r. Owning only part
// of it is a validation error.
func (o *Orchestrator) checkOwned(r cluster.SlotRange, target int) (bool, error) {
	owned, err := o.slots.CountOwned(r, target)
	if err != nil {
		return false, err
	}
	switch {
	case owned == r.Len():
		return true, nil
	case owned > 0:
		return false, fmt.Errorf("%w: target node %d already owns %d of %d slots in %s",
			cluster.ErrValidation, target, owned, r.Len(), r)
	}
	return false, nil
}

// noop records a job that succeeded without running, or passes err through.
func (o *Orchestrator) noop(req Request, target int, err error) (*job, error) {
	if err != nil {
		return nil, err
	}
	j := o.record(KindMigrate, req, target)
	o.finish(j, StateSucceeded, nil, "range already owned by target")
	close(j.done)
	metrics.RecordMigration("noop", 0)
	return j, nil
}

// validate checks the request and resolves the target.
func (o *Orchestrator) validate(ctx context.Context, req Request) (cluster.Node, error) {
	if err := req.Range.Validate(); err != nil {
		return cluster.Node{}, err
	}
	if !o.slots.Ready() {
		return cluster.Node{}, cluster.ErrNotReady
	}
	if req.TargetAddr == "" {
		return cluster.Node{}, fmt.Errorf("%w: target address required", cluster.ErrValidation)
	}
	target, err := o.nodes.FindByAddr(ctx, req.TargetAddr)
	if errors.Is(err, cluster.ErrNotFound) {
		return cluster.Node{}, fmt.Errorf("%w: %v", cluster.ErrValidation, err)
	}
	if err != nil {
		return cluster.Node{}, err
	}
	return target, nil
}

func (o *Orchestrator) run(j *job, lock *rangeLock, target cluster.Node) {
	defer close(j.done)
	defer lock.Release()

	// Jobs outlive the request that started them.
	ctx := context.Background()
	start := time.Now()

	o.setState(j, StateExecuting)
	if err := o.slots.MarkMigrating(ctx, j.r, true); err != nil {
		log.Printf("migration: job %s: could not flag %s as migrating: %v", j.id, j.r, err)
	}

	host, port, err := cluster.SplitAddr(target.MasterAddr)
	if err == nil {
		var res *executor.Result
		res, err = o.exec.Run(ctx, MigrateArgs(j.r, host, port, o.opts.CoordEndpoint))
		if err == nil && !res.OK() {
			err = fmt.Errorf("%w: %s", cluster.ErrExecutor, res.Message)
		}
	}
	if err != nil {
		if !errors.Is(err, cluster.ErrExecutor) {
			err = fmt.Errorf("%w: %v", cluster.ErrExecutor, err)
		}
		if uerr := o.slots.MarkMigrating(ctx, j.r, false); uerr != nil {
			log.Printf("migration: job %s: could not clear migrating flag on %s: %v", j.id, j.r, uerr)
		}
		o.finish(j, StateRolledBack, err, executor.Message(err))
		log.Printf("migration: job %s rolled back: %v", j.id, err)
		metrics.RecordMigration("rolled_back", time.Since(start))
		return
	}

	o.setState(j, StateCommitting)
	if err := o.commit(ctx, lock, target.ID); err != nil {
		o.finish(j, StateFailed, err, err.Error())
		log.Printf("migration: CRITICAL: job %s moved data for %s to node %d but the slot map was not updated: %v",
			j.id, j.r, target.ID, err)
		metrics.CommitFailures.Inc()
		metrics.RecordMigration("failed", time.Since(start))
		return
	}

	o.finish(j, StateSucceeded, nil, "")
	log.Printf("migration: job %s succeeded: %s -> node %d in %v", j.id, j.r, target.ID, time.Since(start).Round(time.Millisecond))
	metrics.RecordMigration("succeeded", time.Since(start))
}

// commit calls Commit with bounded exponential backoff. Each attempt first
// confirms the target is still registered. Validation errors and a missing
// target are not retried.
func (o *Orchestrator) commit(ctx context.Context, lock *rangeLock, target int) error {
	var err error
	delay := o.opts.CommitBackoff
	for attempt := 0; attempt < o.opts.CommitAttempts; attempt++ {
		if attempt > 0 {
			metrics.CommitRetries.Inc()
			log.Printf("migration: retrying commit of %s in %v: %v", lock.r, delay, err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return fmt.Errorf("%w: %s -> node %d: %v (last error: %v)", cluster.ErrCommit, lock.r, target, ctx.Err(), err)
			}
			delay *= 2
		}
		_, err = o.nodes.Confirm(ctx, target)
		if errors.Is(err, cluster.ErrNotFound) {
			err = fmt.Errorf("target node %d is no longer registered: %v", target, err)
			break
		}
		if err == nil {
			err = o.slots.Commit(ctx, lock, target)
		}
		if err == nil {
			return nil
		}
		if errors.Is(err, cluster.ErrValidation) {
			break
		}
	}
	return fmt.Errorf("%w: %s -> node %d: %v", cluster.ErrCommit, lock.r, target, err)
}

// Reconcile assigns r to the target without running the executor. It is the
// operator's repair after a commit error, once the data is known to be on
// the target.
func (o *Orchestrator) Reconcile(ctx context.Context, req Request) (JobStatus, error) {
	target, err := o.validate(ctx, req)
	if err != nil {
		return JobStatus{}, err
	}
	lock, err := o.locks.Acquire(req.Range)
	if err != nil {
		return JobStatus{}, err
	}
	defer lock.Release()

	j := o.record(KindReconcile, req, target.ID)
	defer close(j.done)
	o.setState(j, StateLocked)
	o.setState(j, StateCommitting)

	if err := o.commit(ctx, lock, target.ID); err != nil {
		o.finish(j, StateFailed, err, err.Error())
		log.Printf("migration: CRITICAL: reconcile %s of %s failed: %v", j.id, j.r, err)
		metrics.CommitFailures.Inc()
		return o.snapshot(j), err
	}
	o.finish(j, StateSucceeded, nil, "reconciled")
	log.Printf("migration: reconciled %s -> node %d", j.r, target.ID)
	return o.snapshot(j), nil
}

// Job returns the status of a job.
func (o *Orchestrator) Job(id string) (JobStatus, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	j, ok := o.jobs[id]
	if !ok {
		return JobStatus{}, false
	}
	return j.status(), true
}

// Jobs returns all retained jobs, oldest first.
func (o *Orchestrator) Jobs() []JobStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]JobStatus, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.jobs[id].status())
	}
	return out
}

// InFlightTarget reports whether a job that has not finished is moving slots
// to nodeID. The node registry consults it before removing a node.
func (o *Orchestrator) InFlightTarget(nodeID int) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, j := range o.jobs {
		if j.target == nodeID && !j.state.Done() {
			return true
		}
	}
	return false
}

// Locked returns the ranges held by running jobs.
func (o *Orchestrator) Locked() []cluster.SlotRange {
	return o.locks.Held()
}

// Wait blocks until every running job has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) record(kind Kind, req Request, target int) *job {
	now := time.Now()

	o.mu.Lock()
	defer o.mu.Unlock()

	o.seq++
	j := &job{
		id:         "m" + strconv.FormatUint(o.seq, 10),
		kind:       kind,
		r:          req.Range,
		target:     target,
		targetAddr: req.TargetAddr,
		created:    now,
		done:       make(chan struct{}),
		state:      StateValidated,
		updated:    now,
	}
	o.jobs[j.id] = j
	o.order = append(o.order, j.id)
	o.trim()
	return j
}

// trim drops the oldest finished jobs beyond the history limit. Must be
// called with mu held.
func (o *Orchestrator) trim() {
	excess := len(o.order) - o.opts.History
	if excess <= 0 {
		return
	}
	kept := o.order[:0]
	for _, id := range o.order {
		if excess > 0 && o.jobs[id].state.Done() {
			delete(o.jobs, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	o.order = kept
}

func (o *Orchestrator) setState(j *job, s State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	j.state = s
	j.updated = time.Now()
}

func (o *Orchestrator) finish(j *job, s State, err error, message string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	j.state = s
	j.err = err
	j.message = message
	j.updated = time.Now()
}

func (o *Orchestrator) snapshot(j *job) JobStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return j.status()
}

// MigrateArgs builds the executor command line for moving r to host:port.
func MigrateArgs(r cluster.SlotRange, host string, port int, coordEndpoint string) []string {
	var b strings.Builder
	for s := r.Start; s <= r.End; s++ {
		if s > r.Start {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(s))
	}
	return []string{"-s", b.String(), "-h", host, "-p", strconv.Itoa(port), "-z", coordEndpoint}
}

package migration

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dreamware/slotctl/internal/cluster"
	"github.com/dreamware/slotctl/internal/metrics"
)

// lockSet is the set of slot ranges held by running jobs. No two held ranges
// overlap. Acquire never waits: the first caller wins and the rest get
// ErrRangeLocked.
type lockSet struct {
	mu   sync.Mutex
	held map[*rangeLock]struct{}
}

func newLockSet() *lockSet {
	return &lockSet{held: make(map[*rangeLock]struct{})}
}

// rangeLock is a held range. It satisfies slotmap.Lease.
type rangeLock struct {
	set  *lockSet
	r    cluster.SlotRange
	held atomic.Bool
}

func (l *rangeLock) Range() cluster.SlotRange { return l.r }
func (l *rangeLock) Held() bool               { return l.held.Load() }

// Acquire checks for overlap and inserts r in one step.
func (s *lockSet) Acquire(r cluster.SlotRange) (*rangeLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for other := range s.held {
		if other.r.Overlaps(r) {
			return nil, fmt.Errorf("%w: %s overlaps running job on %s", cluster.ErrRangeLocked, r, other.r)
		}
	}

	l := &rangeLock{set: s, r: r}
	l.held.Store(true)
	s.held[l] = struct{}{}
	metrics.LockedRanges.Set(float64(len(s.held)))
	return l, nil
}

// Release drops the lock. Releasing twice is a no-op.
func (l *rangeLock) Release() {
	s := l.set
	s.mu.Lock()
	defer s.mu.Unlock()

	if !l.held.CompareAndSwap(true, false) {
		return
	}
	delete(s.held, l)
	metrics.LockedRanges.Set(float64(len(s.held)))
}

// Held returns the currently locked ranges.
func (s *lockSet) Held() []cluster.SlotRange {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]cluster.SlotRange, 0, len(s.held))
	for l := range s.held {
		out = append(out, l.r)
	}
	return out
}

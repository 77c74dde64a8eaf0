package coordstore

import (
	"context"
	"sort"
	"sync"

	"github.com/dreamware/slotctl/internal/cluster"
)

// MemoryStore implements Store with an in-process map.
// Uses sync.RWMutex for thread-safe concurrent access. It backs tests and
// single-process demos; it can be switched to fail closed to exercise
// outage handling.
type MemoryStore struct {
	mu          sync.RWMutex      // Protects concurrent access
	data        map[string][]byte // Path -> value
	unavailable bool              // Fail every call when set
	failWrites  int               // Remaining writes to fail
	notify      notifier
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
	}
}

// SetUnavailable makes every subsequent call fail with
// cluster.ErrCoordinationUnavailable until cleared.
func (m *MemoryStore) SetUnavailable(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = down
}

// FailNextWrites makes the next n Set/Create calls fail as unavailable.
func (m *MemoryStore) FailNextWrites(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrites = n
}

func (m *MemoryStore) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return unavailable(err)
	}
	if m.unavailable {
		return cluster.ErrCoordinationUnavailable
	}
	return nil
}

func (m *MemoryStore) checkWrite(ctx context.Context) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	if m.failWrites > 0 {
		m.failWrites--
		return cluster.ErrCoordinationUnavailable
	}
	return nil
}

// Get returns a copy of the value to prevent external modification
func (m *MemoryStore) Get(ctx context.Context, p string) ([]byte, error) {
	if err := checkPath(p); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}

	value, exists := m.data[p]
	if !exists {
		return nil, ErrNotFound
	}

	result := make([]byte, len(value))
	copy(result, value)
	return result, nil
}

// Set stores a copy of data at p, creating parents as needed
func (m *MemoryStore) Set(ctx context.Context, p string, data []byte) error {
	if err := checkPath(p); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkWrite(ctx); err != nil {
		return err
	}
	m.put(p, data)
	return nil
}

// Batch applies writes under one lock; a failure injected by FailNextWrites
// counts as one write and rejects the whole batch
func (m *MemoryStore) Batch(ctx context.Context, writes []Write) error {
	if err := checkWrites(writes); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkWrite(ctx); err != nil {
		return err
	}
	for _, w := range writes {
		m.put(w.Path, w.Data)
	}
	return nil
}

// Create stores data at p only if p is absent
func (m *MemoryStore) Create(ctx context.Context, p string, data []byte) error {
	if err := checkPath(p); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkWrite(ctx); err != nil {
		return err
	}
	if _, exists := m.data[p]; exists {
		return ErrExists
	}
	m.put(p, data)
	return nil
}

func (m *MemoryStore) put(p string, data []byte) {
	for _, dir := range parents(p) {
		if _, ok := m.data[dir]; !ok {
			m.data[dir] = nil
		}
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	m.data[p] = stored
	m.notify.fire(p)
}

// Children lists the direct children of p in sorted order
func (m *MemoryStore) Children(ctx context.Context, p string) ([]string, error) {
	if err := checkPath(p); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	if _, exists := m.data[p]; !exists && p != "/" {
		return nil, ErrNotFound
	}

	names := make([]string, 0)
	for key := range m.data {
		if name := childName(p, key); name != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes a leaf path
func (m *MemoryStore) Delete(ctx context.Context, p string) error {
	if err := checkPath(p); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkWrite(ctx); err != nil {
		return err
	}
	if _, exists := m.data[p]; !exists {
		return ErrNotFound
	}
	for key := range m.data {
		if childName(p, key) != "" {
			return ErrNotEmpty
		}
	}
	delete(m.data, p)
	m.notify.fire(p)
	return nil
}

// Watch fires on the next write under p
func (m *MemoryStore) Watch(ctx context.Context, p string) (<-chan struct{}, error) {
	if err := checkPath(p); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	return m.notify.watch(ctx, p), nil
}

// Close is a no-op
func (m *MemoryStore) Close() error {
	return nil
}

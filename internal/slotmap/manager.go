package slotmap

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/dreamware/slotctl/internal/cluster"
	"github.com/dreamware/slotctl/internal/coordstore"
	"github.com/dreamware/slotctl/internal/metrics"
)

// Lease is proof that the caller holds an exclusive lock on a slot range.
// Commit refuses to touch slots outside a held lease.
type Lease interface {
	Range() cluster.SlotRange
	Held() bool
}

// OwnedRange is a maximal run of consecutive slots with the same owner.
type OwnedRange struct {
	Range  cluster.SlotRange `json:"range"`
	NodeID int               `json:"node_index"`
}

// Manager holds the authoritative slot → node map.
//
// The map lives in three places that are kept in step by Commit:
//
//	┌─────────────────────────────────────┐
//	│            Manager                  │
//	├─────────────────────────────────────┤
//	│  owners:    [16384]nodeID           │  in memory, served to readers
//	│  migrating: [16384]bool             │
//	│  version:   committed generation    │
//	├─────────────────────────────────────┤
//	│  snapshot file (JSON lines)         │  durable copy, read at startup
//	│  /slot_map/<slot> + /slot_map       │  published to the proxies
//	└─────────────────────────────────────┘
//
// Concurrency Model:
//   - Readers take RLock and copy out; they never see a partially applied range
//   - commitMu serializes every read-modify-write of the persisted map
//   - The in-memory swap is the last step of a commit and happens before
//     Commit returns, so a caller reads its own write
type Manager struct {
	store    coordstore.Store
	snapshot string // path of the snapshot file

	// mu protects owners, migrating, version and ready.
	mu        sync.RWMutex
	owners    []int
	migrating []bool
	version   int64
	ready     bool

	// commitMu serializes Commit, Initialize and MarkMigrating.
	commitMu sync.Mutex
}

// NewManager creates a manager with an empty, not-ready map. Call Load before
// serving.
func NewManager(store coordstore.Store, snapshotPath string) *Manager {
	return &Manager{
		store:     store,
		snapshot:  snapshotPath,
		owners:    emptyOwners(),
		migrating: make([]bool, cluster.SlotCount),
	}
}

func emptyOwners() []int {
	owners := make([]int, cluster.SlotCount)
	for i := range owners {
		owners[i] = cluster.Unassigned
	}
	return owners
}

// Load reads the snapshot file and the committed version.
//
// A missing, unparsable or short snapshot leaves the map empty and not ready;
// the process keeps running in degraded mode so an operator can initialize
// or repair it. An unreachable coordination store is returned as an error.
func (m *Manager) Load(ctx context.Context) error {
	owners, migrating, err := readSnapshot(m.snapshot)
	if err != nil {
		log.Printf("slotmap: snapshot %s unusable, serving degraded: %v", m.snapshot, err)
		owners, migrating = emptyOwners(), make([]bool, cluster.SlotCount)
	}

	version, verr := m.readVersion(ctx)

	m.mu.Lock()
	m.owners = owners
	m.migrating = migrating
	m.ready = err == nil && complete(owners)
	if verr == nil {
		m.version = version
	}
	ready, v := m.ready, m.version
	m.mu.Unlock()

	metrics.SlotMapVersion.Set(float64(v))
	m.recordCounts()
	log.Printf("slotmap: loaded version %d, ready=%v", v, ready)

	return verr
}

func (m *Manager) readVersion(ctx context.Context) (int64, error) {
	data, err := m.store.Get(ctx, coordstore.SlotMapPath)
	if errors.Is(err, coordstore.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read slot map version: %w", err)
	}
	if len(data) == 0 {
		return 0, nil
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		log.Printf("slotmap: ignoring malformed version %q", data)
		return 0, nil
	}
	return v, nil
}

func complete(owners []int) bool {
	if len(owners) != cluster.SlotCount {
		return false
	}
	for _, o := range owners {
		if o == cluster.Unassigned {
			return false
		}
	}
	return true
}

// Ready reports whether every slot has an owner.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ready
}

// Version returns the committed version. It increases by one per commit.
func (m *Manager) Version() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// Get returns the entries of r in slot order.
func (m *Manager) Get(r cluster.SlotRange) ([]cluster.SlotEntry, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.ready {
		return nil, cluster.ErrNotReady
	}
	return m.entries(r), nil
}

// All returns every entry, assigned or not.
func (m *Manager) All() []cluster.SlotEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries(cluster.SlotRange{Start: 0, End: cluster.SlotCount - 1})
}

// entries must be called with mu held.
func (m *Manager) entries(r cluster.SlotRange) []cluster.SlotEntry {
	out := make([]cluster.SlotEntry, 0, r.Len())
	for s := r.Start; s <= r.End; s++ {
		out = append(out, cluster.SlotEntry{Slot: s, NodeID: m.owners[s], Migrating: m.migrating[s]})
	}
	return out
}

// Owner returns the node that owns slot.
func (m *Manager) Owner(slot int) (int, error) {
	if slot < 0 || slot >= cluster.SlotCount {
		return cluster.Unassigned, fmt.Errorf("%w: slot %d", cluster.ErrInvalidRange, slot)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.ready {
		return cluster.Unassigned, cluster.ErrNotReady
	}
	return m.owners[slot], nil
}

// CountOwned returns how many slots of r are owned by nodeID.
func (m *Manager) CountOwned(r cluster.SlotRange, nodeID int) (int, error) {
	if err := r.Validate(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for s := r.Start; s <= r.End; s++ {
		if m.owners[s] == nodeID {
			n++
		}
	}
	return n, nil
}

// Counts returns the number of slots per owning node.
func (m *Manager) Counts() map[int]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[int]int)
	for _, o := range m.owners {
		if o != cluster.Unassigned {
			counts[o]++
		}
	}
	return counts
}

// OwnsAny reports whether nodeID owns at least one slot.
func (m *Manager) OwnsAny(nodeID int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.owners {
		if o == nodeID {
			return true
		}
	}
	return false
}

// Ranges folds the map into runs of consecutive slots with the same owner.
// Unassigned runs are left out.
func (m *Manager) Ranges() []OwnedRange {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []OwnedRange
	start := 0
	for s := 1; s <= cluster.SlotCount; s++ {
		if s < cluster.SlotCount && m.owners[s] == m.owners[start] {
			continue
		}
		if m.owners[start] != cluster.Unassigned {
			out = append(out, OwnedRange{
				Range:  cluster.SlotRange{Start: start, End: s - 1},
				NodeID: m.owners[start],
			})
		}
		start = s
	}
	return out
}

// Commit assigns every slot of the lease's range to target.
//
// Steps, all under commitMu:
//  1. build the next map from the current one
//  2. write the next snapshot to a temp file and fsync it
//  3. publish the range's records and the new version in one store batch
//  4. rename the temp file over the snapshot
//  5. swap the in-memory map
//
// If any step fails the in-memory map is unchanged and the caller may retry;
// repeating a commit is harmless since it always writes the same records.
func (m *Manager) Commit(ctx context.Context, lease Lease, target int) error {
	if lease == nil || !lease.Held() {
		return fmt.Errorf("%w: commit without a held range lock", cluster.ErrValidation)
	}
	r := lease.Range()
	if err := r.Validate(); err != nil {
		return err
	}
	if target < 0 {
		return fmt.Errorf("%w: bad target node %d", cluster.ErrValidation, target)
	}

	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	m.mu.RLock()
	owners := append([]int(nil), m.owners...)
	migrating := append([]bool(nil), m.migrating...)
	next := m.version + 1
	m.mu.RUnlock()

	for s := r.Start; s <= r.End; s++ {
		owners[s] = target
		migrating[s] = false
	}

	if err := m.persist(ctx, owners, migrating, r, next, 0); err != nil {
		return err
	}

	m.mu.Lock()
	m.owners = owners
	m.migrating = migrating
	m.version = next
	m.ready = complete(owners)
	m.mu.Unlock()

	metrics.SlotMapVersion.Set(float64(next))
	m.recordCounts()
	log.Printf("slotmap: committed %s -> node %d, version %d", r, target, next)
	return nil
}

// Initialize splits all slots evenly across nodeIDs in ascending id order.
// The last node takes the remainder. Only allowed while the map is not ready.
func (m *Manager) Initialize(ctx context.Context, nodeIDs []int) error {
	if len(nodeIDs) == 0 {
		return fmt.Errorf("%w: no nodes to assign slots to", cluster.ErrValidation)
	}
	ids := append([]int(nil), nodeIDs...)
	sort.Ints(ids)

	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	m.mu.RLock()
	ready, next := m.ready, m.version+1
	m.mu.RUnlock()
	if ready {
		return fmt.Errorf("%w: slot map already initialized", cluster.ErrValidation)
	}

	owners := make([]int, cluster.SlotCount)
	per := cluster.SlotCount / len(ids)
	if per == 0 {
		return fmt.Errorf("%w: more nodes than slots", cluster.ErrValidation)
	}
	for s := range owners {
		idx := s / per
		if idx >= len(ids) {
			idx = len(ids) - 1
		}
		owners[s] = ids[idx]
	}
	migrating := make([]bool, cluster.SlotCount)

	all := cluster.SlotRange{Start: 0, End: cluster.SlotCount - 1}
	if err := m.persist(ctx, owners, migrating, all, next, initChunk); err != nil {
		return err
	}

	m.mu.Lock()
	m.owners = owners
	m.migrating = migrating
	m.version = next
	m.ready = true
	m.mu.Unlock()

	metrics.SlotMapVersion.Set(float64(next))
	m.recordCounts()
	log.Printf("slotmap: initialized %d slots across nodes %v, version %d", cluster.SlotCount, ids, next)
	return nil
}

// MarkMigrating sets or clears the migrating flag of r in memory and in the
// store. Publishing is best effort: a failure is logged and returned, and the
// in-memory flag is still updated.
func (m *Manager) MarkMigrating(ctx context.Context, r cluster.SlotRange, on bool) error {
	if err := r.Validate(); err != nil {
		return err
	}

	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	m.mu.Lock()
	for s := r.Start; s <= r.End; s++ {
		m.migrating[s] = on
	}
	writes, err := entryWrites(m.owners, m.migrating, r)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	if err := m.store.Batch(ctx, writes); err != nil {
		log.Printf("slotmap: failed to publish migrating=%v for %s: %v", on, r, err)
		return err
	}
	return nil
}

// persist makes a commit durable and visible. The snapshot is written to a
// temp file first, the range and the version are published to the store in
// one batch, and only then is the temp file renamed over the snapshot. A
// failed publish leaves both copies as they were.
func (m *Manager) persist(ctx context.Context, owners []int, migrating []bool, r cluster.SlotRange, version int64, chunk int) error {
	tmp, err := prepareSnapshot(m.snapshot, owners, migrating)
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	defer os.Remove(tmp)

	writes, err := entryWrites(owners, migrating, r)
	if err != nil {
		return err
	}
	writes = append(writes, coordstore.Write{
		Path: coordstore.SlotMapPath,
		Data: []byte(strconv.FormatInt(version, 10)),
	})
	if err := m.publish(ctx, writes, chunk); err != nil {
		return fmt.Errorf("publish version %d: %w", version, err)
	}

	if err := os.Rename(tmp, m.snapshot); err != nil {
		log.Printf("slotmap: CRITICAL: version %d is published but the snapshot could not be replaced: %v", version, err)
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// publish sends writes as one batch, or in batches of chunk writes when chunk
// is positive. Initialize chunks because the whole map does not fit a single
// ZooKeeper request; the map is not ready until it finishes, and the version
// write goes last.
func (m *Manager) publish(ctx context.Context, writes []coordstore.Write, chunk int) error {
	if chunk <= 0 {
		return m.store.Batch(ctx, writes)
	}
	for len(writes) > 0 {
		n := min(len(writes), chunk)
		if err := m.store.Batch(ctx, writes[:n]); err != nil {
			return err
		}
		writes = writes[n:]
	}
	return nil
}

// initChunk bounds the batches Initialize sends.
const initChunk = 1024

func entryWrites(owners []int, migrating []bool, r cluster.SlotRange) ([]coordstore.Write, error) {
	writes := make([]coordstore.Write, 0, r.Len()+1)
	for s := r.Start; s <= r.End; s++ {
		e := cluster.SlotEntry{Slot: s, NodeID: owners[s], Migrating: migrating[s]}
		data, err := json.Marshal(e.Record())
		if err != nil {
			return nil, err
		}
		writes = append(writes, coordstore.Write{
			Path: coordstore.Join(coordstore.SlotMapPath, strconv.Itoa(s)),
			Data: data,
		})
	}
	return writes, nil
}

func (m *Manager) recordCounts() {
	metrics.SlotsOwned.Reset()
	for node, n := range m.Counts() {
		metrics.SlotsOwned.WithLabelValues(strconv.Itoa(node)).Set(float64(n))
	}
}

// readSnapshot parses the snapshot file. Line i must describe slot i.
func readSnapshot(path string) ([]int, []bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	owners := make([]int, 0, cluster.SlotCount)
	migrating := make([]bool, 0, cluster.SlotCount)

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec cluster.SlotRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, nil, fmt.Errorf("line %d: %w", len(owners)+1, err)
		}
		if rec.Num != len(owners) {
			return nil, nil, fmt.Errorf("line %d: slot %d out of order", len(owners)+1, rec.Num)
		}
		if len(owners) == cluster.SlotCount {
			return nil, nil, fmt.Errorf("more than %d slots", cluster.SlotCount)
		}
		owners = append(owners, rec.NodeIndex)
		migrating = append(migrating, rec.Migrating == "true")
	}
	if err := sc.Err(); err != nil {
		return nil, nil, err
	}
	if len(owners) != cluster.SlotCount {
		return nil, nil, fmt.Errorf("found %d slots, want %d", len(owners), cluster.SlotCount)
	}
	return owners, migrating, nil
}

// prepareSnapshot writes and syncs the next snapshot next to path and
// returns the temp file's name. Renaming it over path installs it.
func prepareSnapshot(path string, owners []int, migrating []bool) (string, error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return "", err
	}
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmp.Name())
		}
	}()

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for s, o := range owners {
		e := cluster.SlotEntry{Slot: s, NodeID: o, Migrating: migrating[s]}
		if err := enc.Encode(e.Record()); err != nil {
			tmp.Close()
			return "", err
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	ok = true
	return tmp.Name(), nil
}

package coordstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/dreamware/slotctl/internal/cluster"
)

// Well-known paths.
const (
	NodesPath   = "/nodes"
	SlotMapPath = "/slot_map"
	ProxiesPath = "/twemproxy"
)

var (
	// ErrNotFound is returned when a path does not exist.
	ErrNotFound = fmt.Errorf("coordination path %w", cluster.ErrNotFound)

	// ErrExists is returned by Create when the path is already present.
	ErrExists = errors.New("coordination path already exists")

	// ErrNotEmpty is returned by Delete when the path still has children.
	ErrNotEmpty = errors.New("coordination path has children")
)

// Write is one entry of a Batch.
type Write struct {
	Path string
	Data []byte
}

func checkWrites(writes []Write) error {
	for _, w := range writes {
		if err := checkPath(w.Path); err != nil {
			return err
		}
	}
	return nil
}

// Store defines the interface to a strongly consistent hierarchical key/value
// service. Paths are absolute and slash separated ("/nodes/3").
// All implementations must be safe for concurrent use, must not cache, and
// must fail closed: an unreachable backend yields an error wrapping
// cluster.ErrCoordinationUnavailable, never an empty result.
type Store interface {
	// Get returns the data stored at p.
	// Returns ErrNotFound if p doesn't exist.
	Get(ctx context.Context, p string) ([]byte, error)

	// Set creates or overwrites p. Missing parents are created empty.
	Set(ctx context.Context, p string, data []byte) error

	// Create creates p and fails with ErrExists if it is already there.
	Create(ctx context.Context, p string, data []byte) error

	// Children returns the sorted names of the direct children of p.
	// Returns ErrNotFound if p doesn't exist.
	Children(ctx context.Context, p string) ([]string, error)

	// Delete removes a leaf path.
	Delete(ctx context.Context, p string) error

	// Batch applies every write or none of them. Each write behaves like
	// Set. Readers never see part of a batch.
	Batch(ctx context.Context, writes []Write) error

	// Watch returns a channel that is closed once, when the data of p or
	// its set of children changes, or when ctx ends. A watch may fire for
	// changes that turn out not to matter; callers re-read and watch again.
	Watch(ctx context.Context, p string) (<-chan struct{}, error)

	// Close releases the connection.
	Close() error
}

// Join builds a store path from its elements.
func Join(elem ...string) string {
	return path.Join(append([]string{"/"}, elem...)...)
}

// parents returns every ancestor of p, outermost first, excluding "/".
func parents(p string) []string {
	var out []string
	for dir := path.Dir(p); dir != "/" && dir != "."; dir = path.Dir(dir) {
		out = append([]string{dir}, out...)
	}
	return out
}

// childName returns the direct child name of parent contained in key, or ""
// when key is not a direct child.
func childName(parent, key string) string {
	prefix := strings.TrimSuffix(parent, "/") + "/"
	if !strings.HasPrefix(key, prefix) {
		return ""
	}
	rest := key[len(prefix):]
	if rest == "" || strings.Contains(rest, "/") {
		return ""
	}
	return rest
}

func checkPath(p string) error {
	if p == "" || p[0] != '/' || (len(p) > 1 && strings.HasSuffix(p, "/")) {
		return fmt.Errorf("%w: bad coordination path %q", cluster.ErrValidation, p)
	}
	return nil
}

func unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, cluster.ErrCoordinationUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", cluster.ErrCoordinationUnavailable, err)
}

// notifier hands out one-shot watches for stores whose writes all pass
// through this process.
type notifier struct {
	mu       sync.Mutex
	watchers map[string][]chan struct{}
}

func (n *notifier) watch(ctx context.Context, p string) <-chan struct{} {
	ch := make(chan struct{})

	n.mu.Lock()
	if n.watchers == nil {
		n.watchers = make(map[string][]chan struct{})
	}
	n.watchers[p] = append(n.watchers[p], ch)
	n.mu.Unlock()

	go func() {
		select {
		case <-ch:
		case <-ctx.Done():
			n.drop(p, ch)
		}
	}()
	return ch
}

// drop closes ch unless a write already fired it.
func (n *notifier) drop(p string, ch chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	list := n.watchers[p]
	for i, c := range list {
		if c == ch {
			n.watchers[p] = append(list[:i:i], list[i+1:]...)
			close(ch)
			return
		}
	}
}

// fire wakes the watchers of p and of every ancestor of p.
func (n *notifier) fire(p string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, dir := range append(append([]string{"/"}, parents(p)...), p) {
		for _, ch := range n.watchers[dir] {
			close(ch)
		}
		delete(n.watchers, dir)
	}
}

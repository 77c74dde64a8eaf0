package coordstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/slotctl/internal/cluster"
)

// runStoreSuite exercises the Store contract against one implementation
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("get missing path", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "/nodes/1")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, err, cluster.ErrNotFound)
	})

	t.Run("set then get", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Set(ctx, "/nodes/1", []byte(`{"ip":"a"}`)))

		got, err := s.Get(ctx, "/nodes/1")
		require.NoError(t, err)
		assert.Equal(t, `{"ip":"a"}`, string(got))

		// Overwrite
		require.NoError(t, s.Set(ctx, "/nodes/1", []byte(`{"ip":"b"}`)))
		got, err = s.Get(ctx, "/nodes/1")
		require.NoError(t, err)
		assert.Equal(t, `{"ip":"b"}`, string(got))
	})

	t.Run("set creates parents", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Set(ctx, "/slot_map/7", []byte("x")))

		names, err := s.Children(ctx, "/slot_map")
		require.NoError(t, err)
		assert.Equal(t, []string{"7"}, names)
	})

	t.Run("create fails when present", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, "/nodes/0", []byte("a")))
		err := s.Create(ctx, "/nodes/0", []byte("b"))
		assert.ErrorIs(t, err, ErrExists)

		got, err := s.Get(ctx, "/nodes/0")
		require.NoError(t, err)
		assert.Equal(t, "a", string(got))
	})

	t.Run("children are direct and sorted", func(t *testing.T) {
		s := newStore(t)
		for _, p := range []string{"/nodes/2", "/nodes/10", "/nodes/1", "/nodesx/1", "/nodes/1/deep"} {
			require.NoError(t, s.Set(ctx, p, nil))
		}
		names, err := s.Children(ctx, "/nodes")
		require.NoError(t, err)
		assert.Equal(t, []string{"1", "10", "2"}, names)
	})

	t.Run("children of missing path", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Children(ctx, "/twemproxy")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("delete leaf only", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Set(ctx, "/twemproxy/1.2.3.4:100", []byte("{}")))

		assert.ErrorIs(t, s.Delete(ctx, "/twemproxy"), ErrNotEmpty)
		require.NoError(t, s.Delete(ctx, "/twemproxy/1.2.3.4:100"))
		assert.ErrorIs(t, s.Delete(ctx, "/twemproxy/1.2.3.4:100"), ErrNotFound)

		names, err := s.Children(ctx, "/twemproxy")
		require.NoError(t, err)
		assert.Empty(t, names)
	})

	t.Run("bad paths rejected", func(t *testing.T) {
		s := newStore(t)
		assert.ErrorIs(t, s.Set(ctx, "nodes", nil), cluster.ErrValidation)
		assert.ErrorIs(t, s.Set(ctx, "/nodes/", nil), cluster.ErrValidation)
	})

	t.Run("concurrent creates allocate once", func(t *testing.T) {
		s := newStore(t)
		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if err := s.Create(ctx, "/nodes/5", []byte(fmt.Sprint(i))); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("batch writes every path", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Set(ctx, "/slot_map/1", []byte("old")))
		require.NoError(t, s.Batch(ctx, []Write{
			{Path: "/slot_map/1", Data: []byte("a")},
			{Path: "/slot_map/2", Data: []byte("b")},
			{Path: "/slot_map", Data: []byte("7")},
		}))

		for p, want := range map[string]string{"/slot_map/1": "a", "/slot_map/2": "b", "/slot_map": "7"} {
			got, err := s.Get(ctx, p)
			require.NoError(t, err)
			assert.Equal(t, want, string(got), p)
		}
	})

	t.Run("batch rejects bad paths before writing", func(t *testing.T) {
		s := newStore(t)
		err := s.Batch(ctx, []Write{{Path: "/slot_map/1"}, {Path: "slot_map/2"}})
		assert.ErrorIs(t, err, cluster.ErrValidation)
		_, err = s.Get(ctx, "/slot_map/1")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("watch fires on child write", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Set(ctx, "/nodes", nil))
		ch, err := s.Watch(ctx, "/nodes")
		require.NoError(t, err)

		assertOpen(t, ch)
		require.NoError(t, s.Set(ctx, "/nodes/3", []byte("{}")))
		assertFired(t, ch)
	})

	t.Run("watch fires on delete", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Set(ctx, "/nodes/3", []byte("{}")))
		ch, err := s.Watch(ctx, "/nodes/3")
		require.NoError(t, err)
		require.NoError(t, s.Delete(ctx, "/nodes/3"))
		assertFired(t, ch)
	})

	t.Run("watch ignores siblings", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Set(ctx, "/nodes/1", nil))
		ch, err := s.Watch(ctx, "/nodes/1")
		require.NoError(t, err)
		require.NoError(t, s.Set(ctx, "/twemproxy/1.2.3.4:100", nil))
		assertOpen(t, ch)
	})

	t.Run("watch ends with its context", func(t *testing.T) {
		s := newStore(t)
		wctx, cancel := context.WithCancel(ctx)
		ch, err := s.Watch(wctx, "/nodes")
		require.NoError(t, err)
		cancel()
		assertFired(t, ch)

		// A later write must not close the channel twice
		require.NoError(t, s.Set(ctx, "/nodes/1", nil))
	})

	t.Run("cancelled context fails closed", func(t *testing.T) {
		s := newStore(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := s.Get(cctx, "/nodes")
		assert.ErrorIs(t, err, cluster.ErrCoordinationUnavailable)
	})
}

func assertFired(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not fire")
	}
}

func assertOpen(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
		t.Fatal("watch fired early")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestBadgerStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := OpenBadger("")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

// TestBadgerStorePersists verifies data survives a reopen on disk
func TestBadgerStorePersists(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := OpenBadger(dir)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "/slot_map", []byte("4")))
	require.NoError(t, s.Close())

	s, err = OpenBadger(dir)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, "/slot_map")
	require.NoError(t, err)
	assert.Equal(t, "4", string(got))
}

// TestMemoryStoreUnavailable tests outage simulation
func TestMemoryStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Set(ctx, "/nodes/0", []byte("a")))

	s.SetUnavailable(true)
	_, err := s.Get(ctx, "/nodes/0")
	assert.ErrorIs(t, err, cluster.ErrCoordinationUnavailable)
	_, err = s.Children(ctx, "/nodes")
	assert.ErrorIs(t, err, cluster.ErrCoordinationUnavailable)
	assert.ErrorIs(t, s.Set(ctx, "/nodes/1", nil), cluster.ErrCoordinationUnavailable)

	s.SetUnavailable(false)
	got, err := s.Get(ctx, "/nodes/0")
	require.NoError(t, err)
	assert.Equal(t, "a", string(got))
}

// TestMemoryStoreFailNextWrites tests transient write failures
func TestMemoryStoreBatchFailsWhole(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Set(ctx, "/slot_map/0", []byte("0")))

	s.FailNextWrites(1)
	err := s.Batch(ctx, []Write{
		{Path: "/slot_map/0", Data: []byte("1")},
		{Path: "/slot_map/1", Data: []byte("1")},
	})
	require.ErrorIs(t, err, cluster.ErrCoordinationUnavailable)

	got, err := s.Get(ctx, "/slot_map/0")
	require.NoError(t, err)
	assert.Equal(t, "0", string(got))
	_, err = s.Get(ctx, "/slot_map/1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreFailNextWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.FailNextWrites(2)

	assert.ErrorIs(t, s.Set(ctx, "/a", nil), cluster.ErrCoordinationUnavailable)
	assert.ErrorIs(t, s.Create(ctx, "/a", nil), cluster.ErrCoordinationUnavailable)
	assert.NoError(t, s.Set(ctx, "/a", nil))
}

// TestMapZKErr tests translation of ZooKeeper errors
func TestMapZKErr(t *testing.T) {
	assert.NoError(t, mapZKErr(nil))
	assert.ErrorIs(t, mapZKErr(zk.ErrNoNode), ErrNotFound)
	assert.ErrorIs(t, mapZKErr(zk.ErrNodeExists), ErrExists)
	assert.ErrorIs(t, mapZKErr(zk.ErrNotEmpty), ErrNotEmpty)
	assert.ErrorIs(t, mapZKErr(zk.ErrBadArguments), cluster.ErrValidation)
	assert.ErrorIs(t, mapZKErr(zk.ErrConnectionClosed), cluster.ErrCoordinationUnavailable)
	assert.ErrorIs(t, mapZKErr(zk.ErrSessionExpired), cluster.ErrCoordinationUnavailable)
}

func TestJoin(t *testing.T) {
	assert.Equal(t, "/nodes/3", Join("nodes", "3"))
	assert.Equal(t, "/slot_map/16383", Join(SlotMapPath, "16383"))
	assert.Equal(t, []string{"/a", "/a/b"}, parents("/a/b/c"))
	assert.Empty(t, parents("/a"))
}

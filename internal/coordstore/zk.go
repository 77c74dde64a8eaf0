package coordstore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"sort"
	"time"

	"github.com/go-zookeeper/zk"

	"github.com/dreamware/slotctl/internal/cluster"
)

// ZKStore implements Store on ZooKeeper. Each call is bounded by timeout; a
// call that does not answer in time is reported as unavailable even though
// ZooKeeper may still apply it later.
type ZKStore struct {
	conn    *zk.Conn
	timeout time.Duration
	acl     []zk.ACL
}

// DialZK connects to the given servers ("host:port"). timeout bounds every
// call; the session timeout is twice that.
func DialZK(servers []string, timeout time.Duration) (*ZKStore, error) {
	if len(servers) == 0 {
		return nil, fmt.Errorf("%w: no zookeeper servers", cluster.ErrValidation)
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	conn, _, err := zk.Connect(servers, 2*timeout, zk.WithLogInfo(false))
	if err != nil {
		return nil, unavailable(err)
	}
	log.Printf("coordstore: connecting to zookeeper %v", servers)
	return &ZKStore{
		conn:    conn,
		timeout: timeout,
		acl:     zk.WorldACL(zk.PermAll),
	}, nil
}

type zkResult[T any] struct {
	val T
	err error
}

// call runs fn on its own goroutine so a stuck request cannot hold the
// caller past the timeout.
func call[T any](ctx context.Context, timeout time.Duration, fn func() (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan zkResult[T], 1)
	go func() {
		v, err := fn()
		ch <- zkResult[T]{val: v, err: err}
	}()

	select {
	case r := <-ch:
		return r.val, mapZKErr(r.err)
	case <-ctx.Done():
		var zero T
		return zero, unavailable(ctx.Err())
	}
}

func mapZKErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, zk.ErrNoNode):
		return ErrNotFound
	case errors.Is(err, zk.ErrNodeExists):
		return ErrExists
	case errors.Is(err, zk.ErrNotEmpty):
		return ErrNotEmpty
	case errors.Is(err, zk.ErrBadArguments):
		return fmt.Errorf("%w: %v", cluster.ErrValidation, err)
	default:
		return unavailable(err)
	}
}

// Get returns the data stored at p
func (s *ZKStore) Get(ctx context.Context, p string) ([]byte, error) {
	if err := checkPath(p); err != nil {
		return nil, err
	}
	return call(ctx, s.timeout, func() ([]byte, error) {
		data, _, err := s.conn.Get(p)
		return data, err
	})
}

// Set overwrites p, creating it and its parents when missing
func (s *ZKStore) Set(ctx context.Context, p string, data []byte) error {
	if err := checkPath(p); err != nil {
		return err
	}
	_, err := call(ctx, s.timeout, func() (struct{}, error) {
		_, err := s.conn.Set(p, data, -1)
		if !errors.Is(err, zk.ErrNoNode) {
			return struct{}{}, err
		}
		if err := s.ensureParents(p); err != nil {
			return struct{}{}, err
		}
		_, err = s.conn.Create(p, data, 0, s.acl)
		if errors.Is(err, zk.ErrNodeExists) {
			_, err = s.conn.Set(p, data, -1)
		}
		return struct{}{}, err
	})
	return err
}

// Create creates p and fails if it already exists
func (s *ZKStore) Create(ctx context.Context, p string, data []byte) error {
	if err := checkPath(p); err != nil {
		return err
	}
	_, err := call(ctx, s.timeout, func() (struct{}, error) {
		if err := s.ensureParents(p); err != nil {
			return struct{}{}, err
		}
		_, err := s.conn.Create(p, data, 0, s.acl)
		return struct{}{}, err
	})
	return err
}

// Batch sends one multi request. Parents are created beforehand, outside the
// multi; they carry no data. A concurrent create between the existence check
// and the multi fails the whole request, and the caller retries.
func (s *ZKStore) Batch(ctx context.Context, writes []Write) error {
	if err := checkWrites(writes); err != nil {
		return err
	}
	_, err := call(ctx, s.timeout, func() (struct{}, error) {
		seen := make(map[string]bool)
		ops := make([]interface{}, 0, len(writes))
		for _, w := range writes {
			if dir := path.Dir(w.Path); !seen[dir] {
				seen[dir] = true
				if err := s.ensureParents(w.Path); err != nil {
					return struct{}{}, err
				}
			}
			exists, _, err := s.conn.Exists(w.Path)
			if err != nil {
				return struct{}{}, err
			}
			if exists {
				ops = append(ops, &zk.SetDataRequest{Path: w.Path, Data: w.Data, Version: -1})
			} else {
				ops = append(ops, &zk.CreateRequest{Path: w.Path, Data: w.Data, Acl: s.acl})
			}
		}
		res, err := s.conn.Multi(ops...)
		if err != nil {
			return struct{}{}, err
		}
		for _, r := range res {
			if r.Error != nil {
				return struct{}{}, r.Error
			}
		}
		return struct{}{}, nil
	})
	return err
}

func (s *ZKStore) ensureParents(p string) error {
	for _, dir := range parents(p) {
		_, err := s.conn.Create(dir, nil, 0, s.acl)
		if err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return err
		}
	}
	return nil
}

// Children returns the sorted child names of p
func (s *ZKStore) Children(ctx context.Context, p string) ([]string, error) {
	if err := checkPath(p); err != nil {
		return nil, err
	}
	names, err := call(ctx, s.timeout, func() ([]string, error) {
		names, _, err := s.conn.Children(p)
		return names, err
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes a leaf path
func (s *ZKStore) Delete(ctx context.Context, p string) error {
	if err := checkPath(p); err != nil {
		return err
	}
	_, err := call(ctx, s.timeout, func() (struct{}, error) {
		return struct{}{}, s.conn.Delete(p, -1)
	})
	return err
}

// Watch sets a data watch on p and, when p exists, a child watch as well.
// ZooKeeper watches are one-shot, which matches the Store contract.
func (s *ZKStore) Watch(ctx context.Context, p string) (<-chan struct{}, error) {
	if err := checkPath(p); err != nil {
		return nil, err
	}
	type watches struct {
		data, children <-chan zk.Event
	}
	w, err := call(ctx, s.timeout, func() (watches, error) {
		var w watches
		exists, _, data, err := s.conn.ExistsW(p)
		if err != nil {
			return w, err
		}
		w.data = data
		if exists {
			_, _, w.children, err = s.conn.ChildrenW(p)
			if errors.Is(err, zk.ErrNoNode) {
				// deleted in between; the data watch fires for that
				err = nil
			}
		}
		return w, err
	})
	if err != nil {
		return nil, err
	}

	out := make(chan struct{})
	go func() {
		defer close(out)
		select {
		case <-w.data:
		case <-w.children:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

// Close ends the session
func (s *ZKStore) Close() error {
	s.conn.Close()
	return nil
}

package coordstore

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore implements Store on an embedded BadgerDB. Keys are full paths;
// children are found with a prefix scan. Every call runs in its own
// transaction, so a reader always sees the latest committed write.
type BadgerStore struct {
	db     *badger.DB
	notify notifier
}

// OpenBadger opens (or creates) a store in dir. An empty dir opens an
// in-memory database.
func OpenBadger(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Get returns the value stored at p
func (s *BadgerStore) Get(ctx context.Context, p string) ([]byte, error) {
	if err := checkPath(p); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, unavailable(err)
	}

	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(p))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, s.mapErr(err)
	}
	return out, nil
}

// Set writes p and any missing parents in one transaction
func (s *BadgerStore) Set(ctx context.Context, p string, data []byte) error {
	if err := checkPath(p); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return unavailable(err)
	}
	return s.update(p, func(txn *badger.Txn) error {
		if err := s.ensureParents(txn, p); err != nil {
			return err
		}
		return txn.Set([]byte(p), data)
	})
}

// Batch writes everything in a single transaction
func (s *BadgerStore) Batch(ctx context.Context, writes []Write) error {
	if err := checkWrites(writes); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return unavailable(err)
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, w := range writes {
			if err := s.ensureParents(txn, w.Path); err != nil {
				return err
			}
			if err := txn.Set([]byte(w.Path), w.Data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return s.mapErr(err)
	}
	for _, w := range writes {
		s.notify.fire(w.Path)
	}
	return nil
}

// update runs fn in a read-write transaction and wakes the watchers of p
// once it commits.
func (s *BadgerStore) update(p string, fn func(txn *badger.Txn) error) error {
	if err := s.db.Update(fn); err != nil {
		return s.mapErr(err)
	}
	s.notify.fire(p)
	return nil
}

// Watch fires on the next committed write under p. Only writes made through
// this store are seen, which holds because the database is embedded.
func (s *BadgerStore) Watch(ctx context.Context, p string) (<-chan struct{}, error) {
	if err := checkPath(p); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, unavailable(err)
	}
	return s.notify.watch(ctx, p), nil
}

// Create writes p only if it is absent
func (s *BadgerStore) Create(ctx context.Context, p string, data []byte) error {
	if err := checkPath(p); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return unavailable(err)
	}
	return s.update(p, func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(p)); err == nil {
			return ErrExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := s.ensureParents(txn, p); err != nil {
			return err
		}
		return txn.Set([]byte(p), data)
	})
}

func (s *BadgerStore) ensureParents(txn *badger.Txn, p string) error {
	for _, dir := range parents(p) {
		_, err := txn.Get([]byte(dir))
		if err == nil {
			continue
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set([]byte(dir), []byte{}); err != nil {
			return err
		}
	}
	return nil
}

// Children scans keys under p + "/" and keeps the direct children
func (s *BadgerStore) Children(ctx context.Context, p string) ([]string, error) {
	if err := checkPath(p); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, unavailable(err)
	}

	names := make([]string, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		if p != "/" {
			if _, err := txn.Get([]byte(p)); err != nil {
				return err
			}
		}
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := []byte(p + "/")
		if p == "/" {
			prefix = []byte("/")
		}
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if name := childName(p, string(it.Item().Key())); name != "" {
				names = append(names, name)
			}
		}
		return nil
	})
	if err != nil {
		return nil, s.mapErr(err)
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes a leaf path
func (s *BadgerStore) Delete(ctx context.Context, p string) error {
	if err := checkPath(p); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return unavailable(err)
	}
	return s.update(p, func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(p)); err != nil {
			return err
		}
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := []byte(p + "/")
		it := txn.NewIterator(opts)
		it.Seek(prefix)
		hasChild := it.ValidForPrefix(prefix)
		it.Close()
		if hasChild {
			return ErrNotEmpty
		}
		return txn.Delete([]byte(p))
	})
}

// Close closes the database
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return ErrNotFound
	case errors.Is(err, ErrExists), errors.Is(err, ErrNotEmpty):
		return err
	default:
		return unavailable(err)
	}
}

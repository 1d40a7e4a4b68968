// Package storage wraps a Pebble database as a small durable key-value store.
package storage

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// ErrClosed is returned by operations on a closed Storage.
var ErrClosed = errors.New("storage: closed")

// Options tunes the underlying Pebble instance.
type Options struct {
	CacheSize    int64
	MemTableSize uint64
}

// Storage is a durable key-value store. Every write is fsynced before it
// returns; agreement state is small and must survive restarts.
type Storage struct {
	db *pebble.DB
}

// Open creates or opens a Storage rooted at path.
func Open(path string, opts Options) (*Storage, error) {
	if path == "" {
		return nil, fmt.Errorf("storage: empty path")
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 8 << 20
	}
	if opts.MemTableSize == 0 {
		opts.MemTableSize = 4 << 20
	}

	cache := pebble.NewCache(opts.CacheSize)
	defer cache.Unref()

	db, err := pebble.Open(path, &pebble.Options{
		Cache:        cache,
		MemTableSize: opts.MemTableSize,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	return &Storage{db: db}, nil
}

// Get returns a copy of the value stored under key. found is false when the
// key does not exist.
func (s *Storage) Get(key []byte) (value []byte, found bool, err error) {
	if s.db == nil {
		return nil, false, ErrClosed
	}
	raw, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("storage: get: %w", err)
	}
	defer closer.Close()

	out := make([]byte, len(raw))
	copy(out, raw)
	return out, true, nil
}

// Set writes key=value and syncs the WAL.
func (s *Storage) Set(key, value []byte) error {
	if s.db == nil {
		return ErrClosed
	}
	if err := s.db.Set(key, value, pebble.Sync); err != nil {
		return fmt.Errorf("storage: set: %w", err)
	}
	return nil
}

// IteratePrefix calls fn for each pair whose key starts with prefix, in key
// order. The slices passed to fn are only valid during the call.
func (s *Storage) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	if s.db == nil {
		return ErrClosed
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("storage: iterate: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return fmt.Errorf("storage: read value: %w", err)
		}
		if err := fn(iter.Key(), value); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Close flushes and closes the database.
func (s *Storage) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// prefixUpperBound returns the exclusive upper bound for a prefix scan, or nil
// when the prefix is all 0xFF.
func prefixUpperBound(prefix []byte) []byte {
	upper := append([]byte(nil), prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}
	return nil
}

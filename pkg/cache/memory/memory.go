// Package memory provides an in-process cache.Store.
package memory

import (
	"context"
	"sync"

	"github.com/pario-ai/llmcache/pkg/cache"
)

// Store keeps entries in a map. Entries are shared with readers, which is
// safe because committed entries are never mutated.
type Store struct {
	mu      sync.RWMutex
	entries map[cache.Key]*cache.Entry
}

// New creates an empty Store.
func New() *Store {
	return &Store{entries: make(map[cache.Key]*cache.Entry)}
}

// Lookup returns the committed entry for key.
func (s *Store) Lookup(ctx context.Context, key cache.Key) (*cache.Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	return e, ok, nil
}

// Insert commits entry unless its key is already present.
func (s *Store) Insert(ctx context.Context, entry *cache.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := entry.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[entry.Key]; ok {
		return cache.ErrAlreadyExists
	}
	s.entries[entry.Key] = entry
	return nil
}

// Exists reports whether key is committed.
func (s *Store) Exists(ctx context.Context, key cache.Key) (bool, error) {
	_, ok, err := s.Lookup(ctx, key)
	return ok, err
}

// Stats counts entries by shape.
func (s *Store) Stats(ctx context.Context) (cache.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st cache.Stats
	for _, e := range s.entries {
		st.Entries++
		if e.Shape == cache.ShapeChunked {
			st.Chunked++
		} else {
			st.Atomic++
		}
	}
	return st, nil
}

// Clear drops every entry.
func (s *Store) Clear(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := int64(len(s.entries))
	s.entries = make(map[cache.Key]*cache.Entry)
	return n, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

var (
	_ cache.Store = (*Store)(nil)
	_ cache.Admin = (*Store)(nil)
)

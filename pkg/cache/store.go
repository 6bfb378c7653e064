// Package cache defines the durable key to response-artifact mapping used by the
// proxy, and the errors shared by every storage backend.
package cache

import (
	"context"
	"errors"
)

var (
	// ErrAlreadyExists is returned by Insert when an entry for the key was
	// committed first by another capture.
	ErrAlreadyExists = errors.New("cache: entry already exists")

	// ErrStorageUnavailable marks storage-layer I/O failures. Backends join it
	// with the underlying cause so callers can tell a fault from a miss.
	ErrStorageUnavailable = errors.New("cache: storage unavailable")

	// ErrInvalidEntry is returned when an entry fails validation on insert
	// or decodes to something inconsistent on lookup.
	ErrInvalidEntry = errors.New("cache: invalid entry")
)

// Store is the storage boundary of the proxy.
//
// Contract:
//   - Concurrency: implementations must be safe for concurrent use.
//   - Lookup returns (nil, false, nil) on a miss and never exposes a
//     partially written entry.
//   - Insert is first-committer-wins: a second insert for the same key
//     returns ErrAlreadyExists and leaves the stored entry untouched.
//   - Faults are reported with errors wrapping ErrStorageUnavailable.
type Store interface {
	// Lookup returns the committed entry for key, if any.
	Lookup(ctx context.Context, key Key) (*Entry, bool, error)
	// Insert commits entry under entry.Key.
	Insert(ctx context.Context, entry *Entry) error
	// Exists reports whether an entry is committed for key.
	Exists(ctx context.Context, key Key) (bool, error)
	// Close releases the underlying storage handle.
	Close() error
}

// Stats reports what the store currently holds.
type Stats struct {
	Entries int64 `json:"entries"`
	Atomic  int64 `json:"atomic"`
	Chunked int64 `json:"chunked"`
}

// Admin is implemented by stores that support operator inspection.
type Admin interface {
	Stats(ctx context.Context) (Stats, error)
	// Clear deletes every entry and returns how many were removed.
	Clear(ctx context.Context) (int64, error)
}

// Unavailable wraps a backend error so that errors.Is(err, ErrStorageUnavailable)
// holds. A nil err stays nil.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return errors.Join(ErrStorageUnavailable, opError{op: op, err: err})
}

type opError struct {
	op  string
	err error
}

func (e opError) Error() string { return e.op + ": " + e.err.Error() }
func (e opError) Unwrap() error { return e.err }

package cache

import (
	"bytes"
	"fmt"
	"time"
)

// Key is the hex-encoded SHA-256 fingerprint of a normalized request.
type Key string

// KeyLength is the length of a well-formed Key.
const KeyLength = 64

// Valid reports whether k looks like a fingerprint.
func (k Key) Valid() bool {
	if len(k) != KeyLength {
		return false
	}
	for i := 0; i < len(k); i++ {
		c := k[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Shape is how a response was originally delivered.
type Shape string

const (
	// ShapeAtomic is a single JSON body.
	ShapeAtomic Shape = "atomic"
	// ShapeChunked is an ordered sequence of server-sent event frames.
	ShapeChunked Shape = "chunked"
)

// Entry is a captured upstream response. Entries are immutable once inserted.
type Entry struct {
	Key         Key
	Shape       Shape
	StatusCode  int
	ContentType string
	// Body holds the payload of an atomic entry.
	Body []byte
	// Chunks holds the frames of a chunked entry, byte-exact, in arrival
	// order, terminal frame included.
	Chunks    [][]byte
	CreatedAt time.Time
}

// Validate checks that e can be stored and replayed.
func (e *Entry) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil entry", ErrInvalidEntry)
	}
	if !e.Key.Valid() {
		return fmt.Errorf("%w: malformed key %q", ErrInvalidEntry, e.Key)
	}
	switch e.Shape {
	case ShapeAtomic:
		if len(e.Chunks) != 0 {
			return fmt.Errorf("%w: atomic entry carries chunks", ErrInvalidEntry)
		}
	case ShapeChunked:
		if len(e.Chunks) == 0 {
			return fmt.Errorf("%w: chunked entry has no chunks", ErrInvalidEntry)
		}
		if len(e.Body) != 0 {
			return fmt.Errorf("%w: chunked entry carries a body", ErrInvalidEntry)
		}
	default:
		return fmt.Errorf("%w: unknown shape %q", ErrInvalidEntry, e.Shape)
	}
	return nil
}

// Size returns the number of payload bytes held by e.
func (e *Entry) Size() int {
	n := len(e.Body)
	for _, c := range e.Chunks {
		n += len(c)
	}
	return n
}

// Payload returns the bytes a client receives when e is replayed.
func (e *Entry) Payload() []byte {
	if e.Shape == ShapeAtomic {
		return e.Body
	}
	return bytes.Join(e.Chunks, nil)
}

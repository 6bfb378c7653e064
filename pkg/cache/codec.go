package cache

import (
	"encoding/json"
	"fmt"
	"time"
)

const codecVersion = 1

// record is the serialized form used by key-value backends. Chunks are
// []byte so they travel base64-encoded and come back byte-exact.
type record struct {
	Version     int      `json:"v"`
	Key         Key      `json:"key"`
	Shape       Shape    `json:"shape"`
	StatusCode  int      `json:"status_code"`
	ContentType string   `json:"content_type,omitempty"`
	Body        []byte   `json:"body,omitempty"`
	Chunks      [][]byte `json:"chunks,omitempty"`
	CreatedAt   int64    `json:"created_at"`
}

// Encode serializes e for key-value backends.
func Encode(e *Entry) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(record{
		Version:     codecVersion,
		Key:         e.Key,
		Shape:       e.Shape,
		StatusCode:  e.StatusCode,
		ContentType: e.ContentType,
		Body:        e.Body,
		Chunks:      e.Chunks,
		CreatedAt:   e.CreatedAt.UnixNano(),
	})
}

// Decode is the inverse of Encode.
func Decode(data []byte) (*Entry, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if r.Version != codecVersion {
		return nil, fmt.Errorf("%w: unsupported record version %d", ErrInvalidEntry, r.Version)
	}
	e := &Entry{
		Key:         r.Key,
		Shape:       r.Shape,
		StatusCode:  r.StatusCode,
		ContentType: r.ContentType,
		Body:        r.Body,
		Chunks:      r.Chunks,
		CreatedAt:   time.Unix(0, r.CreatedAt).UTC(),
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

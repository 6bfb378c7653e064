// Package cachetest holds the behavioural checks every cache.Store backend
// must pass.
package cachetest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/llmcache/pkg/cache"
)

// Factory opens a fresh, empty store. It should register its own cleanup.
type Factory func(t *testing.T) cache.Store

// KeyOf derives a well-formed key from s.
func KeyOf(s string) cache.Key {
	sum := sha256.Sum256([]byte(s))
	return cache.Key(hex.EncodeToString(sum[:]))
}

// AtomicEntry returns an atomic entry for key with the given body.
func AtomicEntry(key cache.Key, body string) *cache.Entry {
	return &cache.Entry{
		Key:         key,
		Shape:       cache.ShapeAtomic,
		StatusCode:  200,
		ContentType: "application/json",
		Body:        []byte(body),
		CreatedAt:   time.Now().UTC().Truncate(time.Microsecond),
	}
}

// ChunkedEntry returns a chunked entry for key holding frames in order.
func ChunkedEntry(key cache.Key, frames ...string) *cache.Entry {
	chunks := make([][]byte, len(frames))
	for i, f := range frames {
		chunks[i] = []byte(f)
	}
	return &cache.Entry{
		Key:         key,
		Shape:       cache.ShapeChunked,
		StatusCode:  200,
		ContentType: "text/event-stream",
		Chunks:      chunks,
		CreatedAt:   time.Now().UTC().Truncate(time.Microsecond),
	}
}

// Run exercises the Store contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("miss", func(t *testing.T) {
		s := newStore(t)
		e, ok, err := s.Lookup(context.Background(), KeyOf("absent"))
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, e)

		exists, err := s.Exists(context.Background(), KeyOf("absent"))
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("atomic round trip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		want := AtomicEntry(KeyOf("atomic"), `{"id":"chatcmpl-1","choices":[]}`)
		require.NoError(t, s.Insert(ctx, want))

		got, ok, err := s.Lookup(ctx, want.Key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want.Key, got.Key)
		assert.Equal(t, cache.ShapeAtomic, got.Shape)
		assert.Equal(t, want.Body, got.Body)
		assert.Equal(t, want.StatusCode, got.StatusCode)
		assert.Equal(t, want.ContentType, got.ContentType)
		assert.True(t, want.CreatedAt.Equal(got.CreatedAt), "created_at %v != %v", got.CreatedAt, want.CreatedAt)

		exists, err := s.Exists(ctx, want.Key)
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("chunked round trip keeps framing", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		want := ChunkedEntry(KeyOf("chunked"),
			"data: {\"delta\":\"Hel\"}\n\n",
			"data: {\"delta\":\"lo\"}\r\n\r\n",
			"event: ping\ndata: \n\n",
			"data: [DONE]\n\n",
		)
		require.NoError(t, s.Insert(ctx, want))

		got, ok, err := s.Lookup(ctx, want.Key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, cache.ShapeChunked, got.Shape)
		assert.Equal(t, want.Chunks, got.Chunks)
		assert.Empty(t, got.Body)
	})

	t.Run("second insert is rejected", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := KeyOf("dup")
		require.NoError(t, s.Insert(ctx, AtomicEntry(key, "first")))

		err := s.Insert(ctx, AtomicEntry(key, "second"))
		assert.ErrorIs(t, err, cache.ErrAlreadyExists)

		got, ok, err := s.Lookup(ctx, key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "first", string(got.Body))
	})

	t.Run("invalid entry is rejected", func(t *testing.T) {
		s := newStore(t)
		err := s.Insert(context.Background(), &cache.Entry{Key: KeyOf("bad"), Shape: cache.ShapeChunked})
		assert.ErrorIs(t, err, cache.ErrInvalidEntry)
	})

	t.Run("concurrent inserts commit once", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := KeyOf("race")

		const writers = 16
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			ok, dups atomic.Int32
			others   []error
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.Insert(ctx, ChunkedEntry(key, "data: a\n\n", "data: [DONE]\n\n"))
				switch {
				case err == nil:
					ok.Add(1)
				case errors.Is(err, cache.ErrAlreadyExists):
					dups.Add(1)
				default:
					mu.Lock()
					others = append(others, err)
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Empty(t, others)
		assert.EqualValues(t, 1, ok.Load())
		assert.EqualValues(t, writers-1, dups.Load())
	})

	t.Run("concurrent readers see whole entries", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := KeyOf("readers")
		frames := []string{"data: 1\n\n", "data: 2\n\n", "data: 3\n\n", "data: [DONE]\n\n"}

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 20; j++ {
					e, ok, err := s.Lookup(ctx, key)
					if !assert.NoError(t, err) {
						return
					}
					if ok {
						assert.Len(t, e.Chunks, len(frames))
					}
				}
			}()
		}
		require.NoError(t, s.Insert(ctx, ChunkedEntry(key, frames...)))
		wg.Wait()
	})

	t.Run("stats and clear", func(t *testing.T) {
		s := newStore(t)
		admin, ok := s.(cache.Admin)
		if !ok {
			t.Skip("store does not implement cache.Admin")
		}
		ctx := context.Background()
		require.NoError(t, s.Insert(ctx, AtomicEntry(KeyOf("a"), "{}")))
		require.NoError(t, s.Insert(ctx, ChunkedEntry(KeyOf("b"), "data: [DONE]\n\n")))
		require.NoError(t, s.Insert(ctx, ChunkedEntry(KeyOf("c"), "data: [DONE]\n\n")))

		st, err := admin.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, cache.Stats{Entries: 3, Atomic: 1, Chunked: 2}, st)

		n, err := admin.Clear(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 3, n)

		st, err = admin.Stats(ctx)
		require.NoError(t, err)
		assert.Zero(t, st.Entries)
	})
}

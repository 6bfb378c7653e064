// Package badger implements cache.Store on BadgerDB.
package badger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/pario-ai/llmcache/pkg/cache"
)

// Config configures the BadgerDB store.
type Config struct {
	// Dir is the directory holding the database files.
	Dir string

	// InMemory keeps everything in memory (useful for testing).
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// KeyPrefix is prepended to every key.
	KeyPrefix string

	// GCInterval is how often value-log GC runs. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is passed to RunValueLogGC.
	GCDiscardRatio float64
}

// Cache is a cache.Store backed by BadgerDB. Each entry is one encoded value,
// so readers always see a complete entry or nothing.
type Cache struct {
	db     *badger.DB
	prefix []byte
	gcStop chan struct{}
	gcWg   sync.WaitGroup
}

// New opens the database described by cfg.
func New(cfg Config) (*Cache, error) {
	opts := badger.DefaultOptions(cfg.Dir).
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(nil)
	if cfg.InMemory {
		opts = opts.WithDir("").WithValueDir("").WithInMemory(true)
	} else if cfg.Dir == "" {
		return nil, errors.New("badger: dir is required unless in-memory")
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger cache: %w", err)
	}

	c := NewFromDB(db, cfg.KeyPrefix)
	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 {
			ratio = 0.5
		}
		c.startGC(cfg.GCInterval, ratio)
	}
	return c, nil
}

// NewFromDB wraps an already opened database.
func NewFromDB(db *badger.DB, keyPrefix string) *Cache {
	return &Cache{
		db:     db,
		prefix: []byte(keyPrefix + "entry:"),
		gcStop: make(chan struct{}),
	}
}

func (c *Cache) startGC(interval time.Duration, discardRatio float64) {
	c.gcWg.Add(1)
	go func() {
		defer c.gcWg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-c.gcStop:
				return
			case <-ticker.C:
				for {
					if err := c.db.RunValueLogGC(discardRatio); err != nil {
						break
					}
				}
			}
		}
	}()
}

func (c *Cache) dbKey(key cache.Key) []byte {
	k := make([]byte, 0, len(c.prefix)+len(key))
	k = append(k, c.prefix...)
	return append(k, key...)
}

// Lookup returns the committed entry for key.
func (c *Cache) Lookup(ctx context.Context, key cache.Key) (*cache.Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	var data []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(c.dbKey(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, cache.Unavailable("badger lookup", err)
	}

	e, err := cache.Decode(data)
	if err != nil {
		return nil, false, err
	}
	return e, true, nil
}

// Insert commits entry unless the key is present. The read of the key inside
// the update transaction makes concurrent inserts conflict, and a conflict
// means another capture committed first.
func (c *Cache) Insert(ctx context.Context, entry *cache.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := cache.Encode(entry)
	if err != nil {
		return err
	}

	k := c.dbKey(entry.Key)
	err = c.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(k)
		if err == nil {
			return cache.ErrAlreadyExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(k, data)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, cache.ErrAlreadyExists), errors.Is(err, badger.ErrConflict):
		return cache.ErrAlreadyExists
	default:
		return cache.Unavailable("badger insert", err)
	}
}

// Exists reports whether key is committed.
func (c *Cache) Exists(ctx context.Context, key cache.Key) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	err := c.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(c.dbKey(key))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, cache.Unavailable("badger exists", err)
	}
	return true, nil
}

// Stats decodes every entry under the prefix and counts them by shape.
func (c *Cache) Stats(ctx context.Context) (cache.Stats, error) {
	var st cache.Stats
	err := c.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: c.prefix, PrefetchValues: true})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			e, err := cache.Decode(data)
			if err != nil {
				return err
			}
			st.Entries++
			if e.Shape == cache.ShapeChunked {
				st.Chunked++
			} else {
				st.Atomic++
			}
		}
		return nil
	})
	if err != nil {
		return cache.Stats{}, cache.Unavailable("badger stats", err)
	}
	return st, nil
}

// Clear drops every entry under the prefix.
func (c *Cache) Clear(ctx context.Context) (int64, error) {
	var n int64
	err := c.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: c.prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, cache.Unavailable("badger clear", err)
	}
	if err := c.db.DropPrefix(c.prefix); err != nil {
		return 0, cache.Unavailable("badger clear", err)
	}
	return n, nil
}

// Close stops GC and closes the database.
func (c *Cache) Close() error {
	close(c.gcStop)
	c.gcWg.Wait()
	return c.db.Close()
}

var (
	_ cache.Store = (*Cache)(nil)
	_ cache.Admin = (*Cache)(nil)
)

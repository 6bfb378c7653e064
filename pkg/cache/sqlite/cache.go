// Package sqlite implements cache.Store on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pario-ai/llmcache/pkg/cache"
)

// Cache is a cache.Store backed by SQLite. Atomic bodies live in
// cache_entries; chunked frames live one row per frame in cache_chunks and
// are written in the same transaction as their entry row.
type Cache struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	cache_key TEXT PRIMARY KEY,
	shape TEXT NOT NULL,
	status_code INTEGER NOT NULL,
	content_type TEXT NOT NULL DEFAULT '',
	body BLOB,
	chunk_count INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS cache_chunks (
	cache_key TEXT NOT NULL,
	seq INTEGER NOT NULL,
	data BLOB NOT NULL,
	PRIMARY KEY (cache_key, seq)
);
`

// New opens (creating if needed) the cache database at dbPath.
func New(dbPath string) (*Cache, error) {
	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	// One connection serializes writers and keeps ":memory:" databases
	// shared across callers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	return &Cache{db: db}, nil
}

func dsn(path string) string {
	if path == ":memory:" || strings.HasPrefix(path, "file:") {
		return path
	}
	return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// Lookup returns the committed entry for key.
func (c *Cache) Lookup(ctx context.Context, key cache.Key) (*cache.Entry, bool, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, cache.Unavailable("cache lookup", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		e          cache.Entry
		shape      string
		body       []byte
		chunkCount int
		createdAt  int64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT shape, status_code, content_type, body, chunk_count, created_at
		 FROM cache_entries WHERE cache_key = ?`, string(key),
	).Scan(&shape, &e.StatusCode, &e.ContentType, &body, &chunkCount, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, cache.Unavailable("cache lookup", err)
	}

	e.Key = key
	e.Shape = cache.Shape(shape)
	e.CreatedAt = time.Unix(0, createdAt).UTC()
	if e.Shape == cache.ShapeAtomic {
		e.Body = body
	}

	if chunkCount > 0 {
		e.Chunks, err = readChunks(ctx, tx, key, chunkCount)
		if err != nil {
			return nil, false, err
		}
	}

	if err := e.Validate(); err != nil {
		return nil, false, err
	}
	return &e, true, nil
}

func readChunks(ctx context.Context, tx *sql.Tx, key cache.Key, want int) ([][]byte, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT data FROM cache_chunks WHERE cache_key = ? ORDER BY seq`, string(key))
	if err != nil {
		return nil, cache.Unavailable("cache chunks", err)
	}
	defer rows.Close()

	chunks := make([][]byte, 0, want)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, cache.Unavailable("scan cache chunk", err)
		}
		chunks = append(chunks, data)
	}
	if err := rows.Err(); err != nil {
		return nil, cache.Unavailable("cache chunks", err)
	}
	if len(chunks) != want {
		return nil, fmt.Errorf("%w: entry %s has %d of %d chunks", cache.ErrInvalidEntry, key, len(chunks), want)
	}
	return chunks, nil
}

// Insert commits entry and its chunks in one transaction. A key that is
// already present yields cache.ErrAlreadyExists.
func (c *Cache) Insert(ctx context.Context, entry *cache.Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return cache.Unavailable("cache insert", err)
	}
	defer func() { _ = tx.Rollback() }()

	var body []byte
	if entry.Shape == cache.ShapeAtomic {
		body = entry.Body
		if body == nil {
			body = []byte{}
		}
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO cache_entries (cache_key, shape, status_code, content_type, body, chunk_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(cache_key) DO NOTHING`,
		string(entry.Key), string(entry.Shape), entry.StatusCode, entry.ContentType,
		body, len(entry.Chunks), entry.CreatedAt.UnixNano(),
	)
	if err != nil {
		return cache.Unavailable("cache insert", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return cache.Unavailable("cache insert", err)
	}
	if n == 0 {
		return cache.ErrAlreadyExists
	}

	if len(entry.Chunks) > 0 {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO cache_chunks (cache_key, seq, data) VALUES (?, ?, ?)`)
		if err != nil {
			return cache.Unavailable("cache insert chunks", err)
		}
		defer stmt.Close()
		for i, chunk := range entry.Chunks {
			if _, err := stmt.ExecContext(ctx, string(entry.Key), i, chunk); err != nil {
				return cache.Unavailable("cache insert chunks", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return cache.Unavailable("cache commit", err)
	}
	return nil
}

// Exists reports whether an entry row is committed for key.
func (c *Cache) Exists(ctx context.Context, key cache.Key) (bool, error) {
	var one int
	err := c.db.QueryRowContext(ctx,
		`SELECT 1 FROM cache_entries WHERE cache_key = ?`, string(key)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, cache.Unavailable("cache exists", err)
	}
	return true, nil
}

// Stats counts entries by shape.
func (c *Cache) Stats(ctx context.Context) (cache.Stats, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT shape, COUNT(*) FROM cache_entries GROUP BY shape`)
	if err != nil {
		return cache.Stats{}, cache.Unavailable("cache stats", err)
	}
	defer rows.Close()

	var st cache.Stats
	for rows.Next() {
		var (
			shape string
			n     int64
		)
		if err := rows.Scan(&shape, &n); err != nil {
			return cache.Stats{}, cache.Unavailable("cache stats", err)
		}
		st.Entries += n
		switch cache.Shape(shape) {
		case cache.ShapeAtomic:
			st.Atomic = n
		case cache.ShapeChunked:
			st.Chunked = n
		}
	}
	if err := rows.Err(); err != nil {
		return cache.Stats{}, cache.Unavailable("cache stats", err)
	}
	return st, nil
}

// Clear removes all entries and their chunks.
func (c *Cache) Clear(ctx context.Context) (int64, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, cache.Unavailable("cache clear", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_chunks`); err != nil {
		return 0, cache.Unavailable("cache clear", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM cache_entries`)
	if err != nil {
		return 0, cache.Unavailable("cache clear", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, cache.Unavailable("cache clear", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, cache.Unavailable("cache clear", err)
	}
	return n, nil
}

// Close releases the database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}

var (
	_ cache.Store = (*Cache)(nil)
	_ cache.Admin = (*Cache)(nil)
)

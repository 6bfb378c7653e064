// Package redis implements cache.Store on Redis, for deployments where
// several proxy replicas share one cache.
package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pario-ai/llmcache/pkg/cache"
)

// Config configures the Redis connection.
type Config struct {
	Addr        string
	Password    string
	DB          int
	KeyPrefix   string
	DialTimeout time.Duration
}

// Cache is a cache.Store backed by Redis. Entries are written with SETNX and
// no expiry.
type Cache struct {
	client    *redis.Client
	keyPrefix string
}

// New connects to Redis and verifies the connection with PING.
func New(cfg Config) (*Cache, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, cache.Unavailable("redis ping", err)
	}

	return NewFromClient(client, cfg.KeyPrefix), nil
}

// NewFromClient wraps an existing client.
func NewFromClient(client *redis.Client, keyPrefix string) *Cache {
	return &Cache{client: client, keyPrefix: keyPrefix}
}

func (c *Cache) redisKey(key cache.Key) string {
	return c.keyPrefix + "entry:" + string(key)
}

// Lookup returns the committed entry for key.
func (c *Cache) Lookup(ctx context.Context, key cache.Key) (*cache.Entry, bool, error) {
	data, err := c.client.Get(ctx, c.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, cache.Unavailable("redis get", err)
	}

	e, err := cache.Decode(data)
	if err != nil {
		return nil, false, err
	}
	return e, true, nil
}

// Insert commits entry with SETNX.
func (c *Cache) Insert(ctx context.Context, entry *cache.Entry) error {
	data, err := cache.Encode(entry)
	if err != nil {
		return err
	}

	ok, err := c.client.SetNX(ctx, c.redisKey(entry.Key), data, 0).Result()
	if err != nil {
		return cache.Unavailable("redis setnx", err)
	}
	if !ok {
		return cache.ErrAlreadyExists
	}
	return nil
}

// Exists reports whether key is committed.
func (c *Cache) Exists(ctx context.Context, key cache.Key) (bool, error) {
	n, err := c.client.Exists(ctx, c.redisKey(key)).Result()
	if err != nil {
		return false, cache.Unavailable("redis exists", err)
	}
	return n > 0, nil
}

// scan calls fn with each batch of entry keys under the prefix.
func (c *Cache) scan(ctx context.Context, fn func(keys []string) error) error {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, c.keyPrefix+"entry:*", 100).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Stats decodes every entry under the prefix and counts them by shape.
func (c *Cache) Stats(ctx context.Context) (cache.Stats, error) {
	var st cache.Stats
	err := c.scan(ctx, func(keys []string) error {
		vals, err := c.client.MGet(ctx, keys...).Result()
		if err != nil {
			return err
		}
		for _, v := range vals {
			s, ok := v.(string)
			if !ok {
				continue
			}
			e, err := cache.Decode([]byte(s))
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
		return cache.Stats{}, cache.Unavailable("redis stats", err)
	}
	return st, nil
}

// Clear deletes every entry under the prefix.
func (c *Cache) Clear(ctx context.Context) (int64, error) {
	var n int64
	err := c.scan(ctx, func(keys []string) error {
		deleted, err := c.client.Del(ctx, keys...).Result()
		n += deleted
		return err
	})
	if err != nil {
		return n, cache.Unavailable("redis clear", err)
	}
	return n, nil
}

// Close closes the client.
func (c *Cache) Close() error {
	return c.client.Close()
}

var (
	_ cache.Store = (*Cache)(nil)
	_ cache.Admin = (*Cache)(nil)
)

// Package backend opens the cache.Store selected by configuration.
package backend

import (
	"fmt"

	"github.com/pario-ai/llmcache/pkg/cache"
	"github.com/pario-ai/llmcache/pkg/cache/badger"
	"github.com/pario-ai/llmcache/pkg/cache/memory"
	"github.com/pario-ai/llmcache/pkg/cache/redis"
	"github.com/pario-ai/llmcache/pkg/cache/sqlite"
	"github.com/pario-ai/llmcache/pkg/config"
)

// Open returns the store for cfg.Backend. The caller closes it.
func Open(cfg config.CacheConfig) (cache.Store, error) {
	switch cfg.Backend {
	case config.BackendSQLite, "":
		c, err := sqlite.New(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.BackendBadger:
		c, err := badger.New(badger.Config{
			Dir:        cfg.Badger.Dir,
			GCInterval: cfg.Badger.GCInterval,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.BackendRedis:
		c, err := redis.New(redis.Config{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.BackendMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

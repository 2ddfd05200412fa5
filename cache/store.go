// Package cache remembers the last persisted price of every product identity
// and decides whether a freshly extracted price is worth persisting.
package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/aluiziolira/go-scrape-prices/config"
)

// ErrUnavailable wraps every failure to reach the backing store.
var ErrUnavailable = errors.New("cache: store unavailable")

// Store is a persistent identity -> last price map with point reads and writes.
type Store interface {
	Get(ctx context.Context, id string) (price int, found bool, err error)
	Set(ctx context.Context, id string, price int) error
	Ping(ctx context.Context) error
	Close() error
}

// Open builds the store selected by cfg.CacheBackend.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.CacheBackend {
	case config.CacheRedis:
		return NewRedisStore(ctx, RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	case config.CacheSQLite:
		return NewSQLiteStore(ctx, cfg.SQLitePath)
	case config.CacheMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported cache backend: %s", cfg.CacheBackend)
	}
}

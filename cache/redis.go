package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// RedisStore keeps prices as decimal strings under the bare identity key.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: connect redis %s: %w", ErrUnavailable, opts.Addr, err)
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (int, bool, error) {
	raw, err := s.client.Get(ctx, id).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	price, err := strconv.Atoi(raw)
	if err != nil {
		// Overwritten on the next persist.
		slog.Warn("ignoring malformed cached price",
			slog.String("product_id", id),
			slog.String("value", raw),
		)
		return 0, false, nil
	}
	return price, true, nil
}

func (s *RedisStore) Set(ctx context.Context, id string, price int) error {
	return s.client.Set(ctx, id, strconv.Itoa(price), 0).Err()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

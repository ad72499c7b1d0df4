package storage

import (
	"context"

	"github.com/orchestra-mcp/chatsync/config"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisStore persists cache entries in Redis, letting several processes
// of one device share a warm cache.
type RedisStore struct {
	client *redis.Client
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects a store using cfg. Keys are passed through
// unchanged; callers apply cfg.Prefix via Keys.
func NewRedisStore(cfg *config.RedisConfig) *RedisStore {
	return &RedisStore{client: redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})}
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return errors.Wrap(s.client.Ping(ctx).Err(), "redis ping")
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "redis get %s", key)
	}
	return v, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	return errors.Wrapf(s.client.Set(ctx, key, value, 0).Err(), "redis set %s", key)
}

func (s *RedisStore) Remove(ctx context.Context, key string) error {
	return errors.Wrapf(s.client.Del(ctx, key).Err(), "redis del %s", key)
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

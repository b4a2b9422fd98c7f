package store

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"pollscan/internal/config"
)

// redisPrefix namespaces every key this service writes.
const redisPrefix = "pollscan:"

func redisKey(key string) string { return redisPrefix + key }

// RedisBackend stores records as plain Redis strings without expiry; the
// epoch cache is invalidated by version, not by time.
type RedisBackend struct {
	rdb *redis.Client
}

var _ Backend = (*RedisBackend)(nil)

// OpenRedis connects and pings the server.
func OpenRedis(ctx context.Context, cfg config.RedisConfig) (*RedisBackend, error) {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &RedisBackend{rdb: rdb}, nil
}

// Get returns the value for key.
func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := b.rdb.Get(ctx, redisKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis: get %s: %w", key, err)
	}
	return data, nil
}

// Put overwrites the value for key.
func (b *RedisBackend) Put(ctx context.Context, key string, value []byte) error {
	if err := b.rdb.Set(ctx, redisKey(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis: set %s: %w", key, err)
	}
	return nil
}

// Close closes the connection pool.
func (b *RedisBackend) Close() error {
	return b.rdb.Close()
}

// Package store persists the epoch cache.
//
// Records are opaque JSON blobs under string keys, held by one of three
// backends chosen by cache.backend: JSON files in a data directory (the
// default, crash-safe via atomic rename), a local SQLite database through
// gorm, or Redis for deployments that share a cache between hosts.
// EpochCache layers validation and keying on top of whichever is in use.
package store

import (
	"context"
	"errors"
	"fmt"

	"pollscan/internal/config"
)

// ErrNotFound is returned by a Backend when the key has no value.
var ErrNotFound = errors.New("store: not found")

// Backend is a minimal key-value store.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Close() error
}

// Open creates the backend selected by cfg.Backend.
func Open(ctx context.Context, cfg config.CacheConfig) (Backend, error) {
	switch cfg.Backend {
	case "", "file":
		return OpenFile(cfg.DataDir)
	case "sqlite":
		return OpenSQLite(cfg.SQLitePath)
	case "redis":
		return OpenRedis(ctx, cfg.Redis)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

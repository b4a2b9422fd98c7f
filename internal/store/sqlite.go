package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// cacheEntry is the single table behind SQLiteBackend.
type cacheEntry struct {
	Key       string `gorm:"primaryKey"`
	Value     []byte
	UpdatedAt time.Time
}

func (cacheEntry) TableName() string { return "cache_entries" }

// SQLiteBackend stores records in a local SQLite file via gorm. The driver
// is pure Go, so no cgo toolchain is needed.
type SQLiteBackend struct {
	db *gorm.DB
}

var _ Backend = (*SQLiteBackend)(nil)

// OpenSQLite opens (creating if needed) the database at path and migrates
// the schema.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.AutoMigrate(&cacheEntry{}); err != nil {
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

// Get returns the value for key.
func (b *SQLiteBackend) Get(ctx context.Context, key string) ([]byte, error) {
	var e cacheEntry
	err := b.db.WithContext(ctx).First(&e, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get %s: %w", key, err)
	}
	return e.Value, nil
}

// Put upserts the value for key.
func (b *SQLiteBackend) Put(ctx context.Context, key string, value []byte) error {
	e := cacheEntry{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	if err := b.db.WithContext(ctx).Save(&e).Error; err != nil {
		return fmt.Errorf("sqlite put %s: %w", key, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (b *SQLiteBackend) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

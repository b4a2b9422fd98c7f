package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileBackend keeps one JSON file per key in a directory. Writes go to a
// .tmp file that is renamed over the target, so a crash mid-save never
// leaves a partial record behind.
type FileBackend struct {
	dir string
	mu  sync.Mutex // serializes all file operations
}

var _ Backend = (*FileBackend)(nil)

// OpenFile creates a file backend rooted at dir.
func OpenFile(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

// Close is a no-op for file-based storage.
func (b *FileBackend) Close() error { return nil }

// Get reads the file for key.
func (b *FileBackend) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, err := os.ReadFile(b.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Put atomically replaces the file for key.
func (b *FileBackend) Put(_ context.Context, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	path := b.path(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, value, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %s: %w", key, err)
	}
	return nil
}

// path maps a key like "epochs:0xabc:v1" to "<dir>/epochs_0xabc_v1.json".
func (b *FileBackend) path(key string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		default:
			return '_'
		}
	}, key)
	return filepath.Join(b.dir, name+".json")
}

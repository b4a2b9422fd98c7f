package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"pollscan/internal/config"
)

// backends returns one fresh instance of each local backend.
func backends(t *testing.T) map[string]Backend {
	t.Helper()
	dir := t.TempDir()

	file, err := OpenFile(filepath.Join(dir, "files"))
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	db, err := OpenSQLite(filepath.Join(dir, "db", "cache.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() {
		file.Close()
		db.Close()
	})
	return map[string]Backend{"file": file, "sqlite": db}
}

func TestBackendPutGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, b := range backends(t) {
		if err := b.Put(ctx, "epochs:0xabc:v1", []byte(`{"a":1}`)); err != nil {
			t.Fatalf("%s: Put: %v", name, err)
		}
		got, err := b.Get(ctx, "epochs:0xabc:v1")
		if err != nil {
			t.Fatalf("%s: Get: %v", name, err)
		}
		if string(got) != `{"a":1}` {
			t.Errorf("%s: Get = %s", name, got)
		}
	}
}

func TestBackendMissingKey(t *testing.T) {
	t.Parallel()

	for name, b := range backends(t) {
		_, err := b.Get(context.Background(), "nope")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("%s: Get(missing) error = %v, want ErrNotFound", name, err)
		}
	}
}

func TestBackendPutOverwrites(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, b := range backends(t) {
		_ = b.Put(ctx, "k", []byte("one"))
		_ = b.Put(ctx, "k", []byte("two"))
		got, err := b.Get(ctx, "k")
		if err != nil {
			t.Fatalf("%s: Get: %v", name, err)
		}
		if string(got) != "two" {
			t.Errorf("%s: Get = %q, want latest write", name, got)
		}
	}
}

func TestFileBackendLeavesNoTmp(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	b, err := OpenFile(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Put(context.Background(), "epochs:0xABC:v2", []byte("{}")); err != nil {
		t.Fatal(err)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 || entries[0].Name() != "epochs_0xABC_v2.json" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("dir entries = %v, want only epochs_0xABC_v2.json", names)
	}
}

func TestOpenSelectsBackend(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	b, err := Open(context.Background(), config.CacheConfig{Backend: "sqlite", SQLitePath: filepath.Join(dir, "x.db")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()
	if _, ok := b.(*SQLiteBackend); !ok {
		t.Errorf("Open returned %T, want *SQLiteBackend", b)
	}

	if _, err := Open(context.Background(), config.CacheConfig{Backend: "memcached"}); err == nil {
		t.Error("unknown backend should fail")
	}
}

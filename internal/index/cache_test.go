package index_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tripwire/monitor/internal/index"
)

func TestSaveLoadCacheRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stream.bin")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	writePacket(t, f, 1, 0, 1000, make([]byte, 4))
	writePacket(t, f, 2, 1, 2000, make([]byte, 4))
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	ix := index.New(nil, nil)
	idx, err := ix.Scan(context.Background(), path)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	cachePath := index.CachePath(path)
	if err := index.SaveCache(path, cachePath, idx); err != nil {
		t.Fatalf("SaveCache: %v", err)
	}

	loaded, ok, err := index.LoadCache(path, cachePath)
	if err != nil {
		t.Fatalf("LoadCache: %v", err)
	}
	if !ok {
		t.Fatal("expected cache to be valid")
	}
	if len(loaded.Entries) != len(idx.Entries) {
		t.Fatalf("got %d cached entries, want %d", len(loaded.Entries), len(idx.Entries))
	}
	for i := range idx.Entries {
		if loaded.Entries[i] != idx.Entries[i] {
			t.Errorf("entry %d mismatch: got %+v, want %+v", i, loaded.Entries[i], idx.Entries[i])
		}
	}
}

func TestLoadCacheRejectsStaleSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stream.bin")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	writePacket(t, f, 1, 0, 1000, make([]byte, 4))
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	ix := index.New(nil, nil)
	idx, err := ix.Scan(context.Background(), path)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	cachePath := index.CachePath(path)
	if err := index.SaveCache(path, cachePath, idx); err != nil {
		t.Fatalf("SaveCache: %v", err)
	}

	// Touch the source so its mtime moves past the cache's.
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	_, ok, err := index.LoadCache(path, cachePath)
	if err != nil {
		t.Fatalf("LoadCache: %v", err)
	}
	if ok {
		t.Error("expected a stale-mtime cache to be rejected")
	}
}

func TestLoadCacheMissingFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stream.bin")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, ok, err := index.LoadCache(path, filepath.Join(dir, "nonexistent.cache"))
	if err != nil {
		t.Fatalf("LoadCache: %v", err)
	}
	if ok {
		t.Error("expected no cache to be found")
	}
}

func TestSmallIndexIsNotDecimatedAndKeepsEndpoints(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stream.bin")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	const n = 5
	for i := 0; i < n; i++ {
		writePacket(t, f, uint32(i), uint32(i), uint64(1000+i), make([]byte, 4))
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	ix := index.New(nil, nil)
	idx, err := ix.Scan(context.Background(), path)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	cachePath := index.CachePath(path)
	if err := index.SaveCache(path, cachePath, idx); err != nil {
		t.Fatalf("SaveCache: %v", err)
	}
	loaded, ok, err := index.LoadCache(path, cachePath)
	if err != nil || !ok {
		t.Fatalf("LoadCache: ok=%v err=%v", ok, err)
	}
	if len(loaded.Entries) != n {
		t.Fatalf("small index should not be decimated: got %d entries, want %d", len(loaded.Entries), n)
	}
	if loaded.Entries[0] != idx.Entries[0] || loaded.Entries[len(loaded.Entries)-1] != idx.Entries[len(idx.Entries)-1] {
		t.Error("decimation must preserve first and last entries")
	}
}

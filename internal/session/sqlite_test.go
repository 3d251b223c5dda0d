package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func setupTestSQLite(t *testing.T, quota int64) *SQLiteStorage {
	path := filepath.Join(t.TempDir(), "sessions.db")
	storage, err := NewSQLiteStorage(path, quota)
	if err != nil {
		t.Fatalf("failed to create sqlite storage: %v", err)
	}
	t.Cleanup(func() { storage.Close() })
	return storage
}

func TestSQLiteStorageRoundTrip(t *testing.T) {
	storage := setupTestSQLite(t, 0)
	ctx := context.Background()

	if _, ok, err := storage.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("Get missing key: ok=%v err=%v", ok, err)
	}

	if err := storage.Set(ctx, "draft:entry:abc", "v1"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := storage.Set(ctx, "draft:entry:abc", "v2"); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}

	val, ok, err := storage.Get(ctx, "draft:entry:abc")
	if err != nil || !ok || val != "v2" {
		t.Fatalf("Get returned (%q, %v, %v)", val, ok, err)
	}

	keys, err := storage.Keys(ctx)
	if err != nil || len(keys) != 1 {
		t.Fatalf("Keys returned %v, %v", keys, err)
	}

	if err := storage.Delete(ctx, "draft:entry:abc"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok, _ := storage.Get(ctx, "draft:entry:abc"); ok {
		t.Fatal("key present after Delete")
	}
}

func TestSQLiteStorageEnforcesQuota(t *testing.T) {
	storage := setupTestSQLite(t, 100)
	ctx := context.Background()

	if err := storage.Set(ctx, "a", "small"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	err := storage.Set(ctx, "b", string(make([]byte, 200)))
	if err != ErrQuotaExceeded {
		t.Fatalf("oversized Set returned %v, want ErrQuotaExceeded", err)
	}

	// Replacing an existing key counts the replacement, not both versions.
	if err := storage.Set(ctx, "a", "still small"); err != nil {
		t.Fatalf("replacement Set failed: %v", err)
	}
}

func TestStoreOnSQLiteStorage(t *testing.T) {
	storage := setupTestSQLite(t, 0)
	store := NewStore(storage, 10*time.Minute)
	ctx := context.Background()

	id, err := store.Init(ctx, "")
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := store.Save(ctx, id, snapWithTitle(id, "Durable")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	entry, err := store.Load(ctx, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if entry == nil || entry.Snapshot.Draft.Title != "Durable" {
		t.Fatalf("Load returned %+v", entry)
	}
}

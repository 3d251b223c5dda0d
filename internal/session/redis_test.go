package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) *RedisStorage {
	s := miniredis.RunT(t)
	storage, err := NewRedisStorage("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis storage: %v", err)
	}
	t.Cleanup(func() { storage.Close() })
	return storage
}

func TestRedisStorageRoundTrip(t *testing.T) {
	storage := setupTestRedis(t)
	ctx := context.Background()

	if err := storage.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	if _, ok, err := storage.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("Get missing key: ok=%v err=%v", ok, err)
	}

	if err := storage.Set(ctx, "draft:entry:abc", `{"id":"abc"}`); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	val, ok, err := storage.Get(ctx, "draft:entry:abc")
	if err != nil || !ok {
		t.Fatalf("Get failed: ok=%v err=%v", ok, err)
	}
	if val != `{"id":"abc"}` {
		t.Fatalf("Get returned %q", val)
	}

	if err := storage.Delete(ctx, "draft:entry:abc"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok, _ := storage.Get(ctx, "draft:entry:abc"); ok {
		t.Fatal("key present after Delete")
	}
}

func TestRedisStorageKeysAreNamespaced(t *testing.T) {
	s := miniredis.RunT(t)
	storage, err := NewRedisStorage("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis storage: %v", err)
	}
	defer storage.Close()

	ctx := context.Background()
	// A foreign key in the same instance must not leak into enumeration.
	s.Set("unrelated", "x")

	if err := storage.Set(ctx, "draft:entry:a", "1"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := storage.Set(ctx, "draft:current", "a"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	keys, err := storage.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("Keys returned %v, want the 2 namespaced keys", keys)
	}
	for _, k := range keys {
		if k != "draft:entry:a" && k != "draft:current" {
			t.Errorf("unexpected key %q", k)
		}
	}
}

func TestStoreOnRedisStorage(t *testing.T) {
	storage := setupTestRedis(t)
	store := NewStore(storage, 10*time.Minute)
	ctx := context.Background()

	id, err := store.Init(ctx, "")
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := store.Save(ctx, id, snapWithTitle(id, "Redis-backed")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	entry, err := store.Load(ctx, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if entry == nil || entry.Snapshot.Draft.Title != "Redis-backed" {
		t.Fatalf("Load returned %+v", entry)
	}
}

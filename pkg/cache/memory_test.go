package cache

import (
	"context"
	"testing"
	"time"
)

type sample struct {
	Name  string
	Count int
}

func TestMemoryCacheStructRoundTrip(t *testing.T) {
	mc := NewMemoryCache(WithMemoryMaxSize(10), WithMemoryCleanup(time.Minute))
	defer mc.Close()
	ctx := context.Background()

	if err := mc.Set(ctx, "k", sample{Name: "a", Count: 3}, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	var got sample
	if err := mc.Get(ctx, "k", &got); err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "a" || got.Count != 3 {
		t.Fatalf("unexpected value %+v", got)
	}
	if err := mc.Get(ctx, "missing", &got); err != ErrCacheMiss {
		t.Fatalf("expected miss, got %v", err)
	}
}

func TestMemoryCacheLockOwnership(t *testing.T) {
	mc := NewMemoryCache()
	defer mc.Close()
	ctx := context.Background()

	ok, _ := mc.TryLock(ctx, "lock", "owner-a", time.Minute)
	if !ok {
		t.Fatalf("expected first lock to succeed")
	}
	if ok, _ := mc.TryLock(ctx, "lock", "owner-b", time.Minute); ok {
		t.Fatalf("expected second lock to fail")
	}
	_ = mc.Unlock(ctx, "lock", "owner-b")
	if ok, _ := mc.TryLock(ctx, "lock", "owner-b", time.Minute); ok {
		t.Fatalf("foreign unlock must not release the lock")
	}
	_ = mc.Unlock(ctx, "lock", "owner-a")
	if ok, _ := mc.TryLock(ctx, "lock", "owner-b", time.Minute); !ok {
		t.Fatalf("expected lock after owner released")
	}
}

func TestMemoryCacheEvictsLRU(t *testing.T) {
	mc := NewMemoryCache(WithMemoryMaxSize(2))
	defer mc.Close()
	ctx := context.Background()

	_ = mc.Set(ctx, "a", "1", 0)
	_ = mc.Set(ctx, "b", "2", 0)
	var s string
	_ = mc.Get(ctx, "a", &s)
	_ = mc.Set(ctx, "c", "3", 0)

	if ok, _ := mc.Exists(ctx, "b"); ok {
		t.Fatalf("expected least recently used entry to be evicted")
	}
	if ok, _ := mc.Exists(ctx, "a"); !ok {
		t.Fatalf("recently read entry must survive")
	}
	if err := mc.Get(ctx, "c", &s); err != nil || s != "3" {
		t.Fatalf("expected c=3, got %q %v", s, err)
	}
}

func TestMemoryCacheNeverEvictsLocks(t *testing.T) {
	mc := NewMemoryCache(WithMemoryMaxSize(2))
	defer mc.Close()
	ctx := context.Background()

	if ok, _ := mc.TryLock(ctx, "lock:a", "t", time.Minute); !ok {
		t.Fatalf("lock not taken")
	}
	_ = mc.Set(ctx, "x", "1", 0)
	_ = mc.Set(ctx, "y", "2", 0)
	_ = mc.Set(ctx, "z", "3", 0)

	if ok, _ := mc.Exists(ctx, "lock:a"); !ok {
		t.Fatalf("lock entry was evicted")
	}
}

func TestMemoryCacheExpiry(t *testing.T) {
	mc := NewMemoryCache()
	defer mc.Close()
	now := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	mc.now = func() time.Time { return now }
	ctx := context.Background()

	_ = mc.Set(ctx, "k", []byte("v"), time.Second)
	var b []byte
	if err := mc.Get(ctx, "k", &b); err != nil || string(b) != "v" {
		t.Fatalf("expected v, got %q %v", b, err)
	}
	now = now.Add(time.Second)
	if err := mc.Get(ctx, "k", &b); err != ErrCacheMiss {
		t.Fatalf("expected miss after expiry, got %v", err)
	}
	if mc.Len() != 0 {
		t.Fatalf("expired entry should be dropped on read")
	}
	if err := mc.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

package cache

import (
	"context"
	"testing"
	"time"
)

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		err := cache.Set(ctx, "key1", []byte("value1"), time.Minute)
		if err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		val, err := cache.Get(ctx, "key1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}

		if string(val) != "value1" {
			t.Errorf("expected 'value1', got '%s'", string(val))
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := cache.Get(ctx, "nonexistent")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for cache miss, got: %v", val)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, "key2", []byte("value2"), time.Minute)

		if err := cache.Delete(ctx, "key2"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		val, _ := cache.Get(ctx, "key2")
		if val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		_ = cache.Set(ctx, "expiring", []byte("temp"), 10*time.Millisecond)

		val, _ := cache.Get(ctx, "expiring")
		if val == nil {
			t.Error("expected value before expiration")
		}

		time.Sleep(20 * time.Millisecond)

		val, _ = cache.Get(ctx, "expiring")
		if val != nil {
			t.Error("expected nil after expiration")
		}
	})

	t.Run("LRUEviction", func(t *testing.T) {
		smallCache := NewLRUCache(3)

		_ = smallCache.Set(ctx, "a", []byte("1"), time.Minute)
		_ = smallCache.Set(ctx, "b", []byte("2"), time.Minute)
		_ = smallCache.Set(ctx, "c", []byte("3"), time.Minute)

		// Touch 'a' so 'b' is the least recently used.
		_, _ = smallCache.Get(ctx, "a")

		_ = smallCache.Set(ctx, "d", []byte("4"), time.Minute)

		val, _ := smallCache.Get(ctx, "b")
		if val != nil {
			t.Error("expected 'b' to be evicted")
		}
		val, _ = smallCache.Get(ctx, "a")
		if val == nil {
			t.Error("expected 'a' to survive eviction")
		}
	})
}

func TestIncrementCounter(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()

	t.Run("Increments", func(t *testing.T) {
		for want := int64(1); want <= 3; want++ {
			got, err := cache.IncrementCounter(ctx, "ingest:actor-1", time.Minute)
			if err != nil {
				t.Fatalf("IncrementCounter failed: %v", err)
			}
			if got != want {
				t.Errorf("counter = %d, want %d", got, want)
			}
		}
	})

	t.Run("WindowReset", func(t *testing.T) {
		_, _ = cache.IncrementCounter(ctx, "ingest:actor-2", 10*time.Millisecond)
		_, _ = cache.IncrementCounter(ctx, "ingest:actor-2", 10*time.Millisecond)

		time.Sleep(20 * time.Millisecond)

		got, err := cache.IncrementCounter(ctx, "ingest:actor-2", 10*time.Millisecond)
		if err != nil {
			t.Fatalf("IncrementCounter failed: %v", err)
		}
		if got != 1 {
			t.Errorf("counter after window reset = %d, want 1", got)
		}
	})

	t.Run("IndependentKeys", func(t *testing.T) {
		a, _ := cache.IncrementCounter(ctx, "ingest:actor-3", time.Minute)
		b, _ := cache.IncrementCounter(ctx, "ingest:actor-4", time.Minute)
		if a != 1 || b != 1 {
			t.Errorf("counters = %d, %d, want 1, 1", a, b)
		}
	})
}

// Package cache provides unit tests for the LRU cache implementation.
package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLRUCache_Creation tests cache creation with various configurations.
func TestLRUCache_Creation(t *testing.T) {
	testCases := []struct {
		name       string
		capacity   int
		defaultTTL time.Duration
		expectCap  int
	}{
		{"default values", 0, 0, 1000},
		{"custom capacity", 500, 0, 500},
		{"custom TTL", 0, 10 * time.Minute, 1000},
		{"both custom", 200, 15 * time.Minute, 200},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cache := NewLRUCache[string, []byte](tc.capacity, tc.defaultTTL)
			assert.Equal(t, tc.expectCap, cache.Capacity())
			assert.Equal(t, 0, cache.Size())
		})
	}
}

// TestLRUCache_BasicSetGet tests basic Set and Get operations.
func TestLRUCache_BasicSetGet(t *testing.T) {
	cache := NewLRUCache[string, []byte](100, time.Minute)

	t.Run("Set and Get returns value", func(t *testing.T) {
		key := "test-key"
		value := []byte("test-value")

		cache.Set(key, value, 0)
		result, ok := cache.Get(key)

		require.True(t, ok, "expected key to exist")
		assert.Equal(t, value, result)
	})

	t.Run("Get non-existent key returns false", func(t *testing.T) {
		_, ok := cache.Get("non-existent")
		assert.False(t, ok)
	})

	t.Run("Update existing key", func(t *testing.T) {
		key := "update-key"
		value1 := []byte("value1")
		value2 := []byte("value2")

		cache.Set(key, value1, 0)
		cache.Set(key, value2, 0)

		result, ok := cache.Get(key)
		require.True(t, ok)
		assert.Equal(t, value2, result)
	})
}

// TestLRUCache_TTLExpiration tests TTL-based expiration.
func TestLRUCache_TTLExpiration(t *testing.T) {
	t.Run("value expires after TTL", func(t *testing.T) {
		cache := NewLRUCache[string, []byte](100, 50*time.Millisecond)
		key := "expiring-key"
		value := []byte("expiring-value")

		cache.Set(key, value, 50*time.Millisecond)

		// Should exist immediately
		_, ok := cache.Get(key)
		assert.True(t, ok, "key should exist immediately after Set")

		// Wait for expiration
		time.Sleep(60 * time.Millisecond)

		_, ok = cache.Get(key)
		assert.False(t, ok, "key should be expired after TTL")
	})

	t.Run("custom TTL overrides default", func(t *testing.T) {
		cache := NewLRUCache[string, []byte](100, 10*time.Millisecond)

		// Set with longer TTL
		cache.Set("long", []byte("long"), 100*time.Millisecond)

		// Default TTL expires
		time.Sleep(20 * time.Millisecond)

		// Long TTL key should still exist
		_, ok := cache.Get("long")
		assert.True(t, ok, "key with custom TTL should persist after default TTL")
	})

	t.Run("Get slides the expiry", func(t *testing.T) {
		cache := NewLRUCache[string, []byte](100, 80*time.Millisecond)
		cache.SetWithDefaultTTL("sliding", []byte("v"))

		// Touch before expiry twice; total elapsed exceeds one TTL.
		time.Sleep(50 * time.Millisecond)
		_, ok := cache.Get("sliding")
		require.True(t, ok)

		time.Sleep(50 * time.Millisecond)
		_, ok = cache.Get("sliding")
		assert.True(t, ok, "touched entry should survive past the original deadline")
	})
}

// TestLRUCache_LRUEviction tests the LRU eviction policy.
func TestLRUCache_LRUEviction(t *testing.T) {
	t.Run("evicts least recently used when full", func(t *testing.T) {
		cache := NewLRUCache[string, []byte](3, time.Minute)

		cache.Set("key1", []byte("1"), 0)
		cache.Set("key2", []byte("2"), 0)
		cache.Set("key3", []byte("3"), 0)

		assert.Equal(t, 3, cache.Size(), "cache should be at capacity")

		// Access key1 to make it recently used
		cache.Get("key1")

		// Add new entry - should evict key2 (LRU)
		cache.Set("key4", []byte("4"), 0)

		assert.Equal(t, 3, cache.Size(), "cache size should remain at capacity")

		_, ok := cache.Get("key2")
		assert.False(t, ok, "LRU key should be evicted")

		_, ok = cache.Get("key1")
		assert.True(t, ok, "recently accessed key should exist")
	})

	t.Run("eviction respects update time", func(t *testing.T) {
		cache := NewLRUCache[string, []byte](3, time.Minute)

		cache.Set("key1", []byte("1"), 0)
		cache.Set("key2", []byte("2"), 0)
		cache.Set("key3", []byte("3"), 0)

		// Update key2 to make it more recent
		cache.Set("key2", []byte("2-updated"), 0)

		// Add new entry - should evict key1 (oldest)
		cache.Set("key4", []byte("4"), 0)

		_, ok := cache.Get("key1")
		assert.False(t, ok, "oldest key should be evicted")

		_, ok = cache.Get("key2")
		assert.True(t, ok, "updated key should exist")
	})
}

// TestLRUCache_OnEvict tests the eviction hook.
func TestLRUCache_OnEvict(t *testing.T) {
	cache := NewLRUCache[string, int](2, time.Minute)

	var evicted []string
	cache.OnEvict(func(k string, _ int) {
		evicted = append(evicted, k)
	})

	cache.Set("a", 1, 0)
	cache.Set("b", 2, 0)

	t.Run("capacity displacement fires hook", func(t *testing.T) {
		cache.Set("c", 3, 0)
		require.Len(t, evicted, 1)
		assert.Equal(t, "a", evicted[0])
	})

	t.Run("Remove fires hook", func(t *testing.T) {
		require.True(t, cache.Remove("b"))
		assert.Contains(t, evicted, "b")
	})

	t.Run("Clear fires hook for every entry", func(t *testing.T) {
		evicted = nil
		cache.Clear()
		assert.Len(t, evicted, 1, "only c remained")
		assert.Equal(t, 0, cache.Size())
	})
}

// TestLRUCache_Remove tests removing specific entries.
func TestLRUCache_Remove(t *testing.T) {
	cache := NewLRUCache[string, []byte](100, time.Minute)

	cache.Set("user:1", []byte("1"), 0)
	cache.Set("user:2", []byte("2"), 0)

	assert.True(t, cache.Remove("user:1"))

	_, ok := cache.Get("user:1")
	assert.False(t, ok, "removed key should not exist")

	_, ok = cache.Get("user:2")
	assert.True(t, ok, "other keys should remain")

	assert.False(t, cache.Remove("non-existent"))
}

// TestLRUCache_Clearing tests clearing the cache.
func TestLRUCache_Clearing(t *testing.T) {
	cache := NewLRUCache[string, []byte](100, time.Minute)

	for i := 0; i < 10; i++ {
		cache.Set(string(rune('a'+i)), []byte{byte(i)}, 0)
	}

	assert.Equal(t, 10, cache.Size())

	cache.Clear()

	assert.Equal(t, 0, cache.Size(), "cache should be empty after Clear")

	for i := 0; i < 10; i++ {
		_, ok := cache.Get(string(rune('a' + i)))
		assert.False(t, ok, "all entries should be cleared")
	}
}

// TestLRUCache_ExpiredCleanup tests cleanup of expired entries.
func TestLRUCache_ExpiredCleanup(t *testing.T) {
	cache := NewLRUCache[string, []byte](100, 50*time.Millisecond)

	cache.Set("expired1", []byte("1"), 50*time.Millisecond)
	cache.Set("expired2", []byte("2"), 50*time.Millisecond)
	cache.Set("valid", []byte("3"), 200*time.Millisecond)
	cache.Set("long", []byte("4"), 300*time.Millisecond)

	// Wait for short TTL entries to expire
	time.Sleep(60 * time.Millisecond)

	removed := cache.CleanupExpired()
	assert.GreaterOrEqual(t, removed, 2, "should remove at least 2 expired entries")

	_, ok := cache.Get("expired1")
	assert.False(t, ok)

	_, ok = cache.Get("expired2")
	assert.False(t, ok)

	_, ok = cache.Get("valid")
	assert.True(t, ok)

	_, ok = cache.Get("long")
	assert.True(t, ok)
}

// TestLRUCache_Contains tests existence checks without promotion.
func TestLRUCache_Contains(t *testing.T) {
	cache := NewLRUCache[string, []byte](100, 50*time.Millisecond)

	cache.SetWithDefaultTTL("key", []byte("v"))
	assert.True(t, cache.Contains("key"))
	assert.False(t, cache.Contains("missing"))

	time.Sleep(60 * time.Millisecond)
	assert.False(t, cache.Contains("key"), "expired entry should not be reported")
}

// TestLRUCache_ThreadSafety tests thread safety.
func TestLRUCache_ThreadSafety(t *testing.T) {
	cache := NewLRUCache[string, []byte](1000, time.Minute)
	var wg sync.WaitGroup

	// Concurrent writers
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := string(rune('a' + n%26))
			cache.Set(key, []byte{byte(n)}, 0)
		}(i)
	}

	// Concurrent readers
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := string(rune('a' + n%26))
			cache.Get(key)
		}(i)
	}

	// Concurrent removers
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			cache.Remove(string(rune('a' + n%26)))
		}(i)
	}

	wg.Wait()
	// Should not panic or deadlock
}

// BenchmarkLRUCache_Set benchmarks the Set operation.
func BenchmarkLRUCache_Set(b *testing.B) {
	cache := NewLRUCache[string, []byte](10000, time.Minute)
	value := []byte("test-value")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := string(rune('a' + i%26))
		cache.Set(key, value, 0)
	}
}

// BenchmarkLRUCache_Get benchmarks the Get operation.
func BenchmarkLRUCache_Get(b *testing.B) {
	cache := NewLRUCache[string, []byte](10000, time.Minute)
	cache.Set("test-key", []byte("test-value"), 0)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		cache.Get("test-key")
	}
}

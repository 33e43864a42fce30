// ABOUTME: Tests for the idempotency cache used by command ingress.
// ABOUTME: Validates replay, TTL expiration, size limits, eviction, cleanup, and concurrency.

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_Do_RunsOnce(t *testing.T) {
	cache := New[string](5*time.Minute, 100)
	defer cache.Close()

	calls := 0
	v, replayed := cache.Do("req-1", func() string { calls++; return "delivered" })
	assert.Equal(t, "delivered", v)
	assert.False(t, replayed)

	v, replayed = cache.Do("req-1", func() string { calls++; return "other" })
	assert.Equal(t, "delivered", v)
	assert.True(t, replayed)
	assert.Equal(t, 1, calls)
}

func TestCache_Do_DistinctKeys(t *testing.T) {
	cache := New[int](5*time.Minute, 100)
	defer cache.Close()

	a, _ := cache.Do("a", func() int { return 1 })
	b, _ := cache.Do("b", func() int { return 2 })
	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
}

func TestCache_Do_Expired(t *testing.T) {
	cache := New[int](10*time.Millisecond, 100)
	defer cache.Close()

	cache.Do("key", func() int { return 1 })
	time.Sleep(20 * time.Millisecond)

	v, replayed := cache.Do("key", func() int { return 2 })
	assert.Equal(t, 2, v)
	assert.False(t, replayed, "expired entries run again")
}

func TestCache_DoKeep_ForgetsRejectedResults(t *testing.T) {
	cache := New[string](5*time.Minute, 100)
	defer cache.Close()

	keepDelivered := func(v string) bool { return v == "delivered" }

	v, replayed := cache.DoKeep("req-1", func() string { return "not_connected" }, keepDelivered)
	assert.Equal(t, "not_connected", v)
	assert.False(t, replayed)
	assert.Equal(t, 0, cache.Len(), "rejected results are not retained")

	v, replayed = cache.DoKeep("req-1", func() string { return "delivered" }, keepDelivered)
	assert.Equal(t, "delivered", v)
	assert.False(t, replayed, "a forgotten key runs again")

	v, replayed = cache.DoKeep("req-1", func() string { return "other" }, keepDelivered)
	assert.Equal(t, "delivered", v)
	assert.True(t, replayed)
}

func TestCache_DoKeep_WaitersShareRejectedResult(t *testing.T) {
	cache := New[string](5*time.Minute, 100)
	defer cache.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		cache.DoKeep("slow", func() string {
			close(started)
			<-release
			return "not_connected"
		}, func(string) bool { return false })
	}()
	<-started

	waiterDone := make(chan string, 1)
	go func() {
		v, replayed := cache.DoKeep("slow", func() string { return "ran" }, nil)
		if replayed {
			waiterDone <- v
			return
		}
		waiterDone <- "ran:" + v
	}()

	// Give the waiter time to park on the pending entry.
	time.Sleep(20 * time.Millisecond)
	close(release)
	<-firstDone

	assert.Equal(t, "not_connected", <-waiterDone)
	assert.Equal(t, 0, cache.Len())
}

func TestCache_DoKeep_PanicForgetsEntry(t *testing.T) {
	cache := New[int](5*time.Minute, 100)
	defer cache.Close()

	assert.Panics(t, func() {
		cache.DoKeep("boom", func() int { panic("dispatch failed") }, nil)
	})
	assert.Equal(t, 0, cache.Len())

	v, replayed := cache.Do("boom", func() int { return 3 })
	assert.Equal(t, 3, v)
	assert.False(t, replayed)
}

func TestCache_Eviction(t *testing.T) {
	cache := New[int](5*time.Minute, 3)
	defer cache.Close()

	for i := 1; i <= 3; i++ {
		cache.Do(fmt.Sprintf("key-%d", i), func() int { return i })
	}
	assert.Equal(t, 3, cache.Len())

	cache.Do("key-4", func() int { return 4 })
	assert.Equal(t, 3, cache.Len())

	for _, k := range []string{"key-2", "key-3", "key-4"} {
		_, replayed := cache.Do(k, func() int { return -1 })
		assert.True(t, replayed, k)
	}

	v, replayed := cache.Do("key-1", func() int { return 10 })
	assert.False(t, replayed, "oldest key should have been evicted")
	assert.Equal(t, 10, v)
}

func TestCache_Cleanup(t *testing.T) {
	cache := New[int](10*time.Millisecond, 100)
	defer cache.Close()

	cache.Do("cleanup-1", func() int { return 1 })
	cache.Do("cleanup-2", func() int { return 2 })
	time.Sleep(20 * time.Millisecond)

	cache.runCleanup()
	assert.Equal(t, 0, cache.Len(), "cleanup should remove expired entries")
}

func TestCache_ConcurrentSameKey(t *testing.T) {
	cache := New[int](5*time.Minute, 100)
	defer cache.Close()

	const numGoroutines = 100
	var calls atomic.Int32
	var replays atomic.Int32
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			v, replayed := cache.Do("contested", func() int {
				calls.Add(1)
				time.Sleep(5 * time.Millisecond)
				return 7
			})
			assert.Equal(t, 7, v)
			if replayed {
				replays.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "exactly one caller should run the operation")
	assert.Equal(t, int32(numGoroutines-1), replays.Load())
}

func TestCache_Close(t *testing.T) {
	cache := New[int](5*time.Minute, 100)
	cache.Do("before-close", func() int { return 1 })

	cache.Close()
	cache.Close()
}

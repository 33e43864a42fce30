// ABOUTME: Thread-safe TTL cache that remembers the result of a keyed operation.
// ABOUTME: Used by command ingress to make submissions with a request_id idempotent.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// cacheEntry stores a remembered result and its position in insertion order.
type cacheEntry[V any] struct {
	timestamp time.Time
	element   *list.Element
	value     V
	// done is closed once value is set; concurrent callers for the same key wait on it.
	done chan struct{}
}

// Cache remembers the first result computed for each key for a TTL window,
// bounded to maxSize entries. Uses a doubly-linked list to maintain insertion
// order for O(1) eviction of the oldest key.
type Cache[V any] struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry[V]
	order   *list.List // keys in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a cache with the specified TTL and maximum size.
// A background goroutine periodically removes expired entries.
func New[V any](ttl time.Duration, maxSize int) *Cache[V] {
	c := &Cache[V]{
		seen:    make(map[string]*cacheEntry[V]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Do returns the remembered result for key, or runs fn and remembers its
// result. Callers that arrive while fn is running for the same key wait for
// it and share its result. replayed is true when fn was not run by this call.
func (c *Cache[V]) Do(key string, fn func() V) (value V, replayed bool) {
	return c.DoKeep(key, fn, nil)
}

// DoKeep is Do with a retention rule: a result for which keep returns false
// is handed to the callers already waiting on it and then forgotten, so the
// next call for key runs fn again. A nil keep retains every result. If fn
// panics the pending entry is forgotten.
func (c *Cache[V]) DoKeep(key string, fn func() V, keep func(V) bool) (value V, replayed bool) {
	c.mu.Lock()
	if entry, ok := c.seen[key]; ok && time.Since(entry.timestamp) < c.ttl {
		c.mu.Unlock()
		<-entry.done
		return entry.value, true
	}

	entry := c.insertLocked(key)
	c.mu.Unlock()

	kept := false
	defer func() {
		if !kept {
			c.forget(key, entry)
		}
		close(entry.done)
	}()

	entry.value = fn()
	kept = keep == nil || keep(entry.value)
	return entry.value, false
}

// forget removes entry if it still occupies key.
func (c *Cache[V]) forget(key string, entry *cacheEntry[V]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seen[key] == entry {
		c.order.Remove(entry.element)
		delete(c.seen, key)
	}
}

// Len returns the number of tracked keys, including expired ones not yet swept.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// insertLocked adds a pending entry for key. Must be called with mu held.
func (c *Cache[V]) insertLocked(key string) *cacheEntry[V] {
	if old, exists := c.seen[key]; exists {
		c.order.Remove(old.element)
		delete(c.seen, key)
	}

	if c.maxSize > 0 && len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	entry := &cacheEntry[V]{
		timestamp: time.Now(),
		element:   c.order.PushBack(key),
		done:      make(chan struct{}),
	}
	c.seen[key] = entry
	return entry
}

// evictOldest removes the oldest entry from the cache.
// Must be called with mu held.
func (c *Cache[V]) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache[V]) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired entries from the cache.
func (c *Cache[V]) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.seen {
		if now.Sub(entry.timestamp) > c.ttl {
			c.order.Remove(entry.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}

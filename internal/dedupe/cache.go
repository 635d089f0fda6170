// ABOUTME: Thread-safe TTL cache mapping keys to a remembered value
// ABOUTME: Backs Idempotency-Key handling for job submission and delivery dedupe

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// cacheEntry stores the value, timestamp and list element for a cached key.
type cacheEntry struct {
	value     string
	timestamp time.Time
	element   *list.Element
}

// Cache is a thread-safe, TTL-based, size-limited key cache.
// Uses a doubly-linked list to maintain insertion order for O(1) eviction.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List // keys in insertion order, oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL and maximum size.
// A background goroutine periodically removes expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Claim reserves key for the caller. It returns claimed=true when the key
// was free (or expired); the caller must then Remember or Forget it. When the
// key is already held, value is what was remembered, or "" while the first
// claimant has not finished.
func (c *Cache) Claim(key string) (value string, claimed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.liveLocked(key); ok {
		return entry.value, false
	}
	c.putLocked(key, "")
	return "", true
}

// Remember stores value under key, refreshing its TTL.
func (c *Cache) Remember(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, value)
}

// Lookup returns the value remembered for key if it has not expired.
func (c *Cache) Lookup(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.liveLocked(key)
	if !ok {
		return "", false
	}
	return entry.value, true
}

// Forget drops key, releasing a claim that did not complete.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[key]; ok {
		c.order.Remove(entry.element)
		delete(c.seen, key)
	}
}

// CheckAndMark atomically checks if a key has been seen and marks it if not.
// Returns true if the key was already seen, false if it is new and now marked.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.liveLocked(key); ok {
		return true
	}
	c.putLocked(key, "")
	return false
}

// Len returns the number of entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// liveLocked must be called with mu held.
func (c *Cache) liveLocked(key string) (*cacheEntry, bool) {
	entry, ok := c.seen[key]
	if !ok || time.Since(entry.timestamp) >= c.ttl {
		return nil, false
	}
	return entry, true
}

// putLocked must be called with mu held.
func (c *Cache) putLocked(key, value string) {
	now := time.Now()

	if entry, exists := c.seen[key]; exists {
		entry.value = value
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &cacheEntry{
		value:     value,
		timestamp: now,
		element:   elem,
	}
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

func (c *Cache) cleanup() {
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
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.seen {
		if now.Sub(entry.timestamp) >= c.ttl {
			c.order.Remove(entry.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}

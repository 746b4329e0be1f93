package enrich

import (
	"sync"
	"time"
)

// Cache is a bounded TTL cache for dynamic-handler probe results. Both
// successful (op, params) tuples and known-dead candidates live here, so a
// scan of 10k unknown resources probes each service:type once, not 10k
// times. Size is capped with FIFO eviction; unbounded growth was the
// failure mode this exists to prevent.
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	order   []string
	maxSize int
	ttl     time.Duration
	now     func() time.Time
}

type cacheEntry struct {
	value   any
	expires time.Time
}

// NewCache builds a cache holding at most maxSize entries for at most ttl.
// Zero values fall back to 512 entries and 30 minutes.
func NewCache(maxSize int, ttl time.Duration) *Cache {
	if maxSize <= 0 {
		maxSize = 512
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Cache{
		entries: make(map[string]cacheEntry),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the cached value, or nil and false when absent or expired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(entry.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.value, true
}

// Put stores a value, evicting the oldest entries past capacity.
func (c *Cache) Put(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists {
		c.order = append(c.order, key)
	}
	c.entries[key] = cacheEntry{value: value, expires: c.now().Add(c.ttl)}

	for len(c.entries) > c.maxSize && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
}

// Len reports the live entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

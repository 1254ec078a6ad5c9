package vfs

import (
	"container/list"
	"sync"
	"time"

	"cortex/internal/logging"
)

// ContentCache is an LRU cache with both an entry and a byte capacity and
// a per-entry TTL. Entries larger than the byte capacity bypass the cache.
type ContentCache struct {
	mu         sync.Mutex
	maxEntries int
	maxBytes   int64
	ttl        time.Duration

	order   *list.List // *cacheEntry, most-recently-used at front
	entries map[string]*list.Element
	bytes   int64

	stats CacheStats
}

// CacheStats holds hit/miss/eviction counters.
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Expired   int64
	Entries   int
	Bytes     int64
}

type cacheEntry struct {
	key      string
	data     []byte
	storedAt time.Time
}

// NewContentCache creates a cache. Zero maxEntries or maxBytes disable the
// respective bound; zero ttl disables expiry.
func NewContentCache(maxEntries int, maxBytes int64, ttl time.Duration) *ContentCache {
	return &ContentCache{
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		ttl:        ttl,
		order:      list.New(),
		entries:    make(map[string]*list.Element),
	}
}

// Get returns the cached bytes, refreshing recency. Expired entries count
// as misses and are dropped.
func (c *ContentCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if c.ttl > 0 && time.Since(entry.storedAt) > c.ttl {
		c.removeLocked(el)
		c.stats.Expired++
		c.stats.Misses++
		return nil, false
	}
	c.order.MoveToFront(el)
	c.stats.Hits++
	return entry.data, true
}

// Put inserts bytes under key, evicting LRU entries until the entry fits.
// Larger-than-capacity entries are not cached.
func (c *ContentCache) Put(key string, data []byte) {
	size := int64(len(data))
	if c.maxBytes > 0 && size > c.maxBytes {
		logging.VFSDebug("cache bypass for %s (%d bytes exceeds capacity %d)", key, size, c.maxBytes)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.removeLocked(el)
	}
	for (c.maxEntries > 0 && c.order.Len() >= c.maxEntries) ||
		(c.maxBytes > 0 && c.bytes+size > c.maxBytes) {
		back := c.order.Back()
		if back == nil {
			break
		}
		c.removeLocked(back)
		c.stats.Evictions++
	}

	el := c.order.PushFront(&cacheEntry{key: key, data: data, storedAt: time.Now()})
	c.entries[key] = el
	c.bytes += size
}

// Invalidate drops a key if present.
func (c *ContentCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.removeLocked(el)
	}
}

// Clear empties the cache, keeping counters.
func (c *ContentCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.entries = make(map[string]*list.Element)
	c.bytes = 0
}

func (c *ContentCache) removeLocked(el *list.Element) {
	entry := el.Value.(*cacheEntry)
	c.order.Remove(el)
	delete(c.entries, entry.key)
	c.bytes -= int64(len(entry.data))
}

// Stats returns a snapshot of the counters.
func (c *ContentCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = c.order.Len()
	s.Bytes = c.bytes
	return s
}

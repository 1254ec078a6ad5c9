package vector

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// EmbeddingCache memoizes embeddings keyed by (text, model) under LRU+TTL.
type EmbeddingCache struct {
	lru    *expirable.LRU[string, []float32]
	hits   atomic.Int64
	misses atomic.Int64
}

// NewEmbeddingCache creates a cache with the given entry capacity and TTL.
func NewEmbeddingCache(size int, ttl time.Duration) *EmbeddingCache {
	if size <= 0 {
		size = 4096
	}
	return &EmbeddingCache{lru: expirable.NewLRU[string, []float32](size, nil, ttl)}
}

func embeddingKey(text, model string) string {
	return model + "\x00" + text
}

// Get returns a cached embedding.
func (c *EmbeddingCache) Get(text, model string) ([]float32, bool) {
	vec, ok := c.lru.Get(embeddingKey(text, model))
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return vec, ok
}

// Put stores an embedding.
func (c *EmbeddingCache) Put(text, model string, vec []float32) {
	c.lru.Add(embeddingKey(text, model), vec)
}

// HitRate returns hits / lookups; zero before any lookup.
func (c *EmbeddingCache) HitRate() float64 {
	h, m := c.hits.Load(), c.misses.Load()
	if h+m == 0 {
		return 0
	}
	return float64(h) / float64(h+m)
}

// QueryCache memoizes search results keyed by (query, k, threshold).
type QueryCache struct {
	lru    *expirable.LRU[string, []Result]
	hits   atomic.Int64
	misses atomic.Int64
}

// NewQueryCache creates a cache with the given entry capacity and TTL.
func NewQueryCache(size int, ttl time.Duration) *QueryCache {
	if size <= 0 {
		size = 1024
	}
	return &QueryCache{lru: expirable.NewLRU[string, []Result](size, nil, ttl)}
}

func queryKey(query string, k int, threshold float64) string {
	return fmt.Sprintf("%s\x00%d\x00%.6f", query, k, threshold)
}

// Get returns cached results.
func (c *QueryCache) Get(query string, k int, threshold float64) ([]Result, bool) {
	res, ok := c.lru.Get(queryKey(query, k, threshold))
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return res, ok
}

// Put stores results.
func (c *QueryCache) Put(query string, k int, threshold float64, res []Result) {
	c.lru.Add(queryKey(query, k, threshold), res)
}

// Purge empties the cache (any index mutation invalidates all queries).
func (c *QueryCache) Purge() {
	c.lru.Purge()
}

// HitRate returns hits / lookups.
func (c *QueryCache) HitRate() float64 {
	h, m := c.hits.Load(), c.misses.Load()
	if h+m == 0 {
		return 0
	}
	return float64(h) / float64(h+m)
}

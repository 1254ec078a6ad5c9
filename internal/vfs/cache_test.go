package vfs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCacheHitMiss(t *testing.T) {
	c := NewContentCache(10, 1024, time.Minute)

	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Put("a", []byte("hello"))
	data, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, []byte("hello"), data)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestCacheEntryCapacityEviction(t *testing.T) {
	c := NewContentCache(2, 0, 0)
	c.Put("a", []byte("1"))
	c.Put("b", []byte("2"))
	c.Put("c", []byte("3")) // evicts LRU "a"

	_, ok := c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("b")
	assert.True(t, ok)
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestCacheByteCapacityEviction(t *testing.T) {
	c := NewContentCache(0, 10, 0)
	c.Put("a", []byte("12345"))
	c.Put("b", []byte("12345"))
	c.Put("c", []byte("123")) // 13 bytes total, evicts "a"

	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.LessOrEqual(t, c.Stats().Bytes, int64(10))
}

func TestCacheLRUOrderRespectsAccess(t *testing.T) {
	c := NewContentCache(2, 0, 0)
	c.Put("a", []byte("1"))
	c.Put("b", []byte("2"))
	_, _ = c.Get("a") // refresh a
	c.Put("c", []byte("3"))

	_, ok := c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("b")
	assert.False(t, ok)
}

func TestCacheOversizedBypass(t *testing.T) {
	c := NewContentCache(10, 4, 0)
	c.Put("big", []byte("too large"))
	_, ok := c.Get("big")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestCacheTTLExpiry(t *testing.T) {
	c := NewContentCache(10, 0, 10*time.Millisecond)
	c.Put("a", []byte("1"))
	time.Sleep(20 * time.Millisecond)

	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.Stats().Expired)
}

func TestCacheInvalidate(t *testing.T) {
	c := NewContentCache(10, 0, 0)
	c.Put("a", []byte("1"))
	c.Invalidate("a")
	_, ok := c.Get("a")
	assert.False(t, ok)
}

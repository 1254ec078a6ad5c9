package memory

import (
	"math"
	"sort"
	"sync"
	"time"

	"cortex/internal/cortexerr"
	"cortex/internal/logging"
)

// Priority orders working-memory items for retention.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// WorkingItem is one entry in working memory.
type WorkingItem struct {
	Key         string
	Value       []byte
	Priority    Priority
	StoredAt    time.Time
	LastAccess  time.Time
	AccessCount int
}

// WorkingConfig sizes working memory and tunes the retention score.
type WorkingConfig struct {
	MaxItems int
	MaxBytes int64
	// Retention score weights:
	//   priority_weight*rank - age_weight*age_seconds + freq_weight*log(1+accesses)
	PriorityWeight float64
	AgeWeight      float64
	FreqWeight     float64
}

// DefaultWorkingConfig returns production defaults.
func DefaultWorkingConfig() WorkingConfig {
	return WorkingConfig{
		MaxItems:       256,
		MaxBytes:       16 << 20,
		PriorityWeight: 10,
		AgeWeight:      0.1,
		FreqWeight:     2,
	}
}

// WorkingStats counts cache behavior, with evictions per priority bucket.
type WorkingStats struct {
	Hits              int64
	Misses            int64
	EvictionsLow      int64
	EvictionsMedium   int64
	EvictionsHigh     int64
	EvictionsCritical int64
	Items             int
	Bytes             int64
}

// HitRate returns hits / lookups.
func (s WorkingStats) HitRate() float64 {
	if s.Hits+s.Misses == 0 {
		return 0
	}
	return float64(s.Hits) / float64(s.Hits+s.Misses)
}

// WorkingMemory is the bounded short-term store. When a store would
// exceed capacity, the items with the lowest retention score are evicted
// until the new item fits.
type WorkingMemory struct {
	mu    sync.Mutex
	cfg   WorkingConfig
	items map[string]*WorkingItem
	bytes int64
	stats WorkingStats
}

// NewWorkingMemory creates a working memory with the given config.
func NewWorkingMemory(cfg WorkingConfig) *WorkingMemory {
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = DefaultWorkingConfig().MaxItems
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultWorkingConfig().MaxBytes
	}
	if cfg.PriorityWeight == 0 {
		cfg.PriorityWeight = DefaultWorkingConfig().PriorityWeight
	}
	if cfg.AgeWeight == 0 {
		cfg.AgeWeight = DefaultWorkingConfig().AgeWeight
	}
	if cfg.FreqWeight == 0 {
		cfg.FreqWeight = DefaultWorkingConfig().FreqWeight
	}
	return &WorkingMemory{cfg: cfg, items: make(map[string]*WorkingItem)}
}

// retentionScore ranks items; lower scores evict first.
func (w *WorkingMemory) retentionScore(item *WorkingItem, now time.Time) float64 {
	age := now.Sub(item.LastAccess).Seconds()
	return w.cfg.PriorityWeight*float64(item.Priority) -
		w.cfg.AgeWeight*age +
		w.cfg.FreqWeight*math.Log(1+float64(item.AccessCount))
}

// Store inserts or replaces an item, evicting low-retention items until
// the new item fits. An item larger than the byte capacity is rejected.
func (w *WorkingMemory) Store(key string, value []byte, priority Priority) error {
	if int64(len(value)) > w.cfg.MaxBytes {
		return cortexerr.QuotaExceeded("item %s (%d bytes) exceeds working memory capacity %d",
			key, len(value), w.cfg.MaxBytes)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	if existing, ok := w.items[key]; ok {
		w.bytes -= int64(len(existing.Value))
		delete(w.items, key)
	}

	for len(w.items) >= w.cfg.MaxItems || w.bytes+int64(len(value)) > w.cfg.MaxBytes {
		if !w.evictOneLocked(now) {
			break
		}
	}

	w.items[key] = &WorkingItem{
		Key:        key,
		Value:      value,
		Priority:   priority,
		StoredAt:   now,
		LastAccess: now,
	}
	w.bytes += int64(len(value))
	return nil
}

// evictOneLocked removes the item with the lowest retention score; on
// ties the oldest goes. Returns false when the store is empty.
func (w *WorkingMemory) evictOneLocked(now time.Time) bool {
	var victim *WorkingItem
	var victimScore float64
	for _, item := range w.items {
		score := w.retentionScore(item, now)
		if victim == nil || score < victimScore ||
			(score == victimScore && item.StoredAt.Before(victim.StoredAt)) {
			victim = item
			victimScore = score
		}
	}
	if victim == nil {
		return false
	}
	delete(w.items, victim.Key)
	w.bytes -= int64(len(victim.Value))
	switch victim.Priority {
	case PriorityCritical:
		w.stats.EvictionsCritical++
	case PriorityHigh:
		w.stats.EvictionsHigh++
	case PriorityMedium:
		w.stats.EvictionsMedium++
	default:
		w.stats.EvictionsLow++
	}
	logging.MemoryDebug("working memory evicted %s (priority=%s score=%.2f)",
		victim.Key, victim.Priority, victimScore)
	return true
}

// Retrieve returns an item's value, updating last-access and the counter.
func (w *WorkingMemory) Retrieve(key string) ([]byte, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	item, ok := w.items[key]
	if !ok {
		w.stats.Misses++
		return nil, false
	}
	item.LastAccess = time.Now()
	item.AccessCount++
	w.stats.Hits++
	return item.Value, true
}

// Delete removes an item.
func (w *WorkingMemory) Delete(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if item, ok := w.items[key]; ok {
		w.bytes -= int64(len(item.Value))
		delete(w.items, key)
	}
}

// Keys returns the stored keys, unordered.
func (w *WorkingMemory) Keys() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	keys := make([]string, 0, len(w.items))
	for k := range w.items {
		keys = append(keys, k)
	}
	return keys
}

// Items returns a snapshot of all items, lowest retention first (the
// consolidation order).
func (w *WorkingMemory) Items() []WorkingItem {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	out := make([]WorkingItem, 0, len(w.items))
	for _, item := range w.items {
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool {
		return w.retentionScore(&out[i], now) < w.retentionScore(&out[j], now)
	})
	return out
}

// Score exposes an item's current retention score (for consolidation).
func (w *WorkingMemory) Score(key string) (float64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	item, ok := w.items[key]
	if !ok {
		return 0, false
	}
	return w.retentionScore(item, time.Now()), true
}

// Stats returns a snapshot of the counters.
func (w *WorkingMemory) Stats() WorkingStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stats
	s.Items = len(w.items)
	s.Bytes = w.bytes
	return s
}

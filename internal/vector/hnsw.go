package vector

import (
	"container/heap"
	"math"
	"math/rand"
	"sync"

	"cortex/internal/cortexerr"
	"cortex/internal/logging"
)

// HNSWConfig tunes the graph. Zero values take the documented defaults.
type HNSWConfig struct {
	Dimension      int
	Metric         Metric
	M              int // connectivity per node per layer
	EfConstruction int // candidate-list size while building
	EfSearch       int // candidate-list size while querying
	Seed           int64
}

// DefaultHNSWConfig returns production defaults for a dimension.
func DefaultHNSWConfig(dim int) HNSWConfig {
	return HNSWConfig{
		Dimension:      dim,
		Metric:         MetricCosine,
		M:              16,
		EfConstruction: 200,
		EfSearch:       64,
	}
}

// HNSW is an in-process Hierarchical Navigable Small World index.
// Typical K-NN complexity is O(log N). A single-writer / many-reader lock
// guards the graph; batch inserts hold the writer lock once.
type HNSW struct {
	mu  sync.RWMutex
	cfg HNSWConfig
	rng *rand.Rand

	ids       []string       // internal -> doc id
	byDoc     map[string]int // doc id -> internal
	vectors   [][]float32    // internal -> vector
	links     [][][]int32    // internal -> level -> neighbors
	levels    []int          // internal -> top level
	deleted   map[int]bool   // tombstones
	entry     int            // entry point internal id
	maxLevel  int
	levelMult float64
}

// NewHNSW creates an empty index.
func NewHNSW(cfg HNSWConfig) (*HNSW, error) {
	if cfg.Dimension <= 0 {
		return nil, cortexerr.InvalidInput("hnsw dimension must be positive, got %d", cfg.Dimension)
	}
	if cfg.M <= 0 {
		cfg.M = 16
	}
	if cfg.EfConstruction <= 0 {
		cfg.EfConstruction = 200
	}
	if cfg.EfSearch <= 0 {
		cfg.EfSearch = 64
	}
	if cfg.Metric == "" {
		cfg.Metric = MetricCosine
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = 1
	}
	return &HNSW{
		cfg:       cfg,
		rng:       rand.New(rand.NewSource(seed)),
		byDoc:     make(map[string]int),
		deleted:   make(map[int]bool),
		entry:     -1,
		levelMult: 1 / math.Log(float64(cfg.M)),
	}, nil
}

// distance is lower-is-closer for every metric.
func (h *HNSW) distance(a, b []float32) float64 {
	switch h.cfg.Metric {
	case MetricDotProduct:
		var dot float64
		for i := range a {
			dot += float64(a[i]) * float64(b[i])
		}
		return -dot
	case MetricEuclidean:
		var sum float64
		for i := range a {
			d := float64(a[i]) - float64(b[i])
			sum += d * d
		}
		return math.Sqrt(sum)
	default: // cosine
		var dot, magA, magB float64
		for i := range a {
			dot += float64(a[i]) * float64(b[i])
			magA += float64(a[i]) * float64(a[i])
			magB += float64(b[i]) * float64(b[i])
		}
		if magA == 0 || magB == 0 {
			return 1
		}
		return 1 - dot/(math.Sqrt(magA)*math.Sqrt(magB))
	}
}

// score converts a distance back to a similarity for callers.
func (h *HNSW) score(dist float64) float64 {
	switch h.cfg.Metric {
	case MetricDotProduct:
		return -dist
	case MetricEuclidean:
		return 1 / (1 + dist)
	default:
		return 1 - dist
	}
}

func (h *HNSW) checkDim(vec []float32) error {
	if len(vec) != h.cfg.Dimension {
		return cortexerr.DimensionMismatch("vector dimension %d, index dimension %d", len(vec), h.cfg.Dimension)
	}
	return nil
}

// Insert adds or replaces a vector under a document id.
func (h *HNSW) Insert(id string, vec []float32) error {
	if err := h.checkDim(vec); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.insertLocked(id, vec)
}

// InsertBatch adds vectors under one writer-lock acquisition.
func (h *HNSW) InsertBatch(ids []string, vecs [][]float32) error {
	if len(ids) != len(vecs) {
		return cortexerr.InvalidInput("ids/vectors length mismatch: %d != %d", len(ids), len(vecs))
	}
	for _, vec := range vecs {
		if err := h.checkDim(vec); err != nil {
			return err
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range ids {
		if err := h.insertLocked(ids[i], vecs[i]); err != nil {
			return err
		}
	}
	return nil
}

func (h *HNSW) insertLocked(id string, vec []float32) error {
	if prev, ok := h.byDoc[id]; ok {
		// Replace: tombstone the old node and insert fresh.
		h.deleted[prev] = true
		delete(h.byDoc, id)
	}

	internal := len(h.ids)
	level := h.randomLevel()

	h.ids = append(h.ids, id)
	h.byDoc[id] = internal
	h.vectors = append(h.vectors, vec)
	h.levels = append(h.levels, level)
	nodeLinks := make([][]int32, level+1)
	for i := range nodeLinks {
		nodeLinks[i] = make([]int32, 0, h.cfg.M)
	}
	h.links = append(h.links, nodeLinks)

	if h.entry < 0 {
		h.entry = internal
		h.maxLevel = level
		return nil
	}

	ep := h.entry
	// Greedy descent through the layers above the new node's level.
	for l := h.maxLevel; l > level; l-- {
		ep = h.greedyClosest(vec, ep, l)
	}

	// Connect on each layer from min(level, maxLevel) down to 0.
	for l := min(level, h.maxLevel); l >= 0; l-- {
		candidates := h.searchLayer(vec, ep, h.cfg.EfConstruction, l)
		m := h.cfg.M
		if l == 0 {
			m = h.cfg.M * 2
		}
		neighbors := h.selectNeighbors(candidates, m)
		for _, n := range neighbors {
			h.connect(internal, n, l)
			h.connect(n, internal, l)
			h.shrink(n, l)
		}
		if len(candidates) > 0 {
			ep = candidates[0].node
		}
	}

	if level > h.maxLevel {
		h.maxLevel = level
		h.entry = internal
	}
	return nil
}

func (h *HNSW) randomLevel() int {
	return int(-math.Log(h.rng.Float64()+1e-12) * h.levelMult)
}

func (h *HNSW) connect(from, to int, level int) {
	if from == to {
		return
	}
	if level >= len(h.links[from]) {
		return
	}
	for _, existing := range h.links[from][level] {
		if int(existing) == to {
			return
		}
	}
	h.links[from][level] = append(h.links[from][level], int32(to))
}

// shrink prunes a node's neighbor list back to the budget, keeping the
// closest.
func (h *HNSW) shrink(node, level int) {
	budget := h.cfg.M
	if level == 0 {
		budget = h.cfg.M * 2
	}
	neigh := h.links[node][level]
	if len(neigh) <= budget {
		return
	}
	type cand struct {
		n    int32
		dist float64
	}
	cands := make([]cand, len(neigh))
	for i, n := range neigh {
		cands[i] = cand{n: n, dist: h.distance(h.vectors[node], h.vectors[n])}
	}
	for i := 0; i < budget; i++ {
		best := i
		for j := i + 1; j < len(cands); j++ {
			if cands[j].dist < cands[best].dist {
				best = j
			}
		}
		cands[i], cands[best] = cands[best], cands[i]
	}
	trimmed := make([]int32, budget)
	for i := 0; i < budget; i++ {
		trimmed[i] = cands[i].n
	}
	h.links[node][level] = trimmed
}

func (h *HNSW) greedyClosest(query []float32, ep int, level int) int {
	cur := ep
	curDist := h.distance(query, h.vectors[cur])
	for {
		improved := false
		if level < len(h.links[cur]) {
			for _, n := range h.links[cur][level] {
				d := h.distance(query, h.vectors[n])
				if d < curDist {
					cur = int(n)
					curDist = d
					improved = true
				}
			}
		}
		if !improved {
			return cur
		}
	}
}

type scored struct {
	node int
	dist float64
}

// minHeap orders by ascending distance.
type minHeap []scored

func (q minHeap) Len() int            { return len(q) }
func (q minHeap) Less(i, j int) bool  { return q[i].dist < q[j].dist }
func (q minHeap) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *minHeap) Push(x interface{}) { *q = append(*q, x.(scored)) }
func (q *minHeap) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// maxHeap orders by descending distance (worst result on top).
type maxHeap []scored

func (q maxHeap) Len() int            { return len(q) }
func (q maxHeap) Less(i, j int) bool  { return q[i].dist > q[j].dist }
func (q maxHeap) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *maxHeap) Push(x interface{}) { *q = append(*q, x.(scored)) }
func (q *maxHeap) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// searchLayer returns up to ef candidates on one layer, closest first.
func (h *HNSW) searchLayer(query []float32, ep int, ef int, level int) []scored {
	visited := map[int]bool{ep: true}
	epDist := h.distance(query, h.vectors[ep])

	candidates := &minHeap{{node: ep, dist: epDist}}
	heap.Init(candidates)
	results := &maxHeap{{node: ep, dist: epDist}}
	heap.Init(results)

	for candidates.Len() > 0 {
		cur := heap.Pop(candidates).(scored)
		worst := (*results)[0]
		if cur.dist > worst.dist && results.Len() >= ef {
			break
		}
		if level < len(h.links[cur.node]) {
			for _, n := range h.links[cur.node][level] {
				node := int(n)
				if visited[node] {
					continue
				}
				visited[node] = true
				d := h.distance(query, h.vectors[node])
				if results.Len() < ef || d < (*results)[0].dist {
					heap.Push(candidates, scored{node: node, dist: d})
					heap.Push(results, scored{node: node, dist: d})
					if results.Len() > ef {
						heap.Pop(results)
					}
				}
			}
		}
	}

	out := make([]scored, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(scored)
	}
	return out
}

func (h *HNSW) selectNeighbors(candidates []scored, m int) []int {
	out := make([]int, 0, m)
	for _, c := range candidates {
		if len(out) >= m {
			break
		}
		out = append(out, c.node)
	}
	return out
}

// Search returns the k nearest live vectors, filtered, closest first.
func (h *HNSW) Search(query []float32, k int, filter Filter) ([]Match, error) {
	if err := h.checkDim(query); err != nil {
		return nil, err
	}
	if k <= 0 {
		k = 10
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.entry < 0 {
		return nil, nil
	}

	ep := h.entry
	for l := h.maxLevel; l > 0; l-- {
		ep = h.greedyClosest(query, ep, l)
	}
	ef := h.cfg.EfSearch
	// Tombstones and filters eat into the candidate list; widen it.
	if need := 2 * (k + len(h.deleted)); need > ef {
		ef = need
	}
	candidates := h.searchLayer(query, ep, ef, 0)

	matches := make([]Match, 0, k)
	for _, c := range candidates {
		if h.deleted[c.node] {
			continue
		}
		id := h.ids[c.node]
		if filter != nil && !filter(id) {
			continue
		}
		matches = append(matches, Match{ID: id, Score: h.score(c.dist)})
		if len(matches) >= k {
			break
		}
	}
	return matches, nil
}

// Remove tombstones a document id.
func (h *HNSW) Remove(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	internal, ok := h.byDoc[id]
	if !ok {
		return cortexerr.NotFound("vector %s", id).WithContext("id", id)
	}
	h.deleted[internal] = true
	delete(h.byDoc, id)
	return nil
}

// Clear empties the index, keeping configuration.
func (h *HNSW) Clear() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ids = nil
	h.byDoc = make(map[string]int)
	h.vectors = nil
	h.links = nil
	h.levels = nil
	h.deleted = make(map[int]bool)
	h.entry = -1
	h.maxLevel = 0
	logging.Vector("hnsw index cleared")
	return nil
}

// Snapshot streams the live vectors, for hybrid migration.
func (h *HNSW) Snapshot(fn func(id string, vec []float32) error) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for internal, id := range h.ids {
		if h.deleted[internal] {
			continue
		}
		if err := fn(id, h.vectors[internal]); err != nil {
			return err
		}
	}
	return nil
}

// Stats describes the index.
func (h *HNSW) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		Count:     len(h.byDoc),
		Dimension: h.cfg.Dimension,
		Metric:    h.cfg.Metric,
		Deleted:   len(h.deleted),
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

package vector

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"sync"
	"time"

	"cortex/internal/cortexerr"
	"cortex/internal/embedding"
	"cortex/internal/logging"
)

// EntityKind classifies an indexed document.
type EntityKind string

const (
	EntityDocument EntityKind = "document"
	EntityChunk    EntityKind = "chunk"
	EntitySymbol   EntityKind = "symbol"
	EntityEpisode  EntityKind = "episode"
	EntityCode     EntityKind = "code"
)

// IndexedDocument is one record in the engine's document map.
type IndexedDocument struct {
	ID             string            `json:"id"`
	Kind           EntityKind        `json:"kind"`
	ContentPreview string            `json:"content_preview"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	EmbeddingModel string            `json:"embedding_model"`
	Refs           int               `json:"refs"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Result is one search hit with its document.
type Result struct {
	ID       string
	Score    float64
	Document IndexedDocument
}

// SearchFilter restricts a search.
type SearchFilter struct {
	EntityKinds []EntityKind
	Metadata    map[string]string // equality on document metadata
	MinScore    float64
}

// EngineConfig tunes the search engine.
type EngineConfig struct {
	PreviewBytes   int
	EmbeddingCache int
	QueryCache     int
	CacheTTL       time.Duration
	Rank           RankConfig
	ExpandQueries  bool
}

// DefaultEngineConfig returns production defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		PreviewBytes:   512,
		EmbeddingCache: 4096,
		QueryCache:     1024,
		CacheTTL:       time.Hour,
		Rank:           DefaultRankConfig(),
		ExpandQueries:  true,
	}
}

// Engine composes the embedding provider, the vector index, the caches
// and the ranker into the semantic search surface.
type Engine struct {
	mu       sync.RWMutex
	provider embedding.Engine
	index    Index
	docs     map[string]IndexedDocument
	contents map[string]string // full content, for keyword ranking
	cfg      EngineConfig

	embedCache *EmbeddingCache
	queryCache *QueryCache
}

// NewEngine builds a search engine over a provider and an index. The
// provider and index dimensions must agree.
func NewEngine(provider embedding.Engine, index Index, cfg EngineConfig) (*Engine, error) {
	if provider == nil || index == nil {
		return nil, cortexerr.InvalidInput("engine requires a provider and an index")
	}
	if d := index.Stats().Dimension; provider.Dimensions() != 0 && d != 0 && provider.Dimensions() != d {
		return nil, cortexerr.DimensionMismatch("provider dimension %d, index dimension %d",
			provider.Dimensions(), d)
	}
	if cfg.PreviewBytes <= 0 {
		cfg.PreviewBytes = 512
	}
	return &Engine{
		provider:   provider,
		index:      index,
		docs:       make(map[string]IndexedDocument),
		contents:   make(map[string]string),
		cfg:        cfg,
		embedCache: NewEmbeddingCache(cfg.EmbeddingCache, cfg.CacheTTL),
		queryCache: NewQueryCache(cfg.QueryCache, cfg.CacheTTL),
	}, nil
}

// Index exposes the underlying index (for hybrid-store wiring and stats).
func (e *Engine) Index() Index { return e.index }

func (e *Engine) embed(ctx context.Context, text string) ([]float32, error) {
	model := e.provider.Name()
	if vec, ok := e.embedCache.Get(text, model); ok {
		return vec, nil
	}
	vec, err := e.provider.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	e.embedCache.Put(text, model, vec)
	return vec, nil
}

func (e *Engine) preview(content string) string {
	if len(content) <= e.cfg.PreviewBytes {
		return content
	}
	return content[:e.cfg.PreviewBytes]
}

// IndexDocument embeds content (cached) and upserts the document and its
// vector.
func (e *Engine) IndexDocument(ctx context.Context, id, content string, kind EntityKind, metadata map[string]string) error {
	timer := logging.StartTimer(logging.CategoryVector, "IndexDocument")
	defer timer.Stop()

	vec, err := e.embed(ctx, content)
	if err != nil {
		return err
	}
	if err := e.index.Insert(id, vec); err != nil {
		return err
	}

	e.mu.Lock()
	e.docs[id] = IndexedDocument{
		ID:             id,
		Kind:           kind,
		ContentPreview: e.preview(content),
		Metadata:       metadata,
		EmbeddingModel: e.provider.Name(),
		UpdatedAt:      time.Now(),
	}
	e.contents[id] = content
	e.mu.Unlock()
	e.queryCache.Purge()
	return nil
}

// IndexBatch indexes documents using the provider's batch API.
func (e *Engine) IndexBatch(ctx context.Context, ids []string, contents []string, kinds []EntityKind, metadata []map[string]string) error {
	timer := logging.StartTimer(logging.CategoryVector, "IndexBatch")
	defer timer.Stop()

	if len(ids) != len(contents) || (kinds != nil && len(kinds) != len(ids)) ||
		(metadata != nil && len(metadata) != len(ids)) {
		return cortexerr.InvalidInput("batch slice lengths mismatch")
	}

	vecs, err := e.provider.EmbedBatch(ctx, contents)
	if err != nil {
		return err
	}
	model := e.provider.Name()
	for i := range ids {
		e.embedCache.Put(contents[i], model, vecs[i])
	}
	if err := e.index.InsertBatch(ids, vecs); err != nil {
		return err
	}

	now := time.Now()
	e.mu.Lock()
	for i, id := range ids {
		kind := EntityDocument
		if kinds != nil {
			kind = kinds[i]
		}
		var meta map[string]string
		if metadata != nil {
			meta = metadata[i]
		}
		e.docs[id] = IndexedDocument{
			ID:             id,
			Kind:           kind,
			ContentPreview: e.preview(contents[i]),
			Metadata:       meta,
			EmbeddingModel: model,
			UpdatedAt:      now,
		}
		e.contents[id] = contents[i]
	}
	e.mu.Unlock()
	e.queryCache.Purge()
	logging.VectorDebug("indexed batch of %d documents", len(ids))
	return nil
}

// Touch bumps a document's reference counter (popularity signal).
func (e *Engine) Touch(id string) {
	e.mu.Lock()
	if doc, ok := e.docs[id]; ok {
		doc.Refs++
		e.docs[id] = doc
	}
	e.mu.Unlock()
}

// Search runs the full pipeline: query cache, query processing, vector
// search over 2k candidates, filtering, ranking, truncation to k.
func (e *Engine) Search(ctx context.Context, query string, k int, filter *SearchFilter) ([]Result, error) {
	timer := logging.StartTimer(logging.CategoryVector, "Search")
	defer timer.Stop()

	if k <= 0 {
		k = 10
	}
	minScore := e.cfg.Rank.MinScore
	if filter != nil && filter.MinScore > minScore {
		minScore = filter.MinScore
	}

	cacheable := filter == nil
	if cacheable {
		if res, ok := e.queryCache.Get(query, k, minScore); ok {
			return res, nil
		}
	}

	processed := ProcessQuery(query, QueryOptions{Expand: e.cfg.ExpandQueries})
	qvec, err := e.embed(ctx, processed.Normalized)
	if err != nil {
		return nil, err
	}

	matches, err := e.index.Search(qvec, 2*k, e.indexFilter(processed, filter))
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(matches))
	e.mu.RLock()
	for _, m := range matches {
		doc, ok := e.docs[m.ID]
		if !ok {
			continue
		}
		candidates = append(candidates, Candidate{
			ID:        m.ID,
			Semantic:  m.Score,
			Content:   e.contents[m.ID],
			UpdatedAt: doc.UpdatedAt,
			Refs:      doc.Refs,
		})
	}
	e.mu.RUnlock()

	rankCfg := e.cfg.Rank
	rankCfg.MinScore = minScore
	rankCfg.Limit = k
	ranked, err := Rank(rankCfg, processed.Terms(), candidates)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(ranked))
	e.mu.RLock()
	for _, r := range ranked {
		results = append(results, Result{ID: r.ID, Score: r.Score, Document: e.docs[r.ID]})
	}
	e.mu.RUnlock()

	if cacheable {
		e.queryCache.Put(query, k, minScore, results)
	}
	return results, nil
}

// indexFilter combines the caller's filter with the query's inline
// filters and exclusions into an index-level predicate.
func (e *Engine) indexFilter(q *ProcessedQuery, filter *SearchFilter) Filter {
	if filter == nil && len(q.Filters) == 0 && len(q.Exclusions) == 0 {
		return nil
	}
	return func(id string) bool {
		e.mu.RLock()
		doc, ok := e.docs[id]
		content := e.contents[id]
		e.mu.RUnlock()
		if !ok {
			return false
		}
		if filter != nil {
			if len(filter.EntityKinds) > 0 {
				found := false
				for _, kind := range filter.EntityKinds {
					if doc.Kind == kind {
						found = true
						break
					}
				}
				if !found {
					return false
				}
			}
			for key, want := range filter.Metadata {
				if doc.Metadata[key] != want {
					return false
				}
			}
		}
		for key, want := range q.Filters {
			if key == "kind" || key == "type" {
				if string(doc.Kind) != want {
					return false
				}
				continue
			}
			if doc.Metadata[key] != want {
				return false
			}
		}
		for _, excl := range q.Exclusions {
			if containsFold(content, excl) {
				return false
			}
		}
		return true
	}
}

func containsFold(haystack, needle string) bool {
	return len(needle) > 0 && bytes.Contains(bytes.ToLower([]byte(haystack)), bytes.ToLower([]byte(needle)))
}

// Remove drops a document and its vector.
func (e *Engine) Remove(id string) error {
	if err := e.index.Remove(id); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.docs, id)
	delete(e.contents, id)
	e.mu.Unlock()
	e.queryCache.Purge()
	return nil
}

// Clear empties the engine.
func (e *Engine) Clear() error {
	if err := e.index.Clear(); err != nil {
		return err
	}
	e.mu.Lock()
	e.docs = make(map[string]IndexedDocument)
	e.contents = make(map[string]string)
	e.mu.Unlock()
	e.queryCache.Purge()
	return nil
}

// Count returns the number of indexed documents.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.docs)
}

// CacheStats reports cache hit rates.
func (e *Engine) CacheStats() (embedHitRate, queryHitRate float64) {
	return e.embedCache.HitRate(), e.queryCache.HitRate()
}

// =============================================================================
// PERSISTENCE
// =============================================================================

type enginePersist struct {
	Docs     map[string]IndexedDocument `json:"docs"`
	Contents map[string]string          `json:"contents"`
}

// Save serializes the document map and the index together: a length-
// prefixed JSON document map followed by the index blob.
func (e *Engine) Save(w io.Writer) error {
	e.mu.RLock()
	blob, err := json.Marshal(enginePersist{Docs: e.docs, Contents: e.contents})
	e.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(blob))); err != nil {
		return err
	}
	if _, err := w.Write(blob); err != nil {
		return err
	}
	return e.index.Save(w)
}

// Load restores the document map and the index.
func (e *Engine) Load(r io.Reader) error {
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return err
	}
	blob := make([]byte, n)
	if _, err := io.ReadFull(r, blob); err != nil {
		return err
	}
	var persisted enginePersist
	if err := json.Unmarshal(blob, &persisted); err != nil {
		return err
	}
	if err := e.index.Load(r); err != nil {
		return err
	}
	e.mu.Lock()
	e.docs = persisted.Docs
	e.contents = persisted.Contents
	if e.docs == nil {
		e.docs = make(map[string]IndexedDocument)
	}
	if e.contents == nil {
		e.contents = make(map[string]string)
	}
	e.mu.Unlock()
	e.queryCache.Purge()
	logging.Vector("engine loaded: %d documents", len(persisted.Docs))
	return nil
}

// Package vector implements the search subsystem: the VectorIndex
// capability, the in-process HNSW backend with binary persistence, the
// sqlite-vec external backend, the hybrid migration store, query
// processing, ranking strategies and the semantic search engine that
// composes them with the embedding providers.
package vector

import "io"

// Metric selects the similarity function of an index. Fixed at creation;
// part of the index identity.
type Metric string

const (
	MetricCosine     Metric = "cosine"
	MetricDotProduct Metric = "dot"
	MetricEuclidean  Metric = "euclidean"
)

// Match is one search hit. Score is a similarity (higher is better)
// regardless of metric.
type Match struct {
	ID    string
	Score float64
}

// Filter restricts a search to ids accepted by the predicate. A nil
// filter accepts everything.
type Filter func(id string) bool

// Stats describes an index.
type Stats struct {
	Count     int
	Dimension int
	Metric    Metric
	Deleted   int
}

// Index is the vector index capability. All vectors in an index share the
// dimension fixed at creation; a mismatch is a hard DimensionMismatch
// error. Implementations are safe for concurrent use under a
// single-writer / many-reader discipline.
type Index interface {
	Insert(id string, vec []float32) error
	InsertBatch(ids []string, vecs [][]float32) error
	Search(query []float32, k int, filter Filter) ([]Match, error)
	Remove(id string) error
	Clear() error
	Save(w io.Writer) error
	Load(r io.Reader) error
	Stats() Stats
}

package vector

import (
	"bytes"
	"database/sql"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"cortex/internal/cortexerr"
	"cortex/internal/logging"
	"cortex/internal/storage"
)

// CollectionConfig describes an external collection. Graph parameters and
// quantization are recorded with the collection so a later backend swap
// keeps the trade-offs explicit; the vec0 implementation persists them
// but tunes only what sqlite-vec exposes.
type CollectionConfig struct {
	Name           string
	Dimension      int
	Metric         Metric
	M              int
	EfConstruction int
	Quantization   string // none | scalar | product
}

// CollectionName derives the per-workspace collection name.
func CollectionName(workspaceID string) string {
	return "cortex_" + workspaceID
}

// SQLiteVecIndex implements the Index capability on a sqlite-vec vec0
// virtual table, one per collection. Payload keys (entity kind,
// workspace, timestamp) live in a sidecar table with real indexes.
type SQLiteVecIndex struct {
	db  *sql.DB
	cfg CollectionConfig
	tbl string
}

const vecMetaSchema = `
CREATE TABLE IF NOT EXISTS vec_collections (
	name TEXT PRIMARY KEY,
	dimension INTEGER NOT NULL,
	metric TEXT NOT NULL,
	m INTEGER, ef_construction INTEGER, quantization TEXT,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS vec_payload (
	collection TEXT NOT NULL,
	doc_id TEXT NOT NULL,
	entity_kind TEXT,
	workspace_id TEXT,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (collection, doc_id)
);
CREATE INDEX IF NOT EXISTS idx_vec_payload_kind ON vec_payload(collection, entity_kind);
CREATE INDEX IF NOT EXISTS idx_vec_payload_ws ON vec_payload(collection, workspace_id);
CREATE INDEX IF NOT EXISTS idx_vec_payload_ts ON vec_payload(collection, created_at);
`

// NewSQLiteVecIndex opens (or creates) a collection. Requires the
// sqlite-vec extension; a dimension differing from an existing collection
// is a hard error.
func NewSQLiteVecIndex(store *storage.DocumentStore, cfg CollectionConfig) (*SQLiteVecIndex, error) {
	if !store.HasVecExtension() {
		return nil, cortexerr.Provider("sqlite-vec", "sqlite-vec extension not loaded")
	}
	if cfg.Dimension <= 0 {
		return nil, cortexerr.InvalidInput("collection dimension must be positive")
	}
	if cfg.Metric == "" {
		cfg.Metric = MetricCosine
	}
	if err := store.RegisterSchema("vector_collections_v1", vecMetaSchema); err != nil {
		return nil, err
	}
	db := store.DB()

	var existingDim int
	err := db.QueryRow("SELECT dimension FROM vec_collections WHERE name = ?", cfg.Name).Scan(&existingDim)
	switch {
	case err == sql.ErrNoRows:
		if _, err := db.Exec(`INSERT INTO vec_collections (name, dimension, metric, m, ef_construction, quantization)
			VALUES (?, ?, ?, ?, ?, ?)`,
			cfg.Name, cfg.Dimension, string(cfg.Metric), cfg.M, cfg.EfConstruction, cfg.Quantization); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		if existingDim != cfg.Dimension {
			return nil, cortexerr.DimensionMismatch("collection %s has dimension %d, requested %d",
				cfg.Name, existingDim, cfg.Dimension)
		}
	}

	tbl := "vec_" + cfg.Name
	ddl := fmt.Sprintf("CREATE VIRTUAL TABLE IF NOT EXISTS %s USING vec0(doc_id TEXT, embedding float[%d])",
		tbl, cfg.Dimension)
	if _, err := db.Exec(ddl); err != nil {
		return nil, cortexerr.Wrap(err, cortexerr.TagProviderError, "create vec0 table").WithContext("origin", "sqlite-vec")
	}

	logging.Vector("sqlite-vec collection %s ready (dim=%d metric=%s)", cfg.Name, cfg.Dimension, cfg.Metric)
	return &SQLiteVecIndex{db: db, cfg: cfg, tbl: tbl}, nil
}

func encodeFloat32Slice(vec []float32) []byte {
	buf := &bytes.Buffer{}
	_ = binary.Write(buf, binary.LittleEndian, vec)
	return buf.Bytes()
}

func (s *SQLiteVecIndex) checkDim(vec []float32) error {
	if len(vec) != s.cfg.Dimension {
		return cortexerr.DimensionMismatch("vector dimension %d, collection dimension %d", len(vec), s.cfg.Dimension)
	}
	return nil
}

// Insert upserts a vector.
func (s *SQLiteVecIndex) Insert(id string, vec []float32) error {
	if err := s.checkDim(vec); err != nil {
		return err
	}
	if _, err := s.db.Exec("DELETE FROM "+s.tbl+" WHERE doc_id = ?", id); err != nil {
		return err
	}
	if _, err := s.db.Exec("INSERT INTO "+s.tbl+" (doc_id, embedding) VALUES (?, ?)",
		id, encodeFloat32Slice(vec)); err != nil {
		return cortexerr.Wrap(err, cortexerr.TagProviderError, "vec insert").WithContext("origin", "sqlite-vec")
	}
	_, err := s.db.Exec(`INSERT OR REPLACE INTO vec_payload (collection, doc_id) VALUES (?, ?)`,
		s.cfg.Name, id)
	return err
}

// InsertBatch upserts vectors inside one transaction.
func (s *SQLiteVecIndex) InsertBatch(ids []string, vecs [][]float32) error {
	if len(ids) != len(vecs) {
		return cortexerr.InvalidInput("ids/vectors length mismatch: %d != %d", len(ids), len(vecs))
	}
	for _, vec := range vecs {
		if err := s.checkDim(vec); err != nil {
			return err
		}
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for i := range ids {
		if _, err := tx.Exec("DELETE FROM "+s.tbl+" WHERE doc_id = ?", ids[i]); err != nil {
			return err
		}
		if _, err := tx.Exec("INSERT INTO "+s.tbl+" (doc_id, embedding) VALUES (?, ?)",
			ids[i], encodeFloat32Slice(vecs[i])); err != nil {
			return err
		}
		if _, err := tx.Exec(`INSERT OR REPLACE INTO vec_payload (collection, doc_id) VALUES (?, ?)`,
			s.cfg.Name, ids[i]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SetPayload records the indexed payload keys for a document.
func (s *SQLiteVecIndex) SetPayload(id, entityKind, workspaceID string, at time.Time) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO vec_payload (collection, doc_id, entity_kind, workspace_id, created_at)
		VALUES (?, ?, ?, ?, ?)`, s.cfg.Name, id, entityKind, workspaceID, at)
	return err
}

// Search returns the k nearest vectors via the vec0 distance function.
func (s *SQLiteVecIndex) Search(query []float32, k int, filter Filter) ([]Match, error) {
	if err := s.checkDim(query); err != nil {
		return nil, err
	}
	if k <= 0 {
		k = 10
	}

	distFn := "vec_distance_cosine"
	if s.cfg.Metric == MetricEuclidean {
		distFn = "vec_distance_l2"
	}
	// Over-fetch so post-filtering can still fill k.
	rows, err := s.db.Query(fmt.Sprintf(
		"SELECT doc_id, %s(embedding, ?) AS dist FROM %s ORDER BY dist ASC LIMIT ?",
		distFn, s.tbl), encodeFloat32Slice(query), k*4)
	if err != nil {
		return nil, cortexerr.Wrap(err, cortexerr.TagProviderError, "vec search").WithContext("origin", "sqlite-vec")
	}
	defer rows.Close()

	matches := make([]Match, 0, k)
	for rows.Next() {
		var id string
		var dist float64
		if err := rows.Scan(&id, &dist); err != nil {
			continue
		}
		if filter != nil && !filter(id) {
			continue
		}
		score := 1 - dist
		if s.cfg.Metric == MetricEuclidean {
			score = 1 / (1 + dist)
		}
		matches = append(matches, Match{ID: id, Score: score})
		if len(matches) >= k {
			break
		}
	}
	return matches, rows.Err()
}

// Remove deletes a vector and its payload row.
func (s *SQLiteVecIndex) Remove(id string) error {
	res, err := s.db.Exec("DELETE FROM "+s.tbl+" WHERE doc_id = ?", id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return cortexerr.NotFound("vector %s", id).WithContext("id", id)
	}
	_, err = s.db.Exec("DELETE FROM vec_payload WHERE collection = ? AND doc_id = ?", s.cfg.Name, id)
	return err
}

// Clear drops every vector in the collection.
func (s *SQLiteVecIndex) Clear() error {
	if _, err := s.db.Exec("DELETE FROM " + s.tbl); err != nil {
		return err
	}
	_, err := s.db.Exec("DELETE FROM vec_payload WHERE collection = ?", s.cfg.Name)
	return err
}

// Save is a no-op: the collection lives in the database file. Kept for
// capability parity so the hybrid store can treat backends uniformly.
func (s *SQLiteVecIndex) Save(io.Writer) error { return nil }

// Load is a no-op: see Save.
func (s *SQLiteVecIndex) Load(io.Reader) error { return nil }

// Stats describes the collection.
func (s *SQLiteVecIndex) Stats() Stats {
	var count int
	_ = s.db.QueryRow("SELECT COUNT(*) FROM " + s.tbl).Scan(&count)
	return Stats{Count: count, Dimension: s.cfg.Dimension, Metric: s.cfg.Metric}
}

// Optimize rebuilds database statistics for the collection tables.
func (s *SQLiteVecIndex) Optimize() error {
	_, err := s.db.Exec("PRAGMA optimize")
	return err
}

// Snapshot streams a stable copy of the collection's vectors for backup
// or migration.
func (s *SQLiteVecIndex) Snapshot(fn func(id string, vec []float32) error) error {
	rows, err := s.db.Query("SELECT doc_id, embedding FROM " + s.tbl)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			continue
		}
		vec := make([]float32, len(blob)/4)
		if err := binary.Read(bytes.NewReader(blob), binary.LittleEndian, &vec); err != nil {
			continue
		}
		if err := fn(id, vec); err != nil {
			return err
		}
	}
	return rows.Err()
}

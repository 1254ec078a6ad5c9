// Package semantic stores parsed code units and the typed dependency
// graph over them. Units are indexed by name, complexity and quality
// flags; the graph supports transitive queries, cycle detection and
// reverse-edge impact analysis.
package semantic

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"cortex/internal/cortexerr"
	"cortex/internal/logging"
	"cortex/internal/parser"
	"cortex/internal/storage"
	"cortex/internal/vfs"
)

// UnitStatus tracks a unit's lifecycle across re-parses.
type UnitStatus string

const (
	UnitActive   UnitStatus = "active"
	UnitReplaced UnitStatus = "replaced"
)

// CodeUnit is a stored semantic unit.
type CodeUnit struct {
	ID            string
	WorkspaceID   string
	Path          vfs.VirtualPath
	Kind          parser.UnitKind
	Name          string
	QualifiedName string
	StartByte     int
	EndByte       int
	StartLine     int
	EndLine       int
	Signature     string
	Body          string
	Docstring     string
	Parameters    []string
	ReturnType    string
	Visibility    string
	Modifiers     []string
	Complexity    parser.Complexity
	HasTests      bool
	HasDocs       bool
	BodyHash      string
	Status        UnitStatus
	Embedding     []float32
	UpdatedAt     time.Time
}

const unitSchema = `
CREATE TABLE IF NOT EXISTS code_units (
	id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	path TEXT NOT NULL,
	kind TEXT NOT NULL,
	name TEXT NOT NULL,
	qualified_name TEXT NOT NULL,
	start_byte INTEGER, end_byte INTEGER,
	start_line INTEGER, end_line INTEGER,
	signature TEXT, body TEXT, docstring TEXT,
	parameters TEXT, return_type TEXT, visibility TEXT, modifiers TEXT,
	cyclomatic INTEGER, cognitive INTEGER, nesting INTEGER,
	line_count INTEGER, param_count INTEGER, return_count INTEGER,
	has_tests INTEGER NOT NULL DEFAULT 0,
	has_docs INTEGER NOT NULL DEFAULT 0,
	body_hash TEXT,
	status TEXT NOT NULL DEFAULT 'active',
	embedding TEXT,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_units_file ON code_units(workspace_id, path, status);
CREATE INDEX IF NOT EXISTS idx_units_name ON code_units(name);
CREATE INDEX IF NOT EXISTS idx_units_qname ON code_units(qualified_name);
CREATE INDEX IF NOT EXISTS idx_units_cyclomatic ON code_units(cyclomatic);
CREATE INDEX IF NOT EXISTS idx_units_quality ON code_units(has_tests, has_docs, visibility);
CREATE TABLE IF NOT EXISTS unit_edges (
	source_id TEXT NOT NULL,
	target_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(source_id, target_id, kind)
);
CREATE INDEX IF NOT EXISTS idx_edges_source ON unit_edges(source_id);
CREATE INDEX IF NOT EXISTS idx_edges_target ON unit_edges(target_id);
`

// Store is the semantic unit store.
type Store struct {
	db *sql.DB
}

// NewStore binds the unit tables on the shared document store.
func NewStore(store *storage.DocumentStore) (*Store, error) {
	if err := store.RegisterSchema("semantic_units_v1", unitSchema); err != nil {
		return nil, err
	}
	return &Store{db: store.DB()}, nil
}

// UnitID derives the stable identifier for a unit: unchanged across
// re-parses when name+kind+qualified path are unchanged.
func UnitID(workspaceID string, path vfs.VirtualPath, qualifiedName string, kind parser.UnitKind) string {
	ns := uuid.NewSHA1(uuid.NameSpaceOID, []byte(workspaceID))
	return uuid.NewSHA1(ns, []byte(path.String()+"|"+qualifiedName+"|"+string(kind))).String()
}

// UpsertResult summarizes one file's unit refresh.
type UpsertResult struct {
	Kept     int // same identity and body hash: row untouched except status
	Updated  int // same identity, new body
	Inserted int // new identity
	Dropped  int // replaced units removed
}

// MarkFileReplaced flips a file's active units to Replaced. They remain
// retrievable until the next UpsertUnits for the file drops or re-activates
// them (or RollbackReplaced restores them on parse failure).
func (s *Store) MarkFileReplaced(ws string, path vfs.VirtualPath) error {
	_, err := s.db.Exec(`UPDATE code_units SET status = ? WHERE workspace_id = ? AND path = ? AND status = ?`,
		UnitReplaced, ws, path.String(), UnitActive)
	return err
}

// RollbackReplaced restores a file's Replaced units to Active (parse
// failure leaves the previous units in place).
func (s *Store) RollbackReplaced(ws string, path vfs.VirtualPath) error {
	_, err := s.db.Exec(`UPDATE code_units SET status = ? WHERE workspace_id = ? AND path = ? AND status = ?`,
		UnitActive, ws, path.String(), UnitReplaced)
	return err
}

// UpsertUnits installs the new unit list for a file. Units whose identity
// (qualified name + kind) and body hash are unchanged keep their row;
// changed units are rewritten under the same identity; leftovers from the
// previous parse are dropped together with their edges.
func (s *Store) UpsertUnits(ws string, path vfs.VirtualPath, records []parser.UnitRecord) (*UpsertResult, error) {
	timer := logging.StartTimer(logging.CategorySemantic, "UpsertUnits")
	defer timer.Stop()

	res := &UpsertResult{}
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Previous units for the file (both Replaced from the pipeline's mark
	// step and any stale Active rows).
	prev := make(map[string]string) // id -> body hash
	rows, err := tx.Query(`SELECT id, COALESCE(body_hash, '') FROM code_units WHERE workspace_id = ? AND path = ?`,
		ws, path.String())
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var id, bodyHash string
		if err := rows.Scan(&id, &bodyHash); err == nil {
			prev[id] = bodyHash
		}
	}
	rows.Close()

	liveIDs := make(map[string]bool, len(records))
	for _, rec := range records {
		id := UnitID(ws, path, rec.QualifiedName, rec.Kind)
		liveIDs[id] = true
		bodyHash := vfs.HashBytes([]byte(rec.Body))

		if prevHash, ok := prev[id]; ok && prevHash == bodyHash {
			if _, err := tx.Exec(`UPDATE code_units SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
				UnitActive, id); err != nil {
				return nil, err
			}
			res.Kept++
			continue
		}

		params, _ := json.Marshal(rec.Parameters)
		mods, _ := json.Marshal(rec.Modifiers)
		hasDocs := rec.Docstring != ""
		_, err := tx.Exec(`
			INSERT INTO code_units (
				id, workspace_id, path, kind, name, qualified_name,
				start_byte, end_byte, start_line, end_line,
				signature, body, docstring, parameters, return_type, visibility, modifiers,
				cyclomatic, cognitive, nesting, line_count, param_count, return_count,
				has_docs, body_hash, status, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(id) DO UPDATE SET
				start_byte = excluded.start_byte, end_byte = excluded.end_byte,
				start_line = excluded.start_line, end_line = excluded.end_line,
				signature = excluded.signature, body = excluded.body, docstring = excluded.docstring,
				parameters = excluded.parameters, return_type = excluded.return_type,
				visibility = excluded.visibility, modifiers = excluded.modifiers,
				cyclomatic = excluded.cyclomatic, cognitive = excluded.cognitive,
				nesting = excluded.nesting, line_count = excluded.line_count,
				param_count = excluded.param_count, return_count = excluded.return_count,
				has_docs = excluded.has_docs, body_hash = excluded.body_hash,
				status = excluded.status, embedding = NULL, updated_at = CURRENT_TIMESTAMP`,
			id, ws, path.String(), string(rec.Kind), rec.Name, rec.QualifiedName,
			rec.StartByte, rec.EndByte, rec.StartLine, rec.EndLine,
			rec.Signature, rec.Body, rec.Docstring, string(params), rec.ReturnType, rec.Visibility, string(mods),
			rec.Complexity.Cyclomatic, rec.Complexity.Cognitive, rec.Complexity.Nesting,
			rec.Complexity.Lines, rec.Complexity.Parameters, rec.Complexity.Returns,
			hasDocs, bodyHash, UnitActive)
		if err != nil {
			return nil, err
		}
		if _, ok := prev[id]; ok {
			res.Updated++
		} else {
			res.Inserted++
		}
	}

	// Units gone from the file: remove them and their edges.
	for id := range prev {
		if liveIDs[id] {
			continue
		}
		if _, err := tx.Exec(`DELETE FROM unit_edges WHERE source_id = ? OR target_id = ?`, id, id); err != nil {
			return nil, err
		}
		if _, err := tx.Exec(`DELETE FROM code_units WHERE id = ?`, id); err != nil {
			return nil, err
		}
		res.Dropped++
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	logging.SemanticDebug("upsert %s: kept=%d updated=%d inserted=%d dropped=%d",
		path, res.Kept, res.Updated, res.Inserted, res.Dropped)
	return res, nil
}

// DeleteFileUnits removes every unit of a file (file deletion).
func (s *Store) DeleteFileUnits(ws string, path vfs.VirtualPath) error {
	rows, err := s.db.Query(`SELECT id FROM code_units WHERE workspace_id = ? AND path = ?`, ws, path.String())
	if err != nil {
		return err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err == nil {
			ids = append(ids, id)
		}
	}
	rows.Close()
	for _, id := range ids {
		if _, err := s.db.Exec(`DELETE FROM unit_edges WHERE source_id = ? OR target_id = ?`, id, id); err != nil {
			return err
		}
	}
	_, err = s.db.Exec(`DELETE FROM code_units WHERE workspace_id = ? AND path = ?`, ws, path.String())
	return err
}

const unitColumns = `id, workspace_id, path, kind, name, qualified_name,
	start_byte, end_byte, start_line, end_line,
	signature, body, docstring, parameters, COALESCE(return_type, ''), visibility, modifiers,
	cyclomatic, cognitive, nesting, line_count, param_count, return_count,
	has_tests, has_docs, COALESCE(body_hash, ''), status, COALESCE(embedding, ''), updated_at`

func scanUnit(scan func(dest ...interface{}) error) (*CodeUnit, error) {
	u := &CodeUnit{}
	var path, kind, params, mods, status, embedding string
	err := scan(&u.ID, &u.WorkspaceID, &path, &kind, &u.Name, &u.QualifiedName,
		&u.StartByte, &u.EndByte, &u.StartLine, &u.EndLine,
		&u.Signature, &u.Body, &u.Docstring, &params, &u.ReturnType, &u.Visibility, &mods,
		&u.Complexity.Cyclomatic, &u.Complexity.Cognitive, &u.Complexity.Nesting,
		&u.Complexity.Lines, &u.Complexity.Parameters, &u.Complexity.Returns,
		&u.HasTests, &u.HasDocs, &u.BodyHash, &status, &embedding, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	u.Path = vfs.MustPath(path)
	u.Kind = parser.UnitKind(kind)
	u.Status = UnitStatus(status)
	_ = json.Unmarshal([]byte(params), &u.Parameters)
	_ = json.Unmarshal([]byte(mods), &u.Modifiers)
	if embedding != "" {
		_ = json.Unmarshal([]byte(embedding), &u.Embedding)
	}
	return u, nil
}

// Get returns a unit by id.
func (s *Store) Get(id string) (*CodeUnit, error) {
	row := s.db.QueryRow(`SELECT `+unitColumns+` FROM code_units WHERE id = ?`, id)
	u, err := scanUnit(row.Scan)
	if err == sql.ErrNoRows {
		return nil, cortexerr.NotFound("unit %s", id).WithContext("id", id)
	}
	return u, err
}

func (s *Store) queryUnits(query string, args ...interface{}) ([]*CodeUnit, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var units []*CodeUnit
	for rows.Next() {
		u, err := scanUnit(rows.Scan)
		if err != nil {
			continue
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

// ListByFile returns a file's active units in source order.
func (s *Store) ListByFile(ws string, path vfs.VirtualPath) ([]*CodeUnit, error) {
	return s.queryUnits(`SELECT `+unitColumns+` FROM code_units
		WHERE workspace_id = ? AND path = ? AND status = ? ORDER BY start_byte`,
		ws, path.String(), UnitActive)
}

// FindByName matches units whose name or qualified name contains the term.
func (s *Store) FindByName(ws, name string) ([]*CodeUnit, error) {
	pattern := "%" + name + "%"
	return s.queryUnits(`SELECT `+unitColumns+` FROM code_units
		WHERE workspace_id = ? AND status = ? AND (name LIKE ? OR qualified_name LIKE ?)
		ORDER BY name`, ws, UnitActive, pattern, pattern)
}

// FindComplexUnits returns active units at or above a cyclomatic floor,
// most complex first.
func (s *Store) FindComplexUnits(ws string, minCyclomatic int) ([]*CodeUnit, error) {
	return s.queryUnits(`SELECT `+unitColumns+` FROM code_units
		WHERE workspace_id = ? AND status = ? AND cyclomatic >= ?
		ORDER BY cyclomatic DESC`, ws, UnitActive, minCyclomatic)
}

// FindUntestedUnits returns active function/method units lacking tests.
func (s *Store) FindUntestedUnits(ws string) ([]*CodeUnit, error) {
	return s.queryUnits(`SELECT `+unitColumns+` FROM code_units
		WHERE workspace_id = ? AND status = ? AND has_tests = 0 AND kind IN (?, ?)
		ORDER BY cyclomatic DESC`, ws, UnitActive, parser.KindFunction, parser.KindMethod)
}

// FindUndocumentedPublicUnits returns public units without docstrings.
func (s *Store) FindUndocumentedPublicUnits(ws string) ([]*CodeUnit, error) {
	return s.queryUnits(`SELECT `+unitColumns+` FROM code_units
		WHERE workspace_id = ? AND status = ? AND visibility = 'public' AND has_docs = 0
		ORDER BY path, start_line`, ws, UnitActive)
}

// SetHasTests flags a unit as covered or not covered by tests.
func (s *Store) SetHasTests(id string, hasTests bool) error {
	_, err := s.db.Exec(`UPDATE code_units SET has_tests = ? WHERE id = ?`, hasTests, id)
	return err
}

// SetEmbedding stores a unit's embedding vector.
func (s *Store) SetEmbedding(id string, vec []float32) error {
	data, err := json.Marshal(vec)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE code_units SET embedding = ? WHERE id = ?`, string(data), id)
	return err
}

// Stats returns unit counts by status.
func (s *Store) Stats(ws string) (active, replaced int, err error) {
	err = s.db.QueryRow(`SELECT
		COUNT(CASE WHEN status = 'active' THEN 1 END),
		COUNT(CASE WHEN status = 'replaced' THEN 1 END)
		FROM code_units WHERE workspace_id = ?`, ws).Scan(&active, &replaced)
	return
}

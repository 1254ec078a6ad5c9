package memory

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"cortex/internal/cortexerr"
	"cortex/internal/logging"
	"cortex/internal/storage"
)

// Pattern is a learned procedure mined from episodes.
type Pattern struct {
	ID             string
	Kind           string
	Description    string
	Before         string
	After          string
	Applications   int
	Successes      int
	Failures       int
	SourceEpisodes []string
	Embedding      []float32
	CreatedAt      time.Time
}

// SuccessRate returns successes / (successes + failures); zero before
// any outcome is recorded.
func (p *Pattern) SuccessRate() float64 {
	total := p.Successes + p.Failures
	if total == 0 {
		return 0
	}
	return float64(p.Successes) / float64(total)
}

const patternSchema = `
CREATE TABLE IF NOT EXISTS learned_patterns (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	description TEXT NOT NULL,
	before_text TEXT, after_text TEXT,
	applications INTEGER NOT NULL DEFAULT 0,
	successes INTEGER NOT NULL DEFAULT 0,
	failures INTEGER NOT NULL DEFAULT 0,
	source_episodes TEXT,
	embedding TEXT,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_patterns_kind ON learned_patterns(kind);
`

// Procedural is the learned-pattern store.
type Procedural struct {
	db *sql.DB
}

// NewProcedural binds the pattern tables on the shared document store.
func NewProcedural(store *storage.DocumentStore) (*Procedural, error) {
	if err := store.RegisterSchema("memory_patterns_v1", patternSchema); err != nil {
		return nil, err
	}
	return &Procedural{db: store.DB()}, nil
}

// Remember stores a pattern, minting an id when absent.
func (p *Procedural) Remember(pattern *Pattern) error {
	if pattern.ID == "" {
		pattern.ID = uuid.NewString()
	}
	if pattern.CreatedAt.IsZero() {
		pattern.CreatedAt = time.Now()
	}
	sources, _ := json.Marshal(pattern.SourceEpisodes)
	emb, _ := json.Marshal(pattern.Embedding)
	_, err := p.db.Exec(`
		INSERT OR REPLACE INTO learned_patterns
		(id, kind, description, before_text, after_text, applications, successes, failures, source_episodes, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pattern.ID, pattern.Kind, pattern.Description, pattern.Before, pattern.After,
		pattern.Applications, pattern.Successes, pattern.Failures, string(sources), string(emb), pattern.CreatedAt)
	if err == nil {
		logging.MemoryDebug("pattern remembered: %s (%s)", pattern.ID, pattern.Kind)
	}
	return err
}

const patternColumns = `id, kind, description, COALESCE(before_text, ''), COALESCE(after_text, ''),
	applications, successes, failures, COALESCE(source_episodes, '[]'), COALESCE(embedding, '[]'), created_at`

func scanPattern(scan func(...interface{}) error) (*Pattern, error) {
	pat := &Pattern{}
	var sources, emb string
	err := scan(&pat.ID, &pat.Kind, &pat.Description, &pat.Before, &pat.After,
		&pat.Applications, &pat.Successes, &pat.Failures, &sources, &emb, &pat.CreatedAt)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(sources), &pat.SourceEpisodes)
	_ = json.Unmarshal([]byte(emb), &pat.Embedding)
	return pat, nil
}

// Get returns a pattern by id.
func (p *Procedural) Get(id string) (*Pattern, error) {
	row := p.db.QueryRow(`SELECT `+patternColumns+` FROM learned_patterns WHERE id = ?`, id)
	pat, err := scanPattern(row.Scan)
	if err == sql.ErrNoRows {
		return nil, cortexerr.NotFound("pattern %s", id)
	}
	return pat, err
}

// RecordSuccess bumps a pattern's application and success counters.
func (p *Procedural) RecordSuccess(id string) error {
	return p.bump(id, "successes")
}

// RecordFailure bumps a pattern's application and failure counters.
func (p *Procedural) RecordFailure(id string) error {
	return p.bump(id, "failures")
}

func (p *Procedural) bump(id, column string) error {
	res, err := p.db.Exec(`UPDATE learned_patterns SET applications = applications + 1, `+
		column+` = `+column+` + 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return cortexerr.NotFound("pattern %s", id)
	}
	return nil
}

// Search matches patterns whose description or kind contains the query,
// best success rate first.
func (p *Procedural) Search(query string, limit int) ([]*Pattern, error) {
	if limit <= 0 {
		limit = 10
	}
	pattern := "%" + strings.ToLower(query) + "%"
	rows, err := p.db.Query(`SELECT `+patternColumns+` FROM learned_patterns
		WHERE LOWER(description) LIKE ? OR LOWER(kind) LIKE ?
		ORDER BY CAST(successes AS REAL) / MAX(successes + failures, 1) DESC, applications DESC
		LIMIT ?`, pattern, pattern, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Pattern
	for rows.Next() {
		pat, err := scanPattern(rows.Scan)
		if err != nil {
			continue
		}
		out = append(out, pat)
	}
	return out, rows.Err()
}

// All returns every pattern.
func (p *Procedural) All() ([]*Pattern, error) {
	rows, err := p.db.Query(`SELECT ` + patternColumns + ` FROM learned_patterns ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Pattern
	for rows.Next() {
		pat, err := scanPattern(rows.Scan)
		if err != nil {
			continue
		}
		out = append(out, pat)
	}
	return out, rows.Err()
}

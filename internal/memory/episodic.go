// Package memory implements the cognitive memory tiers: episodic
// (recorded agent sessions), working (bounded priority-eviction cache),
// procedural (learned patterns with success tracking) and the
// consolidation loop that promotes, mines and forgets across them.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"cortex/internal/cortexerr"
	"cortex/internal/embedding"
	"cortex/internal/logging"
	"cortex/internal/storage"
)

// Outcome classifies how an episode ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePartial Outcome = "partial"
)

// Episode records one agent development session.
type Episode struct {
	ID               string
	TaskDescription  string
	AgentID          string
	WorkspaceID      string
	EntitiesCreated  []string
	EntitiesModified []string
	EntitiesDeleted  []string
	FilesTouched     []string
	ToolsUsed        map[string]int // tool -> call count
	Queries          []string
	Outcome          Outcome
	DurationMS       int64
	Tokens           int64
	Lessons          []string
	Timestamp        time.Time
	Embedding        []float32
}

const episodeSchema = `
CREATE TABLE IF NOT EXISTS episodes (
	id TEXT PRIMARY KEY,
	task_description TEXT NOT NULL,
	agent_id TEXT,
	workspace_id TEXT,
	entities_created TEXT, entities_modified TEXT, entities_deleted TEXT,
	files_touched TEXT, tools_used TEXT, queries TEXT,
	outcome TEXT NOT NULL,
	duration_ms INTEGER, tokens INTEGER,
	lessons TEXT,
	embedding TEXT,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_episodes_outcome ON episodes(outcome);
CREATE INDEX IF NOT EXISTS idx_episodes_ws ON episodes(workspace_id);
CREATE INDEX IF NOT EXISTS idx_episodes_time ON episodes(created_at);
`

// Episodes is the episodic memory store.
type Episodes struct {
	db       *sql.DB
	provider embedding.Engine // optional; nil disables semantic recall
}

// NewEpisodes binds the episode tables on the shared document store.
func NewEpisodes(store *storage.DocumentStore, provider embedding.Engine) (*Episodes, error) {
	if err := store.RegisterSchema("memory_episodes_v1", episodeSchema); err != nil {
		return nil, err
	}
	return &Episodes{db: store.DB(), provider: provider}, nil
}

// Record stores an episode, generating its embedding from the task
// description when a provider is configured.
func (e *Episodes) Record(ctx context.Context, ep *Episode) error {
	timer := logging.StartTimer(logging.CategoryMemory, "Episodes.Record")
	defer timer.Stop()

	if ep.ID == "" {
		ep.ID = uuid.NewString()
	}
	if ep.Timestamp.IsZero() {
		ep.Timestamp = time.Now()
	}
	if ep.Outcome == "" {
		ep.Outcome = OutcomePartial
	}
	if len(ep.Embedding) == 0 && e.provider != nil {
		vec, err := e.provider.Embed(ctx, ep.TaskDescription)
		if err != nil {
			// Embeddings are best-effort on record; recall degrades to
			// keyword matching for this episode.
			logging.Get(logging.CategoryMemory).Warn("episode embedding failed: %v", err)
		} else {
			ep.Embedding = vec
		}
	}

	marshal := func(v interface{}) string {
		data, _ := json.Marshal(v)
		return string(data)
	}
	_, err := e.db.Exec(`
		INSERT OR REPLACE INTO episodes (
			id, task_description, agent_id, workspace_id,
			entities_created, entities_modified, entities_deleted,
			files_touched, tools_used, queries, outcome,
			duration_ms, tokens, lessons, embedding, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ep.ID, ep.TaskDescription, ep.AgentID, ep.WorkspaceID,
		marshal(ep.EntitiesCreated), marshal(ep.EntitiesModified), marshal(ep.EntitiesDeleted),
		marshal(ep.FilesTouched), marshal(ep.ToolsUsed), marshal(ep.Queries), string(ep.Outcome),
		ep.DurationMS, ep.Tokens, marshal(ep.Lessons), marshal(ep.Embedding), ep.Timestamp)
	return err
}

func scanEpisode(scan func(...interface{}) error) (*Episode, error) {
	ep := &Episode{}
	var created, modified, deleted, files, tools, queries, lessons, emb, outcome string
	err := scan(&ep.ID, &ep.TaskDescription, &ep.AgentID, &ep.WorkspaceID,
		&created, &modified, &deleted, &files, &tools, &queries, &outcome,
		&ep.DurationMS, &ep.Tokens, &lessons, &emb, &ep.Timestamp)
	if err != nil {
		return nil, err
	}
	ep.Outcome = Outcome(outcome)
	_ = json.Unmarshal([]byte(created), &ep.EntitiesCreated)
	_ = json.Unmarshal([]byte(modified), &ep.EntitiesModified)
	_ = json.Unmarshal([]byte(deleted), &ep.EntitiesDeleted)
	_ = json.Unmarshal([]byte(files), &ep.FilesTouched)
	_ = json.Unmarshal([]byte(tools), &ep.ToolsUsed)
	_ = json.Unmarshal([]byte(queries), &ep.Queries)
	_ = json.Unmarshal([]byte(lessons), &ep.Lessons)
	_ = json.Unmarshal([]byte(emb), &ep.Embedding)
	return ep, nil
}

const episodeColumns = `id, task_description, COALESCE(agent_id, ''), COALESCE(workspace_id, ''),
	entities_created, entities_modified, entities_deleted, files_touched, tools_used, queries,
	outcome, duration_ms, tokens, lessons, COALESCE(embedding, '[]'), created_at`

// Get returns an episode by id.
func (e *Episodes) Get(id string) (*Episode, error) {
	row := e.db.QueryRow(`SELECT `+episodeColumns+` FROM episodes WHERE id = ?`, id)
	ep, err := scanEpisode(row.Scan)
	if err == sql.ErrNoRows {
		return nil, cortexerr.NotFound("episode %s", id)
	}
	return ep, err
}

func (e *Episodes) queryEpisodes(query string, args ...interface{}) ([]*Episode, error) {
	rows, err := e.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Episode
	for rows.Next() {
		ep, err := scanEpisode(rows.Scan)
		if err != nil {
			continue
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

// Recent returns the newest episodes, newest first.
func (e *Episodes) Recent(limit int) ([]*Episode, error) {
	if limit <= 0 {
		limit = 20
	}
	return e.queryEpisodes(`SELECT `+episodeColumns+` FROM episodes ORDER BY created_at DESC LIMIT ?`, limit)
}

// Recall returns episodes relevant to a query: semantic ranking when an
// embedding is available, keyword fallback otherwise.
func (e *Episodes) Recall(ctx context.Context, query string, limit int) ([]*Episode, error) {
	timer := logging.StartTimer(logging.CategoryMemory, "Episodes.Recall")
	defer timer.Stop()

	if limit <= 0 {
		limit = 10
	}
	if e.provider != nil {
		qvec, err := e.provider.Embed(ctx, query)
		if err == nil {
			return e.FindSimilar(qvec, limit)
		}
		logging.MemoryDebug("recall embedding failed, keyword fallback: %v", err)
	}
	pattern := "%" + strings.ToLower(query) + "%"
	return e.queryEpisodes(`SELECT `+episodeColumns+` FROM episodes
		WHERE LOWER(task_description) LIKE ? ORDER BY created_at DESC LIMIT ?`, pattern, limit)
}

// FindSimilar ranks episodes by cosine similarity to a query embedding.
func (e *Episodes) FindSimilar(qvec []float32, limit int) ([]*Episode, error) {
	all, err := e.queryEpisodes(`SELECT ` + episodeColumns + ` FROM episodes WHERE embedding != '[]' AND embedding != ''`)
	if err != nil {
		return nil, err
	}
	type cand struct {
		ep  *Episode
		sim float64
	}
	cands := make([]cand, 0, len(all))
	for _, ep := range all {
		if len(ep.Embedding) == 0 {
			continue
		}
		sim, err := embedding.CosineSimilarity(qvec, ep.Embedding)
		if err != nil {
			continue
		}
		cands = append(cands, cand{ep: ep, sim: sim})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].sim > cands[j].sim })
	if len(cands) > limit {
		cands = cands[:limit]
	}
	out := make([]*Episode, len(cands))
	for i, c := range cands {
		out[i] = c.ep
	}
	return out, nil
}

// ToolSequence returns the episode's tool names, sorted for stable
// pattern grouping.
func (ep *Episode) ToolSequence() string {
	tools := make([]string, 0, len(ep.ToolsUsed))
	for tool := range ep.ToolsUsed {
		tools = append(tools, tool)
	}
	sort.Strings(tools)
	return strings.Join(tools, ",")
}

// ExtractPatterns groups successful episodes by shared tool sequences
// and returns a candidate pattern per group at or above minSupport. Only
// the recentWindow newest successes are mined; zero means all of them.
func (e *Episodes) ExtractPatterns(minSupport, recentWindow int) ([]*Pattern, error) {
	timer := logging.StartTimer(logging.CategoryMemory, "ExtractPatterns")
	defer timer.Stop()

	if minSupport <= 0 {
		minSupport = 2
	}
	limit := recentWindow
	if limit <= 0 {
		limit = -1 // no bound
	}
	successes, err := e.queryEpisodes(`SELECT `+episodeColumns+` FROM episodes
		WHERE outcome = ? ORDER BY created_at DESC LIMIT ?`, OutcomeSuccess, limit)
	if err != nil {
		return nil, err
	}

	groups := make(map[string][]*Episode)
	for _, ep := range successes {
		seq := ep.ToolSequence()
		if seq == "" {
			continue
		}
		groups[seq] = append(groups[seq], ep)
	}

	var patterns []*Pattern
	for seq, eps := range groups {
		if len(eps) < minSupport {
			continue
		}
		ids := make([]string, len(eps))
		tasks := make([]string, 0, len(eps))
		for i, ep := range eps {
			ids[i] = ep.ID
			if len(tasks) < 3 {
				tasks = append(tasks, ep.TaskDescription)
			}
		}
		patterns = append(patterns, &Pattern{
			Kind:           "tool-sequence",
			Description:    "successful sessions using tools: " + seq,
			Before:         strings.Join(tasks, "; "),
			After:          seq,
			SourceEpisodes: ids,
			Successes:      len(eps),
		})
	}
	sort.Slice(patterns, func(i, j int) bool { return patterns[i].Successes > patterns[j].Successes })
	logging.MemoryDebug("extracted %d patterns from %d successful episodes", len(patterns), len(successes))
	return patterns, nil
}

// ReembedAll regenerates every episode embedding with the current
// provider, for model migration. Episodes otherwise keep their stored
// embedding until their next write.
func (e *Episodes) ReembedAll(ctx context.Context) (int, error) {
	if e.provider == nil {
		return 0, cortexerr.InvalidInput("no embedding provider configured")
	}
	eps, err := e.queryEpisodes(`SELECT ` + episodeColumns + ` FROM episodes`)
	if err != nil {
		return 0, err
	}
	updated := 0
	for _, ep := range eps {
		vec, err := e.provider.Embed(ctx, ep.TaskDescription)
		if err != nil {
			return updated, err
		}
		data, _ := json.Marshal(vec)
		if _, err := e.db.Exec(`UPDATE episodes SET embedding = ? WHERE id = ?`, string(data), ep.ID); err != nil {
			return updated, err
		}
		updated++
	}
	logging.Memory("re-embedded %d episodes", updated)
	return updated, nil
}

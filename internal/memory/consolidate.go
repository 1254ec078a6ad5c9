package memory

import (
	"context"
	"strings"

	"cortex/internal/logging"
	"cortex/internal/parser"
	"cortex/internal/semantic"
	"cortex/internal/vfs"
)

// ConsolidateConfig tunes the consolidation loop.
type ConsolidateConfig struct {
	PromoteThreshold float64 // working items scoring above this promote
	MinSupport       int     // dream: minimum episodes per pattern
	RecentWindow     int     // dream: how many recent episodes to mine
	Workspace        string  // semantic-side workspace for promoted snippets
}

// DefaultConsolidateConfig returns production defaults.
func DefaultConsolidateConfig() ConsolidateConfig {
	return ConsolidateConfig{
		PromoteThreshold: 5,
		MinSupport:       2,
		RecentWindow:     100,
		Workspace:        "memory",
	}
}

// ConsolidateReport summarizes one consolidation pass.
type ConsolidateReport struct {
	Promoted   int
	ToEpisodic int
	ToSemantic int
	Forgotten  int
	Dreamed    int
}

// Consolidator runs the promote/dream/forget loop across the memory
// tiers. It reads across sessions but writes only under its own handle.
type Consolidator struct {
	cfg        ConsolidateConfig
	working    *WorkingMemory
	episodes   *Episodes
	procedural *Procedural
	units      *semantic.Store
}

// NewConsolidator wires the tiers together.
func NewConsolidator(cfg ConsolidateConfig, working *WorkingMemory, episodes *Episodes, procedural *Procedural, units *semantic.Store) *Consolidator {
	if cfg.PromoteThreshold == 0 {
		cfg.PromoteThreshold = DefaultConsolidateConfig().PromoteThreshold
	}
	if cfg.MinSupport <= 0 {
		cfg.MinSupport = DefaultConsolidateConfig().MinSupport
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = DefaultConsolidateConfig().RecentWindow
	}
	if cfg.Workspace == "" {
		cfg.Workspace = DefaultConsolidateConfig().Workspace
	}
	return &Consolidator{cfg: cfg, working: working, episodes: episodes, procedural: procedural, units: units}
}

// isCodeLike decides the promotion target: code-like items become units
// in the semantic store, event-like items become episodes.
func isCodeLike(item *WorkingItem) bool {
	key := strings.ToLower(item.Key)
	if strings.HasPrefix(key, "code:") || strings.HasPrefix(key, "unit:") || strings.HasPrefix(key, "snippet:") {
		return true
	}
	val := string(item.Value)
	return strings.Contains(val, "func ") || strings.Contains(val, "class ") || strings.Contains(val, "fn ")
}

// unitNameFor strips the key's tier prefix ("code:helper" -> "helper").
func unitNameFor(key string) string {
	if idx := strings.LastIndexByte(key, ':'); idx >= 0 && idx+1 < len(key) {
		return key[idx+1:]
	}
	return key
}

// pathComponentFor makes a working-memory key safe as a virtual path
// component.
func pathComponentFor(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			return r
		default:
			return '-'
		}
	}, key)
}

func unitKindFor(body string) parser.UnitKind {
	if strings.Contains(body, "class ") {
		return parser.KindClass
	}
	return parser.KindFunction
}

// promoteToSemantic installs a code-like working item as a unit in the
// semantic store, one virtual file per item so re-promotions upsert in
// place.
func (c *Consolidator) promoteToSemantic(item *WorkingItem) error {
	body := string(item.Value)
	name := unitNameFor(item.Key)
	path, err := vfs.NormalizePath("/.memory/" + pathComponentFor(item.Key))
	if err != nil {
		return err
	}
	_, err = c.units.UpsertUnits(c.cfg.Workspace, path, []parser.UnitRecord{{
		Kind:          unitKindFor(body),
		Name:          name,
		QualifiedName: name,
		Signature:     name,
		Body:          body,
		Visibility:    "private",
		Complexity:    parser.Complexity{Cyclomatic: 1, Lines: 1 + strings.Count(body, "\n")},
	}})
	return err
}

// Consolidate computes each working item's retention score and promotes
// items above the threshold: event-like to episodic, code-like to the
// semantic unit store. Promoted items leave working memory.
func (c *Consolidator) Consolidate(ctx context.Context) (*ConsolidateReport, error) {
	timer := logging.StartTimer(logging.CategoryMemory, "Consolidate")
	defer timer.Stop()

	report := &ConsolidateReport{}
	for _, item := range c.working.Items() {
		score, ok := c.working.Score(item.Key)
		if !ok || score < c.cfg.PromoteThreshold {
			continue
		}
		item := item
		if isCodeLike(&item) {
			if err := c.promoteToSemantic(&item); err != nil {
				return report, err
			}
			report.ToSemantic++
		} else {
			err := c.episodes.Record(ctx, &Episode{
				TaskDescription: "consolidated: " + item.Key,
				Outcome:         OutcomePartial,
				Lessons:         []string{string(item.Value)},
				Timestamp:       item.StoredAt,
			})
			if err != nil {
				return report, err
			}
			report.ToEpisodic++
		}
		c.working.Delete(item.Key)
		report.Promoted++
	}
	logging.Memory("consolidation promoted %d items (episodic=%d, semantic=%d)",
		report.Promoted, report.ToEpisodic, report.ToSemantic)
	return report, nil
}

// Dream mines recent successful episodes for reusable patterns and
// stores the new ones.
func (c *Consolidator) Dream(ctx context.Context) (int, error) {
	timer := logging.StartTimer(logging.CategoryMemory, "Dream")
	defer timer.Stop()

	candidates, err := c.episodes.ExtractPatterns(c.cfg.MinSupport, c.cfg.RecentWindow)
	if err != nil {
		return 0, err
	}

	existing, err := c.procedural.All()
	if err != nil {
		return 0, err
	}
	known := make(map[string]bool, len(existing))
	for _, pat := range existing {
		known[pat.Kind+"|"+pat.After] = true
	}

	created := 0
	for _, pat := range candidates {
		if known[pat.Kind+"|"+pat.After] {
			continue
		}
		if err := c.procedural.Remember(pat); err != nil {
			return created, err
		}
		created++
	}
	logging.Memory("dream created %d patterns (%d candidates)", created, len(candidates))
	return created, nil
}

// Forget removes working items whose retention score falls below the
// threshold.
func (c *Consolidator) Forget(importanceThreshold float64) int {
	removed := 0
	for _, item := range c.working.Items() {
		score, ok := c.working.Score(item.Key)
		if ok && score < importanceThreshold {
			c.working.Delete(item.Key)
			removed++
		}
	}
	if removed > 0 {
		logging.Memory("forgot %d working items below %.2f", removed, importanceThreshold)
	}
	return removed
}

// Run performs a full pass: consolidate, dream, forget.
func (c *Consolidator) Run(ctx context.Context, forgetBelow float64) (*ConsolidateReport, error) {
	report, err := c.Consolidate(ctx)
	if err != nil {
		return report, err
	}
	dreamed, err := c.Dream(ctx)
	if err != nil {
		return report, err
	}
	report.Dreamed = dreamed
	report.Forgotten = c.Forget(forgetBelow)
	return report, nil
}

// Manager is the cognitive façade: remember, recall, associate, forget,
// dream.
type Manager struct {
	Working      *WorkingMemory
	Episodes     *Episodes
	Procedural   *Procedural
	Units        *semantic.Store
	Consolidator *Consolidator
}

// NewManager assembles the façade over the tiers.
func NewManager(working *WorkingMemory, episodes *Episodes, procedural *Procedural, units *semantic.Store, cfg ConsolidateConfig) *Manager {
	return &Manager{
		Working:      working,
		Episodes:     episodes,
		Procedural:   procedural,
		Units:        units,
		Consolidator: NewConsolidator(cfg, working, episodes, procedural, units),
	}
}

// Remember stores short-term state in working memory.
func (m *Manager) Remember(key string, value []byte, priority Priority) error {
	return m.Working.Store(key, value, priority)
}

// Recall searches across tiers: working memory by key, then episodic by
// query.
func (m *Manager) Recall(ctx context.Context, query string, limit int) ([]*Episode, []byte, error) {
	if value, ok := m.Working.Retrieve(query); ok {
		return nil, value, nil
	}
	episodes, err := m.Episodes.Recall(ctx, query, limit)
	return episodes, nil, err
}

// Associate adds a typed dependency edge between two units.
func (m *Manager) Associate(sourceID, targetID string, kind semantic.EdgeKind) error {
	return m.Units.AddEdge(sourceID, targetID, kind)
}

// Forget drops low-importance working items.
func (m *Manager) Forget(importanceThreshold float64) int {
	return m.Consolidator.Forget(importanceThreshold)
}

// Dream mines patterns from recent successes.
func (m *Manager) Dream(ctx context.Context) (int, error) {
	return m.Consolidator.Dream(ctx)
}

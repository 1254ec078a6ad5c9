package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cortex/internal/cortexerr"
	"cortex/internal/embedding"
	"cortex/internal/semantic"
	"cortex/internal/storage"
)

func newTestTiers(t *testing.T) (*Episodes, *Procedural, *semantic.Store) {
	t.Helper()
	doc, err := storage.OpenDocumentStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { doc.Close() })

	eps, err := NewEpisodes(doc, embedding.NewMockEngine(64))
	require.NoError(t, err)
	proc, err := NewProcedural(doc)
	require.NoError(t, err)
	units, err := semantic.NewStore(doc)
	require.NoError(t, err)
	return eps, proc, units
}

func TestEpisodeRecordAndGet(t *testing.T) {
	eps, _, _ := newTestTiers(t)
	ep := &Episode{
		TaskDescription: "fix the flaky watcher test",
		AgentID:         "agent-1",
		ToolsUsed:       map[string]int{"edit": 3, "test": 2},
		FilesTouched:    []string{"/watcher.go"},
		Outcome:         OutcomeSuccess,
		DurationMS:      1200,
	}
	require.NoError(t, eps.Record(context.Background(), ep))
	require.NotEmpty(t, ep.ID)
	assert.NotEmpty(t, ep.Embedding, "provider should embed the task")

	got, err := eps.Get(ep.ID)
	require.NoError(t, err)
	assert.Equal(t, "fix the flaky watcher test", got.TaskDescription)
	assert.Equal(t, OutcomeSuccess, got.Outcome)
	assert.Equal(t, 3, got.ToolsUsed["edit"])
}

func TestEpisodeRecallSemantic(t *testing.T) {
	eps, _, _ := newTestTiers(t)
	ctx := context.Background()
	tasks := []string{
		"refactor the connection pool retry logic",
		"write documentation for the cache",
		"fix a crash in the vector index",
	}
	for _, task := range tasks {
		require.NoError(t, eps.Record(ctx, &Episode{TaskDescription: task, Outcome: OutcomeSuccess}))
	}

	// The mock provider is deterministic: the exact task text is its own
	// nearest neighbor.
	got, err := eps.Recall(ctx, "refactor the connection pool retry logic", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, tasks[0], got[0].TaskDescription)
}

func TestExtractPatternsBySharedToolSequence(t *testing.T) {
	eps, _, _ := newTestTiers(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, eps.Record(ctx, &Episode{
			TaskDescription: fmt.Sprintf("task %d", i),
			ToolsUsed:       map[string]int{"edit": 1, "test": 1},
			Outcome:         OutcomeSuccess,
		}))
	}
	// Below support: one session with a different sequence.
	require.NoError(t, eps.Record(ctx, &Episode{
		TaskDescription: "solo", ToolsUsed: map[string]int{"grep": 1}, Outcome: OutcomeSuccess,
	}))
	// Failures never mine.
	require.NoError(t, eps.Record(ctx, &Episode{
		TaskDescription: "failed", ToolsUsed: map[string]int{"edit": 1, "test": 1}, Outcome: OutcomeFailure,
	}))

	patterns, err := eps.ExtractPatterns(2, 0)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, "edit,test", patterns[0].After)
	assert.Equal(t, 3, patterns[0].Successes)
	assert.Len(t, patterns[0].SourceEpisodes, 3)
}

func TestExtractPatternsRecentWindow(t *testing.T) {
	eps, _, _ := newTestTiers(t)
	ctx := context.Background()

	// Older successes share one sequence; only the newest two fall inside
	// the window.
	old := time.Now().Add(-time.Hour)
	for i := 0; i < 2; i++ {
		require.NoError(t, eps.Record(ctx, &Episode{
			TaskDescription: fmt.Sprintf("old %d", i),
			ToolsUsed:       map[string]int{"grep": 1},
			Outcome:         OutcomeSuccess,
			Timestamp:       old.Add(time.Duration(i) * time.Minute),
		}))
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, eps.Record(ctx, &Episode{
			TaskDescription: fmt.Sprintf("new %d", i),
			ToolsUsed:       map[string]int{"edit": 1},
			Outcome:         OutcomeSuccess,
			Timestamp:       time.Now().Add(time.Duration(i) * time.Second),
		}))
	}

	patterns, err := eps.ExtractPatterns(2, 2)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, "edit", patterns[0].After)

	// Unbounded mining sees both groups.
	patterns, err = eps.ExtractPatterns(2, 0)
	require.NoError(t, err)
	assert.Len(t, patterns, 2)
}

func TestWorkingMemoryEvictionScenario(t *testing.T) {
	// S6: capacity 5, five Low items, then one Critical: the Critical item
	// is stored, exactly one Low item is evicted.
	w := NewWorkingMemory(WorkingConfig{MaxItems: 5, MaxBytes: 1 << 20})
	for i := 0; i < 5; i++ {
		require.NoError(t, w.Store(fmt.Sprintf("k%d", i), []byte("v"), PriorityLow))
	}
	require.NoError(t, w.Store("k5", []byte("v"), PriorityCritical))

	stats := w.Stats()
	assert.Equal(t, 5, stats.Items)
	assert.Equal(t, int64(1), stats.EvictionsLow)
	assert.Equal(t, int64(0), stats.EvictionsCritical)

	_, ok := w.Retrieve("k5")
	assert.True(t, ok, "critical item must be present")

	surviving := 0
	for i := 0; i < 5; i++ {
		if _, ok := w.Retrieve(fmt.Sprintf("k%d", i)); ok {
			surviving++
		}
	}
	assert.Equal(t, 4, surviving)
}

func TestWorkingMemoryRetrieveUpdatesRetention(t *testing.T) {
	w := NewWorkingMemory(WorkingConfig{MaxItems: 2, MaxBytes: 1 << 20, FreqWeight: 5})
	require.NoError(t, w.Store("hot", []byte("h"), PriorityLow))
	require.NoError(t, w.Store("cold", []byte("c"), PriorityLow))
	for i := 0; i < 5; i++ {
		_, ok := w.Retrieve("hot")
		require.True(t, ok)
	}

	require.NoError(t, w.Store("new", []byte("n"), PriorityLow))
	_, hotOK := w.Retrieve("hot")
	_, coldOK := w.Retrieve("cold")
	assert.True(t, hotOK, "frequently accessed item survives")
	assert.False(t, coldOK, "cold item evicts first")
}

func TestWorkingMemoryHitRate(t *testing.T) {
	w := NewWorkingMemory(DefaultWorkingConfig())
	require.NoError(t, w.Store("a", []byte("1"), PriorityMedium))
	w.Retrieve("a")
	w.Retrieve("missing")
	assert.InDelta(t, 0.5, w.Stats().HitRate(), 1e-9)
}

func TestWorkingMemoryOversizedRejected(t *testing.T) {
	w := NewWorkingMemory(WorkingConfig{MaxItems: 10, MaxBytes: 4})
	err := w.Store("big", []byte("12345"), PriorityHigh)
	assert.True(t, cortexerr.IsTag(err, cortexerr.TagQuotaExceeded))
}

func TestProceduralSuccessRate(t *testing.T) {
	_, proc, _ := newTestTiers(t)
	pat := &Pattern{Kind: "refactor", Description: "extract helper before test"}
	require.NoError(t, proc.Remember(pat))

	require.NoError(t, proc.RecordSuccess(pat.ID))
	require.NoError(t, proc.RecordSuccess(pat.ID))
	require.NoError(t, proc.RecordFailure(pat.ID))

	got, err := proc.Get(pat.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Applications)
	assert.InDelta(t, 2.0/3.0, got.SuccessRate(), 1e-9)

	assert.True(t, cortexerr.IsTag(proc.RecordSuccess("nope"), cortexerr.TagNotFound))
}

func TestProceduralSearch(t *testing.T) {
	_, proc, _ := newTestTiers(t)
	good := &Pattern{Kind: "testing", Description: "run tests before commit", Successes: 9, Failures: 1, Applications: 10}
	bad := &Pattern{Kind: "testing", Description: "skip tests when late", Successes: 1, Failures: 9, Applications: 10}
	require.NoError(t, proc.Remember(good))
	require.NoError(t, proc.Remember(bad))

	got, err := proc.Search("tests", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, good.ID, got[0].ID, "higher success rate ranks first")
}

func TestConsolidatePromotes(t *testing.T) {
	eps, proc, units := newTestTiers(t)
	w := NewWorkingMemory(WorkingConfig{MaxItems: 64, MaxBytes: 1 << 20})
	c := NewConsolidator(ConsolidateConfig{PromoteThreshold: 5, MinSupport: 2}, w, eps, proc, units)

	// Critical priority scores 30 with default weights; Low scores ~0.
	require.NoError(t, w.Store("observation", []byte("deploys fail on fridays"), PriorityCritical))
	require.NoError(t, w.Store("code:helper", []byte("func helper() {}"), PriorityCritical))
	require.NoError(t, w.Store("scratch", []byte("tmp"), PriorityLow))

	report, err := c.Consolidate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Promoted)
	assert.Equal(t, 1, report.ToEpisodic)
	assert.Equal(t, 1, report.ToSemantic)

	// The code-like item landed in the semantic unit store.
	promoted, err := units.FindByName("memory", "helper")
	require.NoError(t, err)
	require.Len(t, promoted, 1)
	assert.Equal(t, "func helper() {}", promoted[0].Body)
	assert.Equal(t, "/.memory/code-helper", promoted[0].Path.String())

	// Promoted items left working memory; the low one stayed.
	_, ok := w.Retrieve("observation")
	assert.False(t, ok)
	_, ok = w.Retrieve("scratch")
	assert.True(t, ok)

	recent, err := eps.Recent(10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Contains(t, recent[0].TaskDescription, "observation")
}

func TestDreamCreatesPatternsOnce(t *testing.T) {
	eps, proc, units := newTestTiers(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		require.NoError(t, eps.Record(ctx, &Episode{
			TaskDescription: fmt.Sprintf("migration %d", i),
			ToolsUsed:       map[string]int{"sql": 1, "verify": 1},
			Outcome:         OutcomeSuccess,
		}))
	}
	w := NewWorkingMemory(DefaultWorkingConfig())
	c := NewConsolidator(DefaultConsolidateConfig(), w, eps, proc, units)

	created, err := c.Dream(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	// A second dream over the same episodes is idempotent.
	created, err = c.Dream(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, created)
}

func TestForget(t *testing.T) {
	eps, proc, units := newTestTiers(t)
	w := NewWorkingMemory(WorkingConfig{MaxItems: 64, MaxBytes: 1 << 20})
	c := NewConsolidator(DefaultConsolidateConfig(), w, eps, proc, units)

	require.NoError(t, w.Store("keep", []byte("k"), PriorityCritical))
	require.NoError(t, w.Store("drop", []byte("d"), PriorityLow))

	removed := c.Forget(5)
	assert.Equal(t, 1, removed)
	_, ok := w.Retrieve("keep")
	assert.True(t, ok)
}

func TestManagerFacade(t *testing.T) {
	eps, proc, units := newTestTiers(t)
	w := NewWorkingMemory(DefaultWorkingConfig())
	m := NewManager(w, eps, proc, units, DefaultConsolidateConfig())

	require.NoError(t, m.Remember("note", []byte("remember me"), PriorityHigh))
	_, value, err := m.Recall(context.Background(), "note", 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("remember me"), value)

	// Episodic recall path.
	require.NoError(t, eps.Record(context.Background(), &Episode{
		TaskDescription: "tune the ranker weights", Outcome: OutcomeSuccess,
	}))
	episodes, _, err := m.Recall(context.Background(), "tune the ranker weights", 5)
	require.NoError(t, err)
	require.NotEmpty(t, episodes)
}

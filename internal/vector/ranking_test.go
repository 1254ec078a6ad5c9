package vector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cortex/internal/cortexerr"
)

func candidates() []Candidate {
	return []Candidate{
		{ID: "exact", Semantic: 0.9, Content: "connection pool acquire release timeout"},
		{ID: "partial", Semantic: 0.85, Content: "cache eviction policy with ttl entries"},
		{ID: "noise", Semantic: 0.2, Content: "unrelated markdown prose about birds"},
	}
}

func TestRankSemanticOnly(t *testing.T) {
	cfg := DefaultRankConfig()
	cfg.Strategy = StrategySemantic
	ranked, err := Rank(cfg, []string{"pool"}, candidates())
	require.NoError(t, err)
	require.NotEmpty(t, ranked)
	assert.Equal(t, "exact", ranked[0].ID)
	assert.InDelta(t, 0.9, ranked[0].Score, 1e-9)
}

func TestRankBM25PrefersKeywordMatch(t *testing.T) {
	cfg := DefaultRankConfig()
	cfg.Strategy = StrategyBM25
	ranked, err := Rank(cfg, []string{"pool", "timeout"}, candidates())
	require.NoError(t, err)
	require.NotEmpty(t, ranked)
	assert.Equal(t, "exact", ranked[0].ID)
}

func TestRankHybridBlends(t *testing.T) {
	cfg := DefaultRankConfig()
	cfg.Strategy = StrategyHybrid
	cfg.Alpha = 0.5
	// "kwHeavy" has the keyword but lower similarity; "simOnly" has no
	// keyword. The blend should let keywords pull "kwHeavy" up.
	cands := []Candidate{
		{ID: "simOnly", Semantic: 0.8, Content: "nothing relevant"},
		{ID: "kwHeavy", Semantic: 0.6, Content: "eviction eviction eviction policy"},
	}
	ranked, err := Rank(cfg, []string{"eviction"}, cands)
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, "kwHeavy", ranked[0].ID)
}

func TestRankWeightedUsesRecencyAndPopularity(t *testing.T) {
	cfg := DefaultRankConfig()
	cfg.Strategy = StrategyWeighted
	cfg.WSemantic, cfg.WKeyword, cfg.WRecency, cfg.WPopularity = 0.25, 0.25, 0.25, 0.25

	old := Candidate{ID: "old", Semantic: 0.5, Content: "same words here", UpdatedAt: time.Now().Add(-90 * 24 * time.Hour)}
	fresh := Candidate{ID: "fresh", Semantic: 0.5, Content: "same words here", UpdatedAt: time.Now(), Refs: 50}
	ranked, err := Rank(cfg, []string{"words"}, []Candidate{old, fresh})
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, "fresh", ranked[0].ID)
}

func TestRankWeightsMustSumToOne(t *testing.T) {
	cfg := DefaultRankConfig()
	cfg.Strategy = StrategyWeighted
	cfg.WSemantic = 0.9
	_, err := Rank(cfg, nil, candidates())
	assert.True(t, cortexerr.IsTag(err, cortexerr.TagInvalidInput))
}

func TestRankMinScoreAndLimit(t *testing.T) {
	cfg := DefaultRankConfig()
	cfg.Strategy = StrategySemantic
	cfg.MinScore = 0.5
	cfg.Limit = 1
	ranked, err := Rank(cfg, nil, candidates())
	require.NoError(t, err)
	require.Len(t, ranked, 1)
	assert.Equal(t, "exact", ranked[0].ID)
}

func TestRecencyDecay(t *testing.T) {
	now := time.Now()
	half := 24 * time.Hour
	assert.InDelta(t, 1.0, recencyScore(now, now, half), 0.01)
	assert.InDelta(t, 0.5, recencyScore(now, now.Add(-24*time.Hour), half), 0.01)
	assert.InDelta(t, 0.25, recencyScore(now, now.Add(-48*time.Hour), half), 0.01)
}

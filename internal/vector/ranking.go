package vector

import (
	"math"
	"sort"
	"strings"
	"time"

	"cortex/internal/cortexerr"
)

// Strategy selects how candidates are scored.
type Strategy string

const (
	// StrategySemantic ranks by vector similarity only.
	StrategySemantic Strategy = "semantic"
	// StrategyHybrid blends semantic and keyword scores by alpha.
	StrategyHybrid Strategy = "hybrid"
	// StrategyBM25 ranks by keyword score only.
	StrategyBM25 Strategy = "bm25"
	// StrategyWeighted blends semantic, keyword, recency and popularity.
	StrategyWeighted Strategy = "weighted"
)

// RankConfig tunes a ranking pass.
type RankConfig struct {
	Strategy Strategy
	Alpha    float64 // hybrid: semantic share
	BM25K1   float64
	BM25B    float64
	// Weighted strategy weights; must sum to 1.
	WSemantic       float64
	WKeyword        float64
	WRecency        float64
	WPopularity     float64
	MinScore        float64
	Limit           int
	RecencyHalfLife time.Duration
}

// DefaultRankConfig returns production defaults.
func DefaultRankConfig() RankConfig {
	return RankConfig{
		Strategy:        StrategyHybrid,
		Alpha:           0.7,
		BM25K1:          1.2,
		BM25B:           0.75,
		WSemantic:       0.5,
		WKeyword:        0.3,
		WRecency:        0.1,
		WPopularity:     0.1,
		Limit:           10,
		RecencyHalfLife: 7 * 24 * time.Hour,
	}
}

func (c *RankConfig) validate() error {
	if c.Strategy == StrategyWeighted {
		sum := c.WSemantic + c.WKeyword + c.WRecency + c.WPopularity
		if math.Abs(sum-1) > 1e-6 {
			return cortexerr.InvalidInput("weighted ranking weights must sum to 1, got %.4f", sum)
		}
	}
	return nil
}

// Candidate is one rankable item.
type Candidate struct {
	ID        string
	Semantic  float64 // similarity from the vector index
	Content   string  // for keyword scoring
	UpdatedAt time.Time
	Refs      int // references + views, for popularity
}

// Ranked is a scored candidate.
type Ranked struct {
	ID    string
	Score float64
}

// Rank scores candidates against the query terms, sorts descending,
// applies the minimum-score threshold and truncates to the limit.
func Rank(cfg RankConfig, terms []string, candidates []Candidate) ([]Ranked, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 10
	}

	corpus := newKeywordCorpus(candidates)
	now := time.Now()

	ranked := make([]Ranked, 0, len(candidates))
	for i := range candidates {
		c := &candidates[i]
		var score float64
		switch cfg.Strategy {
		case StrategySemantic:
			score = c.Semantic
		case StrategyBM25:
			score = corpus.bm25(i, terms, cfg.BM25K1, cfg.BM25B)
		case StrategyWeighted:
			score = cfg.WSemantic*c.Semantic +
				cfg.WKeyword*corpus.tfidf(i, terms) +
				cfg.WRecency*recencyScore(now, c.UpdatedAt, cfg.RecencyHalfLife) +
				cfg.WPopularity*popularityScore(c.Refs)
		default: // hybrid
			alpha := cfg.Alpha
			if alpha <= 0 || alpha > 1 {
				alpha = 0.7
			}
			score = alpha*c.Semantic + (1-alpha)*corpus.tfidf(i, terms)
		}
		if score < cfg.MinScore {
			continue
		}
		ranked = append(ranked, Ranked{ID: c.ID, Score: score})
	}

	sort.Slice(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	if len(ranked) > cfg.Limit {
		ranked = ranked[:cfg.Limit]
	}
	return ranked, nil
}

// recencyScore decays exponentially with age: 1.0 now, 0.5 at the half
// life.
func recencyScore(now, at time.Time, halfLife time.Duration) float64 {
	if at.IsZero() || halfLife <= 0 {
		return 0
	}
	age := now.Sub(at)
	if age < 0 {
		return 1
	}
	return math.Exp2(-age.Hours() / halfLife.Hours())
}

// popularityScore is a saturating log of references+views.
func popularityScore(refs int) float64 {
	if refs <= 0 {
		return 0
	}
	// log10(1+refs), capped at 1 around a thousand references.
	s := math.Log10(1+float64(refs)) / 3
	if s > 1 {
		return 1
	}
	return s
}

// keywordCorpus precomputes term statistics over the candidate contents.
type keywordCorpus struct {
	docs   [][]string
	df     map[string]int
	avgLen float64
	n      int
}

func newKeywordCorpus(candidates []Candidate) *keywordCorpus {
	kc := &keywordCorpus{df: make(map[string]int), n: len(candidates)}
	var total int
	for _, c := range candidates {
		tokens := tokenize(c.Content)
		kc.docs = append(kc.docs, tokens)
		total += len(tokens)
		seen := make(map[string]bool)
		for _, tok := range tokens {
			if !seen[tok] {
				seen[tok] = true
				kc.df[tok]++
			}
		}
	}
	if kc.n > 0 {
		kc.avgLen = float64(total) / float64(kc.n)
	}
	return kc
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9') && r != '_'
	})
	return fields
}

func (kc *keywordCorpus) termFreq(doc int, term string) int {
	n := 0
	for _, tok := range kc.docs[doc] {
		if tok == term {
			n++
		}
	}
	return n
}

// tfidf is the keyword score used by hybrid and weighted strategies,
// normalized into [0, 1] by the term count.
func (kc *keywordCorpus) tfidf(doc int, terms []string) float64 {
	if len(terms) == 0 || kc.n == 0 {
		return 0
	}
	var score float64
	for _, term := range terms {
		tf := kc.termFreq(doc, term)
		if tf == 0 {
			continue
		}
		idf := math.Log(1 + float64(kc.n)/float64(1+kc.df[term]))
		score += (1 + math.Log(float64(tf))) * idf
	}
	// Normalize by the best-case score so the blend stays in range.
	max := float64(len(terms)) * math.Log(1+float64(kc.n))
	if max == 0 {
		return 0
	}
	s := score / max
	if s > 1 {
		return 1
	}
	return s
}

// bm25 is the classic Okapi score with parameters k1 and b.
func (kc *keywordCorpus) bm25(doc int, terms []string, k1, b float64) float64 {
	if len(terms) == 0 || kc.n == 0 {
		return 0
	}
	if k1 <= 0 {
		k1 = 1.2
	}
	if b < 0 || b > 1 {
		b = 0.75
	}
	docLen := float64(len(kc.docs[doc]))
	var score float64
	for _, term := range terms {
		tf := float64(kc.termFreq(doc, term))
		if tf == 0 {
			continue
		}
		df := float64(kc.df[term])
		idf := math.Log(1 + (float64(kc.n)-df+0.5)/(df+0.5))
		denom := tf + k1*(1-b+b*docLen/math.Max(kc.avgLen, 1))
		score += idf * tf * (k1 + 1) / denom
	}
	return score
}

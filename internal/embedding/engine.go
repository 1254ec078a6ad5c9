// Package embedding generates vector embeddings for semantic search.
// Providers implement Engine; a Chain composes a primary provider with
// ordered fallbacks. Supported backends: Ollama (local), Google GenAI
// (cloud) and a deterministic mock for tests.
package embedding

import (
	"context"
	"fmt"
	"math"

	"cortex/internal/cortexerr"
	"cortex/internal/logging"
)

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the dimensionality of embeddings.
	Dimensions() int
	// Name returns the engine name.
	Name() string
}

// HealthChecker is an optional interface for engines that can verify
// availability before batch operations.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Config selects and configures a provider.
type Config struct {
	Provider string `mapstructure:"provider"` // ollama | genai | mock

	OllamaEndpoint string `mapstructure:"ollama_endpoint"`
	OllamaModel    string `mapstructure:"ollama_model"`

	GenAIAPIKey string `mapstructure:"genai_api_key"`
	GenAIModel  string `mapstructure:"genai_model"`

	MockDimensions int `mapstructure:"mock_dimensions"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Provider:       "ollama",
		OllamaEndpoint: "http://localhost:11434",
		OllamaModel:    "embeddinggemma",
		GenAIModel:     "gemini-embedding-001",
		MockDimensions: 384,
	}
}

// NewEngine creates a single provider from config.
func NewEngine(cfg Config) (Engine, error) {
	switch cfg.Provider {
	case "ollama":
		return NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel)
	case "genai":
		return NewGenAIEngine(cfg.GenAIAPIKey, cfg.GenAIModel)
	case "mock":
		return NewMockEngine(cfg.MockDimensions), nil
	default:
		return nil, cortexerr.InvalidInput("unsupported embedding provider: %s (use ollama, genai or mock)", cfg.Provider)
	}
}

// =============================================================================
// PROVIDER CHAIN
// =============================================================================

// Chain tries the primary provider first and falls through the fallbacks
// in order on any provider error. The chain's dimension is the primary's;
// fallbacks must match it at construction.
type Chain struct {
	providers []Engine
}

// NewChain builds a fallback chain. At least one provider is required.
func NewChain(primary Engine, fallbacks ...Engine) (*Chain, error) {
	if primary == nil {
		return nil, cortexerr.InvalidInput("chain requires a primary provider")
	}
	dim := primary.Dimensions()
	for _, f := range fallbacks {
		if f.Dimensions() != dim {
			return nil, cortexerr.DimensionMismatch(
				"fallback %s has dimension %d, chain dimension is %d", f.Name(), f.Dimensions(), dim)
		}
	}
	providers := append([]Engine{primary}, fallbacks...)
	logging.Embedding("embedding chain: %d providers, dimension %d, primary %s",
		len(providers), dim, primary.Name())
	return &Chain{providers: providers}, nil
}

func (c *Chain) Dimensions() int { return c.providers[0].Dimensions() }

func (c *Chain) Name() string {
	if len(c.providers) == 1 {
		return c.providers[0].Name()
	}
	return fmt.Sprintf("chain(%s+%d)", c.providers[0].Name(), len(c.providers)-1)
}

// Embed tries each provider in order until one succeeds.
func (c *Chain) Embed(ctx context.Context, text string) ([]float32, error) {
	var lastErr error
	for _, p := range c.providers {
		vec, err := p.Embed(ctx, text)
		if err == nil {
			return vec, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, cortexerr.Wrap(ctx.Err(), cortexerr.TagCancelled, "embed cancelled")
		}
		logging.EmbeddingDebug("provider %s failed, falling through: %v", p.Name(), err)
	}
	return nil, cortexerr.Wrap(lastErr, cortexerr.TagProviderError, "all %d embedding providers failed", len(c.providers))
}

// EmbedBatch tries each provider's batch API in order.
func (c *Chain) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	for _, p := range c.providers {
		vecs, err := p.EmbedBatch(ctx, texts)
		if err == nil {
			return vecs, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, cortexerr.Wrap(ctx.Err(), cortexerr.TagCancelled, "embed cancelled")
		}
		logging.EmbeddingDebug("provider %s batch failed, falling through: %v", p.Name(), err)
	}
	return nil, cortexerr.Wrap(lastErr, cortexerr.TagProviderError, "all %d embedding providers failed", len(c.providers))
}

// =============================================================================
// SIMILARITY UTILITIES
// =============================================================================

// CosineSimilarity returns the cosine of the angle between two vectors,
// in [-1, 1]. Dimension mismatch is a hard error.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, cortexerr.DimensionMismatch("vector lengths differ: %d != %d", len(a), len(b))
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB)), nil
}

// Normalize scales a vector to unit length in place and returns it.
func Normalize(v []float32) []float32 {
	var mag float64
	for _, x := range v {
		mag += float64(x) * float64(x)
	}
	if mag == 0 {
		return v
	}
	inv := 1 / math.Sqrt(mag)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}

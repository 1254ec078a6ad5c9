package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"cortex/internal/cortexerr"
	"cortex/internal/logging"
)

// OllamaEngine generates embeddings against a local Ollama server.
type OllamaEngine struct {
	endpoint string
	model    string
	client   *http.Client
	dim      int
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// NewOllamaEngine creates an Ollama embedding engine. The embedding
// dimension is discovered on first use.
func NewOllamaEngine(endpoint, model string) (*OllamaEngine, error) {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	if model == "" {
		model = "embeddinggemma"
	}
	logging.Embedding("ollama engine: endpoint=%s model=%s", endpoint, model)
	return &OllamaEngine{
		endpoint: endpoint,
		model:    model,
		client:   &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (e *OllamaEngine) Name() string { return "ollama/" + e.model }

// Dimensions returns the discovered dimension; zero before the first
// successful call.
func (e *OllamaEngine) Dimensions() int { return e.dim }

// Embed generates an embedding for a single text.
func (e *OllamaEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "Ollama.Embed")
	defer timer.Stop()

	body, err := json.Marshal(ollamaEmbedRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, cortexerr.Wrap(err, cortexerr.TagProviderError, "ollama request").WithContext("origin", "ollama")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, cortexerr.Provider("ollama", "ollama returned %d: %s", resp.StatusCode, string(data))
	}

	var out ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, cortexerr.Wrap(err, cortexerr.TagProviderError, "decode ollama response").WithContext("origin", "ollama")
	}
	if len(out.Embedding) == 0 {
		return nil, cortexerr.Provider("ollama", "empty embedding from model %s", e.model)
	}
	if e.dim == 0 {
		e.dim = len(out.Embedding)
		logging.Embedding("ollama model %s dimension discovered: %d", e.model, e.dim)
	}
	return out.Embedding, nil
}

// EmbedBatch embeds texts sequentially; the Ollama embeddings API has no
// batch endpoint.
func (e *OllamaEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
		out[i] = vec
	}
	return out, nil
}

// HealthCheck verifies the server is reachable.
func (e *OllamaEngine) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.endpoint+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return cortexerr.Provider("ollama", "health check: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return cortexerr.Provider("ollama", "health check returned %d", resp.StatusCode)
	}
	return nil
}

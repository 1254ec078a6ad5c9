package embedding

import (
	"context"

	"google.golang.org/genai"

	"cortex/internal/cortexerr"
	"cortex/internal/logging"
)

// genaiDimensions is the requested output dimensionality for the Gemini
// embedding models. Part of the index identity: changing it requires a
// new index.
const genaiDimensions = 768

// maxGenAIBatch is the API's per-request content limit.
const maxGenAIBatch = 100

// GenAIEngine generates embeddings using Google's Gemini API.
type GenAIEngine struct {
	client *genai.Client
	model  string
}

// NewGenAIEngine creates a GenAI embedding engine.
func NewGenAIEngine(apiKey, model string) (*GenAIEngine, error) {
	if apiKey == "" {
		return nil, cortexerr.InvalidInput("genai api key is required")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, cortexerr.Wrap(err, cortexerr.TagProviderError, "create genai client").WithContext("origin", "genai")
	}
	logging.Embedding("genai engine: model=%s dimensions=%d", model, genaiDimensions)
	return &GenAIEngine{client: client, model: model}, nil
}

func (e *GenAIEngine) Name() string    { return "genai/" + e.model }
func (e *GenAIEngine) Dimensions() int { return genaiDimensions }

func int32Ptr(i int32) *int32 { return &i }

// Embed generates an embedding for a single text.
func (e *GenAIEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "GenAI.Embed")
	defer timer.Stop()

	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}
	result, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
		OutputDimensionality: int32Ptr(genaiDimensions),
	})
	if err != nil {
		return nil, cortexerr.Wrap(err, cortexerr.TagProviderError, "genai embed").WithContext("origin", "genai")
	}
	if len(result.Embeddings) == 0 || len(result.Embeddings[0].Values) == 0 {
		return nil, cortexerr.Provider("genai", "empty embedding from model %s", e.model)
	}
	return result.Embeddings[0].Values, nil
}

// EmbedBatch generates embeddings for multiple texts, chunked to the
// API's batch limit.
func (e *GenAIEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "GenAI.EmbedBatch")
	defer timer.Stop()

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxGenAIBatch {
		end := start + maxGenAIBatch
		if end > len(texts) {
			end = len(texts)
		}
		contents := make([]*genai.Content, 0, end-start)
		for _, text := range texts[start:end] {
			contents = append(contents, genai.NewContentFromText(text, genai.RoleUser))
		}
		result, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
			OutputDimensionality: int32Ptr(genaiDimensions),
		})
		if err != nil {
			return nil, cortexerr.Wrap(err, cortexerr.TagProviderError, "genai batch embed").WithContext("origin", "genai")
		}
		for _, emb := range result.Embeddings {
			out = append(out, emb.Values)
		}
	}
	if len(out) != len(texts) {
		return nil, cortexerr.Provider("genai", "batch size mismatch: %d != %d", len(out), len(texts))
	}
	return out, nil
}

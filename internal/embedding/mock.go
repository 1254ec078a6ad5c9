package embedding

import (
	"context"
	"encoding/binary"
	"sync/atomic"

	"lukechampine.com/blake3"
)

// MockEngine produces deterministic hash-seeded unit vectors: the same
// text always embeds to the same vector, and distinct texts almost
// surely differ. It exists for tests and offline operation.
type MockEngine struct {
	dim   int
	fail  atomic.Bool
	calls atomic.Int64
}

// NewMockEngine creates a mock engine with the given dimension.
func NewMockEngine(dim int) *MockEngine {
	if dim <= 0 {
		dim = 384
	}
	return &MockEngine{dim: dim}
}

func (e *MockEngine) Name() string    { return "mock" }
func (e *MockEngine) Dimensions() int { return e.dim }

// Calls returns the number of Embed/EmbedBatch items served.
func (e *MockEngine) Calls() int64 { return e.calls.Load() }

// SetFail makes subsequent calls fail (for chain fallback tests).
func (e *MockEngine) SetFail(v bool) { e.fail.Store(v) }

// Embed derives a unit vector from the BLAKE3 XOF of the text.
func (e *MockEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.fail.Load() {
		return nil, errMockFailure
	}
	e.calls.Add(1)

	h := blake3.New(32, nil)
	_, _ = h.Write([]byte(text))
	xof := h.XOF()

	vec := make([]float32, e.dim)
	buf := make([]byte, 4)
	for i := range vec {
		_, _ = xof.Read(buf)
		// Map 32 random bits onto [-1, 1).
		u := binary.LittleEndian.Uint32(buf)
		vec[i] = float32(int32(u)) / float32(1<<31)
	}
	return Normalize(vec), nil
}

// EmbedBatch embeds each text independently.
func (e *MockEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

var errMockFailure = mockError("mock engine failure injected")

type mockError string

func (e mockError) Error() string { return string(e) }

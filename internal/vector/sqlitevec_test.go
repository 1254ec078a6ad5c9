//go:build sqlite_vec && cgo

package vector

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cortex/internal/cortexerr"
	"cortex/internal/storage"
)

func newVecIndex(t *testing.T, dim int) *SQLiteVecIndex {
	t.Helper()
	doc, err := storage.OpenDocumentStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { doc.Close() })
	if !doc.HasVecExtension() {
		t.Skip("sqlite-vec extension not available")
	}
	idx, err := NewSQLiteVecIndex(doc, CollectionConfig{Name: "test_ws", Dimension: dim})
	require.NoError(t, err)
	return idx
}

func TestSQLiteVecInsertSearch(t *testing.T) {
	idx := newVecIndex(t, 32)
	vecs := randomUnitVectors(50, 32, 21)
	ids := make([]string, len(vecs))
	for i := range ids {
		ids[i] = fmt.Sprintf("v%d", i)
	}
	require.NoError(t, idx.InsertBatch(ids, vecs))

	for i := 0; i < 10; i++ {
		matches, err := idx.Search(vecs[i], 1, nil)
		require.NoError(t, err)
		require.NotEmpty(t, matches)
		assert.Equal(t, ids[i], matches[0].ID)
		assert.GreaterOrEqual(t, matches[0].Score, 0.999)
	}
	assert.Equal(t, 50, idx.Stats().Count)
}

func TestSQLiteVecDimensionIdentity(t *testing.T) {
	doc, err := storage.OpenDocumentStore(":memory:")
	require.NoError(t, err)
	defer doc.Close()
	if !doc.HasVecExtension() {
		t.Skip("sqlite-vec extension not available")
	}
	_, err = NewSQLiteVecIndex(doc, CollectionConfig{Name: "c", Dimension: 16})
	require.NoError(t, err)
	_, err = NewSQLiteVecIndex(doc, CollectionConfig{Name: "c", Dimension: 32})
	assert.True(t, cortexerr.IsTag(err, cortexerr.TagDimensionMismatch))
}

func TestSQLiteVecRemoveAndPayload(t *testing.T) {
	idx := newVecIndex(t, 8)
	vec := randomUnitVectors(1, 8, 2)[0]
	require.NoError(t, idx.Insert("doc", vec))
	require.NoError(t, idx.SetPayload("doc", "code", "ws-1", time.Now()))

	require.NoError(t, idx.Remove("doc"))
	assert.True(t, cortexerr.IsTag(idx.Remove("doc"), cortexerr.TagNotFound))
	assert.Equal(t, 0, idx.Stats().Count)
}

func TestSQLiteVecSnapshot(t *testing.T) {
	idx := newVecIndex(t, 8)
	vecs := randomUnitVectors(5, 8, 3)
	for i, v := range vecs {
		require.NoError(t, idx.Insert(fmt.Sprintf("v%d", i), v))
	}
	seen := 0
	require.NoError(t, idx.Snapshot(func(id string, vec []float32) error {
		seen++
		assert.Len(t, vec, 8)
		return nil
	}))
	assert.Equal(t, 5, seen)
}

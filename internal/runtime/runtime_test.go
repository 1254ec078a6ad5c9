package runtime

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cortex/internal/config"
	"cortex/internal/cortexerr"
	"cortex/internal/vfs"
)

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.General.BaseDir = t.TempDir()
	rt, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(rt.Close)
	return rt
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func TestRuntimeIngestAndSearch(t *testing.T) {
	rt := newTestRuntime(t)
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"pool/pool.go": `package pool

// Acquire leases a connection from the pool.
func Acquire() error { return nil }
`,
		"cache/cache.go": `package cache

// Evict removes the least recently used entry.
func Evict() {}
`,
	})

	ws, err := rt.FS.CreateWorkspace("test")
	require.NoError(t, err)
	report, err := rt.Ingest(ws, src)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Created)

	// Units parsed synchronously via Flush.
	units, err := rt.Units.ListByFile(ws, vfs.MustPath("/pool/pool.go"))
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, "Acquire", units[0].Name)

	// Units indexed for search (embedding generation enabled by default).
	deadline := time.Now().Add(3 * time.Second)
	for rt.Search.Count() < 2 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	require.GreaterOrEqual(t, rt.Search.Count(), 2)

	results, err := rt.Search.Search(context.Background(), "acquire connection pool", 5, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)
}

func TestDropWorkspaceRefusedWhileSessionsOpen(t *testing.T) {
	rt := newTestRuntime(t)
	ws, err := rt.FS.CreateWorkspace("held")
	require.NoError(t, err)

	s := rt.Sessions.Acquire("agent-1", ws)
	err = rt.DropWorkspace(ws)
	require.Error(t, err)
	assert.True(t, cortexerr.IsTag(err, cortexerr.TagConflict))

	require.NoError(t, s.Close())
	require.NoError(t, rt.DropWorkspace(ws))
	_, err = rt.FS.GetNode(ws, vfs.Root)
	assert.Error(t, err)
}

func TestRuntimeStatsSurfaces(t *testing.T) {
	rt := newTestRuntime(t)
	ws, err := rt.FS.CreateWorkspace("stats")
	require.NoError(t, err)
	_, err = rt.FS.CreateFile(ws, vfs.MustPath("/a.txt"), []byte("hello"))
	require.NoError(t, err)

	blobs, bytes, err := rt.FS.Blobs().Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), blobs)
	assert.Equal(t, int64(5), bytes)

	pool := rt.Pool.Stats()
	assert.GreaterOrEqual(t, pool.Open, 0)
}

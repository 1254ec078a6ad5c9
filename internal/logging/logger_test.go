package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUninitializedLoggerIsNoop(t *testing.T) {
	CloseAll()
	loggersMu.Lock()
	logsDir = ""
	loggersMu.Unlock()

	// Must not panic or write anywhere.
	Get(CategoryVFS).Info("into the void")
	VFSDebug("also into the void")
}

func TestInitializeAndWrite(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Initialize(dir, "debug", nil))
	defer CloseAll()

	VFS("hello from %s", "vfs")
	Get(CategoryVFS).Debug("debug line")
	CloseAll()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	var found bool
	for _, e := range entries {
		if strings.Contains(e.Name(), "vfs") {
			found = true
			data, err := os.ReadFile(filepath.Join(dir, e.Name()))
			require.NoError(t, err)
			assert.Contains(t, string(data), "hello from vfs")
			assert.Contains(t, string(data), "debug line")
		}
	}
	assert.True(t, found, "expected a vfs log file")
}

func TestLevelFiltering(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Initialize(dir, "warn", nil))
	defer CloseAll()

	Pool("info is filtered")
	PoolWarn("warning passes")
	CloseAll()

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		data, _ := os.ReadFile(filepath.Join(dir, e.Name()))
		assert.NotContains(t, string(data), "info is filtered")
		if strings.Contains(e.Name(), "pool") {
			assert.Contains(t, string(data), "warning passes")
		}
	}
}

func TestCategoryDisable(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Initialize(dir, "debug", map[string]bool{"vector": false}))
	defer CloseAll()

	assert.False(t, IsCategoryEnabled(CategoryVector))
	assert.True(t, IsCategoryEnabled(CategoryVFS))
	Vector("dropped")
	CloseAll()

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), "vector")
	}
}

func TestTimerDoesNotPanic(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Initialize(dir, "debug", nil))
	defer CloseAll()

	timer := StartTimer(CategoryBoot, "op")
	elapsed := timer.Stop()
	assert.GreaterOrEqual(t, elapsed.Nanoseconds(), int64(0))
}

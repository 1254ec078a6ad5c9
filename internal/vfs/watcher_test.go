package vfs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectBatch(t *testing.T, w *Watcher, timeout time.Duration) []Event {
	t.Helper()
	select {
	case batch := <-w.Events():
		return batch
	case <-time.After(timeout):
		return nil
	}
}

func TestWatcherDeliversCreate(t *testing.T) {
	root := t.TempDir()
	cfg := DefaultWatcherConfig()
	cfg.Debounce = 20 * time.Millisecond
	cfg.BatchInterval = 50 * time.Millisecond
	w, err := NewWatcher(root, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(root, "f.txt"), []byte("x"), 0o644))

	batch := collectBatch(t, w, 2*time.Second)
	require.NotEmpty(t, batch)
	found := false
	for _, e := range batch {
		if filepath.Base(e.Path) == "f.txt" && e.Kind == EventCreated {
			found = true
		}
	}
	assert.True(t, found, "expected created event for f.txt, got %v", batch)
}

func TestWatcherCoalescesWrites(t *testing.T) {
	root := t.TempDir()
	cfg := DefaultWatcherConfig()
	cfg.Debounce = 30 * time.Millisecond
	cfg.BatchInterval = 60 * time.Millisecond
	w, err := NewWatcher(root, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	path := filepath.Join(root, "g.txt")
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte{byte(i)}, 0o644))
		time.Sleep(5 * time.Millisecond)
	}

	batch := collectBatch(t, w, 2*time.Second)
	require.NotEmpty(t, batch)
	count := 0
	for _, e := range batch {
		if filepath.Base(e.Path) == "g.txt" {
			count++
		}
	}
	assert.Equal(t, 1, count, "rapid writes must coalesce to one event")
}

func TestWatcherExcludesPatterns(t *testing.T) {
	root := t.TempDir()
	cfg := DefaultWatcherConfig()
	cfg.Debounce = 20 * time.Millisecond
	cfg.BatchInterval = 40 * time.Millisecond
	cfg.ExcludePatterns = []string{"*.swp"}
	w, err := NewWatcher(root, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(root, "x.swp"), []byte("swap"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "real.txt"), []byte("ok"), 0o644))

	batch := collectBatch(t, w, 2*time.Second)
	for _, e := range batch {
		assert.NotEqual(t, "x.swp", filepath.Base(e.Path))
	}
	assert.GreaterOrEqual(t, w.Stats().Excluded, int64(1))
}

func TestWatcherStopClosesEvents(t *testing.T) {
	root := t.TempDir()
	w, err := NewWatcher(root, DefaultWatcherConfig())
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	w.Stop()

	_, ok := <-w.Events()
	assert.False(t, ok)
}

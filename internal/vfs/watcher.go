package vfs

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"cortex/internal/logging"
)

// EventKind classifies a watcher event.
type EventKind string

const (
	EventCreated  EventKind = "created"
	EventModified EventKind = "modified"
	EventDeleted  EventKind = "deleted"
	EventRenamed  EventKind = "renamed"
)

// Event is a debounced, coalesced filesystem event.
type Event struct {
	Path string
	Kind EventKind
}

// WatcherConfig tunes debouncing and batching.
type WatcherConfig struct {
	Debounce        time.Duration // quiet period per path before delivery
	BatchInterval   time.Duration // coalescing window for a batch
	MaxBatchSize    int           // flush early when a batch reaches this size
	ExcludePatterns []string      // dropped at the source
}

// DefaultWatcherConfig returns the documented defaults.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		Debounce:      100 * time.Millisecond,
		BatchInterval: 500 * time.Millisecond,
		MaxBatchSize:  256,
		ExcludePatterns: []string{
			".git", "node_modules", "target", "*.swp", "*~",
		},
	}
}

// WatcherStats counts watcher activity.
type WatcherStats struct {
	RawEvents     int64
	Delivered     int64
	Dropped       int64 // backpressure drops
	Excluded      int64
	Restarts      int64
	LastEventTime time.Time
}

// Watcher observes a physical directory tree, debounces raw events and
// delivers coalesced batches. It restarts itself on transient errors; a
// permanent failure closes the event channel after surfacing the error.
type Watcher struct {
	mu      sync.Mutex
	root    string
	cfg     WatcherConfig
	watcher *fsnotify.Watcher
	pending map[string]pendingEvent // path -> latest event within debounce
	events  chan []Event
	errs    chan error
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
	stats   WatcherStats
}

type pendingEvent struct {
	kind EventKind
	at   time.Time
}

// NewWatcher creates a watcher over root. Events are delivered on Events()
// after Start.
func NewWatcher(root string, cfg WatcherConfig) (*Watcher, error) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultWatcherConfig().Debounce
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = DefaultWatcherConfig().BatchInterval
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultWatcherConfig().MaxBatchSize
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		root:    root,
		cfg:     cfg,
		watcher: fsw,
		pending: make(map[string]pendingEvent),
		events:  make(chan []Event, 64),
		errs:    make(chan error, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Events returns the batch stream.
func (w *Watcher) Events() <-chan []Event { return w.events }

// Errors returns permanent watcher failures.
func (w *Watcher) Errors() <-chan error { return w.errs }

// Start begins watching root and every subdirectory.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.addRecursive(w.root); err != nil {
		return err
	}
	logging.Watcher("watching %s (debounce=%v batch=%v)", w.root, w.cfg.Debounce, w.cfg.BatchInterval)
	go w.run(ctx)
	return nil
}

// Stop halts the watcher and closes the event channel.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	_ = w.watcher.Close()
	logging.Watcher("watcher stopped")
}

// Stats returns a snapshot of the counters.
func (w *Watcher) Stats() WatcherStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if w.isExcluded(path) {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)
	defer close(w.events)

	ticker := time.NewTicker(w.cfg.Debounce)
	defer ticker.Stop()

	lastFlush := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			w.flush(time.Time{}) // deliver everything still pending
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleRaw(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.restartable(err) {
				w.mu.Lock()
				w.stats.Restarts++
				w.mu.Unlock()
				logging.Watcher("restarting after transient error: %v", err)
				_ = w.addRecursive(w.root)
				continue
			}
			select {
			case w.errs <- err:
			default:
			}
			return
		case now := <-ticker.C:
			size := w.pendingSettledCount(now)
			if size >= w.cfg.MaxBatchSize || (size > 0 && now.Sub(lastFlush) >= w.cfg.BatchInterval) {
				w.flush(now)
				lastFlush = now
			}
		}
	}
}

func (w *Watcher) handleRaw(event fsnotify.Event) {
	var kind EventKind
	switch {
	case event.Op&fsnotify.Create != 0:
		kind = EventCreated
	case event.Op&fsnotify.Write != 0:
		kind = EventModified
	case event.Op&fsnotify.Remove != 0:
		kind = EventDeleted
	case event.Op&fsnotify.Rename != 0:
		kind = EventRenamed
	default:
		return // chmod etc.
	}

	if w.isExcluded(event.Name) {
		w.mu.Lock()
		w.stats.Excluded++
		w.mu.Unlock()
		return
	}

	// New directories must be added to the watch set.
	if kind == EventCreated {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.addRecursive(event.Name)
		}
	}

	w.mu.Lock()
	w.stats.RawEvents++
	w.stats.LastEventTime = time.Now()
	// Coalesce: the latest kind for a path wins, except Created followed by
	// Modified stays Created (the file is still new to downstream).
	prev, ok := w.pending[event.Name]
	if ok && prev.kind == EventCreated && kind == EventModified {
		kind = EventCreated
	}
	w.pending[event.Name] = pendingEvent{kind: kind, at: time.Now()}
	if len(w.pending) > 4*w.cfg.MaxBatchSize {
		// Backpressure: drop the oldest pending entry.
		var oldest string
		var oldestAt time.Time
		for p, pe := range w.pending {
			if oldest == "" || pe.at.Before(oldestAt) {
				oldest, oldestAt = p, pe.at
			}
		}
		delete(w.pending, oldest)
		w.stats.Dropped++
		logging.Watcher("backpressure: dropped pending event for %s", oldest)
	}
	w.mu.Unlock()
}

func (w *Watcher) pendingSettledCount(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, pe := range w.pending {
		if now.Sub(pe.at) >= w.cfg.Debounce {
			n++
		}
	}
	return n
}

// flush delivers every settled pending event as one batch. A zero now
// flushes everything regardless of settling.
func (w *Watcher) flush(now time.Time) {
	w.mu.Lock()
	batch := make([]Event, 0, len(w.pending))
	for path, pe := range w.pending {
		if !now.IsZero() && now.Sub(pe.at) < w.cfg.Debounce {
			continue
		}
		batch = append(batch, Event{Path: path, Kind: pe.kind})
		delete(w.pending, path)
		if len(batch) >= w.cfg.MaxBatchSize {
			break
		}
	}
	w.stats.Delivered += int64(len(batch))
	w.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	select {
	case w.events <- batch:
	default:
		// Consumer is behind; drop the batch and count it.
		w.mu.Lock()
		w.stats.Dropped += int64(len(batch))
		w.mu.Unlock()
		logging.Watcher("backpressure: dropped batch of %d events", len(batch))
	}
}

func (w *Watcher) isExcluded(path string) bool {
	base := filepath.Base(path)
	for _, pat := range w.cfg.ExcludePatterns {
		if ok, _ := filepath.Match(pat, base); ok {
			return true
		}
		if strings.Contains(path, string(os.PathSeparator)+pat+string(os.PathSeparator)) {
			return true
		}
	}
	return false
}

func (w *Watcher) restartable(err error) bool {
	// fsnotify surfaces overflow and transient queue errors as plain
	// errors; treat everything except watcher closure as restartable.
	return err != nil && !strings.Contains(err.Error(), "closed")
}

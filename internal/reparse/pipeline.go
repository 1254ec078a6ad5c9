// Package reparse keeps the semantic unit store coherent with VFS file
// content. Writes enqueue file identifiers into a pending set; a single
// background worker per workspace drains the set once it reaches the
// max-pending threshold or after a debounce interval of silence.
package reparse

import (
	"context"
	"sync"
	"time"

	"cortex/internal/logging"
	"cortex/internal/parser"
	"cortex/internal/semantic"
	"cortex/internal/vfs"
)

// Config tunes the pipeline.
type Config struct {
	Debounce          time.Duration // quiet period before a pending file parses
	MaxPendingChanges int           // drain immediately at this many pending files
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Debounce:          500 * time.Millisecond,
		MaxPendingChanges: 10,
	}
}

// CodeChanged is emitted after a file's units are refreshed.
type CodeChanged struct {
	WorkspaceID        string
	Path               vfs.VirtualPath
	Units              int
	Kept               int
	Inserted           int
	AffectedDependents []string // unit ids whose dependencies changed
}

// Stats counts pipeline activity; parse failures are soft errors visible
// here, never surfaced to the writer.
type Stats struct {
	FilesProcessed int64
	FilesDeleted   int64
	ParseErrors    int64
	Notifications  int64
}

// Invalidator drops cached queries that reference a re-parsed file.
type Invalidator interface {
	InvalidateFile(ws string, path vfs.VirtualPath)
}

// Pipeline is the auto-reparse engine.
type Pipeline struct {
	fs       *vfs.VFS
	units    *semantic.Store
	registry *parser.Registry
	cfg      Config

	mu       sync.Mutex
	pending  map[string]map[string]time.Time // ws -> path -> last enqueue
	workers  map[string]chan struct{}        // ws -> kick channel
	stats    Stats
	closed   bool
	wg       sync.WaitGroup
	cancelFn context.CancelFunc
	ctx      context.Context

	listenersMu  sync.RWMutex
	listeners    []func(CodeChanged)
	invalidators []Invalidator
}

// New creates a pipeline and subscribes it to VFS content changes.
func New(fs *vfs.VFS, units *semantic.Store, registry *parser.Registry, cfg Config) *Pipeline {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultConfig().Debounce
	}
	if cfg.MaxPendingChanges <= 0 {
		cfg.MaxPendingChanges = DefaultConfig().MaxPendingChanges
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		fs:       fs,
		units:    units,
		registry: registry,
		cfg:      cfg,
		pending:  make(map[string]map[string]time.Time),
		workers:  make(map[string]chan struct{}),
		ctx:      ctx,
		cancelFn: cancel,
	}
	fs.OnChange(p.Enqueue)
	return p
}

// SetRegistry swaps the parser registry (tests and language add-ons).
func (p *Pipeline) SetRegistry(r *parser.Registry) {
	p.mu.Lock()
	p.registry = r
	p.mu.Unlock()
}

func (p *Pipeline) parserFor(path string) parser.Parser {
	p.mu.Lock()
	r := p.registry
	p.mu.Unlock()
	return r.ForFile(path)
}

// OnCodeChanged registers a notification listener.
func (p *Pipeline) OnCodeChanged(fn func(CodeChanged)) {
	p.listenersMu.Lock()
	p.listeners = append(p.listeners, fn)
	p.listenersMu.Unlock()
}

// AddInvalidator registers a query-cache invalidator.
func (p *Pipeline) AddInvalidator(inv Invalidator) {
	p.listenersMu.Lock()
	p.invalidators = append(p.invalidators, inv)
	p.listenersMu.Unlock()
}

// Enqueue records a changed file. An empty contentHash means the file was
// deleted. Safe to call from any goroutine; never blocks on parsing.
func (p *Pipeline) Enqueue(ws string, path vfs.VirtualPath, contentHash string) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	files, ok := p.pending[ws]
	if !ok {
		files = make(map[string]time.Time)
		p.pending[ws] = files
	}
	files[path.String()] = time.Now()
	kick, haveWorker := p.workers[ws]
	if !haveWorker {
		kick = make(chan struct{}, 1)
		p.workers[ws] = kick
		p.wg.Add(1)
		go p.worker(ws, kick)
	}
	over := len(files) >= p.cfg.MaxPendingChanges
	p.mu.Unlock()

	if over {
		select {
		case kick <- struct{}{}:
		default:
		}
	}
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Close stops every worker after the current pass.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	p.cancelFn()
	p.wg.Wait()
}

// Flush synchronously processes everything pending for a workspace. Used
// by ingest and tests; the background worker remains the steady-state
// driver.
func (p *Pipeline) Flush(ws string) {
	for {
		batch := p.takeBatch(ws, true)
		if len(batch) == 0 {
			return
		}
		for _, path := range batch {
			p.processFile(ws, path)
		}
	}
}

// worker serializes re-parses for one workspace. It wakes when the
// pending set reaches the threshold (kick) or after a debounce interval
// of silence.
func (p *Pipeline) worker(ws string, kick chan struct{}) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-kick:
			p.drain(ws, true)
		case <-ticker.C:
			p.drain(ws, false)
		}
	}
}

func (p *Pipeline) drain(ws string, force bool) {
	for {
		batch := p.takeBatch(ws, force)
		if len(batch) == 0 {
			return
		}
		for _, path := range batch {
			if p.ctx.Err() != nil {
				return
			}
			// If the file is re-enqueued while its re-parse is in flight
			// the fresh pending entry survives this batch; the worker
			// picks it up on the next pass.
			p.processFile(ws, path)
		}
		force = false
	}
}

// takeBatch removes and returns the settled pending paths for a
// workspace. With force, settling is ignored.
func (p *Pipeline) takeBatch(ws string, force bool) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	files := p.pending[ws]
	if len(files) == 0 {
		return nil
	}
	now := time.Now()
	var batch []string
	for path, at := range files {
		if force || len(files) >= p.cfg.MaxPendingChanges || now.Sub(at) >= p.cfg.Debounce {
			batch = append(batch, path)
		}
	}
	for _, path := range batch {
		delete(files, path)
	}
	return batch
}

func (p *Pipeline) processFile(ws, rawPath string) {
	timer := logging.StartTimer(logging.CategoryReparse, "processFile")
	defer timer.Stop()

	path, err := vfs.NormalizePath(rawPath)
	if err != nil {
		return
	}

	content, err := p.fs.ReadFile(ws, path)
	if err != nil {
		// File is gone: drop its units.
		if derr := p.units.DeleteFileUnits(ws, path); derr != nil {
			logging.ReparseWarn("delete units for %s: %v", path, derr)
			return
		}
		p.invalidate(ws, path)
		p.bump(func(s *Stats) { s.FilesDeleted++ })
		logging.ReparseDebug("dropped units for deleted file %s", path)
		return
	}

	// Mark previous units Replaced; they stay retrievable until the new
	// parse lands (or are rolled back on failure).
	if err := p.units.MarkFileReplaced(ws, path); err != nil {
		logging.ReparseWarn("mark replaced %s: %v", path, err)
		return
	}

	lang := p.parserFor(path.String())
	records, err := lang.Parse(path.String(), content)
	if err != nil {
		// Soft error: previous units roll back, other files unaffected.
		if rerr := p.units.RollbackReplaced(ws, path); rerr != nil {
			logging.ReparseWarn("rollback %s: %v", path, rerr)
		}
		p.bump(func(s *Stats) { s.ParseErrors++ })
		logging.ReparseWarn("parse %s failed (previous units kept): %v", path, err)
		return
	}

	res, err := p.units.UpsertUnits(ws, path, records)
	if err != nil {
		if rerr := p.units.RollbackReplaced(ws, path); rerr != nil {
			logging.ReparseWarn("rollback %s: %v", path, rerr)
		}
		p.bump(func(s *Stats) { s.ParseErrors++ })
		logging.ReparseWarn("upsert %s failed: %v", path, err)
		return
	}

	p.invalidate(ws, path)
	p.bump(func(s *Stats) { s.FilesProcessed++; s.Notifications++ })

	dependents := p.affectedDependents(ws, path)
	event := CodeChanged{
		WorkspaceID:        ws,
		Path:               path,
		Units:              len(records),
		Kept:               res.Kept,
		Inserted:           res.Inserted,
		AffectedDependents: dependents,
	}
	p.listenersMu.RLock()
	listeners := p.listeners
	p.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(event)
	}
	logging.ReparseDebug("reparsed %s: %d units (kept=%d inserted=%d dropped=%d, %d dependents)",
		path, len(records), res.Kept, res.Inserted, res.Dropped, len(dependents))
}

func (p *Pipeline) affectedDependents(ws string, path vfs.VirtualPath) []string {
	units, err := p.units.ListByFile(ws, path)
	if err != nil {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, u := range units {
		impact, err := p.units.Impact(u.ID)
		if err != nil {
			continue
		}
		for _, id := range impact {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

func (p *Pipeline) invalidate(ws string, path vfs.VirtualPath) {
	p.listenersMu.RLock()
	invs := p.invalidators
	p.listenersMu.RUnlock()
	for _, inv := range invs {
		inv.InvalidateFile(ws, path)
	}
}

func (p *Pipeline) bump(fn func(*Stats)) {
	p.mu.Lock()
	fn(&p.stats)
	p.mu.Unlock()
}

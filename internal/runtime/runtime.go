// Package runtime assembles the cortex engine from configuration: the
// document store and pool, the VFS, the auto-reparse pipeline, the
// vector search engine, the memory tiers and the session manager.
package runtime

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"cortex/internal/config"
	"cortex/internal/cortexerr"
	"cortex/internal/embedding"
	"cortex/internal/logging"
	"cortex/internal/memory"
	"cortex/internal/parser"
	"cortex/internal/reparse"
	"cortex/internal/semantic"
	"cortex/internal/session"
	"cortex/internal/storage"
	"cortex/internal/vector"
	"cortex/internal/vfs"
)

// Runtime is the assembled engine.
type Runtime struct {
	Config   *config.Config
	Layout   *config.Layout
	Store    *storage.DocumentStore
	Pool     *storage.Pool
	FS       *vfs.VFS
	Parsers  *parser.Registry
	Units    *semantic.Store
	Pipeline *reparse.Pipeline
	Provider embedding.Engine
	Search   *vector.Engine
	Memory   *memory.Manager
	Sessions *session.Manager

	watchers  []*vfs.Watcher
	sweepStop chan struct{}
	sweepDone chan struct{}
}

// Open assembles the engine from a loaded configuration.
func Open(cfg *config.Config) (*Runtime, error) {
	layout, err := cfg.ResolveLayout()
	if err != nil {
		return nil, err
	}
	if err := logging.Initialize(layout.Logs, cfg.General.LogLevel, nil); err != nil {
		return nil, err
	}
	logging.Boot("cortex starting (base=%s)", layout.Base)

	store, err := storage.OpenDocumentStore(filepath.Join(layout.Database, "cortex.db"))
	if err != nil {
		return nil, err
	}

	poolCfg := storage.DefaultPoolConfig()
	poolCfg.Min = cfg.Pool.Min
	poolCfg.Max = cfg.Pool.Max
	poolCfg.ConnectionTimeout = time.Duration(cfg.Pool.ConnectionTimeoutMS) * time.Millisecond
	poolCfg.IdleTimeout = time.Duration(cfg.Pool.IdleTimeoutMS) * time.Millisecond
	pool, err := storage.NewPool(poolCfg, storage.NewSQLiteDialer(store))
	if err != nil {
		store.Close()
		return nil, err
	}

	vfsOpts := vfs.DefaultOptions()
	vfsOpts.MaxFileSize = int64(cfg.VFS.MaxFileSizeMB) << 20
	vfsOpts.CacheBytes = int64(cfg.Cache.MemorySizeMB) << 20
	vfsOpts.CacheTTL = time.Duration(cfg.Cache.TTLSeconds) * time.Second
	fs, err := vfs.New(store, vfsOpts)
	if err != nil {
		pool.Close()
		store.Close()
		return nil, err
	}

	units, err := semantic.NewStore(store)
	if err != nil {
		pool.Close()
		store.Close()
		return nil, err
	}

	registry := parser.NewRegistry()
	pipeline := reparse.New(fs, units, registry, reparse.DefaultConfig())

	provider := buildProvider(cfg)
	searchEngine, err := buildSearch(store, provider)
	if err != nil {
		pipeline.Close()
		pool.Close()
		store.Close()
		return nil, err
	}

	episodes, err := memory.NewEpisodes(store, provider)
	if err != nil {
		pipeline.Close()
		pool.Close()
		store.Close()
		return nil, err
	}
	procedural, err := memory.NewProcedural(store)
	if err != nil {
		pipeline.Close()
		pool.Close()
		store.Close()
		return nil, err
	}
	working := memory.NewWorkingMemory(memory.DefaultWorkingConfig())
	mgr := memory.NewManager(working, episodes, procedural, units, memory.DefaultConsolidateConfig())

	rt := &Runtime{
		Config:   cfg,
		Layout:   layout,
		Store:    store,
		Pool:     pool,
		FS:       fs,
		Parsers:  registry,
		Units:    units,
		Pipeline: pipeline,
		Provider: provider,
		Search:   searchEngine,
		Memory:   mgr,
		Sessions: session.NewManager(store, time.Hour),
	}

	if cfg.Ingestion.GenerateEmbeddings {
		rt.wireUnitIndexing()
	}
	if cfg.VFS.AutoFlush {
		rt.startSweeper(time.Duration(cfg.VFS.FlushIntervalSeconds) * time.Second)
	}
	logging.Boot("cortex ready")
	return rt, nil
}

// startSweeper collects unreferenced blobs on the flush interval. Blob
// ref-count drops are synchronous; physical deletion happens here.
func (rt *Runtime) startSweeper(interval time.Duration) {
	rt.sweepStop = make(chan struct{})
	rt.sweepDone = make(chan struct{})
	go func() {
		defer close(rt.sweepDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-rt.sweepStop:
				return
			case <-ticker.C:
				if _, err := rt.FS.Blobs().SweepUnreferenced(); err != nil {
					logging.Get(logging.CategoryVFS).Error("blob sweep: %v", err)
				}
			}
		}
	}()
}

// buildProvider picks the embedding provider chain from config, falling
// back to the deterministic mock when no real provider is reachable.
func buildProvider(cfg *config.Config) embedding.Engine {
	ecfg := embedding.DefaultConfig()
	if cfg.Ingestion.EmbeddingModel != "" {
		ecfg.OllamaModel = cfg.Ingestion.EmbeddingModel
	}
	if key := os.Getenv("GENAI_API_KEY"); key != "" {
		ecfg.Provider = "genai"
		ecfg.GenAIAPIKey = key
	}
	primary, err := embedding.NewEngine(ecfg)
	if err != nil {
		logging.BootError("embedding provider %s unavailable, using mock: %v", ecfg.Provider, err)
		return embedding.NewMockEngine(384)
	}
	if hc, ok := primary.(embedding.HealthChecker); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := hc.HealthCheck(ctx)
		cancel()
		if err != nil {
			logging.BootError("embedding provider %s unreachable, using mock: %v", primary.Name(), err)
			return embedding.NewMockEngine(384)
		}
	}
	if primary.Dimensions() == 0 {
		// Dimension still undiscovered (lazy providers): no chain, callers
		// discover on first use.
		return primary
	}
	chain, err := embedding.NewChain(primary, embedding.NewMockEngine(primary.Dimensions()))
	if err != nil {
		return primary
	}
	return chain
}

// buildSearch prefers the sqlite-vec external backend when available and
// falls back to the in-process HNSW index.
func buildSearch(store *storage.DocumentStore, provider embedding.Engine) (*vector.Engine, error) {
	dim := provider.Dimensions()
	if dim == 0 {
		dim = 384
	}
	var index vector.Index
	if store.HasVecExtension() {
		ext, err := vector.NewSQLiteVecIndex(store, vector.CollectionConfig{
			Name:      "default",
			Dimension: dim,
			Metric:    vector.MetricCosine,
		})
		if err == nil {
			index = ext
		} else {
			logging.BootError("sqlite-vec backend unavailable: %v", err)
		}
	}
	if index == nil {
		hnsw, err := vector.NewHNSW(vector.DefaultHNSWConfig(dim))
		if err != nil {
			return nil, err
		}
		index = hnsw
	}
	return vector.NewEngine(provider, index, vector.DefaultEngineConfig())
}

// wireUnitIndexing indexes re-parsed units into the search engine.
func (rt *Runtime) wireUnitIndexing() {
	rt.Pipeline.OnCodeChanged(func(e reparse.CodeChanged) {
		units, err := rt.Units.ListByFile(e.WorkspaceID, e.Path)
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		for _, u := range units {
			content := u.Signature + "\n" + u.Docstring + "\n" + u.Body
			meta := map[string]string{
				"path":      u.Path.String(),
				"workspace": u.WorkspaceID,
				"qualified": u.QualifiedName,
			}
			if err := rt.Search.IndexDocument(ctx, u.ID, content, vector.EntityCode, meta); err != nil {
				logging.VectorWarn("index unit %s: %v", u.QualifiedName, err)
			}
		}
	})
}

// DropWorkspace destroys a workspace and releases its blob references.
// Refused while any open session still references it.
func (rt *Runtime) DropWorkspace(ws string) error {
	if n := rt.Sessions.ActiveForWorkspace(ws); n > 0 {
		return cortexerr.Conflict("workspace %s has %d active sessions", ws, n).
			WithContext("id", ws)
	}
	return rt.FS.DropWorkspace(ws)
}

// Ingest syncs a disk tree into a workspace and parses everything.
func (rt *Runtime) Ingest(ws, diskRoot string) (*vfs.SyncReport, error) {
	report, err := rt.FS.SyncFromFilesystem(ws, diskRoot, vfs.Root, vfs.DefaultSyncOptions())
	if err != nil {
		return nil, err
	}
	rt.Pipeline.Flush(ws)
	return report, nil
}

// Watch starts a disk watcher whose batches sync back into the workspace.
func (rt *Runtime) Watch(ctx context.Context, ws, diskRoot string) error {
	w, err := vfs.NewWatcher(diskRoot, vfs.DefaultWatcherConfig())
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}
	rt.watchers = append(rt.watchers, w)

	go func() {
		for batch := range w.Events() {
			logging.Watcher("sync pass for %d changed paths", len(batch))
			if _, err := rt.FS.SyncFromFilesystem(ws, diskRoot, vfs.Root, vfs.DefaultSyncOptions()); err != nil {
				logging.Get(logging.CategoryWatcher).Error("sync after watch batch: %v", err)
			}
		}
	}()
	return nil
}

// Close shuts everything down in dependency order.
func (rt *Runtime) Close() {
	if rt.sweepStop != nil {
		close(rt.sweepStop)
		<-rt.sweepDone
	}
	for _, w := range rt.watchers {
		w.Stop()
	}
	rt.Pipeline.Close()
	_ = rt.Pool.Close()
	_ = rt.Store.Close()
	logging.Boot("cortex stopped")
	logging.CloseAll()
}

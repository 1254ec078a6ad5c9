package vector

import (
	"io"
	"sync"
	"sync/atomic"

	"cortex/internal/cortexerr"
	"cortex/internal/logging"
)

// HybridMode selects how the hybrid store routes reads and writes during
// an online migration between two backends.
type HybridMode string

const (
	// ModeSingleStore uses the old backend only.
	ModeSingleStore HybridMode = "single"
	// ModeDualWrite writes both, reads old.
	ModeDualWrite HybridMode = "dual-write"
	// ModeDualVerify writes both, reads both and compares, serving old.
	ModeDualVerify HybridMode = "dual-verify"
	// ModeNewPrimary writes both, reads new with fallback to old.
	ModeNewPrimary HybridMode = "new-primary"
)

// HybridMetrics counts migration outcomes.
type HybridMetrics struct {
	DualWriteSuccess    int64
	DualWriteNewFailed  int64
	ConsistencyChecks   int64
	ConsistencyMismatch int64
	Fallbacks           int64
}

// HybridStore composes an old and a new Index under a runtime-switchable
// migration mode. A successful write on the old side is never lost: old
// is written first in every dual mode, and a new-side failure is counted,
// not propagated.
type HybridStore struct {
	mu   sync.RWMutex
	mode HybridMode
	old  Index
	new  Index

	dualWriteSuccess    atomic.Int64
	dualWriteNewFailed  atomic.Int64
	consistencyChecks   atomic.Int64
	consistencyMismatch atomic.Int64
	fallbacks           atomic.Int64
}

// NewHybridStore composes two backends, starting in SingleStore mode.
func NewHybridStore(oldIndex, newIndex Index) (*HybridStore, error) {
	if oldIndex == nil || newIndex == nil {
		return nil, cortexerr.InvalidInput("hybrid store requires both backends")
	}
	if oldIndex.Stats().Dimension != newIndex.Stats().Dimension {
		return nil, cortexerr.DimensionMismatch("backend dimensions differ: %d != %d",
			oldIndex.Stats().Dimension, newIndex.Stats().Dimension)
	}
	return &HybridStore{mode: ModeSingleStore, old: oldIndex, new: newIndex}, nil
}

// Mode returns the current routing mode.
func (h *HybridStore) Mode() HybridMode {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.mode
}

// SetMode switches routing at runtime.
func (h *HybridStore) SetMode(mode HybridMode) error {
	switch mode {
	case ModeSingleStore, ModeDualWrite, ModeDualVerify, ModeNewPrimary:
	default:
		return cortexerr.InvalidInput("unknown hybrid mode %q", mode)
	}
	h.mu.Lock()
	h.mode = mode
	h.mu.Unlock()
	logging.Vector("hybrid store mode -> %s", mode)
	return nil
}

// Metrics returns a snapshot of the migration counters.
func (h *HybridStore) Metrics() HybridMetrics {
	return HybridMetrics{
		DualWriteSuccess:    h.dualWriteSuccess.Load(),
		DualWriteNewFailed:  h.dualWriteNewFailed.Load(),
		ConsistencyChecks:   h.consistencyChecks.Load(),
		ConsistencyMismatch: h.consistencyMismatch.Load(),
		Fallbacks:           h.fallbacks.Load(),
	}
}

func (h *HybridStore) writeBoth(fn func(Index) error) error {
	// Old first: its success must never depend on the new side.
	if err := fn(h.old); err != nil {
		return err
	}
	if err := fn(h.new); err != nil {
		h.dualWriteNewFailed.Add(1)
		logging.VectorWarn("hybrid: new-side write failed (old side committed): %v", err)
		return nil
	}
	h.dualWriteSuccess.Add(1)
	return nil
}

// Insert routes a write per the mode.
func (h *HybridStore) Insert(id string, vec []float32) error {
	if h.Mode() == ModeSingleStore {
		return h.old.Insert(id, vec)
	}
	return h.writeBoth(func(ix Index) error { return ix.Insert(id, vec) })
}

// InsertBatch routes a batch write per the mode.
func (h *HybridStore) InsertBatch(ids []string, vecs [][]float32) error {
	if h.Mode() == ModeSingleStore {
		return h.old.InsertBatch(ids, vecs)
	}
	return h.writeBoth(func(ix Index) error { return ix.InsertBatch(ids, vecs) })
}

// Search routes a read per the mode.
func (h *HybridStore) Search(query []float32, k int, filter Filter) ([]Match, error) {
	switch h.Mode() {
	case ModeDualVerify:
		oldRes, err := h.old.Search(query, k, filter)
		if err != nil {
			return nil, err
		}
		newRes, newErr := h.new.Search(query, k, filter)
		h.consistencyChecks.Add(1)
		if newErr != nil || !sameTop(oldRes, newRes) {
			h.consistencyMismatch.Add(1)
			logging.VectorDebug("hybrid verify mismatch (newErr=%v)", newErr)
		}
		return oldRes, nil
	case ModeNewPrimary:
		res, err := h.new.Search(query, k, filter)
		if err != nil {
			h.fallbacks.Add(1)
			logging.VectorWarn("hybrid: new-side search failed, falling back to old: %v", err)
			return h.old.Search(query, k, filter)
		}
		return res, nil
	default:
		return h.old.Search(query, k, filter)
	}
}

// sameTop compares the rank-1 result of two result lists.
func sameTop(a, b []Match) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	return a[0].ID == b[0].ID
}

// Remove deletes from both sides in dual modes. NotFound on the new side
// is tolerated (it may not have been migrated yet).
func (h *HybridStore) Remove(id string) error {
	if h.Mode() == ModeSingleStore {
		return h.old.Remove(id)
	}
	if err := h.old.Remove(id); err != nil {
		return err
	}
	if err := h.new.Remove(id); err != nil && !cortexerr.IsTag(err, cortexerr.TagNotFound) {
		logging.VectorWarn("hybrid: new-side remove failed: %v", err)
	}
	return nil
}

// Clear empties the old backend, and the new one too outside SingleStore
// mode.
func (h *HybridStore) Clear() error {
	if err := h.old.Clear(); err != nil {
		return err
	}
	if h.Mode() != ModeSingleStore {
		return h.new.Clear()
	}
	return nil
}

// Save persists the read-primary side.
func (h *HybridStore) Save(w io.Writer) error {
	if h.Mode() == ModeNewPrimary {
		return h.new.Save(w)
	}
	return h.old.Save(w)
}

// Load restores into the read-primary side.
func (h *HybridStore) Load(r io.Reader) error {
	if h.Mode() == ModeNewPrimary {
		return h.new.Load(r)
	}
	return h.old.Load(r)
}

// Stats describes the read-primary side.
func (h *HybridStore) Stats() Stats {
	if h.Mode() == ModeNewPrimary {
		return h.new.Stats()
	}
	return h.old.Stats()
}

// Snapshotter is a backend that can stream its live vectors; Migrate
// requires the old backend to implement it.
type Snapshotter interface {
	Snapshot(fn func(id string, vec []float32) error) error
}

// Migrate pulls every vector from the old backend into the new one in
// batches. The old backend must implement Snapshotter.
func (h *HybridStore) Migrate(batchSize int) (int, error) {
	snap, ok := h.old.(Snapshotter)
	if !ok {
		return 0, cortexerr.InvalidInput("old backend does not support snapshotting")
	}
	if batchSize <= 0 {
		batchSize = 256
	}

	total := 0
	ids := make([]string, 0, batchSize)
	vecs := make([][]float32, 0, batchSize)
	flush := func() error {
		if len(ids) == 0 {
			return nil
		}
		if err := h.new.InsertBatch(ids, vecs); err != nil {
			return err
		}
		total += len(ids)
		ids = ids[:0]
		vecs = vecs[:0]
		return nil
	}
	err := snap.Snapshot(func(id string, vec []float32) error {
		ids = append(ids, id)
		vecs = append(vecs, vec)
		if len(ids) >= batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return total, err
	}
	if err := flush(); err != nil {
		return total, err
	}
	logging.Vector("hybrid migration copied %d vectors", total)
	return total, nil
}

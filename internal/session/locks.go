// Package session provides multi-agent coordination: sessions scoped to
// a workspace, per-path advisory locks with strict-order deadlock
// avoidance, and session transactions against the document store.
package session

import (
	"sync"

	"cortex/internal/cortexerr"
	"cortex/internal/logging"
	"cortex/internal/vfs"
)

// LockMode is the advisory lock mode for a virtual path.
type LockMode int

const (
	// LockShared allows concurrent readers.
	LockShared LockMode = iota
	// LockExclusive allows one writer.
	LockExclusive
)

func (m LockMode) String() string {
	if m == LockExclusive {
		return "exclusive"
	}
	return "shared"
}

type lockState struct {
	mode    LockMode
	holders map[string]bool // session ids
}

// LockManager tracks advisory locks per (workspace, path). Acquisition
// never blocks: a conflict fails immediately with Conflict, and a
// session holding locks may only acquire paths sorting strictly greater
// than any held path (deadlock avoidance by strict ordering).
type LockManager struct {
	mu    sync.Mutex
	locks map[string]map[string]*lockState // ws -> path -> state
	held  map[string][]vfs.VirtualPath     // session -> held paths (sorted order of acquisition)
}

// NewLockManager creates an empty lock table.
func NewLockManager() *LockManager {
	return &LockManager{
		locks: make(map[string]map[string]*lockState),
		held:  make(map[string][]vfs.VirtualPath),
	}
}

// Acquire takes a lock for a session. Fails with InvalidInput when the
// path does not sort strictly greater than every lock the session
// already holds, and with Conflict when another session holds an
// incompatible lock.
func (lm *LockManager) Acquire(sessionID, ws string, path vfs.VirtualPath, mode LockMode) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	for _, heldPath := range lm.held[sessionID] {
		if !heldPath.Less(path) {
			return cortexerr.InvalidInput(
				"lock ordering violation: %s does not sort after held lock %s", path, heldPath)
		}
	}

	wsLocks, ok := lm.locks[ws]
	if !ok {
		wsLocks = make(map[string]*lockState)
		lm.locks[ws] = wsLocks
	}
	state, exists := wsLocks[path.String()]
	if exists && len(state.holders) > 0 {
		if state.holders[sessionID] {
			return cortexerr.AlreadyExists("session already holds a lock on %s", path)
		}
		if mode == LockExclusive || state.mode == LockExclusive {
			return cortexerr.Conflict("%s is locked %s by another session", path, state.mode).
				WithContext("path", path.String())
		}
		// Shared + shared: join the holder set.
		state.holders[sessionID] = true
	} else {
		wsLocks[path.String()] = &lockState{mode: mode, holders: map[string]bool{sessionID: true}}
	}

	lm.held[sessionID] = append(lm.held[sessionID], path)
	logging.SessionDebug("session %s acquired %s lock on %s", sessionID, mode, path)
	return nil
}

// Release drops one lock held by a session.
func (lm *LockManager) Release(sessionID, ws string, path vfs.VirtualPath) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.releaseLocked(sessionID, ws, path)
}

func (lm *LockManager) releaseLocked(sessionID, ws string, path vfs.VirtualPath) error {
	state, ok := lm.locks[ws][path.String()]
	if !ok || !state.holders[sessionID] {
		return cortexerr.NotFound("session %s holds no lock on %s", sessionID, path)
	}
	delete(state.holders, sessionID)
	if len(state.holders) == 0 {
		delete(lm.locks[ws], path.String())
	}
	held := lm.held[sessionID]
	for i, p := range held {
		if p.Equal(path) {
			lm.held[sessionID] = append(held[:i], held[i+1:]...)
			break
		}
	}
	logging.SessionDebug("session %s released lock on %s", sessionID, path)
	return nil
}

// ReleaseAll drops every lock a session holds (session close).
func (lm *LockManager) ReleaseAll(sessionID string) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	for ws, wsLocks := range lm.locks {
		for pathStr, state := range wsLocks {
			if state.holders[sessionID] {
				delete(state.holders, sessionID)
				if len(state.holders) == 0 {
					delete(wsLocks, pathStr)
				}
			}
		}
		if len(wsLocks) == 0 {
			delete(lm.locks, ws)
		}
	}
	delete(lm.held, sessionID)
}

// Holding returns the paths a session currently holds, in acquisition
// order.
func (lm *LockManager) Holding(sessionID string) []vfs.VirtualPath {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	out := make([]vfs.VirtualPath, len(lm.held[sessionID]))
	copy(out, lm.held[sessionID])
	return out
}

// IsLocked reports whether any session holds a lock on the path.
func (lm *LockManager) IsLocked(ws string, path vfs.VirtualPath) (LockMode, bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	state, ok := lm.locks[ws][path.String()]
	if !ok || len(state.holders) == 0 {
		return 0, false
	}
	return state.mode, true
}

package session

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"

	"cortex/internal/cortexerr"
	"cortex/internal/logging"
	"cortex/internal/storage"
	"cortex/internal/vfs"
)

// Session is an agent's handle to a workspace. It scopes advisory locks
// and at most one open transaction; closing releases both on every path.
type Session struct {
	ID          string
	AgentID     string
	WorkspaceID string

	mgr        *Manager
	mu         sync.Mutex
	txn        *Txn
	lastActive time.Time
	closed     bool
}

// Manager tracks sessions over a shared document store and lock table.
type Manager struct {
	store *storage.DocumentStore
	locks *LockManager

	mu       sync.Mutex
	sessions map[string]*Session
	idle     time.Duration
}

// NewManager creates a session manager. idleTimeout closes sessions that
// stay inactive (zero disables).
func NewManager(store *storage.DocumentStore, idleTimeout time.Duration) *Manager {
	return &Manager{
		store:    store,
		locks:    NewLockManager(),
		sessions: make(map[string]*Session),
		idle:     idleTimeout,
	}
}

// Locks exposes the lock table (shared with the consolidation layer).
func (m *Manager) Locks() *LockManager { return m.locks }

// Acquire opens a session for an agent against a workspace.
func (m *Manager) Acquire(agentID, workspaceID string) *Session {
	s := &Session{
		ID:          uuid.NewString(),
		AgentID:     agentID,
		WorkspaceID: workspaceID,
		mgr:         m,
		lastActive:  time.Now(),
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	logging.Session("session %s opened (agent=%s ws=%s)", s.ID, agentID, workspaceID)
	return s
}

// Get returns an open session by id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, cortexerr.NotFound("session %s", id)
	}
	return s, nil
}

// Active returns the number of open sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// ActiveForWorkspace counts open sessions referencing a workspace. A
// workspace may only be destroyed once this drops to zero.
func (m *Manager) ActiveForWorkspace(workspaceID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if s.WorkspaceID == workspaceID {
			n++
		}
	}
	return n
}

// ReapIdle closes sessions inactive beyond the idle timeout and returns
// how many were closed.
func (m *Manager) ReapIdle() int {
	if m.idle <= 0 {
		return 0
	}
	m.mu.Lock()
	var victims []*Session
	now := time.Now()
	for _, s := range m.sessions {
		s.mu.Lock()
		inactive := now.Sub(s.lastActive)
		s.mu.Unlock()
		if inactive >= m.idle {
			victims = append(victims, s)
		}
	}
	m.mu.Unlock()

	for _, s := range victims {
		_ = s.Close()
	}
	return len(victims)
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

func (s *Session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return cortexerr.InvalidInput("session %s is closed", s.ID)
	}
	return nil
}

// Lock acquires an advisory lock scoped to this session.
func (s *Session) Lock(path vfs.VirtualPath, mode LockMode) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.touch()
	return s.mgr.locks.Acquire(s.ID, s.WorkspaceID, path, mode)
}

// Unlock releases one advisory lock.
func (s *Session) Unlock(path vfs.VirtualPath) error {
	s.touch()
	return s.mgr.locks.Release(s.ID, s.WorkspaceID, path)
}

// Begin opens the session's transaction. A session holds at most one.
func (s *Session) Begin(ctx context.Context) (*Txn, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.txn != nil {
		return nil, cortexerr.AlreadyExists("session %s already has an open transaction", s.ID)
	}
	tx, err := s.mgr.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	s.txn = &Txn{tx: tx, session: s}
	s.lastActive = time.Now()
	logging.SessionDebug("session %s began transaction", s.ID)
	return s.txn, nil
}

// Close releases the session: pending transaction rolls back, locks
// release, always, even after errors. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	txn := s.txn
	s.txn = nil
	s.mu.Unlock()

	if txn != nil {
		_ = txn.Rollback()
	}
	s.mgr.locks.ReleaseAll(s.ID)

	s.mgr.mu.Lock()
	delete(s.mgr.sessions, s.ID)
	s.mgr.mu.Unlock()
	logging.Session("session %s closed", s.ID)
	return nil
}

// Txn groups storage writes into an atomic commit. Reads inside the
// transaction see its own writes. Dropped without Commit, it rolls back.
type Txn struct {
	tx      *sql.Tx
	session *Session
	mu      sync.Mutex
	done    bool
}

// Exec runs a write inside the transaction.
func (t *Txn) Exec(query string, args ...interface{}) (sql.Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil, cortexerr.InvalidInput("transaction already finished")
	}
	return t.tx.Exec(query, args...)
}

// Query runs a read inside the transaction (sees its own writes).
func (t *Txn) Query(query string, args ...interface{}) (*sql.Rows, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil, cortexerr.InvalidInput("transaction already finished")
	}
	return t.tx.Query(query, args...)
}

// QueryRow runs a single-row read inside the transaction.
func (t *Txn) QueryRow(query string, args ...interface{}) *sql.Row {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tx.QueryRow(query, args...)
}

// Commit atomically applies the transaction's writes.
func (t *Txn) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return cortexerr.InvalidInput("transaction already finished")
	}
	t.done = true
	t.detach()
	return t.tx.Commit()
}

// Rollback discards the transaction's writes. Safe to call after Commit
// (no-op).
func (t *Txn) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil
	}
	t.done = true
	t.detach()
	return t.tx.Rollback()
}

func (t *Txn) detach() {
	if t.session != nil {
		t.session.mu.Lock()
		if t.session.txn == t {
			t.session.txn = nil
		}
		t.session.mu.Unlock()
	}
}

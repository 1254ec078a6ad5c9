package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cortex/internal/cortexerr"
	"cortex/internal/storage"
	"cortex/internal/vfs"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	doc, err := storage.OpenDocumentStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { doc.Close() })
	require.NoError(t, doc.RegisterSchema("test_table", `CREATE TABLE IF NOT EXISTS kv (k TEXT PRIMARY KEY, v TEXT)`))
	return NewManager(doc, 0)
}

func TestSessionLifecycle(t *testing.T) {
	m := newTestManager(t)
	s := m.Acquire("agent-1", "ws-1")
	assert.Equal(t, 1, m.Active())

	got, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, s, got)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close()) // idempotent
	assert.Equal(t, 0, m.Active())
	_, err = m.Get(s.ID)
	assert.True(t, cortexerr.IsTag(err, cortexerr.TagNotFound))
}

func TestActiveForWorkspace(t *testing.T) {
	m := newTestManager(t)
	a := m.Acquire("agent-1", "ws-1")
	b := m.Acquire("agent-2", "ws-1")
	c := m.Acquire("agent-3", "ws-2")

	assert.Equal(t, 2, m.ActiveForWorkspace("ws-1"))
	assert.Equal(t, 1, m.ActiveForWorkspace("ws-2"))
	assert.Equal(t, 0, m.ActiveForWorkspace("ws-3"))

	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
	assert.Equal(t, 0, m.ActiveForWorkspace("ws-1"))
	_ = c
}

func TestSharedLocksCoexist(t *testing.T) {
	m := newTestManager(t)
	a := m.Acquire("a", "ws")
	b := m.Acquire("b", "ws")
	p := vfs.MustPath("/shared.go")

	require.NoError(t, a.Lock(p, LockShared))
	require.NoError(t, b.Lock(p, LockShared))

	mode, locked := m.Locks().IsLocked("ws", p)
	assert.True(t, locked)
	assert.Equal(t, LockShared, mode)
}

func TestExclusiveLockConflicts(t *testing.T) {
	m := newTestManager(t)
	a := m.Acquire("a", "ws")
	b := m.Acquire("b", "ws")
	p := vfs.MustPath("/file.go")

	require.NoError(t, a.Lock(p, LockExclusive))

	err := b.Lock(p, LockExclusive)
	assert.True(t, cortexerr.IsTag(err, cortexerr.TagConflict))
	err = b.Lock(p, LockShared)
	assert.True(t, cortexerr.IsTag(err, cortexerr.TagConflict))

	// No two sessions ever hold conflicting locks simultaneously.
	require.NoError(t, a.Unlock(p))
	require.NoError(t, b.Lock(p, LockExclusive))
}

func TestSharedThenExclusiveConflicts(t *testing.T) {
	m := newTestManager(t)
	a := m.Acquire("a", "ws")
	b := m.Acquire("b", "ws")
	p := vfs.MustPath("/file.go")

	require.NoError(t, a.Lock(p, LockShared))
	err := b.Lock(p, LockExclusive)
	assert.True(t, cortexerr.IsTag(err, cortexerr.TagConflict))
}

func TestStrictLockOrdering(t *testing.T) {
	m := newTestManager(t)
	s := m.Acquire("a", "ws")

	require.NoError(t, s.Lock(vfs.MustPath("/b.go"), LockExclusive))
	require.NoError(t, s.Lock(vfs.MustPath("/c.go"), LockExclusive))

	// Acquiring a path that sorts before a held one fails.
	err := s.Lock(vfs.MustPath("/a.go"), LockExclusive)
	require.Error(t, err)
	assert.True(t, cortexerr.IsTag(err, cortexerr.TagInvalidInput))

	// Equal path also fails (not strictly greater).
	err = s.Lock(vfs.MustPath("/c.go"), LockShared)
	assert.Error(t, err)
}

func TestCloseReleasesLocks(t *testing.T) {
	m := newTestManager(t)
	a := m.Acquire("a", "ws")
	p := vfs.MustPath("/held.go")
	require.NoError(t, a.Lock(p, LockExclusive))
	require.NoError(t, a.Close())

	_, locked := m.Locks().IsLocked("ws", p)
	assert.False(t, locked)

	b := m.Acquire("b", "ws")
	require.NoError(t, b.Lock(p, LockExclusive))
}

func TestTransactionCommit(t *testing.T) {
	m := newTestManager(t)
	s := m.Acquire("a", "ws")

	txn, err := s.Begin(context.Background())
	require.NoError(t, err)

	_, err = txn.Exec(`INSERT INTO kv (k, v) VALUES ('x', '1')`)
	require.NoError(t, err)

	// Read-your-writes inside the transaction.
	var v string
	require.NoError(t, txn.QueryRow(`SELECT v FROM kv WHERE k = 'x'`).Scan(&v))
	assert.Equal(t, "1", v)

	require.NoError(t, txn.Commit())

	require.NoError(t, m.store.DB().QueryRow(`SELECT v FROM kv WHERE k = 'x'`).Scan(&v))
	assert.Equal(t, "1", v)
}

func TestTransactionRollbackOnClose(t *testing.T) {
	m := newTestManager(t)
	s := m.Acquire("a", "ws")

	txn, err := s.Begin(context.Background())
	require.NoError(t, err)
	_, err = txn.Exec(`INSERT INTO kv (k, v) VALUES ('gone', '1')`)
	require.NoError(t, err)

	require.NoError(t, s.Close()) // rolls back the pending transaction

	var n int
	require.NoError(t, m.store.DB().QueryRow(`SELECT COUNT(*) FROM kv WHERE k = 'gone'`).Scan(&n))
	assert.Equal(t, 0, n)
}

func TestSingleTransactionPerSession(t *testing.T) {
	m := newTestManager(t)
	s := m.Acquire("a", "ws")
	defer s.Close()

	txn, err := s.Begin(context.Background())
	require.NoError(t, err)
	_, err = s.Begin(context.Background())
	assert.True(t, cortexerr.IsTag(err, cortexerr.TagAlreadyExists))

	require.NoError(t, txn.Rollback())
	txn2, err := s.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, txn2.Rollback())
}

func TestClosedSessionRejectsWork(t *testing.T) {
	m := newTestManager(t)
	s := m.Acquire("a", "ws")
	require.NoError(t, s.Close())

	assert.Error(t, s.Lock(vfs.MustPath("/x"), LockShared))
	_, err := s.Begin(context.Background())
	assert.Error(t, err)
}

func TestReapIdle(t *testing.T) {
	doc, err := storage.OpenDocumentStore(":memory:")
	require.NoError(t, err)
	defer doc.Close()
	m := NewManager(doc, 20*time.Millisecond)

	s := m.Acquire("a", "ws")
	time.Sleep(40 * time.Millisecond)
	reaped := m.ReapIdle()
	assert.Equal(t, 1, reaped)
	assert.Equal(t, 0, m.Active())
	_ = s
}

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"cortex/internal/logging"
)

// DocumentStore is the SQLite-backed record store the engine components
// share. Subsystems own their schemas and register them through
// RegisterSchema; the store tracks applied migrations so re-opens are
// idempotent.
type DocumentStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	path   string
	vecExt bool
}

// OpenDocumentStore opens (or creates) the database at path. Pass
// ":memory:" for tests.
func OpenDocumentStore(path string) (*DocumentStore, error) {
	timer := logging.StartTimer(logging.CategoryStorage, "OpenDocumentStore")
	defer timer.Stop()

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Single writer: SQLite serializes writes anyway, and one connection
	// avoids SQLITE_BUSY churn under concurrent components.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StorageDebug("set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StorageDebug("set journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StorageDebug("set synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StorageDebug("set foreign_keys=ON: %v", err)
	}

	s := &DocumentStore{db: db, path: path}
	if err := s.initMigrations(); err != nil {
		db.Close()
		return nil, err
	}
	s.detectVecExtension()

	logging.Storage("document store opened at %s (vec=%v)", path, s.vecExt)
	return s, nil
}

func (s *DocumentStore) initMigrations() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS schema_migrations (
		name TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

// RegisterSchema records each migration name once and applies ddl on every
// call, so the DDL must be idempotent.
func (s *DocumentStore) RegisterSchema(name, ddl string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE name = ?", name).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		// Re-run anyway: all component DDL is IF NOT EXISTS, and this keeps
		// added indexes applied to old databases.
		_, err := s.db.Exec(ddl)
		return err
	}
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("apply schema %s: %w", name, err)
	}
	if _, err := s.db.Exec("INSERT INTO schema_migrations (name) VALUES (?)", name); err != nil {
		return err
	}
	logging.Storage("applied schema migration %s", name)
	return nil
}

// detectVecExtension checks whether the sqlite-vec extension is loaded.
func (s *DocumentStore) detectVecExtension() {
	var out string
	if err := s.db.QueryRow("SELECT vec_version()").Scan(&out); err == nil {
		s.vecExt = true
		logging.Storage("sqlite-vec available: %s", out)
	}
}

// HasVecExtension reports whether vec0 virtual tables can be created.
func (s *DocumentStore) HasVecExtension() bool { return s.vecExt }

// DB exposes the underlying handle for component queries.
func (s *DocumentStore) DB() *sql.DB { return s.db }

// Path returns the database file path.
func (s *DocumentStore) Path() string { return s.path }

// Close closes the database.
func (s *DocumentStore) Close() error {
	logging.Storage("document store closing: %s", s.path)
	return s.db.Close()
}

// =============================================================================
// POOL DIALER
// =============================================================================

// sqliteConn adapts a *sql.Conn to the pool's Conn contract.
type sqliteConn struct {
	conn *sql.Conn
}

func (c *sqliteConn) Ping(ctx context.Context) error { return c.conn.PingContext(ctx) }
func (c *sqliteConn) Close() error                   { return c.conn.Close() }

// Conn exposes the sql.Conn for callers that need statements.
func (c *sqliteConn) Conn() *sql.Conn { return c.conn }

// SQLiteDialer lets the pool front an embedded database the same way it
// fronts remote replicas.
type SQLiteDialer struct {
	store *DocumentStore
}

// NewSQLiteDialer wraps a document store.
func NewSQLiteDialer(store *DocumentStore) *SQLiteDialer {
	return &SQLiteDialer{store: store}
}

func (d *SQLiteDialer) Endpoint() string { return "sqlite://" + d.store.path }

func (d *SQLiteDialer) Dial(ctx context.Context) (Conn, error) {
	conn, err := d.store.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &sqliteConn{conn: conn}, nil
}

package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenDocumentStoreCreatesDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "db", "cortex.db")
	s, err := OpenDocumentStore(path)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, path, s.Path())
}

func TestRegisterSchemaIdempotent(t *testing.T) {
	s, err := OpenDocumentStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	ddl := `CREATE TABLE IF NOT EXISTS widgets (id INTEGER PRIMARY KEY, name TEXT)`
	require.NoError(t, s.RegisterSchema("widgets_v1", ddl))
	require.NoError(t, s.RegisterSchema("widgets_v1", ddl))

	_, err = s.DB().Exec("INSERT INTO widgets (name) VALUES ('a')")
	require.NoError(t, err)

	var n int
	require.NoError(t, s.DB().QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE name = 'widgets_v1'").Scan(&n))
	assert.Equal(t, 1, n)
}

func TestSQLiteDialerThroughPool(t *testing.T) {
	s, err := OpenDocumentStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	cfg := testPoolConfig()
	p, err := NewPool(cfg, NewSQLiteDialer(s))
	require.NoError(t, err)
	defer p.Close()

	err = p.WithConn(context.Background(), func(c Conn) error {
		return c.Ping(context.Background())
	})
	require.NoError(t, err)
}

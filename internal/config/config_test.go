package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cortex/internal/cortexerr"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.General.LogLevel)
	assert.Equal(t, "local", cfg.Database.Mode)
	assert.Equal(t, 2, cfg.Pool.Min)
	assert.Equal(t, 10, cfg.Pool.Max)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
[general]
log_level = "debug"

[pool]
min = 1
max = 4

[database]
mode = "remote"
remote_urls = ["ws://db1:8000", "ws://db2:8000"]
`)
	cfg, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.General.LogLevel)
	assert.Equal(t, 4, cfg.Pool.Max)
	assert.Equal(t, []string{"ws://db1:8000", "ws://db2:8000"}, cfg.Database.RemoteURLs)
}

func TestEnvOverride(t *testing.T) {
	path := writeConfig(t, "[general]\nlog_level = \"info\"\n")
	t.Setenv("CORTEX_GENERAL_LOG_LEVEL", "warn")
	t.Setenv("CORTEX_POOL_MAX", "7")

	cfg, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.General.LogLevel)
	assert.Equal(t, 7, cfg.Pool.Max)
}

func TestInvalidEnvValueFailsLoad(t *testing.T) {
	path := writeConfig(t, "")
	t.Setenv("CORTEX_GENERAL_LOG_LEVEL", "shouty")

	_, err := LoadFrom(path)
	require.Error(t, err)
	assert.True(t, cortexerr.IsTag(err, cortexerr.TagInvalidInput))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"bad log level", func(c *Config) { c.General.LogLevel = "loud" }, false},
		{"bad mode", func(c *Config) { c.Database.Mode = "p2p" }, false},
		{"remote without urls", func(c *Config) { c.Database.Mode = "remote" }, false},
		{"min over max", func(c *Config) { c.Pool.Min = 20 }, false},
		{"zero min", func(c *Config) { c.Pool.Min = 0 }, false},
		{"zero chunk size", func(c *Config) { c.Ingestion.ChunkSize = 0 }, false},
		{"negative cache ttl", func(c *Config) { c.Cache.TTLSeconds = -1 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestResolveLayout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.General.BaseDir = t.TempDir()

	layout, err := cfg.ResolveLayout()
	require.NoError(t, err)
	for _, dir := range []string{layout.Data, layout.Database, layout.Logs, layout.Run, layout.Cache, layout.Workspaces} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

// Package config loads and validates the cortex configuration file.
// The file lives at $HOME/.ryht/cortex/config.toml unless CORTEX_CONFIG
// points elsewhere; every option can be overridden by an environment
// variable of the form CORTEX_<SECTION>_<KEY>.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"cortex/internal/cortexerr"
)

// Config holds all cortex configuration.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Cache     CacheConfig     `mapstructure:"cache"`
	VFS       VFSConfig       `mapstructure:"vfs"`
	Ingestion IngestionConfig `mapstructure:"ingestion"`
	MCP       MCPConfig       `mapstructure:"mcp"`
}

type GeneralConfig struct {
	LogLevel string `mapstructure:"log_level"`
	BaseDir  string `mapstructure:"base_dir"`
}

type DatabaseConfig struct {
	Mode       string   `mapstructure:"mode"` // local | remote | hybrid
	LocalBind  string   `mapstructure:"local_bind"`
	RemoteURLs []string `mapstructure:"remote_urls"`
	Username   string   `mapstructure:"username"`
	Password   string   `mapstructure:"password"`
	Namespace  string   `mapstructure:"namespace"`
	Database   string   `mapstructure:"database"`
}

type PoolConfig struct {
	Min                 int `mapstructure:"min"`
	Max                 int `mapstructure:"max"`
	ConnectionTimeoutMS int `mapstructure:"connection_timeout_ms"`
	IdleTimeoutMS       int `mapstructure:"idle_timeout_ms"`
}

type CacheConfig struct {
	MemorySizeMB int    `mapstructure:"memory_size_mb"`
	TTLSeconds   int    `mapstructure:"ttl_seconds"`
	RedisURL     string `mapstructure:"redis_url"`
}

type VFSConfig struct {
	MaxFileSizeMB        int  `mapstructure:"max_file_size_mb"`
	AutoFlush            bool `mapstructure:"auto_flush"`
	FlushIntervalSeconds int  `mapstructure:"flush_interval_seconds"`
}

type IngestionConfig struct {
	ParallelWorkers    int    `mapstructure:"parallel_workers"`
	ChunkSize          int    `mapstructure:"chunk_size"`
	GenerateEmbeddings bool   `mapstructure:"generate_embeddings"`
	EmbeddingModel     string `mapstructure:"embedding_model"`
}

type MCPConfig struct {
	ServerBind       string `mapstructure:"server_bind"`
	CORSEnabled      bool   `mapstructure:"cors_enabled"`
	MaxRequestSizeMB int    `mapstructure:"max_request_size_mb"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
			BaseDir:  filepath.Join(home, ".ryht", "cortex"),
		},
		Database: DatabaseConfig{
			Mode:      "local",
			LocalBind: "127.0.0.1:8000",
			Namespace: "cortex",
			Database:  "cortex",
		},
		Pool: PoolConfig{
			Min:                 2,
			Max:                 10,
			ConnectionTimeoutMS: 5000,
			IdleTimeoutMS:       300000,
		},
		Cache: CacheConfig{
			MemorySizeMB: 256,
			TTLSeconds:   3600,
		},
		VFS: VFSConfig{
			MaxFileSizeMB:        50,
			AutoFlush:            true,
			FlushIntervalSeconds: 30,
		},
		Ingestion: IngestionConfig{
			ParallelWorkers:    4,
			ChunkSize:          512,
			GenerateEmbeddings: true,
			EmbeddingModel:     "embeddinggemma",
		},
		MCP: MCPConfig{
			ServerBind:       "127.0.0.1:9000",
			CORSEnabled:      false,
			MaxRequestSizeMB: 16,
		},
	}
}

// ConfigPath resolves the configuration file location.
func ConfigPath() string {
	if p := os.Getenv("CORTEX_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.toml"
	}
	return filepath.Join(home, ".ryht", "cortex", "config.toml")
}

// Load reads the config file (if present), applies environment overrides
// and validates the result. A missing file is not an error: defaults apply.
func Load() (*Config, error) {
	return LoadFrom(ConfigPath())
}

// LoadFrom loads configuration from an explicit path.
func LoadFrom(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	defaults := DefaultConfig()
	v.SetDefault("general.log_level", defaults.General.LogLevel)
	v.SetDefault("general.base_dir", defaults.General.BaseDir)
	v.SetDefault("database.mode", defaults.Database.Mode)
	v.SetDefault("database.local_bind", defaults.Database.LocalBind)
	v.SetDefault("database.namespace", defaults.Database.Namespace)
	v.SetDefault("database.database", defaults.Database.Database)
	v.SetDefault("pool.min", defaults.Pool.Min)
	v.SetDefault("pool.max", defaults.Pool.Max)
	v.SetDefault("pool.connection_timeout_ms", defaults.Pool.ConnectionTimeoutMS)
	v.SetDefault("pool.idle_timeout_ms", defaults.Pool.IdleTimeoutMS)
	v.SetDefault("cache.memory_size_mb", defaults.Cache.MemorySizeMB)
	v.SetDefault("cache.ttl_seconds", defaults.Cache.TTLSeconds)
	v.SetDefault("vfs.max_file_size_mb", defaults.VFS.MaxFileSizeMB)
	v.SetDefault("vfs.auto_flush", defaults.VFS.AutoFlush)
	v.SetDefault("vfs.flush_interval_seconds", defaults.VFS.FlushIntervalSeconds)
	v.SetDefault("ingestion.parallel_workers", defaults.Ingestion.ParallelWorkers)
	v.SetDefault("ingestion.chunk_size", defaults.Ingestion.ChunkSize)
	v.SetDefault("ingestion.generate_embeddings", defaults.Ingestion.GenerateEmbeddings)
	v.SetDefault("ingestion.embedding_model", defaults.Ingestion.EmbeddingModel)
	v.SetDefault("mcp.server_bind", defaults.MCP.ServerBind)
	v.SetDefault("mcp.cors_enabled", defaults.MCP.CORSEnabled)
	v.SetDefault("mcp.max_request_size_mb", defaults.MCP.MaxRequestSizeMB)

	v.SetEnvPrefix("CORTEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, cortexerr.Wrap(err, cortexerr.TagInvalidInput, "read config %s", path)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, cortexerr.Wrap(err, cortexerr.TagInvalidInput, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validLogLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "error": true,
}

var validModes = map[string]bool{"local": true, "remote": true, "hybrid": true}

// Validate enforces the constraints from the configuration table.
func (c *Config) Validate() error {
	if !validLogLevels[c.General.LogLevel] {
		return cortexerr.InvalidInput("general.log_level %q not one of trace|debug|info|warn|error", c.General.LogLevel)
	}
	if !validModes[c.Database.Mode] {
		return cortexerr.InvalidInput("database.mode %q not one of local|remote|hybrid", c.Database.Mode)
	}
	if (c.Database.Mode == "remote" || c.Database.Mode == "hybrid") && len(c.Database.RemoteURLs) == 0 {
		return cortexerr.InvalidInput("database.remote_urls must be non-empty in %s mode", c.Database.Mode)
	}
	if c.Pool.Max <= 0 {
		return cortexerr.InvalidInput("pool.max must be positive, got %d", c.Pool.Max)
	}
	if c.Pool.Min <= 0 || c.Pool.Min > c.Pool.Max {
		return cortexerr.InvalidInput("pool.min must satisfy 0 < min <= max, got min=%d max=%d", c.Pool.Min, c.Pool.Max)
	}
	for name, val := range map[string]int{
		"pool.connection_timeout_ms": c.Pool.ConnectionTimeoutMS,
		"pool.idle_timeout_ms":       c.Pool.IdleTimeoutMS,
		"cache.memory_size_mb":       c.Cache.MemorySizeMB,
		"cache.ttl_seconds":          c.Cache.TTLSeconds,
		"vfs.max_file_size_mb":       c.VFS.MaxFileSizeMB,
		"vfs.flush_interval_seconds": c.VFS.FlushIntervalSeconds,
		"ingestion.parallel_workers": c.Ingestion.ParallelWorkers,
		"ingestion.chunk_size":       c.Ingestion.ChunkSize,
		"mcp.max_request_size_mb":    c.MCP.MaxRequestSizeMB,
	} {
		if val <= 0 {
			return cortexerr.InvalidInput("%s must be strictly positive, got %d", name, val)
		}
	}
	return nil
}

// Layout describes the on-disk directory layout under the base directory.
type Layout struct {
	Base       string
	Data       string
	Database   string
	Logs       string
	Run        string
	Cache      string
	Workspaces string
}

// ResolveLayout returns the directory layout, creating directories on demand.
func (c *Config) ResolveLayout() (*Layout, error) {
	base := c.General.BaseDir
	l := &Layout{
		Base:       base,
		Data:       filepath.Join(base, "data"),
		Database:   filepath.Join(base, "data", "db"),
		Logs:       filepath.Join(base, "logs"),
		Run:        filepath.Join(base, "run"),
		Cache:      filepath.Join(base, "cache"),
		Workspaces: filepath.Join(base, "workspaces"),
	}
	for _, dir := range []string{l.Data, l.Database, l.Logs, l.Run, l.Cache, l.Workspaces} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return l, nil
}

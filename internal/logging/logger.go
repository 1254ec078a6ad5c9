// Package logging provides categorized file-based logging for cortex.
// Each subsystem logs to its own file under <base>/logs/, gated by a
// per-category enable flag and a global level. Categories that are
// disabled return no-op loggers so call sites never need nil checks.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot      Category = "boot"      // Startup and wiring
	CategoryConfig    Category = "config"    // Configuration loading
	CategoryPool      Category = "pool"      // Connection pool
	CategoryStorage   Category = "storage"   // Document store operations
	CategoryVFS       Category = "vfs"       // Virtual filesystem
	CategoryWatcher   Category = "watcher"   // Filesystem watcher
	CategorySync      Category = "sync"      // VFS <-> disk sync
	CategoryParser    Category = "parser"    // Parser adapters
	CategoryReparse   Category = "reparse"   // Auto-reparse pipeline
	CategorySemantic  Category = "semantic"  // Code unit store, dependency graph
	CategoryVector    Category = "vector"    // Vector index and search engine
	CategoryEmbedding Category = "embedding" // Embedding providers
	CategoryMemory    Category = "memory"    // Cognitive memory tiers
	CategorySession   Category = "session"   // Sessions, locks, transactions
)

// Logger wraps a zap sugared logger bound to one category. The zero value
// (and any logger for a disabled category) is a no-op.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	loggersMu  sync.RWMutex
	loggers    = make(map[Category]*Logger)
	logsDir    string
	level      zapcore.Level
	categories map[string]bool // nil means all enabled
)

// Initialize sets up the logging directory and level. Call once at startup.
// levelName is one of trace|debug|info|warn|error (trace maps to debug).
// enabled restricts categories; nil enables all.
func Initialize(dir, levelName string, enabled map[string]bool) error {
	if dir == "" {
		return fmt.Errorf("logging: directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("logging: create logs directory: %w", err)
	}

	loggersMu.Lock()
	defer loggersMu.Unlock()
	logsDir = dir
	categories = enabled
	switch levelName {
	case "trace", "debug":
		level = zapcore.DebugLevel
	case "warn", "warning":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}
	loggers = make(map[Category]*Logger)
	return nil
}

// IsCategoryEnabled reports whether a category will produce output.
func IsCategoryEnabled(category Category) bool {
	loggersMu.RLock()
	defer loggersMu.RUnlock()
	if logsDir == "" {
		return false
	}
	if categories == nil {
		return true
	}
	enabled, ok := categories[string(category)]
	if !ok {
		return true
	}
	return enabled
}

// Get returns (or creates) the logger for a category. Disabled categories
// and pre-Initialize calls get a no-op logger.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	date := time.Now().Format("2006-01-02")
	path := filepath.Join(logsDir, fmt.Sprintf("%s_%s.log", date, category))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] could not open %s: %v\n", path, err)
		l := &Logger{category: category}
		loggers[category] = l
		return l
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(file), level)
	l := &Logger{
		category: category,
		sugar:    zap.New(core).Sugar().Named(string(category)),
	}
	loggers[category] = l
	return l
}

// CloseAll flushes all open loggers. Call at shutdown.
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for _, l := range loggers {
		if l.sugar != nil {
			_ = l.sugar.Sync()
		}
	}
	loggers = make(map[Category]*Logger)
}

func (l *Logger) Debug(format string, args ...interface{}) {
	if l == nil || l.sugar == nil {
		return
	}
	l.sugar.Debugf(format, args...)
}

func (l *Logger) Info(format string, args ...interface{}) {
	if l == nil || l.sugar == nil {
		return
	}
	l.sugar.Infof(format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	if l == nil || l.sugar == nil {
		return
	}
	l.sugar.Warnf(format, args...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	if l == nil || l.sugar == nil {
		return
	}
	l.sugar.Errorf(format, args...)
}

// With returns a logger carrying structured key/value context.
func (l *Logger) With(args ...interface{}) *Logger {
	if l == nil || l.sugar == nil {
		return l
	}
	return &Logger{category: l.category, sugar: l.sugar.With(args...)}
}

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer measures an operation's duration and logs it on Stop.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning if the duration exceeds the threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}

// =============================================================================
// CONVENIENCE FUNCTIONS
// =============================================================================

func Boot(format string, args ...interface{})      { Get(CategoryBoot).Info(format, args...) }
func BootDebug(format string, args ...interface{}) { Get(CategoryBoot).Debug(format, args...) }
func BootError(format string, args ...interface{}) { Get(CategoryBoot).Error(format, args...) }

func Pool(format string, args ...interface{})      { Get(CategoryPool).Info(format, args...) }
func PoolDebug(format string, args ...interface{}) { Get(CategoryPool).Debug(format, args...) }
func PoolWarn(format string, args ...interface{})  { Get(CategoryPool).Warn(format, args...) }

func Storage(format string, args ...interface{})      { Get(CategoryStorage).Info(format, args...) }
func StorageDebug(format string, args ...interface{}) { Get(CategoryStorage).Debug(format, args...) }

func VFS(format string, args ...interface{})      { Get(CategoryVFS).Info(format, args...) }
func VFSDebug(format string, args ...interface{}) { Get(CategoryVFS).Debug(format, args...) }
func VFSWarn(format string, args ...interface{})  { Get(CategoryVFS).Warn(format, args...) }

func Watcher(format string, args ...interface{})      { Get(CategoryWatcher).Info(format, args...) }
func WatcherDebug(format string, args ...interface{}) { Get(CategoryWatcher).Debug(format, args...) }

func Sync(format string, args ...interface{})      { Get(CategorySync).Info(format, args...) }
func SyncDebug(format string, args ...interface{}) { Get(CategorySync).Debug(format, args...) }

func Parser(format string, args ...interface{})      { Get(CategoryParser).Info(format, args...) }
func ParserDebug(format string, args ...interface{}) { Get(CategoryParser).Debug(format, args...) }

func Reparse(format string, args ...interface{})      { Get(CategoryReparse).Info(format, args...) }
func ReparseDebug(format string, args ...interface{}) { Get(CategoryReparse).Debug(format, args...) }
func ReparseWarn(format string, args ...interface{})  { Get(CategoryReparse).Warn(format, args...) }

func Semantic(format string, args ...interface{})      { Get(CategorySemantic).Info(format, args...) }
func SemanticDebug(format string, args ...interface{}) { Get(CategorySemantic).Debug(format, args...) }

func Vector(format string, args ...interface{})      { Get(CategoryVector).Info(format, args...) }
func VectorDebug(format string, args ...interface{}) { Get(CategoryVector).Debug(format, args...) }
func VectorWarn(format string, args ...interface{})  { Get(CategoryVector).Warn(format, args...) }

func Embedding(format string, args ...interface{}) { Get(CategoryEmbedding).Info(format, args...) }
func EmbeddingDebug(format string, args ...interface{}) {
	Get(CategoryEmbedding).Debug(format, args...)
}

func Memory(format string, args ...interface{})      { Get(CategoryMemory).Info(format, args...) }
func MemoryDebug(format string, args ...interface{}) { Get(CategoryMemory).Debug(format, args...) }

func Session(format string, args ...interface{})      { Get(CategorySession).Info(format, args...) }
func SessionDebug(format string, args ...interface{}) { Get(CategorySession).Debug(format, args...) }

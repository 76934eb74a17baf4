// Package logging provides config-driven categorized file-based logging for edgecli.
// Logs are written to <data dir>/logs/ with separate files per category.
// Logging is controlled by logging.debug_mode in the config file - when false, no logs are written.
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

// Category represents a log category/system
type Category string

const (
	CategoryBoot     Category = "boot"     // Startup, config resolution
	CategoryConfig   Category = "config"   // Config load/save/watch
	CategoryREPL     Category = "repl"     // Interactive front-end
	CategoryClient   Category = "client"   // Server requests
	CategoryDump     Category = "dump"     // Dump/restore
	CategoryInstance Category = "instance" // Local instance lifecycle
	CategoryInstall  Category = "install"  // Package download and extraction
	CategoryPackages Category = "pkg"      // Build/test/publish pipeline
	CategoryStore    Category = "store"    // SQLite state
)

// Settings mirrors config.LoggingConfig to avoid an import cycle.
type Settings struct {
	Dir        string
	DebugMode  bool
	Level      string
	JSONFormat bool
	Categories map[string]bool
}

// Logger is a category-scoped printf-style logger. The zero value is a no-op.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex

	settings   Settings
	settingsMu sync.RWMutex
	level      = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Initialize sets up the logging directory. Safe to call more than once;
// open category files are closed and reopened lazily.
func Initialize(s Settings) error {
	CloseAll()

	settingsMu.Lock()
	settings = s
	settingsMu.Unlock()

	lvl, err := zapcore.ParseLevel(s.Level)
	if err != nil || s.Level == "" {
		lvl = zapcore.InfoLevel
	}
	level.SetLevel(lvl)

	if !s.DebugMode {
		return nil
	}
	if s.Dir == "" {
		return fmt.Errorf("logging: directory required in debug mode")
	}
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== edgecli logging initialized ===")
	boot.Info("Logs directory: %s", s.Dir)
	boot.Info("Log level: %s", lvl)
	return nil
}

// IsDebugMode returns whether debug logging is enabled
func IsDebugMode() bool {
	settingsMu.RLock()
	defer settingsMu.RUnlock()
	return settings.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	settingsMu.RLock()
	defer settingsMu.RUnlock()

	if !settings.DebugMode {
		return false
	}
	if settings.Categories == nil {
		return true
	}
	enabled, exists := settings.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if debug mode is disabled or category is disabled.
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

	settingsMu.RLock()
	dir, asJSON := settings.Dir, settings.JSONFormat
	settingsMu.RUnlock()

	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(dir, fmt.Sprintf("%s_%s.log", date, category))
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if asJSON {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	core := zapcore.NewCore(enc, zapcore.AddSync(file), level)
	l := &Logger{
		category: category,
		file:     file,
		sugar:    zap.New(core).Named(string(category)).Sugar(),
	}
	loggers[category] = l
	return l
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.sugar != nil {
		l.sugar.Debugf(format, args...)
	}
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	if l.sugar != nil {
		l.sugar.Infof(format, args...)
	}
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.sugar != nil {
		l.sugar.Warnf(format, args...)
	}
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	if l.sugar != nil {
		l.sugar.Errorf(format, args...)
	}
}

// With returns a logger carrying structured key-value context.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	if l.sugar == nil {
		return l
	}
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

// CloseAll flushes and closes all open log files (call at shutdown)
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	for _, l := range loggers {
		if l.sugar != nil {
			_ = l.sugar.Sync()
		}
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// =============================================================================
// CONVENIENCE FUNCTIONS - no-ops if the category is disabled
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

// REPL logs to the repl category
func REPL(format string, args ...interface{}) {
	Get(CategoryREPL).Info(format, args...)
}

// REPLDebug logs debug to the repl category
func REPLDebug(format string, args ...interface{}) {
	Get(CategoryREPL).Debug(format, args...)
}

// Client logs to the client category
func Client(format string, args ...interface{}) {
	Get(CategoryClient).Info(format, args...)
}

// ClientDebug logs debug to the client category
func ClientDebug(format string, args ...interface{}) {
	Get(CategoryClient).Debug(format, args...)
}

// Instance logs to the instance category
func Instance(format string, args ...interface{}) {
	Get(CategoryInstance).Info(format, args...)
}

// InstanceWarn logs a warning to the instance category
func InstanceWarn(format string, args ...interface{}) {
	Get(CategoryInstance).Warn(format, args...)
}

// Store logs to the store category
func Store(format string, args ...interface{}) {
	Get(CategoryStore).Info(format, args...)
}

// StoreDebug logs debug to the store category
func StoreDebug(format string, args ...interface{}) {
	Get(CategoryStore).Debug(format, args...)
}

// Packages logs to the pkg category
func Packages(format string, args ...interface{}) {
	Get(CategoryPackages).Info(format, args...)
}

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}

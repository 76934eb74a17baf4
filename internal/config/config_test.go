package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =============================================================================
// CONFIG FILE TESTS
// =============================================================================

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 5656, cfg.Connection.Port)
	assert.Equal(t, "edgedb", cfg.Connection.Database)
	assert.Equal(t, OutputDefault, cfg.REPL.OutputMode)
	assert.Equal(t, InputEmacs, cfg.REPL.InputMode)
	assert.Equal(t, 100, cfg.REPL.Limit)
	assert.True(t, cfg.REPL.ExpandStrings)
	assert.False(t, cfg.REPL.ImplicitProperties)
	require.NoError(t, cfg.Validate())
}

func TestConfig_SaveLoad(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Connection.Host = "db.internal"
	cfg.REPL.OutputMode = OutputJSONPretty
	cfg.REPL.Limit = 0
	require.NoError(t, cfg.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "db.internal", loaded.Connection.Host)
	assert.Equal(t, OutputJSONPretty, loaded.REPL.OutputMode)
	assert.Equal(t, 0, loaded.REPL.Limit)
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Connection, cfg.Connection)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("repl:\n  verbose_errors: true\n"), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.REPL.VerboseErrors)
	assert.Equal(t, 100, cfg.REPL.Limit)
	assert.Equal(t, 5656, cfg.Connection.Port)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("repl: [unclosed"), 0600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Connection.Port = 70000 }},
		{"no retries", func(c *Config) { c.Connection.RetryAttempts = 0 }},
		{"privileged port range", func(c *Config) { c.Instances.PortRangeStart = 80 }},
		{"bad output mode", func(c *Config) { c.REPL.OutputMode = "xml" }},
		{"bad input mode", func(c *Config) { c.REPL.InputMode = "ed" }},
		{"negative limit", func(c *Config) { c.REPL.Limit = -1 }},
		{"no data dir", func(c *Config) { c.Instances.DataDir = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfig_DurationFallbacks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Connection.Timeout = "garbage"
	cfg.Packages.CacheTTL = "-5m"
	cfg.Instances.StopTimeout = "3s"

	assert.Equal(t, 30*time.Second, cfg.GetConnectTimeout())
	assert.Equal(t, time.Hour, cfg.GetCacheTTL())
	assert.Equal(t, 3*time.Second, cfg.GetStopTimeout())
}

func TestLoggingConfig_Categories(t *testing.T) {
	lc := LoggingConfig{DebugMode: false}
	assert.False(t, lc.IsCategoryEnabled("repl"))

	lc = LoggingConfig{DebugMode: true, Categories: map[string]bool{"repl": false}}
	assert.False(t, lc.IsCategoryEnabled("repl"))
	assert.True(t, lc.IsCategoryEnabled("store"))

	lc.Format = "json"
	assert.True(t, lc.Settings().JSONFormat)
}

// =============================================================================
// WATCHER TESTS
// =============================================================================

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, DefaultConfig().Save(path))

	changes := make(chan *Config, 4)
	w, err := NewWatcher(path, func(c *Config) { changes <- c })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	cfg := DefaultConfig()
	cfg.REPL.OutputMode = OutputJSONLines
	require.NoError(t, cfg.Save(path))

	select {
	case got := <-changes:
		assert.Equal(t, OutputJSONLines, got.REPL.OutputMode)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not report the change")
	}
}

func TestWatcher_SkipsInvalidConfig(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, DefaultConfig().Save(path))

	changes := make(chan *Config, 4)
	errs := make(chan error, 4)
	w, err := NewWatcher(path, func(c *Config) { changes <- c })
	require.NoError(t, err)
	w.OnError = func(err error) { errs <- err }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("repl:\n  limit: -5\n"), 0600))

	select {
	case err := <-errs:
		assert.Error(t, err)
	case <-changes:
		t.Fatal("invalid config was passed on")
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not report the invalid config")
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	changes := make(chan *Config, 1)
	w, err := NewWatcher(path, func(c *Config) { changes <- c })
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1"), 0600))

	select {
	case <-changes:
		t.Fatal("unexpected reload for unrelated file")
	case <-time.After(500 * time.Millisecond):
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	w, err := NewWatcher(filepath.Join(t.TempDir(), "config.yaml"), func(*Config) {})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	w.Stop()
	w.Stop()
}

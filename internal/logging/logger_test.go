package logging

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readLogs(t *testing.T, dir string, category Category) string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*_"+string(category)+".log"))
	require.NoError(t, err)
	require.Len(t, matches, 1, "expected one log file for %s", category)
	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	return string(data)
}

func TestDisabledByDefault(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Initialize(Settings{Dir: dir}))
	t.Cleanup(CloseAll)

	assert.False(t, IsDebugMode())
	Get(CategoryREPL).Info("should not be written")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCategoriesWriteSeparateFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Initialize(Settings{Dir: dir, DebugMode: true, Level: "debug"}))
	t.Cleanup(CloseAll)

	Instance("created instance %s", "alpha")
	ClientDebug("POST %s", "/db/edgedb/edgeql")
	CloseAll()

	assert.Contains(t, readLogs(t, dir, CategoryInstance), "created instance alpha")
	assert.Contains(t, readLogs(t, dir, CategoryClient), "/db/edgedb/edgeql")
	assert.Contains(t, readLogs(t, dir, CategoryBoot), "logging initialized")
}

func TestCategoryFilter(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Initialize(Settings{
		Dir:        dir,
		DebugMode:  true,
		Categories: map[string]bool{"repl": false},
	}))
	t.Cleanup(CloseAll)

	assert.False(t, IsCategoryEnabled(CategoryREPL))
	assert.True(t, IsCategoryEnabled(CategoryStore), "unlisted categories default to enabled")

	REPL("hidden")
	matches, _ := filepath.Glob(filepath.Join(dir, "*_repl.log"))
	assert.Empty(t, matches)
}

func TestLevelFiltering(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Initialize(Settings{Dir: dir, DebugMode: true, Level: "warn"}))
	t.Cleanup(CloseAll)

	l := Get(CategoryStore)
	l.Info("info line")
	l.Warn("warn line")
	CloseAll()

	out := readLogs(t, dir, CategoryStore)
	assert.NotContains(t, out, "info line")
	assert.Contains(t, out, "warn line")
}

func TestJSONFormat(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Initialize(Settings{Dir: dir, DebugMode: true, JSONFormat: true}))
	t.Cleanup(CloseAll)

	Get(CategoryDump).With("database", "edgedb").Info("dump finished")
	CloseAll()

	out := readLogs(t, dir, CategoryDump)
	assert.True(t, strings.HasPrefix(strings.TrimSpace(out), "{"))
	assert.Contains(t, out, `"database":"edgedb"`)
}

func TestConcurrentGet(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Initialize(Settings{Dir: dir, DebugMode: true}))
	t.Cleanup(CloseAll)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			Get(CategoryPackages).Info("job %d", i)
		}(i)
	}
	wg.Wait()

	loggersMu.RLock()
	defer loggersMu.RUnlock()
	assert.Len(t, loggers, 2) // boot + pkg
}

func TestTimerThreshold(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Initialize(Settings{Dir: dir, DebugMode: true, Level: "debug"}))
	t.Cleanup(CloseAll)

	timer := StartTimer(CategoryInstall, "extract")
	time.Sleep(2 * time.Millisecond)
	elapsed := timer.StopWithThreshold(time.Nanosecond)
	CloseAll()

	assert.Greater(t, elapsed, time.Duration(0))
	assert.Contains(t, readLogs(t, dir, CategoryInstall), "extract took")
}

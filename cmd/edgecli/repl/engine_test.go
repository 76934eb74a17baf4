package repl

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"edgecli/internal/client"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngine_RunsStatements(t *testing.T) {
	conn := newFakeConn("main")
	conn.results["SELECT {1, 2}"] = `[1, 2]`
	hist := newMemHistory()
	e := newTestEngine(conn, hist)

	out, outcome := run(e, "SELECT {1, 2};\nCREATE TYPE Foo;")
	require.NoError(t, outcome.Err)
	assert.Equal(t, "{1, 2}\nOK: CREATE TYPE\n", out)
	assert.Equal(t, []string{"SELECT {1, 2}", "CREATE TYPE Foo"}, conn.sent)
	assert.Equal(t, []string{"SELECT {1, 2};\nCREATE TYPE Foo;"}, hist.entries["inst:test"])
}

func TestEngine_ExpressionStatementsPrintResults(t *testing.T) {
	conn := newFakeConn("main")
	conn.results["User { name }"] = `[{"name": "alice"}]`
	conn.results["1 + 1"] = `[2]`
	e := newTestEngine(conn, nil)

	out, outcome := run(e, "User { name };")
	require.NoError(t, outcome.Err)
	assert.Contains(t, out, "alice")
	assert.NotContains(t, out, "OK:")

	out, outcome = run(e, "1 + 1;")
	require.NoError(t, outcome.Err)
	assert.Equal(t, "{2}\n", out)
}

func TestEngine_OutputModeAndLimit(t *testing.T) {
	conn := newFakeConn("main")
	conn.results["SELECT {1, 2, 3}"] = `[1, 2, 3]`
	e := newTestEngine(conn, newMemHistory())

	_, outcome := run(e, `\set output-mode json-lines`)
	require.NoError(t, outcome.Err)
	_, outcome = run(e, `\set limit 2`)
	require.NoError(t, outcome.Err)

	out, _ := run(e, "SELECT {1, 2, 3};")
	assert.Equal(t, "1\n2\n... (further results hidden \\set limit 2)\n", out)
}

func TestEngine_ErrorsStopTheScript(t *testing.T) {
	conn := newFakeConn("main")
	conn.errs["SELECT 1/0"] = &client.Error{Code: client.DivisionByZeroError, Message: "division by zero", Hint: "check the divisor"}
	e := newTestEngine(conn, newMemHistory())

	out, outcome := run(e, "SELECT 1/0; SELECT 2;")
	require.Error(t, outcome.Err)
	assert.Equal(t, "error: DivisionByZeroError: division by zero\n  hint: check the divisor\n", out)
	assert.Equal(t, []string{"SELECT 1/0"}, conn.sent)

	out, _ = run(e, `\E`)
	assert.Contains(t, out, "code: 0x05010001")
	assert.Contains(t, out, "hint: check the divisor")

	require.NoError(t, e.Settings().Set(SettingVerboseErrors, "on"))
	out, _ = run(e, "SELECT 1/0;")
	assert.True(t, strings.HasPrefix(out, "error: DivisionByZeroError: division by zero\n  code: 0x05010001\n"), out)
}

func TestEngine_TransactionPrompts(t *testing.T) {
	conn := newFakeConn("main")
	conn.errs["SELECT nope"] = &client.Error{Code: client.InvalidReferenceError, Message: "nope"}
	e := newTestEngine(conn, newMemHistory())

	assert.Equal(t, "main> ", e.Prompt())
	out, _ := run(e, "START TRANSACTION;")
	assert.Equal(t, "OK: START TRANSACTION\n", out)
	assert.Equal(t, "main[tx]> ", e.Prompt())

	run(e, "SELECT nope;")
	assert.Equal(t, "main[tx:failed]> ", e.Prompt())

	_, outcome := run(e, `\c other`)
	assert.ErrorIs(t, outcome.Err, ErrInTransaction)

	run(e, "ROLLBACK;")
	assert.Equal(t, "main> ", e.Prompt())
}

func TestEngine_Connect(t *testing.T) {
	conn := newFakeConn("main")
	e := NewEngine(Options{
		Conn:     conn,
		Settings: newTestEngine(conn, nil).Settings(),
		Connect: func(_ context.Context, db string) (client.Conn, error) {
			if db == "missing" {
				return nil, &client.Error{Code: client.UnknownDatabaseError, Message: "database 'missing' does not exist"}
			}
			return newFakeConn(db), nil
		},
	})

	out, outcome := run(e, `\c missing`)
	require.Error(t, outcome.Err)
	assert.Equal(t, "error: UnknownDatabaseError: database 'missing' does not exist\n", out)
	assert.False(t, conn.closed)

	out, outcome = run(e, `\connect other`)
	require.NoError(t, outcome.Err)
	assert.Equal(t, "Connected to database other\n", out)
	assert.True(t, conn.closed)
	assert.Equal(t, "other> ", e.Prompt())

	_, outcome = run(e, `\c`)
	assert.ErrorContains(t, outcome.Err, `usage: \c DBNAME`)
}

func TestEngine_Listings(t *testing.T) {
	conn := newFakeConn("main")
	conn.results["SELECT sys::Database.name"] = `["main", "edgedb"]`
	conn.results["SELECT schema::Module.name"] = `["default"]`
	e := newTestEngine(conn, nil)

	out, _ := run(e, `\l`)
	assert.Equal(t, "List of databases:\n  edgedb\n  main\n", out)
	out, _ = run(e, `\lm`)
	assert.Equal(t, "List of modules:\n  default\n", out)
	out, _ = run(e, `\lr`)
	assert.Equal(t, "List of roles:\n", out)
}

func TestEngine_HistoryAndEdit(t *testing.T) {
	conn := newFakeConn("main")
	hist := newMemHistory()
	e := newTestEngine(conn, hist)

	_, outcome := run(e, `\e`)
	assert.ErrorIs(t, outcome.Err, ErrEmptyHistory)

	run(e, "SELECT 1;")
	run(e, "SELECT\n  2;")
	run(e, `\s`)

	out, _ := run(e, `\s`)
	assert.Equal(t, "1  SELECT 1;\n2  SELECT\n     2;\n", out)

	_, outcome = run(e, `\e 1`)
	require.NotNil(t, outcome.Edit)
	assert.Equal(t, "SELECT 1;", outcome.Edit.Text)

	_, outcome = run(e, `\edit`)
	require.NotNil(t, outcome.Edit)
	assert.Equal(t, "SELECT\n  2;", outcome.Edit.Text)

	_, outcome = run(e, `\e 3`)
	assert.ErrorIs(t, outcome.Err, ErrNoSuchEntry)
	_, outcome = run(e, `\e x`)
	assert.Error(t, outcome.Err)
}

func TestEngine_EditPending(t *testing.T) {
	hist := newMemHistory()
	hist.entries["inst:test"] = []string{"SELECT 'old';"}
	e := newTestEngine(newFakeConn("main"), hist)

	outcome := e.RunMeta(context.Background(), "SELECT\n  1", `\e`, io.Discard)
	require.NotNil(t, outcome.Edit)
	assert.Equal(t, "SELECT\n  1", outcome.Edit.Text)

	outcome = e.RunMeta(context.Background(), "SELECT\n  1", `\e 1`, io.Discard)
	require.NotNil(t, outcome.Edit)
	assert.Equal(t, "SELECT 'old';", outcome.Edit.Text)

	outcome = e.RunMeta(context.Background(), "  # nothing yet\n", `\e`, io.Discard)
	require.NotNil(t, outcome.Edit)
	assert.Equal(t, "SELECT 'old';", outcome.Edit.Text)
}

func TestEngine_SetListing(t *testing.T) {
	e := newTestEngine(newFakeConn("main"), nil)

	out, _ := run(e, `\set`)
	for _, s := range SettingRegistry {
		assert.Contains(t, out, s.Name)
	}
	out, _ = run(e, `\set limit`)
	assert.Equal(t, "limit: 100\n", out)

	_, outcome := run(e, `\set limit lots`)
	assert.Error(t, outcome.Err)
}

func TestEngine_MiscCommands(t *testing.T) {
	e := newTestEngine(newFakeConn("main"), nil)

	_, outcome := run(e, `\q`)
	assert.True(t, outcome.Quit)

	out, outcome := run(e, `\nope`)
	assert.Error(t, outcome.Err)
	assert.Equal(t, "error: unknown command \\nope (try \\?)\n", out)

	out, _ = run(e, `\?`)
	assert.Contains(t, out, "Shell commands")

	_, outcome = run(e, `\dump`)
	assert.ErrorContains(t, outcome.Err, "usage")
	_, outcome = run(e, `\restore`)
	assert.ErrorContains(t, outcome.Err, "usage")

	_, outcome = run(e, `\restore `+filepath.Join(t.TempDir(), "missing.dump"))
	assert.True(t, errors.Is(outcome.Err, os.ErrNotExist))
}

func TestEditorCommand(t *testing.T) {
	e := newTestEngine(newFakeConn("main"), nil)
	e.settings.values.Editor = "code --wait"

	cmd, path, err := e.EditorCommand("SELECT 1;")
	require.NoError(t, err)
	assert.Equal(t, []string{"code", "--wait", path}, cmd.Args)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1;\n", string(data))

	require.NoError(t, os.WriteFile(path, []byte("SELECT 2;\n\n"), 0600))
	text, err := ReadEdited(path)
	require.NoError(t, err)
	assert.Equal(t, "SELECT 2;", text)
	assert.NoFileExists(t, path)
}

func TestRemoveEdited(t *testing.T) {
	e := newTestEngine(newFakeConn("main"), nil)
	_, path, err := e.EditorCommand("SELECT 1;")
	require.NoError(t, err)
	require.FileExists(t, path)

	RemoveEdited(path)
	assert.NoFileExists(t, path)
	RemoveEdited(path)
}

// Package repl implements the interactive shell: meta-commands, settings,
// persistent history and the terminal and batch frontends.
package repl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"edgecli/internal/client"
	"edgecli/internal/dump"
	"edgecli/internal/edgeql"
	"edgecli/internal/logging"
	"edgecli/internal/render"
	"edgecli/internal/ui"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

var (
	ErrEmptyHistory  = errors.New("history is empty")
	ErrNoSuchEntry   = errors.New("no such history entry")
	ErrInTransaction = errors.New("cannot switch database inside a transaction")
)

// HistoryStore persists executed input.
type HistoryStore interface {
	AppendHistory(ctx context.Context, key, entry string, limit int) error
	History(ctx context.Context, key string) ([]string, error)
}

// Connector opens a connection to another database on the same server.
type Connector func(ctx context.Context, database string) (client.Conn, error)

// Options configure an Engine.
type Options struct {
	Conn     client.Conn
	Connect  Connector
	Settings *Settings
	History  HistoryStore
	// HistoryKey separates histories per instance or DSN.
	HistoryKey string
	Styles     ui.Styles
	Color      bool
	// Help renders \? output; nil prints the raw markdown.
	Help *glamour.TermRenderer
}

// Outcome tells the frontend what to do after a submission.
type Outcome struct {
	Quit bool
	// Edit is set when the user asked to open text in the editor.
	Edit *EditRequest
	// Err is the error already printed for the submission, if any.
	Err error
}

// EditRequest asks the frontend to open Text in $EDITOR.
type EditRequest struct {
	Text string
}

// Engine executes shell input against a connection. It is frontend
// agnostic; output goes to the writer passed to Run.
type Engine struct {
	conn       client.Conn
	connect    Connector
	settings   *Settings
	history    HistoryStore
	historyKey string
	styles     ui.Styles
	color      bool
	help       *glamour.TermRenderer
	lastErr    error
}

// NewEngine creates an engine.
func NewEngine(opts Options) *Engine {
	return &Engine{
		conn:       opts.Conn,
		connect:    opts.Connect,
		settings:   opts.Settings,
		history:    opts.History,
		historyKey: opts.HistoryKey,
		styles:     opts.Styles,
		color:      opts.Color,
		help:       opts.Help,
	}
}

// Settings returns the session settings.
func (e *Engine) Settings() *Settings { return e.settings }

// Conn returns the current connection.
func (e *Engine) Conn() client.Conn { return e.conn }

// Close closes the current connection.
func (e *Engine) Close() error {
	if e.conn == nil {
		return nil
	}
	return e.conn.Close()
}

// Prompt returns the primary prompt for the connection state.
func (e *Engine) Prompt() string {
	db := e.conn.Database()
	switch e.conn.State() {
	case client.InTransaction:
		return db + "[tx]> "
	case client.InFailedTransaction:
		return db + "[tx:failed]> "
	}
	return db + "> "
}

// ContinuationPrompt is shown on every line after the first.
const ContinuationPrompt = "...> "

// History returns the persisted history, oldest first.
func (e *Engine) History(ctx context.Context) ([]string, error) {
	if e.history == nil {
		return nil, nil
	}
	return e.history.History(ctx, e.historyKey)
}

// Run executes one submission: a meta-command or one or more complete
// statements.
func (e *Engine) Run(ctx context.Context, input string, out io.Writer) Outcome {
	text := strings.TrimSpace(input)
	if text == "" {
		return Outcome{}
	}
	if IsMeta(text) {
		return e.runMeta(ctx, text, "", out)
	}

	e.remember(ctx, text)
	stmts, rest := edgeql.Split(text)
	if !edgeql.IsBlank(rest) {
		stmts = append(stmts, edgeql.Classify(strings.TrimSpace(rest)))
	}
	for _, stmt := range stmts {
		if err := e.runStatement(ctx, stmt, out); err != nil {
			e.printError(out, err)
			return Outcome{Err: err}
		}
	}
	return Outcome{}
}

// RunMeta runs the backslash command line typed after pending, query text
// that has not been submitted yet. \e without N edits pending.
func (e *Engine) RunMeta(ctx context.Context, pending, line string, out io.Writer) Outcome {
	return e.runMeta(ctx, strings.TrimSpace(line), pending, out)
}

func (e *Engine) remember(ctx context.Context, entry string) {
	if e.history == nil {
		return
	}
	limit := e.settings.Values().HistorySize
	if err := e.history.AppendHistory(ctx, e.historyKey, entry, limit); err != nil {
		logging.Get(logging.CategoryREPL).Warn("failed to save history: %v", err)
	}
}

// returnsData reports whether statements with status produce a result set
// worth printing; everything else prints "OK: STATUS".
func returnsData(status string) bool {
	switch status {
	case "SELECT", "INSERT", "UPDATE", "DELETE", "FOR", "GROUP", "DESCRIBE", "ANALYZE":
		return true
	}
	return false
}

func (e *Engine) runStatement(ctx context.Context, stmt edgeql.Statement, out io.Writer) error {
	opts := e.settings.RenderOptions(e.color)
	timer := logging.StartTimer(logging.CategoryREPL, stmt.Status)
	defer timer.Stop()

	res, err := e.conn.Query(ctx, stmt.Text, nil, opts.Mode.IOFormat())
	if err != nil {
		return err
	}
	if !returnsData(res.Status) {
		fmt.Fprintln(out, e.style(e.styles.Success, "OK: "+res.Status))
		return nil
	}
	return render.Write(out, res, opts)
}

func (e *Engine) style(s lipgloss.Style, text string) string {
	if !e.color {
		return text
	}
	return s.Render(text)
}

// FormatError renders err as "error: Type: message"; verbose adds the
// code, position, details and hint of server errors.
func FormatError(err error, verbose bool) string {
	var ce *client.Error
	if verbose && errors.As(err, &ce) {
		return "error: " + ce.Verbose()
	}
	return "error: " + err.Error()
}

func (e *Engine) printError(out io.Writer, err error) {
	e.lastErr = err
	msg := FormatError(err, e.settings.Values().VerboseErrors)
	fmt.Fprintln(out, e.style(e.styles.Error, msg))
	var ce *client.Error
	if !e.settings.Values().VerboseErrors && errors.As(err, &ce) && ce.Hint != "" {
		fmt.Fprintln(out, e.style(e.styles.Hint, "  hint: "+ce.Hint))
	}
}

func usage(info *CommandInfo) error {
	return fmt.Errorf("usage: %s", info.Usage)
}

func (e *Engine) runMeta(ctx context.Context, text, pending string, out io.Writer) Outcome {
	mc := ParseMeta(text)
	if mc.Info == nil {
		err := fmt.Errorf(`unknown command %s (try \?)`, mc.Name)
		e.printError(out, err)
		return Outcome{Err: err}
	}
	logging.REPLDebug("meta %s %v", mc.Info.Name, mc.Args)

	var (
		outcome Outcome
		err     error
	)
	switch mc.Info.Name {
	case `\help`:
		fmt.Fprint(out, renderHelp(e.help))
	case `\quit`:
		outcome.Quit = true
	case `\last-error`:
		e.showLastError(out)
	case `\connect`:
		err = e.switchDatabase(ctx, mc, out)
	case `\list-databases`:
		err = e.list(out, "List of databases:", func() ([]string, error) { return client.ListDatabases(ctx, e.conn) })
	case `\list-object-types`:
		pattern := strings.Join(mc.Args, " ")
		err = e.list(out, "List of object types:", func() ([]string, error) { return client.ListObjectTypes(ctx, e.conn, pattern) })
	case `\list-modules`:
		err = e.list(out, "List of modules:", func() ([]string, error) { return client.ListModules(ctx, e.conn) })
	case `\list-roles`:
		err = e.list(out, "List of roles:", func() ([]string, error) { return client.ListRoles(ctx, e.conn) })
	case `\describe`:
		err = e.describe(ctx, mc, out)
	case `\dump`:
		err = e.dumpTo(ctx, mc, out)
	case `\restore`:
		err = e.restoreFrom(ctx, mc, out)
	case `\history`:
		err = e.showHistory(ctx, out)
	case `\edit`:
		outcome.Edit, err = e.editRequest(ctx, mc, pending)
	case `\set`:
		err = e.set(mc, out)
	}
	if err != nil {
		e.printError(out, err)
		outcome.Err = err
	}
	return outcome
}

func (e *Engine) showLastError(out io.Writer) {
	if e.lastErr == nil {
		fmt.Fprintln(out, e.style(e.styles.Muted, "no error recorded"))
		return
	}
	fmt.Fprintln(out, FormatError(e.lastErr, true))
}

func (e *Engine) switchDatabase(ctx context.Context, mc MetaCommand, out io.Writer) error {
	if len(mc.Args) != 1 {
		return usage(mc.Info)
	}
	if e.conn.State() != client.NotInTransaction {
		return ErrInTransaction
	}
	if e.connect == nil {
		return fmt.Errorf("switching databases is not supported for this connection")
	}
	conn, err := e.connect(ctx, mc.Args[0])
	if err != nil {
		return err
	}
	old := e.conn
	e.conn = conn
	if err := old.Close(); err != nil {
		logging.Get(logging.CategoryREPL).Warn("closing previous connection: %v", err)
	}
	fmt.Fprintln(out, e.style(e.styles.Muted, "Connected to database "+conn.Database()))
	return nil
}

func (e *Engine) list(out io.Writer, title string, fetch func() ([]string, error)) error {
	names, err := fetch()
	if err != nil {
		return err
	}
	fmt.Fprintln(out, e.style(e.styles.Title, title))
	for _, n := range names {
		fmt.Fprintln(out, "  "+n)
	}
	return nil
}

func (e *Engine) describe(ctx context.Context, mc MetaCommand, out io.Writer) error {
	if len(mc.Args) != 1 {
		return usage(mc.Info)
	}
	text, err := client.DescribeObject(ctx, e.conn, mc.Args[0], mc.Verbose)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, strings.TrimRight(text, "\n"))
	return nil
}

func (e *Engine) dumpTo(ctx context.Context, mc MetaCommand, out io.Writer) (err error) {
	if len(mc.Args) != 1 {
		return usage(mc.Info)
	}
	path := mc.Args[0]
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(path)
		}
	}()

	_, stats, err := dump.Dump(ctx, e.conn, f)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Dumped %d objects of %d types to %s\n", stats.Objects, stats.Types, path)
	return nil
}

func (e *Engine) restoreFrom(ctx context.Context, mc MetaCommand, out io.Writer) error {
	if len(mc.Args) != 1 {
		return usage(mc.Info)
	}
	f, err := os.Open(mc.Args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	hdr, stats, err := dump.Restore(ctx, e.conn, f)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Restored %d objects of %d types from database %s\n", stats.Objects, stats.Types, hdr.Database)
	return nil
}

func (e *Engine) showHistory(ctx context.Context, out io.Writer) error {
	entries, err := e.History(ctx)
	if err != nil {
		return err
	}
	width := len(strconv.Itoa(len(entries)))
	for i, entry := range entries {
		lines := strings.Split(entry, "\n")
		fmt.Fprintf(out, "%*d  %s\n", width, i+1, lines[0])
		for _, l := range lines[1:] {
			fmt.Fprintf(out, "%*s  %s\n", width, "", l)
		}
	}
	return nil
}

// editRequest resolves \e [N]. N counts from 1 as printed by \s; without N
// the pending buffer is edited, or the last entry when nothing is pending.
func (e *Engine) editRequest(ctx context.Context, mc MetaCommand, pending string) (*EditRequest, error) {
	if len(mc.Args) > 1 {
		return nil, usage(mc.Info)
	}
	if len(mc.Args) == 0 && !edgeql.IsBlank(pending) {
		return &EditRequest{Text: strings.TrimSpace(pending)}, nil
	}
	entries, err := e.History(ctx)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrEmptyHistory
	}
	n := len(entries)
	if len(mc.Args) == 1 {
		n, err = strconv.Atoi(mc.Args[0])
		if err != nil {
			return nil, usage(mc.Info)
		}
		if n < 1 || n > len(entries) {
			return nil, fmt.Errorf("%w: %d (1..%d)", ErrNoSuchEntry, n, len(entries))
		}
	}
	return &EditRequest{Text: entries[n-1]}, nil
}

func (e *Engine) set(mc MetaCommand, out io.Writer) error {
	switch len(mc.Args) {
	case 0:
		t := ui.NewSimpleTable("", []string{"Option", "Value", "Accepted values"})
		for _, s := range SettingRegistry {
			v, _ := e.settings.Get(s.Name)
			t.AddRow(s.Name, v, s.Values)
		}
		styles := e.styles
		if !e.color {
			styles = ui.PlainStyles()
		}
		fmt.Fprintln(out, t.View(styles))
		return nil
	case 1:
		v, err := e.settings.Get(mc.Args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s: %s\n", mc.Args[0], v)
		return nil
	case 2:
		return e.settings.Set(mc.Args[0], mc.Args[1])
	}
	return usage(mc.Info)
}

// EditorCommand writes text to a temporary file and returns the command
// that opens it in the configured editor along with the file path.
func (e *Engine) EditorCommand(text string) (*exec.Cmd, string, error) {
	f, err := os.CreateTemp("", "edgecli-*.edgeql")
	if err != nil {
		return nil, "", err
	}
	if _, err := f.WriteString(text + "\n"); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return nil, "", err
	}

	editor := strings.Fields(e.settings.Values().Editor)
	if len(editor) == 0 {
		editor = []string{"vi"}
	}
	args := append(editor[1:], f.Name())
	return exec.Command(editor[0], args...), f.Name(), nil
}

// ReadEdited returns the edited text and removes the file.
func ReadEdited(path string) (string, error) {
	defer RemoveEdited(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(data), "\n"), nil
}

// RemoveEdited deletes the temporary file of an abandoned edit.
func RemoveEdited(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.Get(logging.CategoryREPL).Warn("failed to remove %s: %v", path, err)
	}
}

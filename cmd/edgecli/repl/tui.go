package repl

import (
	"bytes"
	"context"
	"errors"
	"strings"

	"edgecli/internal/client"
	"edgecli/internal/config"
	"edgecli/internal/edgeql"
	"edgecli/internal/ui"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
)

const inputHeight = 4

type runDoneMsg struct {
	output  string
	outcome Outcome
	// pending is query text typed before a backslash command; it goes
	// back into the input unless the command consumed it.
	pending string
}

type editDoneMsg struct {
	text string
	err  error
}

type settingsChangedMsg struct {
	changed []string
	err     error
}

// Model is the bubbletea model of the interactive shell.
type Model struct {
	ctx    context.Context
	engine *Engine
	styles ui.Styles

	input   textarea.Model
	output  viewport.Model
	spinner spinner.Model

	transcript *strings.Builder
	history    []string
	histPos    int

	running  bool
	cancel   context.CancelFunc
	viNormal bool
	width    int
	height   int
}

// NewModel creates the interactive model. history seeds Ctrl+P/Ctrl+N
// navigation.
func NewModel(ctx context.Context, e *Engine, styles ui.Styles, history []string) Model {
	ta := textarea.New()
	ta.Placeholder = `EdgeQL terminated by ";" or \? for help`
	ta.ShowLineNumbers = false
	ta.CharLimit = 0
	ta.SetHeight(inputHeight)
	ta.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = styles.Info

	vp := viewport.New(80, 20)

	m := Model{
		ctx:        ctx,
		engine:     e,
		styles:     styles,
		input:      ta,
		output:     vp,
		spinner:    sp,
		transcript: &strings.Builder{},
		history:    history,
		histPos:    len(history),
	}
	m.refreshPrompt()
	return m
}

func (m *Model) refreshPrompt() {
	prompt := m.engine.Prompt()
	style := m.styles.Prompt
	switch m.engine.Conn().State() {
	case client.InTransaction:
		style = m.styles.PromptTx
	case client.InFailedTransaction:
		style = m.styles.PromptFailed
	}
	m.input.FocusedStyle.Prompt = style
	m.input.BlurredStyle.Prompt = style

	width := len(prompt)
	if len(ContinuationPrompt) > width {
		width = len(ContinuationPrompt)
	}
	cont := strings.Repeat(" ", width-len(ContinuationPrompt)) + ContinuationPrompt
	first := prompt + strings.Repeat(" ", width-len(prompt))
	m.input.SetPromptFunc(width, func(line int) string {
		if line == 0 {
			return first
		}
		return cont
	})
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return textarea.Blink
}

func (m *Model) appendOutput(s string) {
	if s == "" {
		return
	}
	m.transcript.WriteString(s)
	if !strings.HasSuffix(s, "\n") {
		m.transcript.WriteByte('\n')
	}
	m.output.SetContent(m.transcript.String())
	m.output.GotoBottom()
}

func (m Model) submit(text string) (Model, tea.Cmd) {
	echo := m.engine.Prompt() + strings.ReplaceAll(text, "\n", "\n"+ContinuationPrompt)
	m.appendOutput(m.styles.Muted.Render(echo))
	m.input.Reset()

	if strings.TrimSpace(text) != "" && !IsMeta(text) {
		m.history = append(m.history, strings.TrimSpace(text))
	}
	m.histPos = len(m.history)

	engine := m.engine
	return m.start("", func(ctx context.Context, buf *bytes.Buffer) Outcome {
		return engine.Run(ctx, text, buf)
	})
}

// submitMeta runs a backslash command typed on the last line of a
// multi-line buffer, keeping the lines before it as the pending query.
func (m Model) submitMeta(pending, line string) (Model, tea.Cmd) {
	echo := m.engine.Prompt() + strings.ReplaceAll(pending+"\n"+line, "\n", "\n"+ContinuationPrompt)
	m.appendOutput(m.styles.Muted.Render(echo))
	m.input.Reset()
	m.histPos = len(m.history)

	engine := m.engine
	return m.start(pending, func(ctx context.Context, buf *bytes.Buffer) Outcome {
		return engine.RunMeta(ctx, pending, line, buf)
	})
}

func (m Model) start(pending string, fn func(context.Context, *bytes.Buffer) Outcome) (Model, tea.Cmd) {
	ctx, cancel := context.WithCancel(m.ctx)
	m.running = true
	m.cancel = cancel
	run := func() tea.Msg {
		defer cancel()
		var buf bytes.Buffer
		outcome := fn(ctx, &buf)
		return runDoneMsg{output: buf.String(), outcome: outcome, pending: pending}
	}
	return m, tea.Batch(m.spinner.Tick, run)
}

// splitTrailingMeta splits a backslash command on the last line of text
// from the query text before it. A backslash inside an open string
// literal is not a command.
func splitTrailingMeta(text string) (pending, line string, ok bool) {
	text = strings.TrimRight(text, " \t\r\n")
	i := strings.LastIndexByte(text, '\n')
	if i < 0 {
		return "", "", false
	}
	pending, line = text[:i], text[i+1:]
	if !IsMeta(line) || edgeql.IsBlank(pending) || edgeql.InLiteral(pending) {
		return "", "", false
	}
	return pending, strings.TrimSpace(line), true
}

func (m Model) openEditor(text string) (Model, tea.Cmd) {
	cmd, path, err := m.engine.EditorCommand(text)
	if err != nil {
		m.appendOutput(m.styles.Error.Render(FormatError(err, false)))
		return m, nil
	}
	return m, tea.ExecProcess(cmd, func(err error) tea.Msg {
		if err != nil {
			RemoveEdited(path)
			return editDoneMsg{err: err}
		}
		text, err := ReadEdited(path)
		return editDoneMsg{text: text, err: err}
	})
}

func (m *Model) recall(delta int) {
	if len(m.history) == 0 {
		return
	}
	pos := m.histPos + delta
	if pos < 0 {
		pos = 0
	}
	if pos >= len(m.history) {
		m.histPos = len(m.history)
		m.input.Reset()
		return
	}
	m.histPos = pos
	m.input.SetValue(m.history[pos])
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.input.SetWidth(msg.Width)
		m.output.Width = msg.Width
		m.output.Height = max(1, msg.Height-inputHeight-1)
		m.output.GotoBottom()
		return m, nil

	case runDoneMsg:
		m.running = false
		m.cancel = nil
		m.appendOutput(msg.output)
		m.refreshPrompt()
		if msg.outcome.Quit {
			return m, tea.Quit
		}
		if msg.outcome.Edit != nil {
			return m.openEditor(msg.outcome.Edit.Text)
		}
		if msg.pending != "" {
			m.input.SetValue(msg.pending)
		}
		return m, nil

	case editDoneMsg:
		if msg.err != nil {
			m.appendOutput(m.styles.Error.Render(FormatError(msg.err, false)))
			return m, nil
		}
		m.input.SetValue(msg.text)
		return m, nil

	case settingsChangedMsg:
		if msg.err != nil {
			m.appendOutput(m.styles.Error.Render("config not reloaded: " + msg.err.Error()))
			return m, nil
		}
		m.appendOutput(m.styles.Muted.Render("config reloaded: " + strings.Join(msg.changed, ", ")))
		return m, nil

	case spinner.TickMsg:
		if !m.running {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		if m.running && m.cancel != nil {
			m.cancel()
			return m, nil
		}
		if m.input.Value() != "" {
			m.input.Reset()
			return m, nil
		}
		return m, tea.Quit
	case tea.KeyCtrlD:
		if !m.running && m.input.Value() == "" {
			return m, tea.Quit
		}
		return m, nil
	}
	if m.running {
		return m, nil
	}

	if m.engine.Settings().Values().InputMode == config.InputVi {
		if m.viNormal {
			return m.handleViNormal(msg)
		}
		if msg.Type == tea.KeyEsc {
			m.viNormal = true
			return m, nil
		}
	}

	switch msg.Type {
	case tea.KeyCtrlP:
		m.recall(-1)
		return m, nil
	case tea.KeyCtrlN:
		m.recall(1)
		return m, nil
	case tea.KeyCtrlO:
		return m.openEditor(m.input.Value())
	case tea.KeyEnter:
		text := m.input.Value()
		if IsMeta(text) || edgeql.IsComplete(text) || strings.TrimSpace(text) == "" {
			return m.submit(text)
		}
		if pending, line, ok := splitTrailingMeta(text); ok {
			return m.submitMeta(pending, line)
		}
		m.input.InsertString("\n")
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// handleViNormal supports the vi normal-mode keys that make sense for a
// query buffer.
func (m Model) handleViNormal(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "i":
		m.viNormal = false
	case "a":
		m.viNormal = false
		m.input, _ = m.input.Update(tea.KeyMsg{Type: tea.KeyRight})
	case "A":
		m.viNormal = false
		m.input.CursorEnd()
	case "I":
		m.viNormal = false
		m.input.CursorStart()
	case "0":
		m.input.CursorStart()
	case "$":
		m.input.CursorEnd()
	case "h":
		m.input, _ = m.input.Update(tea.KeyMsg{Type: tea.KeyLeft})
	case "l":
		m.input, _ = m.input.Update(tea.KeyMsg{Type: tea.KeyRight})
	case "k":
		m.recall(-1)
	case "j":
		m.recall(1)
	case "v":
		return m.openEditor(m.input.Value())
	case "enter":
		m.viNormal = false
		return m.handleKey(msg)
	}
	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	var sb strings.Builder
	sb.WriteString(m.output.View())
	sb.WriteByte('\n')
	if m.running {
		sb.WriteString(m.spinner.View() + " " + m.styles.Muted.Render("running (Ctrl+C to cancel)"))
	} else if m.viNormal {
		sb.WriteString(m.styles.Badge.Render("NORMAL"))
	} else {
		sb.WriteString(m.styles.RenderDivider(max(1, m.width)))
	}
	sb.WriteByte('\n')
	sb.WriteString(m.input.View())
	return sb.String()
}

// RunInteractive runs the terminal frontend until the user quits. When
// configPath is set, repl defaults are re-applied as the file changes.
func RunInteractive(ctx context.Context, e *Engine, styles ui.Styles, configPath string) error {
	history, err := e.History(ctx)
	if err != nil {
		history = nil
	}
	p := tea.NewProgram(NewModel(ctx, e, styles, history), tea.WithContext(ctx), tea.WithAltScreen())

	if configPath != "" {
		stop, err := WatchConfig(ctx, configPath, e.Settings(), func(changed []string, err error) {
			p.Send(settingsChangedMsg{changed: changed, err: err})
		})
		if err == nil {
			defer stop()
		}
	}

	_, err = p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

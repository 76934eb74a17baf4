package repl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"edgecli/internal/edgeql"
)

// ErrEditorUnavailable is returned for \e outside a terminal.
var ErrEditorUnavailable = errors.New(`\e requires an interactive terminal`)

// RunBatch reads input line by line, runs each complete submission and
// stops at the first error. Backslash commands run as soon as their line
// is read, even while a statement is pending. Trailing input without a terminating
// semicolon is run at end of input.
func RunBatch(ctx context.Context, e *Engine, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var buf strings.Builder
	submit := func(text string) (bool, error) {
		outcome := e.Run(ctx, text, out)
		if outcome.Edit != nil {
			fmt.Fprintln(out, FormatError(ErrEditorUnavailable, false))
			return false, ErrEditorUnavailable
		}
		return outcome.Quit, outcome.Err
	}

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Text()
		if edgeql.IsBlank(buf.String()) && IsMeta(line) {
			buf.Reset()
			quit, err := submit(line)
			if err != nil || quit {
				return err
			}
			continue
		}
		if IsMeta(line) && !edgeql.InLiteral(buf.String()) {
			outcome := e.RunMeta(ctx, buf.String(), line, out)
			if outcome.Edit != nil {
				fmt.Fprintln(out, FormatError(ErrEditorUnavailable, false))
				return ErrEditorUnavailable
			}
			if outcome.Err != nil || outcome.Quit {
				return outcome.Err
			}
			continue
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
		if edgeql.IsComplete(buf.String()) {
			text := buf.String()
			buf.Reset()
			quit, err := submit(text)
			if err != nil || quit {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if !edgeql.IsBlank(buf.String()) {
		_, err := submit(buf.String())
		return err
	}
	return nil
}

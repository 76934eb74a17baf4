// Package render formats query results for the terminal in the REPL's
// output modes.
package render

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"edgecli/internal/client"

	"github.com/charmbracelet/lipgloss"
)

// Mode is an output mode.
type Mode string

const (
	ModeDefault      Mode = "default"
	ModeJSON         Mode = "json"
	ModeJSONPretty   Mode = "json-pretty"
	ModeJSONLines    Mode = "json-lines"
	ModeTabSeparated Mode = "tab-separated"
)

// Modes lists every output mode.
var Modes = []Mode{ModeDefault, ModeJSON, ModeJSONPretty, ModeJSONLines, ModeTabSeparated}

// ParseMode validates s as an output mode.
func ParseMode(s string) (Mode, error) {
	for _, m := range Modes {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown output mode %q (expected one of %s)", s, joinModes())
}

func joinModes() string {
	names := make([]string, len(Modes))
	for i, m := range Modes {
		names[i] = string(m)
	}
	return strings.Join(names, ", ")
}

// IOFormat returns the response encoding best suited to the mode.
func (m Mode) IOFormat() client.IOFormat {
	switch m {
	case ModeJSON, ModeJSONPretty:
		return client.FormatJSON
	case ModeJSONLines:
		return client.FormatJSONElements
	default:
		return client.FormatBinary
	}
}

// Implicit properties hidden unless ImplicitProperties is set.
var implicitProperties = map[string]bool{"id": true, "__tname__": true, "__tid__": true}

// Options control rendering.
type Options struct {
	Mode               Mode
	ExpandStrings      bool
	ImplicitProperties bool
	IntrospectTypes    bool
	// Limit caps the number of printed elements; 0 prints everything.
	Limit int
	Color bool
}

// ErrNestedValue is returned by tab-separated mode for values that do not
// fit in a cell.
var ErrNestedValue = errors.New("nested objects and arrays cannot be rendered in tab-separated mode")

// LimitMarker is printed after a truncated result.
func LimitMarker(limit int) string {
	return fmt.Sprintf("... (further results hidden \\set limit %d)", limit)
}

// Write renders res to w.
func Write(w io.Writer, res *client.Result, opts Options) error {
	values, err := res.Decoded()
	if err != nil {
		return err
	}
	return WriteValues(w, values, opts)
}

// WriteValues renders already decoded values.
func WriteValues(w io.Writer, values []interface{}, opts Options) error {
	truncated := false
	if opts.Limit > 0 && len(values) > opts.Limit {
		values = values[:opts.Limit]
		truncated = true
	}
	bw := bufio.NewWriter(w)
	var err error
	switch opts.Mode {
	case ModeJSON:
		err = writeJSON(bw, pruneAll(values, opts.ImplicitProperties), false)
	case ModeJSONPretty:
		err = writeJSON(bw, pruneAll(values, opts.ImplicitProperties), true)
	case ModeJSONLines:
		err = writeJSONLines(bw, pruneAll(values, opts.ImplicitProperties))
	case ModeTabSeparated:
		err = writeTabSeparated(bw, pruneAll(values, opts.ImplicitProperties))
	default:
		p := newPrinter(opts)
		bw.WriteString(p.set(values))
		bw.WriteByte('\n')
	}
	if err != nil {
		return err
	}
	if truncated {
		marker := LimitMarker(opts.Limit)
		if opts.Color {
			marker = mutedStyle.Render(marker)
		}
		bw.WriteString(marker)
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

func pruneAll(values []interface{}, keepImplicit bool) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = prune(v, keepImplicit)
	}
	return out
}

// prune removes implicit properties from objects at any depth.
func prune(v interface{}, keepImplicit bool) interface{} {
	switch t := v.(type) {
	case *client.Object:
		out := client.NewObject()
		for _, k := range t.Keys {
			if !keepImplicit && implicitProperties[k] {
				continue
			}
			out.Set(k, prune(t.Fields[k], keepImplicit))
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = prune(e, keepImplicit)
		}
		return out
	default:
		return v
	}
}

func writeJSON(w *bufio.Writer, values []interface{}, pretty bool) error {
	var data []byte
	var err error
	if pretty {
		data, err = json.MarshalIndent(values, "", "  ")
	} else {
		data, err = json.Marshal(values)
	}
	if err != nil {
		return err
	}
	w.Write(data)
	w.WriteByte('\n')
	return nil
}

func writeJSONLines(w *bufio.Writer, values []interface{}) error {
	for _, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	return nil
}

func writeTabSeparated(w *bufio.Writer, values []interface{}) error {
	for _, v := range values {
		var cells []string
		if obj, ok := v.(*client.Object); ok {
			for _, k := range obj.Keys {
				cell, err := tsvCell(obj.Fields[k])
				if err != nil {
					return fmt.Errorf("property %s: %w", k, err)
				}
				cells = append(cells, cell)
			}
		} else {
			cell, err := tsvCell(v)
			if err != nil {
				return err
			}
			cells = []string{cell}
		}
		w.WriteString(strings.Join(cells, "\t"))
		w.WriteByte('\n')
	}
	return nil
}

var tsvEscaper = strings.NewReplacer("\\", "\\\\", "\t", "\\t", "\n", "\\n", "\r", "\\r")

func tsvCell(v interface{}) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return tsvEscaper.Replace(t), nil
	case json.Number:
		return t.String(), nil
	case bool:
		return fmt.Sprint(t), nil
	case *client.Object, []interface{}:
		return "", ErrNestedValue
	default:
		return fmt.Sprint(t), nil
	}
}

var (
	stringStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#8BC34A"))
	numberStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#2196F3"))
	typeStyle   = lipgloss.NewStyle().Bold(true)
	keyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#4db6ac"))
	mutedStyle  = lipgloss.NewStyle().Faint(true)
)

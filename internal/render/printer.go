package render

import (
	"encoding/json"
	"fmt"
	"strings"

	"edgecli/internal/client"

	"github.com/charmbracelet/lipgloss"
)

const maxWidth = 80

// printer renders values in the default mode: sets in braces, objects as
// "Type {field: value}", strings single-quoted. Anything that does not fit
// on one line is broken up with two-space indentation.
type printer struct {
	opts Options
}

func newPrinter(opts Options) *printer {
	return &printer{opts: opts}
}

func (p *printer) set(values []interface{}) string {
	items := make([]string, len(values))
	for i, v := range values {
		items[i] = p.value(v, 2)
	}
	return p.group("{", "}", items, 0)
}

func (p *printer) value(v interface{}, indent int) string {
	switch t := v.(type) {
	case nil:
		return "{}"
	case string:
		return p.style(stringStyle, p.quote(t))
	case json.Number:
		return p.style(numberStyle, t.String())
	case bool:
		return p.style(numberStyle, fmt.Sprint(t))
	case []interface{}:
		items := make([]string, len(t))
		hasObjects := false
		for i, e := range t {
			if _, ok := e.(*client.Object); ok {
				hasObjects = true
			}
			items[i] = p.value(e, indent+2)
		}
		// multi links and multi properties of objects arrive as arrays
		if hasObjects {
			return p.group("{", "}", items, indent)
		}
		return p.group("[", "]", items, indent)
	case *client.Object:
		return p.object(t, indent)
	default:
		return fmt.Sprint(t)
	}
}

func (p *printer) object(o *client.Object, indent int) string {
	name := "Object"
	if p.opts.IntrospectTypes {
		if n, ok := o.Fields["__tname__"].(string); ok && n != "" {
			name = n
		}
	}
	var fields []string
	for _, k := range o.Keys {
		if !p.opts.ImplicitProperties && implicitProperties[k] {
			continue
		}
		fields = append(fields, p.style(keyStyle, k)+": "+p.value(o.Fields[k], indent+2))
	}
	return p.style(typeStyle, name) + " " + p.group("{", "}", fields, indent)
}

// group joins items on one line when they fit, otherwise one per line
// indented by indent+2 with trailing commas.
func (p *printer) group(open, close string, items []string, indent int) string {
	if len(items) == 0 {
		return open + close
	}
	flat := open + strings.Join(items, ", ") + close
	if !strings.Contains(flat, "\n") && indent+lipgloss.Width(flat) <= maxWidth {
		return flat
	}
	pad := strings.Repeat(" ", indent+2)
	var b strings.Builder
	b.WriteString(open)
	b.WriteByte('\n')
	for _, it := range items {
		b.WriteString(pad)
		b.WriteString(it)
		b.WriteString(",\n")
	}
	b.WriteString(strings.Repeat(" ", indent))
	b.WriteString(close)
	return b.String()
}

func (p *printer) quote(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('\'')
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '\'':
			b.WriteString(`\'`)
		case '\n':
			if p.opts.ExpandStrings {
				b.WriteRune(r)
			} else {
				b.WriteString(`\n`)
			}
		case '\t':
			if p.opts.ExpandStrings {
				b.WriteRune(r)
			} else {
				b.WriteString(`\t`)
			}
		case '\r':
			b.WriteString(`\r`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('\'')
	return b.String()
}

func (p *printer) style(s lipgloss.Style, text string) string {
	if !p.opts.Color {
		return text
	}
	return s.Render(text)
}

package repl

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
)

// HelpMarkdown renders the meta-command and settings reference.
func HelpMarkdown() string {
	var sb strings.Builder
	sb.WriteString("# Shell commands\n\n")
	sb.WriteString("Type EdgeQL terminated by `;` to run it. Lines starting with `\\` are shell commands.\n\n")
	for c := CategoryGeneral; c <= CategorySettings; c++ {
		cmds := GetCommandsByCategory(c)
		if len(cmds) == 0 {
			continue
		}
		fmt.Fprintf(&sb, "## %s\n\n", c)
		sb.WriteString("| Command | Aliases | Description |\n")
		sb.WriteString("|---------|---------|-------------|\n")
		for _, cmd := range cmds {
			aliases := "-"
			if len(cmd.Aliases) > 0 {
				aliases = "`" + strings.Join(cmd.Aliases, "`, `") + "`"
			}
			fmt.Fprintf(&sb, "| `%s` | %s | %s |\n", cmd.Usage, aliases, cmd.Description)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("## Settings\n\n")
	sb.WriteString("| Option | Values | Description |\n")
	sb.WriteString("|--------|--------|-------------|\n")
	for _, s := range SettingRegistry {
		fmt.Fprintf(&sb, "| `%s` | %s | %s |\n", s.Name, strings.ReplaceAll(s.Values, "|", "\\|"), s.Description)
	}
	return sb.String()
}

// NewHelpRenderer returns a glamour renderer for \? output, or nil when the
// style cannot be loaded.
func NewHelpRenderer(dark bool, width int) *glamour.TermRenderer {
	style := "light"
	if dark {
		style = "dark"
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStylePath(style),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return nil
	}
	return r
}

// renderHelp renders HelpMarkdown with r, falling back to the raw text.
func renderHelp(r *glamour.TermRenderer) string {
	md := HelpMarkdown()
	if r == nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return out
}

package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// SimpleTable renders static rows with aligned columns.
type SimpleTable struct {
	Title   string
	Headers []string
	Rows    [][]string
}

func NewSimpleTable(title string, headers []string) *SimpleTable {
	return &SimpleTable{
		Title:   title,
		Headers: headers,
		Rows:    make([][]string, 0),
	}
}

func (t *SimpleTable) AddRow(row ...string) {
	t.Rows = append(t.Rows, row)
}

// View renders the table. An empty table renders as an empty string.
func (t *SimpleTable) View(styles Styles) string {
	if len(t.Rows) == 0 {
		return ""
	}

	var sb strings.Builder
	if t.Title != "" {
		sb.WriteString(styles.Title.Render(t.Title))
		sb.WriteString("\n")
	}

	widths := make([]int, len(t.Headers))
	for i, h := range t.Headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range t.Rows {
		for i, cell := range row {
			if i < len(widths) {
				if w := lipgloss.Width(cell); w > widths[i] {
					widths[i] = w
				}
			}
		}
	}

	writeRow := func(cells []string, style lipgloss.Style) {
		parts := make([]string, 0, len(widths))
		for i := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			pad := widths[i] - lipgloss.Width(cell)
			parts = append(parts, style.Render(cell)+strings.Repeat(" ", pad))
		}
		sb.WriteString(strings.TrimRight(strings.Join(parts, styles.Muted.Render(" │ ")), " "))
		sb.WriteString("\n")
	}

	writeRow(t.Headers, styles.Bold)
	total := 0
	for _, w := range widths {
		total += w
	}
	total += 3 * (len(widths) - 1)
	sb.WriteString(styles.RenderDivider(total))
	sb.WriteString("\n")
	for _, row := range t.Rows {
		writeRow(row, styles.Body)
	}
	return sb.String()
}

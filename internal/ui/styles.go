// Package ui holds the terminal styling shared by the REPL and the
// command-line commands, with light and dark palettes.
package ui

import (
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	// Light mode
	LightForeground = lipgloss.Color("#101F38")
	LightPrimary    = lipgloss.Color("#101F38")
	LightAccent     = lipgloss.Color("#5b8c2a")
	LightMuted      = lipgloss.Color("#7a8494")
	LightBorder     = lipgloss.Color("#dce0e5")

	// Dark mode
	DarkForeground = lipgloss.Color("#f2f2f2")
	DarkPrimary    = lipgloss.Color("#8BC34A")
	DarkAccent     = lipgloss.Color("#8BC34A")
	DarkMuted      = lipgloss.Color("#8391a7")
	DarkBorder     = lipgloss.Color("#2a3850")

	Destructive = lipgloss.Color("#e53935")
	Success     = lipgloss.Color("#8BC34A")
	Warning     = lipgloss.Color("#FFC107")
	Info        = lipgloss.Color("#2196F3")
)

// Theme is a color scheme.
type Theme struct {
	Foreground lipgloss.Color
	Primary    lipgloss.Color
	Accent     lipgloss.Color
	Muted      lipgloss.Color
	Border     lipgloss.Color
	IsDark     bool
}

func LightTheme() Theme {
	return Theme{
		Foreground: LightForeground,
		Primary:    LightPrimary,
		Accent:     LightAccent,
		Muted:      LightMuted,
		Border:     LightBorder,
	}
}

func DarkTheme() Theme {
	return Theme{
		Foreground: DarkForeground,
		Primary:    DarkPrimary,
		Accent:     DarkAccent,
		Muted:      DarkMuted,
		Border:     DarkBorder,
		IsDark:     true,
	}
}

// DetectTheme picks dark mode from EDGECLI_DARK_MODE=1 or a dark COLORFGBG
// background, light otherwise.
func DetectTheme() Theme {
	if os.Getenv("EDGECLI_DARK_MODE") == "1" {
		return DarkTheme()
	}
	// COLORFGBG is "foreground;background"; 0-6 and 8 are dark backgrounds
	parts := strings.Split(os.Getenv("COLORFGBG"), ";")
	if len(parts) == 2 {
		if bg, err := strconv.Atoi(parts[1]); err == nil && (bg <= 6 || bg == 8) && bg >= 0 {
			return DarkTheme()
		}
	}
	return LightTheme()
}

// Styles holds the styled components.
type Styles struct {
	Theme Theme

	Title lipgloss.Style
	Body  lipgloss.Style
	Muted lipgloss.Style
	Bold  lipgloss.Style

	Prompt       lipgloss.Style
	PromptTx     lipgloss.Style
	PromptFailed lipgloss.Style
	Continuation lipgloss.Style

	Status  lipgloss.Style
	Success lipgloss.Style
	Error   lipgloss.Style
	Warning lipgloss.Style
	Info    lipgloss.Style
	Hint    lipgloss.Style

	Divider lipgloss.Style
	Badge   lipgloss.Style
}

// NewStyles builds the styles for theme.
func NewStyles(theme Theme) Styles {
	return Styles{
		Theme: theme,

		Title: lipgloss.NewStyle().
			Foreground(theme.Primary).
			Bold(true),
		Body: lipgloss.NewStyle().
			Foreground(theme.Foreground),
		Muted: lipgloss.NewStyle().
			Foreground(theme.Muted),
		Bold: lipgloss.NewStyle().
			Foreground(theme.Foreground).
			Bold(true),

		Prompt: lipgloss.NewStyle().
			Foreground(theme.Accent).
			Bold(true),
		PromptTx: lipgloss.NewStyle().
			Foreground(Warning).
			Bold(true),
		PromptFailed: lipgloss.NewStyle().
			Foreground(Destructive).
			Bold(true),
		Continuation: lipgloss.NewStyle().
			Foreground(theme.Muted),

		Status: lipgloss.NewStyle().
			Foreground(theme.Muted).
			Italic(true),
		Success: lipgloss.NewStyle().
			Foreground(Success).
			Bold(true),
		Error: lipgloss.NewStyle().
			Foreground(Destructive).
			Bold(true),
		Warning: lipgloss.NewStyle().
			Foreground(Warning).
			Bold(true),
		Info: lipgloss.NewStyle().
			Foreground(Info),
		Hint: lipgloss.NewStyle().
			Foreground(Info).
			Italic(true),

		Divider: lipgloss.NewStyle().
			Foreground(theme.Border),
		Badge: lipgloss.NewStyle().
			Foreground(theme.Accent).
			Padding(0, 1).
			Bold(true),
	}
}

// DefaultStyles returns styles for the detected theme.
func DefaultStyles() Styles {
	return NewStyles(DetectTheme())
}

// PlainStyles returns styles that render text unchanged, for non-terminal
// output.
func PlainStyles() Styles {
	plain := lipgloss.NewStyle()
	return Styles{
		Title: plain, Body: plain, Muted: plain, Bold: plain,
		Prompt: plain, PromptTx: plain, PromptFailed: plain, Continuation: plain,
		Status: plain, Success: plain, Error: plain, Warning: plain, Info: plain, Hint: plain,
		Divider: plain, Badge: plain,
	}
}

func (s Styles) RenderDivider(width int) string {
	return s.Divider.Render(strings.Repeat("─", width))
}

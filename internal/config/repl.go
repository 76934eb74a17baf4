package config

import "fmt"

// Output modes accepted by the REPL and the query command.
const (
	OutputDefault      = "default"
	OutputJSON         = "json"
	OutputJSONPretty   = "json-pretty"
	OutputJSONLines    = "json-lines"
	OutputTabSeparated = "tab-separated"
)

// Input modes accepted by the REPL.
const (
	InputEmacs = "emacs"
	InputVi    = "vi"
)

// OutputModes lists valid output-mode values in display order.
var OutputModes = []string{OutputDefault, OutputJSON, OutputJSONPretty, OutputJSONLines, OutputTabSeparated}

// InputModes lists valid input-mode values.
var InputModes = []string{InputEmacs, InputVi}

// REPLConfig holds the REPL display settings. Every field except
// HistorySize and Editor is adjustable at runtime with \set.
type REPLConfig struct {
	ExpandStrings      bool   `yaml:"expand_strings"`
	ImplicitProperties bool   `yaml:"implicit_properties"`
	InputMode          string `yaml:"input_mode"`
	IntrospectTypes    bool   `yaml:"introspect_types"`
	Limit              int    `yaml:"limit"` // 0 = unlimited
	OutputMode         string `yaml:"output_mode"`
	VerboseErrors      bool   `yaml:"verbose_errors"`

	HistorySize int    `yaml:"history_size"`
	Editor      string `yaml:"editor"`
}

// DefaultREPLConfig returns the REPL defaults.
func DefaultREPLConfig() REPLConfig {
	return REPLConfig{
		ExpandStrings: true,
		InputMode:     InputEmacs,
		Limit:         100,
		OutputMode:    OutputDefault,
		HistorySize:   10000,
		Editor:        "vi",
	}
}

// Validate checks enum and range fields.
func (r REPLConfig) Validate() error {
	if !contains(OutputModes, r.OutputMode) {
		return fmt.Errorf("invalid output_mode %q (valid: %v)", r.OutputMode, OutputModes)
	}
	if !contains(InputModes, r.InputMode) {
		return fmt.Errorf("invalid input_mode %q (valid: %v)", r.InputMode, InputModes)
	}
	if r.Limit < 0 {
		return fmt.Errorf("limit must be >= 0, got %d", r.Limit)
	}
	if r.HistorySize < 0 {
		return fmt.Errorf("history_size must be >= 0, got %d", r.HistorySize)
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

package repl

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"edgecli/internal/config"
	"edgecli/internal/render"
)

// Setting names accepted by \set.
const (
	SettingExpandStrings      = "expand-strings"
	SettingImplicitProperties = "implicit-properties"
	SettingInputMode          = "input-mode"
	SettingIntrospectTypes    = "introspect-types"
	SettingLimit              = "limit"
	SettingOutputMode         = "output-mode"
	SettingVerboseErrors      = "verbose-errors"
)

// SettingInfo describes one \set option.
type SettingInfo struct {
	Name        string
	Description string
	Values      string // accepted values shown in \set listings
}

// SettingRegistry lists the options in display order.
var SettingRegistry = []SettingInfo{
	{Name: SettingExpandStrings, Description: "Print strings with escapes expanded", Values: "on|off"},
	{Name: SettingImplicitProperties, Description: "Print implicit properties of objects (id, type id)", Values: "on|off"},
	{Name: SettingInputMode, Description: "Line editing key bindings", Values: "emacs|vi"},
	{Name: SettingIntrospectTypes, Description: "Print type names of objects", Values: "on|off"},
	{Name: SettingLimit, Description: "Maximum number of elements printed (0 = unlimited)", Values: "integer >= 0"},
	{Name: SettingOutputMode, Description: "Output format", Values: strings.Join(config.OutputModes, "|")},
	{Name: SettingVerboseErrors, Description: "Print error code, details and hint", Values: "on|off"},
}

// FindSetting looks up a setting by name.
func FindSetting(name string) *SettingInfo {
	for i := range SettingRegistry {
		if SettingRegistry[i].Name == name {
			return &SettingRegistry[i]
		}
	}
	return nil
}

// Settings holds the session's display options. Values changed with \set
// are marked as overridden and survive config reloads.
type Settings struct {
	mu         sync.RWMutex
	values     config.REPLConfig
	overridden map[string]bool
}

// NewSettings starts from the configured defaults.
func NewSettings(defaults config.REPLConfig) *Settings {
	return &Settings{values: defaults, overridden: map[string]bool{}}
}

// ParseBool accepts on/off, true/false, yes/no and 1/0.
func ParseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "yes", "1":
		return true, nil
	case "off", "false", "no", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on/off, true/false, yes/no or 1/0, got %q", s)
}

func formatBool(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// Set changes one option.
func (s *Settings) Set(name, value string) error {
	if FindSetting(name) == nil {
		return fmt.Errorf("unknown setting %q", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.values
	var err error
	switch name {
	case SettingExpandStrings:
		v.ExpandStrings, err = ParseBool(value)
	case SettingImplicitProperties:
		v.ImplicitProperties, err = ParseBool(value)
	case SettingIntrospectTypes:
		v.IntrospectTypes, err = ParseBool(value)
	case SettingVerboseErrors:
		v.VerboseErrors, err = ParseBool(value)
	case SettingInputMode:
		v.InputMode = value
	case SettingOutputMode:
		v.OutputMode = value
	case SettingLimit:
		v.Limit, err = strconv.Atoi(value)
		if err != nil {
			err = fmt.Errorf("expected an integer, got %q", value)
		}
	}
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if err := v.Validate(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	s.values = v
	s.overridden[name] = true
	return nil
}

// Get returns the display form of one option.
func (s *Settings) Get(name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v := s.values
	switch name {
	case SettingExpandStrings:
		return formatBool(v.ExpandStrings), nil
	case SettingImplicitProperties:
		return formatBool(v.ImplicitProperties), nil
	case SettingIntrospectTypes:
		return formatBool(v.IntrospectTypes), nil
	case SettingVerboseErrors:
		return formatBool(v.VerboseErrors), nil
	case SettingInputMode:
		return v.InputMode, nil
	case SettingOutputMode:
		return v.OutputMode, nil
	case SettingLimit:
		return strconv.Itoa(v.Limit), nil
	}
	return "", fmt.Errorf("unknown setting %q", name)
}

// ApplyDefaults takes new defaults from a reloaded config for every option
// the session has not overridden. It returns the names that changed.
func (s *Settings) ApplyDefaults(d config.REPLConfig) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []string
	apply := func(name string, differs bool, set func()) {
		if s.overridden[name] || !differs {
			return
		}
		set()
		changed = append(changed, name)
	}
	v := &s.values
	apply(SettingExpandStrings, v.ExpandStrings != d.ExpandStrings, func() { v.ExpandStrings = d.ExpandStrings })
	apply(SettingImplicitProperties, v.ImplicitProperties != d.ImplicitProperties, func() { v.ImplicitProperties = d.ImplicitProperties })
	apply(SettingInputMode, v.InputMode != d.InputMode, func() { v.InputMode = d.InputMode })
	apply(SettingIntrospectTypes, v.IntrospectTypes != d.IntrospectTypes, func() { v.IntrospectTypes = d.IntrospectTypes })
	apply(SettingLimit, v.Limit != d.Limit, func() { v.Limit = d.Limit })
	apply(SettingOutputMode, v.OutputMode != d.OutputMode, func() { v.OutputMode = d.OutputMode })
	apply(SettingVerboseErrors, v.VerboseErrors != d.VerboseErrors, func() { v.VerboseErrors = d.VerboseErrors })
	v.HistorySize = d.HistorySize
	v.Editor = d.Editor
	sort.Strings(changed)
	return changed
}

// Values returns a snapshot of the current options.
func (s *Settings) Values() config.REPLConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values
}

// RenderOptions converts the options into render options.
func (s *Settings) RenderOptions(color bool) render.Options {
	v := s.Values()
	mode, err := render.ParseMode(v.OutputMode)
	if err != nil {
		mode = render.ModeDefault
	}
	return render.Options{
		Mode:               mode,
		ExpandStrings:      v.ExpandStrings,
		ImplicitProperties: v.ImplicitProperties,
		IntrospectTypes:    v.IntrospectTypes,
		Limit:              v.Limit,
		Color:              color,
	}
}

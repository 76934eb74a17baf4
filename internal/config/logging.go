package config

import "edgecli/internal/logging"

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level"`      // debug, info, warn, error
	Format     string          `yaml:"format"`     // json, text
	Dir        string          `yaml:"dir"`        // category log files
	DebugMode  bool            `yaml:"debug_mode"` // Master toggle - false = no logging
	Categories map[string]bool `yaml:"categories"` // Per-category toggles
}

// IsCategoryEnabled returns whether logging is enabled for a category.
// Returns false if debug_mode is false.
func (c *LoggingConfig) IsCategoryEnabled(category string) bool {
	if !c.DebugMode {
		return false
	}
	if c.Categories == nil {
		return true
	}
	enabled, exists := c.Categories[category]
	if !exists {
		return true
	}
	return enabled
}

// Settings converts the config into the logging package's settings.
func (c *LoggingConfig) Settings() logging.Settings {
	return logging.Settings{
		Dir:        c.Dir,
		DebugMode:  c.DebugMode,
		Level:      c.Level,
		JSONFormat: c.Format == "json",
		Categories: c.Categories,
	}
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all edgecli configuration.
type Config struct {
	// Connection defaults used when no instance or DSN is given
	Connection ConnectionConfig `yaml:"connection"`

	// REPL display defaults
	REPL REPLConfig `yaml:"repl"`

	// Local instance layout
	Instances InstancesConfig `yaml:"instances"`

	// Package index used by instance create/upgrade
	Packages PackagesConfig `yaml:"packages"`

	// Package publishing target
	Publish PublishConfig `yaml:"publish"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ConnectionConfig configures how the client reaches a server.
type ConnectionConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	User          string `yaml:"user"`
	Password      string `yaml:"password,omitempty"`
	Database      string `yaml:"database"`
	TLS           bool   `yaml:"tls"`
	Timeout       string `yaml:"timeout"`
	RetryAttempts int    `yaml:"retry_attempts"`
}

// InstancesConfig configures where local instances keep their state.
type InstancesConfig struct {
	DataDir        string `yaml:"data_dir"`
	RuntimeDir     string `yaml:"runtime_dir"`
	CredentialsDir string `yaml:"credentials_dir"`
	PortRangeStart int    `yaml:"port_range_start"`
	StopTimeout    string `yaml:"stop_timeout"`
}

// PackagesConfig configures the package index.
type PackagesConfig struct {
	IndexURL    string `yaml:"index_url"`
	CacheTTL    string `yaml:"cache_ttl"`
	DownloadDir string `yaml:"download_dir"`
}

// PublishConfig configures the S3-compatible bucket packages are published to.
type PublishConfig struct {
	Endpoint        string `yaml:"endpoint"`
	Bucket          string `yaml:"bucket"`
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	UseSSL          bool   `yaml:"use_ssl"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Connection: ConnectionConfig{
			Host:          "localhost",
			Port:          5656,
			User:          "edgedb",
			Database:      "edgedb",
			Timeout:       "30s",
			RetryAttempts: 3,
		},
		REPL: DefaultREPLConfig(),
		Instances: InstancesConfig{
			DataDir:        filepath.Join(dataDir, "data"),
			RuntimeDir:     filepath.Join(dataDir, "run"),
			CredentialsDir: filepath.Join(defaultConfigDir(), "credentials"),
			PortRangeStart: 10700,
			StopTimeout:    "10s",
		},
		Packages: PackagesConfig{
			IndexURL:    "https://packages.edgedb.com/archive/.jsonindexes",
			CacheTTL:    "1h",
			DownloadDir: filepath.Join(dataDir, "downloads"),
		},
		Publish: PublishConfig{
			Bucket: "edgedb-packages",
			UseSSL: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Dir:    filepath.Join(dataDir, "logs"),
		},
	}
}

// DefaultPath returns the config file location, honouring EDGECLI_CONFIG.
func DefaultPath() string {
	if p := os.Getenv("EDGECLI_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(defaultConfigDir(), "config.yaml")
}

func defaultConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "edgecli")
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "edgecli")
	}
	return ".edgecli"
}

func defaultDataDir() string {
	if dir := os.Getenv("EDGECLI_DATA_DIR"); dir != "" {
		return dir
	}
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "edgecli")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "edgecli")
	}
	return ".edgecli"
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("EDGEDB_HOST"); v != "" {
		c.Connection.Host = v
	}
	if v := os.Getenv("EDGEDB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Connection.Port = port
		}
	}
	if v := os.Getenv("EDGEDB_USER"); v != "" {
		c.Connection.User = v
	}
	if v := os.Getenv("EDGEDB_PASSWORD"); v != "" {
		c.Connection.Password = v
	}
	if v := os.Getenv("EDGEDB_DATABASE"); v != "" {
		c.Connection.Database = v
	}

	// VISUAL wins over EDITOR, matching most shells
	if v := os.Getenv("EDITOR"); v != "" {
		c.REPL.Editor = v
	}
	if v := os.Getenv("VISUAL"); v != "" {
		c.REPL.Editor = v
	}

	if v := os.Getenv("EDGECLI_PACKAGE_INDEX"); v != "" {
		c.Packages.IndexURL = v
	}
	if v := os.Getenv("EDGECLI_S3_ENDPOINT"); v != "" {
		c.Publish.Endpoint = v
	}
	if v := os.Getenv("EDGECLI_S3_ACCESS_KEY"); v != "" {
		c.Publish.AccessKeyID = v
	}
	if v := os.Getenv("EDGECLI_S3_SECRET_KEY"); v != "" {
		c.Publish.SecretAccessKey = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Connection.Port <= 0 || c.Connection.Port > 65535 {
		return fmt.Errorf("invalid connection port: %d", c.Connection.Port)
	}
	if c.Connection.RetryAttempts < 1 {
		return fmt.Errorf("connection.retry_attempts must be >= 1")
	}
	if c.Instances.PortRangeStart <= 1024 || c.Instances.PortRangeStart > 65000 {
		return fmt.Errorf("instances.port_range_start must be in 1025..65000, got %d", c.Instances.PortRangeStart)
	}
	if c.Instances.DataDir == "" {
		return fmt.Errorf("instances.data_dir is required")
	}
	if err := c.REPL.Validate(); err != nil {
		return fmt.Errorf("repl: %w", err)
	}
	return nil
}

// GetConnectTimeout returns the connection timeout as a duration.
func (c *Config) GetConnectTimeout() time.Duration {
	return parseDuration(c.Connection.Timeout, 30*time.Second)
}

// GetCacheTTL returns how long a fetched package index stays fresh.
func (c *Config) GetCacheTTL() time.Duration {
	return parseDuration(c.Packages.CacheTTL, time.Hour)
}

// GetStopTimeout returns the grace period before a server is killed.
func (c *Config) GetStopTimeout() time.Duration {
	return parseDuration(c.Instances.StopTimeout, 10*time.Second)
}

// StatePath returns the path of the local sqlite state database.
func (c *Config) StatePath() string {
	return filepath.Join(filepath.Dir(c.Instances.DataDir), "state.db")
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

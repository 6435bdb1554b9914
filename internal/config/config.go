// ABOUTME: Configuration loading and parsing for coven-panel
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-panel configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Daemons   DaemonsConfig   `yaml:"daemons" toml:"daemons"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// AuthConfig holds authentication configuration.
// An empty JWTSecret leaves the API open.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	// DialDaemons routes daemon connections through the tailnet.
	DialDaemons bool `yaml:"dial_daemons" toml:"dial_daemons"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// DaemonsConfig holds connection, RPC and sweep settings for managed daemons
type DaemonsConfig struct {
	SweepInterval   time.Duration `yaml:"-" toml:"-"`
	SweepJitter     time.Duration `yaml:"-" toml:"-"`
	RequestTimeout  time.Duration `yaml:"-" toml:"-"`
	AuthTimeout     time.Duration `yaml:"-" toml:"-"`
	DialTimeout     time.Duration `yaml:"-" toml:"-"`
	LateResponseTTL time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	SweepIntervalRaw   string `yaml:"sweep_interval" toml:"sweep_interval"`
	SweepJitterRaw     string `yaml:"sweep_jitter" toml:"sweep_jitter"`
	RequestTimeoutRaw  string `yaml:"request_timeout" toml:"request_timeout"`
	AuthTimeoutRaw     string `yaml:"auth_timeout" toml:"auth_timeout"`
	DialTimeoutRaw     string `yaml:"dial_timeout" toml:"dial_timeout"`
	LateResponseTTLRaw string `yaml:"late_response_ttl" toml:"late_response_ttl"`

	// FailPendingOnTeardown rejects in-flight requests when their link drops
	// instead of letting them time out.
	FailPendingOnTeardown bool `yaml:"fail_pending_on_teardown" toml:"fail_pending_on_teardown"`

	// LocalConfigPath is a co-located daemon's global.json, read when no
	// daemons are registered.
	LocalConfigPath  string `yaml:"local_config_path" toml:"local_config_path"`
	LocalFallbackKey string `yaml:"local_fallback_key" toml:"local_fallback_key"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `yaml:"level" toml:"level"`
	Format    string `yaml:"format" toml:"format"`
	File      string `yaml:"file" toml:"file"`
	SentryDSN string `yaml:"sentry_dsn" toml:"sentry_dsn"`
}

// Defaults applied by Load when a value is not set.
const (
	DefaultHTTPAddr        = "127.0.0.1:23333"
	DefaultSweepInterval   = time.Minute
	DefaultRequestTimeout  = 6 * time.Second
	DefaultAuthTimeout     = 5 * time.Second
	DefaultDialTimeout     = 3 * time.Second
	DefaultLateResponseTTL = 5 * time.Minute
	DefaultLocalConfigPath = "../daemon/data/Config/global.json"
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// ResolvePath returns the config file to use.
// Priority: COVEN_PANEL_CONFIG > XDG_CONFIG_HOME/coven/panel.yaml > ~/.config/coven/panel.yaml
func ResolvePath() string {
	if envPath := os.Getenv("COVEN_PANEL_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "panel.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "panel.yaml")
}

// DataDir returns the directory for panel state.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func DataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "coven")
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(DataDir(), "panel.db")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	d := &c.Daemons
	if d.SweepInterval == 0 {
		d.SweepInterval = DefaultSweepInterval
	}
	if d.RequestTimeout == 0 {
		d.RequestTimeout = DefaultRequestTimeout
	}
	if d.AuthTimeout == 0 {
		d.AuthTimeout = DefaultAuthTimeout
	}
	if d.DialTimeout == 0 {
		d.DialTimeout = DefaultDialTimeout
	}
	if d.LateResponseTTL == 0 {
		d.LateResponseTTL = DefaultLateResponseTTL
	}
	if d.LocalConfigPath == "" {
		d.LocalConfigPath = DefaultLocalConfigPath
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Tailscale.DialDaemons && !c.Tailscale.Enabled {
		return fmt.Errorf("tailscale.dial_daemons requires tailscale.enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	d := c.Daemons
	if d.SweepInterval < 0 || d.SweepJitter < 0 || d.RequestTimeout < 0 ||
		d.AuthTimeout < 0 || d.DialTimeout < 0 || d.LateResponseTTL < 0 {
		return fmt.Errorf("daemons durations must not be negative")
	}
	if d.SweepJitter >= d.SweepInterval && d.SweepJitter > 0 {
		return fmt.Errorf("daemons.sweep_jitter (%s) must be shorter than daemons.sweep_interval (%s)", d.SweepJitter, d.SweepInterval)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"sweep_interval", cfg.Daemons.SweepIntervalRaw, &cfg.Daemons.SweepInterval},
		{"sweep_jitter", cfg.Daemons.SweepJitterRaw, &cfg.Daemons.SweepJitter},
		{"request_timeout", cfg.Daemons.RequestTimeoutRaw, &cfg.Daemons.RequestTimeout},
		{"auth_timeout", cfg.Daemons.AuthTimeoutRaw, &cfg.Daemons.AuthTimeout},
		{"dial_timeout", cfg.Daemons.DialTimeoutRaw, &cfg.Daemons.DialTimeout},
		{"late_response_ttl", cfg.Daemons.LateResponseTTLRaw, &cfg.Daemons.LateResponseTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}

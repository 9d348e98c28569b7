// Package config handles mcpexec configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order used when no
// explicit path is given: ./mcpexec.yaml, ~/.config/mcpexec/config.yaml,
// /etc/mcpexec/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"mcpexec.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mcpexec", "config.yaml"))
	}

	paths = append(paths, "/etc/mcpexec/config.yaml")
	return paths
}

// ErrNoConfig is returned by FindConfig when no file exists on the
// search path. Callers may fall back to Default.
var ErrNoConfig = errors.New("no config file found")

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%w (searched: %v)", ErrNoConfig, DefaultSearchPaths())
}

// Config holds all mcpexec configuration.
type Config struct {
	// ServersFile is the MCP server registry file. Relative paths are
	// resolved against the directory of the config file.
	ServersFile string `yaml:"servers_file"`

	// DataDir holds the call history database and instance id.
	DataDir string `yaml:"data_dir"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text or json

	Client   ClientConfig   `yaml:"client"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Watch    WatchConfig    `yaml:"watch"`
}

// ClientConfig controls how mcpexec identifies itself to servers.
type ClientConfig struct {
	// Name is sent as clientInfo.name during initialize.
	Name string `yaml:"name"`
}

// TimeoutsConfig holds per-operation budgets in seconds.
type TimeoutsConfig struct {
	// CallSec bounds each request on network transports (default 30).
	CallSec int `yaml:"call_sec"`

	// StopGraceSec is how long a stdio server gets to exit after
	// SIGTERM before it is killed (default 5).
	StopGraceSec int `yaml:"stop_grace_sec"`
}

// Call returns the network call budget.
func (t TimeoutsConfig) Call() time.Duration {
	return time.Duration(t.CallSec) * time.Second
}

// StopGrace returns the stdio shutdown grace period.
func (t TimeoutsConfig) StopGrace() time.Duration {
	return time.Duration(t.StopGraceSec) * time.Second
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the address for /metrics (e.g. ":9464"). Empty
	// disables the endpoint.
	Listen string `yaml:"listen"`
}

// MQTTConfig configures server status publishing.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // e.g. mqtt://broker:1883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// Configured reports whether MQTT publishing is enabled.
func (m MQTTConfig) Configured() bool {
	return m.Broker != ""
}

// WatchConfig configures the health watcher.
type WatchConfig struct {
	// PollIntervalSec is how often a healthy server is probed
	// (default 60).
	PollIntervalSec int `yaml:"poll_interval_sec"`
}

// PollInterval returns the healthy-server probe interval.
func (w WatchConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalSec) * time.Second
}

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded before parsing, and unset fields get defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if cfg.ServersFile != "" && !filepath.IsAbs(cfg.ServersFile) {
		cfg.ServersFile = filepath.Join(filepath.Dir(path), cfg.ServersFile)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Default returns the configuration used when no file is found.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.ServersFile == "" {
		c.ServersFile = "mcp_servers.yaml"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Timeouts.CallSec <= 0 {
		c.Timeouts.CallSec = 30
	}
	if c.Timeouts.StopGraceSec <= 0 {
		c.Timeouts.StopGraceSec = 5
	}
	if c.Watch.PollIntervalSec <= 0 {
		c.Watch.PollIntervalSec = 60
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "mcpexec"
	}
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat)
	}
	return nil
}

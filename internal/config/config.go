package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	People             []PersonConfig    `yaml:"people"`
	Threshold          int               `yaml:"threshold"`
	CheckInterval      Milliseconds      `yaml:"checkInterval"`
	CacheDirectory     string            `yaml:"cacheDirectory"`
	ConfirmTransitions bool              `yaml:"confirm_transitions"` // Require Threshold consecutive readings before a flip
	Probe              ProbeConfig       `yaml:"probe"`
	History            HistoryConfig     `yaml:"history"`
	Database           DatabaseConfig    `yaml:"database"`
	EventBus           EventBusConfig    `yaml:"eventbus"`
	MQTT               MQTTConfig        `yaml:"mqtt"`
	Hooks              HooksConfig       `yaml:"hooks"`
	Healthcheck        HealthcheckConfig `yaml:"healthcheck"`
	Log                LogConfig         `yaml:"log"`
	ShutdownTimeout    Duration          `yaml:"shutdown_timeout"` // General shutdown timeout for graceful stops
}

// PersonConfig describes one tracked device. Zero Threshold and
// CheckInterval inherit the platform-level values.
type PersonConfig struct {
	Name          string       `yaml:"name"`
	Target        string       `yaml:"target"`
	MACAddress    string       `yaml:"macAddress"`
	Threshold     int          `yaml:"threshold"`
	CheckInterval Milliseconds `yaml:"checkInterval"`
}

// ProbeConfig contains ICMP and ARP table settings
type ProbeConfig struct {
	Timeout    Duration `yaml:"timeout"`    // Per-ping timeout (default: 1s)
	Privileged bool     `yaml:"privileged"` // Use raw ip4:icmp sockets instead of udp4
	RateLimit  float64  `yaml:"rate_limit"` // Pings per second across all trackers (default: 10)
	ARPTable   string   `yaml:"arp_table"`  // ARP table source (default: /proc/net/arp)
}

// HistoryConfig contains transition history settings
type HistoryConfig struct {
	MaxEntries      int      `yaml:"max_entries"`      // Entries kept per person (default: 4032)
	Retention       Duration `yaml:"retention"`        // Drop entries older than this (0 = keep)
	CleanupInterval Duration `yaml:"cleanup_interval"` // Only used if retention is set
}

// IsRetentionEnabled reports whether age-based cleanup should run.
func (c *HistoryConfig) IsRetentionEnabled() bool {
	return c.Retention > 0
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path     string `yaml:"path"`      // Defaults to <cacheDirectory>/presenced.sqlite
	InMemory bool   `yaml:"in_memory"` // Keep state in memory only (nothing survives restart)
}

// EventBusConfig contains event bus settings
type EventBusConfig struct {
	Workers   int `yaml:"workers"`    // Number of worker goroutines (default: 2)
	QueueSize int `yaml:"queue_size"` // Event queue size (default: 100)
}

// GetWorkers returns worker count with default
func (c *EventBusConfig) GetWorkers() int {
	if c.Workers <= 0 {
		return 2
	}
	return c.Workers
}

// GetQueueSize returns queue size with default
func (c *EventBusConfig) GetQueueSize() int {
	if c.QueueSize <= 0 {
		return 100
	}
	return c.QueueSize
}

// MQTTConfig contains Home Assistant MQTT bridge settings
type MQTTConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Broker          string   `yaml:"broker"`
	Username        string   `yaml:"username"`
	Password        string   `yaml:"password"`
	DeviceName      string   `yaml:"device_name"`
	DiscoveryPrefix string   `yaml:"discovery_prefix"`
	PublishInterval Duration `yaml:"publish_interval"`
}

// HooksConfig contains Lua hook settings
type HooksConfig struct {
	Script string `yaml:"script"` // Empty disables hooks
}

// IsEnabled reports whether a hook script is configured.
func (c *HooksConfig) IsEnabled() bool {
	return c.Script != ""
}

// HealthcheckConfig contains health check server settings
type HealthcheckConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// GetHost returns the listen host with default
func (c *HealthcheckConfig) GetHost() string {
	if c.Host == "" {
		return "0.0.0.0"
	}
	return c.Host
}

// GetPort returns the listen port with default
func (c *HealthcheckConfig) GetPort() int {
	if c.Port == 0 {
		return 9090
	}
	return c.Port
}

// LogConfig contains logging settings
type LogConfig struct {
	Level   string `yaml:"level"`
	UseJSON bool   `yaml:"json"`
	Colors  *bool  `yaml:"colors"`
}

// UseColors reports whether console output is colored (default: true).
func (c *LogConfig) UseColors() bool {
	return c.Colors == nil || *c.Colors
}

// GetLevel returns the log level with default
func (c *LogConfig) GetLevel() string {
	if c.Level == "" {
		return "info"
	}
	return strings.ToLower(c.Level)
}

// GetShutdownTimeout returns the graceful shutdown timeout.
func (c *Config) GetShutdownTimeout() time.Duration {
	return c.ShutdownTimeout.Duration()
}

// DatabasePath returns the SQLite file location.
func (c *Config) DatabasePath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(c.CacheDirectory, "presenced.sqlite")
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Milliseconds is an interval written as a plain integer number of
// milliseconds, e.g. checkInterval: 10000.
type Milliseconds int64

// Duration returns the interval as a time.Duration
func (m Milliseconds) Duration() time.Duration {
	return time.Duration(m) * time.Millisecond
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes configuration bytes and applies defaults.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (cfg *Config) applyDefaults() error {
	// Platform defaults, inherited by people that omit their own
	if cfg.Threshold == 0 {
		cfg.Threshold = 3
	}
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 10000
	}
	if cfg.CacheDirectory == "" {
		dir, err := DefaultCacheDirectory()
		if err != nil {
			return fmt.Errorf("resolve cache directory: %w", err)
		}
		cfg.CacheDirectory = dir
	}

	// Probe defaults
	if cfg.Probe.Timeout <= 0 {
		cfg.Probe.Timeout = Duration(1 * time.Second)
	}
	if cfg.Probe.RateLimit == 0 {
		cfg.Probe.RateLimit = 10.0
	}
	if cfg.Probe.ARPTable == "" {
		cfg.Probe.ARPTable = "/proc/net/arp"
	}

	// History defaults
	if cfg.History.MaxEntries == 0 {
		cfg.History.MaxEntries = 4032
	}
	if cfg.History.CleanupInterval <= 0 {
		cfg.History.CleanupInterval = Duration(24 * time.Hour)
	}

	// MQTT defaults
	if cfg.MQTT.Broker == "" {
		cfg.MQTT.Broker = "mqtt://localhost:1883"
	}
	if cfg.MQTT.DeviceName == "" {
		cfg.MQTT.DeviceName = "presenced"
	}
	if cfg.MQTT.DiscoveryPrefix == "" {
		cfg.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if cfg.MQTT.PublishInterval <= 0 {
		cfg.MQTT.PublishInterval = Duration(60 * time.Second)
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	// General shutdown timeout
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}

	return nil
}

// Person returns the effective settings for a person, filling omitted
// values from the platform defaults.
func (c *Config) Person(p PersonConfig) PersonConfig {
	if p.Threshold == 0 {
		p.Threshold = c.Threshold
	}
	if p.CheckInterval == 0 {
		p.CheckInterval = c.CheckInterval
	}
	return p
}

// DefaultCacheDirectory returns the persistence path used when
// cacheDirectory is not configured.
func DefaultCacheDirectory() (string, error) {
	if state := os.Getenv("XDG_STATE_HOME"); state != "" {
		return filepath.Join(state, "presenced"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".presenced", "persist"), nil
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	// Match ${VAR} or ${VAR:default}
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}

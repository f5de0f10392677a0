// Package config handles daemon configuration loading and validation.
//
// # Configuration Sources
//
// Daemon settings are loaded from (in order of precedence):
// 1. Command-line flags
// 2. Environment variables (HUAWEI_MANAGER_*)
// 3. Config file (YAML)
// 4. Defaults
//
// Device settings do not live here. They are read from the system
// configuration store (UCI or an INI file, see configsource) and turned into
// typed Device values by LoadDevices.
//
// # Example Config File
//
//	source:
//	  type: uci
//	  package: huawei-manager
//
//	paths:
//	  status_file: /tmp/huawei-manager.status
//	  metrics_file: /tmp/huawei-manager.metrics
//
//	logging:
//	  level: info
//	  file: /var/log/huawei-manager.log
//
//	notify:
//	  max_attempts: 8
//	  timeout: 20s
//
//	redis:
//	  url: redis://localhost:6379/0
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Source types.
const (
	SourceUCI = "uci"
	SourceINI = "ini"
)

// Modem backends.
const (
	BackendHTTP = "http" // in-process HiLink client
	BackendExec = "exec" // modem-api subprocess per call
)

// Config is the complete daemon configuration.
type Config struct {
	Source          SourceConfig  `yaml:"source"`
	Paths           PathsConfig   `yaml:"paths"`
	Logging         LoggingConfig `yaml:"logging"`
	Modem           ModemConfig   `yaml:"modem"`
	Notify          NotifyConfig  `yaml:"notify"`
	Monitor         MonitorConfig `yaml:"monitor"`
	Redis           RedisConfig   `yaml:"redis"`
	Secrets         SecretsConfig `yaml:"secrets"`
	HealthInterval  time.Duration `yaml:"health_interval"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	WatchConfig     bool          `yaml:"watch_config"`
}

// SourceConfig selects where device definitions come from.
type SourceConfig struct {
	Type    string `yaml:"type"`    // uci or ini
	Package string `yaml:"package"` // UCI package name
	Path    string `yaml:"path"`    // INI file, or UCI file to watch
}

// PathsConfig defines where persisted documents are written.
type PathsConfig struct {
	StatusFile  string `yaml:"status_file"`
	StatusDir   string `yaml:"status_dir"` // Per-device dashboard files
	MetricsFile string `yaml:"metrics_file"`
}

// LoggingConfig defines log output.
type LoggingConfig struct {
	Level        string `yaml:"level"`
	File         string `yaml:"file"`
	FallbackFile string `yaml:"fallback_file"`
	MaxSizeMB    int    `yaml:"max_size_mb"`
	MaxBackups   int    `yaml:"max_backups"`
}

// ModemConfig defines how modems are reached.
type ModemConfig struct {
	Backend        string        `yaml:"backend"`
	CLIPath        string        `yaml:"cli_path"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// NotifyConfig defines notification delivery.
type NotifyConfig struct {
	APIBase           string        `yaml:"api_base"`
	MaxAttempts       int           `yaml:"max_attempts"`
	Timeout           time.Duration `yaml:"timeout"`
	InitialDelay      time.Duration `yaml:"initial_delay"`
	ConnectivityCheck bool          `yaml:"connectivity_check"`
	QueueSize         int           `yaml:"queue_size"`
	RatePerMinute     int           `yaml:"rate_per_minute"`
}

// MonitorConfig tunes the per-device loop.
type MonitorConfig struct {
	FetchTimeout      time.Duration `yaml:"fetch_timeout"`
	FetchRetryDelay   time.Duration `yaml:"fetch_retry_delay"`
	StabilizationBase time.Duration `yaml:"stabilization_base"`
}

// RedisConfig enables the status mirror when URL is set.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// SecretsConfig configures 1Password Connect for op:// references.
type SecretsConfig struct {
	OnePasswordHost  string `yaml:"onepassword_host"`
	OnePasswordToken string `yaml:"onepassword_token"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Source: SourceConfig{
			Type:    SourceUCI,
			Package: "huawei-manager",
		},
		Paths: PathsConfig{
			StatusFile:  "/tmp/huawei-manager.status",
			StatusDir:   "/tmp",
			MetricsFile: "/tmp/huawei-manager.metrics",
		},
		Logging: LoggingConfig{
			Level:        "info",
			File:         "/var/log/huawei-manager.log",
			FallbackFile: "/tmp/huawei-manager.log",
			MaxSizeMB:    1,
			MaxBackups:   3,
		},
		Modem: ModemConfig{
			Backend:        BackendHTTP,
			CLIPath:        "/usr/bin/huawei-manager/modem-api",
			RequestTimeout: 30 * time.Second,
		},
		Notify: NotifyConfig{
			APIBase:           "https://api.telegram.org",
			MaxAttempts:       8,
			Timeout:           20 * time.Second,
			InitialDelay:      5 * time.Second,
			ConnectivityCheck: true,
			QueueSize:         64,
			RatePerMinute:     20,
		},
		Monitor: MonitorConfig{
			FetchTimeout:      30 * time.Second,
			FetchRetryDelay:   5 * time.Second,
			StabilizationBase: 20 * time.Second,
		},
		HealthInterval:  60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Source.Type {
	case SourceUCI:
		if c.Source.Package == "" {
			return fmt.Errorf("source.package is required for uci")
		}
	case SourceINI:
		if c.Source.Path == "" {
			return fmt.Errorf("source.path is required for ini")
		}
	default:
		return fmt.Errorf("unknown source.type: %q", c.Source.Type)
	}

	switch c.Modem.Backend {
	case BackendHTTP:
	case BackendExec:
		if c.Modem.CLIPath == "" {
			return fmt.Errorf("modem.cli_path is required for the exec backend")
		}
	default:
		return fmt.Errorf("unknown modem.backend: %q", c.Modem.Backend)
	}

	if c.Paths.StatusFile == "" || c.Paths.MetricsFile == "" {
		return fmt.Errorf("paths.status_file and paths.metrics_file are required")
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	if c.Notify.MaxAttempts < 1 {
		return fmt.Errorf("notify.max_attempts must be at least 1")
	}

	durations := map[string]time.Duration{
		"modem.request_timeout":      c.Modem.RequestTimeout,
		"notify.timeout":             c.Notify.Timeout,
		"monitor.fetch_timeout":      c.Monitor.FetchTimeout,
		"monitor.fetch_retry_delay":  c.Monitor.FetchRetryDelay,
		"monitor.stabilization_base": c.Monitor.StabilizationBase,
		"health_interval":            c.HealthInterval,
		"shutdown_timeout":           c.ShutdownTimeout,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides.
// Environment variables use HUAWEI_MANAGER_ prefix:
// - HUAWEI_MANAGER_SOURCE_TYPE
// - HUAWEI_MANAGER_SOURCE_PATH
// - HUAWEI_MANAGER_LOG_LEVEL
// - HUAWEI_MANAGER_LOG_FILE
// - HUAWEI_MANAGER_STATUS_FILE
// - HUAWEI_MANAGER_METRICS_FILE
// - HUAWEI_MANAGER_MODEM_BACKEND
// - HUAWEI_MANAGER_REDIS_URL
// - HUAWEI_MANAGER_WATCH_CONFIG (bool)
//
// 1Password Connect uses the standard OP_CONNECT_HOST and OP_CONNECT_TOKEN.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("HUAWEI_MANAGER_SOURCE_TYPE"); v != "" {
		c.Source.Type = v
	}
	if v := os.Getenv("HUAWEI_MANAGER_SOURCE_PATH"); v != "" {
		c.Source.Path = v
	}
	if v := os.Getenv("HUAWEI_MANAGER_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("HUAWEI_MANAGER_LOG_FILE"); v != "" {
		c.Logging.File = v
	}
	if v := os.Getenv("HUAWEI_MANAGER_STATUS_FILE"); v != "" {
		c.Paths.StatusFile = v
	}
	if v := os.Getenv("HUAWEI_MANAGER_METRICS_FILE"); v != "" {
		c.Paths.MetricsFile = v
	}
	if v := os.Getenv("HUAWEI_MANAGER_MODEM_BACKEND"); v != "" {
		c.Modem.Backend = v
	}
	if v := os.Getenv("HUAWEI_MANAGER_REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("HUAWEI_MANAGER_WATCH_CONFIG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.WatchConfig = b
		}
	}
	if v := os.Getenv("OP_CONNECT_HOST"); v != "" {
		c.Secrets.OnePasswordHost = v
	}
	if v := os.Getenv("OP_CONNECT_TOKEN"); v != "" {
		c.Secrets.OnePasswordToken = v
	}
}

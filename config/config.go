// Package config provides configuration management for the VPN session daemon.
// It handles loading and validating daemon settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yllada/vpn-sessiond/common"
)

// Bus kinds the daemon can attach to.
const (
	BusSystem  = "system"
	BusSession = "session"
)

// Config represents the daemon configuration.
// All settings are read from a YAML file, by default /etc/vpn-sessiond/config.yaml.
type Config struct {
	// Bus selects the message bus: "system" or "session".
	Bus string `yaml:"bus"`
	// StateDB is the SQLite file holding persistent profiles.
	// Empty keeps every profile in memory only.
	StateDB string `yaml:"state_db"`
	// PrivilegedUID may read locked-down profiles besides their owner.
	PrivilegedUID uint32 `yaml:"privileged_uid"`
	// DefaultLogVerbosity is the log_verbosity of new sessions (0..6).
	DefaultLogVerbosity uint32 `yaml:"default_log_verbosity"`
	// LogLevel is the daemon log level: debug, info, warn or error.
	LogLevel string `yaml:"log_level"`
	// LogDir enables file logging into this directory when set.
	LogDir string `yaml:"log_dir"`
	// MonitorInterval is how often connected sessions refresh statistics.
	MonitorInterval time.Duration `yaml:"monitor_interval"`
	// ConnectTimeout bounds a single backend connect attempt.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// OpenVPNBinary is the tunnel engine started by the process backend.
	OpenVPNBinary string `yaml:"openvpn_binary"`
	// AllowRootOverride lets uid 0 pass ACL checks where the operation allows it.
	AllowRootOverride bool `yaml:"allow_root_override"`

	path string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Bus:                 BusSystem,
		StateDB:             filepath.Join(common.SystemStateDir, common.StateDBFileName),
		PrivilegedUID:       common.RootUID,
		DefaultLogVerbosity: common.DefaultLogVerbosity,
		LogLevel:            "info",
		MonitorInterval:     common.MonitorInterval,
		ConnectTimeout:      common.ConnectionTimeout,
		OpenVPNBinary:       "openvpn",
		AllowRootOverride:   true,
		path:                common.SystemConfigPath,
	}
}

// Load loads the configuration from path. An empty path means the
// system default location. A missing file yields the default configuration
// without writing it.
func Load(path string) (*Config, error) {
	if path == "" {
		path = common.SystemConfigPath
	}

	cfg := DefaultConfig()
	cfg.path = path

	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error opening configuration: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true) // Strict validation: reject unknown fields

	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("error parsing configuration: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Path returns the file the configuration was loaded from.
func (c *Config) Path() string {
	return c.path
}

// validate verifies that configuration values are valid.
// Soft errors fall back to defaults, hard errors are returned.
func (c *Config) validate() error {
	switch c.Bus {
	case BusSystem, BusSession:
	case "":
		c.Bus = BusSystem
	default:
		return fmt.Errorf("%w: unknown bus %q", common.ErrInvalidConfig, c.Bus)
	}

	if c.DefaultLogVerbosity > common.MaxLogVerbosity {
		return fmt.Errorf("%w: default_log_verbosity must be within %d..%d",
			common.ErrInvalidConfig, common.MinLogVerbosity, common.MaxLogVerbosity)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		c.LogLevel = "info" // Fallback to default
	}

	if c.MonitorInterval <= 0 {
		c.MonitorInterval = common.MonitorInterval
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = common.ConnectionTimeout
	}
	if c.ConnectTimeout > common.MaxConnectionTimeout {
		return fmt.Errorf("%w: connect_timeout must not exceed %s",
			common.ErrInvalidConfig, common.MaxConnectionTimeout)
	}
	if c.OpenVPNBinary == "" {
		c.OpenVPNBinary = "openvpn"
	}
	return nil
}

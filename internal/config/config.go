// Package config loads the daemon configuration from file, environment
// and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Provider names understood by the daemon.
const (
	ProviderInternal = "internal"
	ProviderUSB      = "usb"
	ProviderCloud    = "cloud"
	ProviderNetwork  = "network"
)

// Config is the complete sboxd configuration.
//
// Sources in order of precedence:
//  1. Environment variables (SBOXD_*)
//  2. Configuration file (YAML)
//  3. Default values
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch" yaml:"dispatch"`
	Providers ProvidersConfig `mapstructure:"providers" yaml:"providers"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	// Level is one of DEBUG, INFO, WARN, ERROR (normalized to uppercase)
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR"`

	// Format is text or json
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=text json"`

	// Output is stdout, stderr, or a file path
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// ServerConfig contains the front end settings.
type ServerConfig struct {
	// Socket is the unix socket the RPC transport listens on
	Socket string `mapstructure:"socket" yaml:"socket" validate:"required"`

	// ShutdownTimeout bounds the drain of queued and in-flight requests
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"required,gt=0"`

	// MetricsAddr exposes /metrics when non-empty
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr" validate:"omitempty,hostname_port"`
}

// DispatchConfig tunes the per-provider dispatchers.
type DispatchConfig struct {
	// ProgressInterval is the polling interval of copy and move trackers
	ProgressInterval time.Duration `mapstructure:"progress_interval" yaml:"progress_interval" validate:"required,gt=0"`
}

// ProvidersConfig holds one section per storage provider.
type ProvidersConfig struct {
	Internal ProviderConfig `mapstructure:"internal" yaml:"internal"`
	USB      ProviderConfig `mapstructure:"usb" yaml:"usb"`
	Cloud    ProviderConfig `mapstructure:"cloud" yaml:"cloud"`
	Network  ProviderConfig `mapstructure:"network" yaml:"network"`
}

// ProviderConfig enables a provider and carries its driver-specific
// options, decoded by the driver itself.
type ProviderConfig struct {
	Enabled bool           `mapstructure:"enabled" yaml:"enabled"`
	Options map[string]any `mapstructure:"options" yaml:"options"`
}

// Enabled returns the enabled provider sections keyed by provider name.
func (p *ProvidersConfig) Enabled() map[string]ProviderConfig {
	out := make(map[string]ProviderConfig)
	for name, pc := range p.all() {
		if pc.Enabled {
			out[name] = pc
		}
	}
	return out
}

func (p *ProvidersConfig) all() map[string]ProviderConfig {
	return map[string]ProviderConfig{
		ProviderInternal: p.Internal,
		ProviderUSB:      p.USB,
		ProviderCloud:    p.Cloud,
		ProviderNetwork:  p.Network,
	}
}

// Load loads configuration from configPath (or the default location),
// the environment and defaults, then validates it. A missing config file
// is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func setupViper(v *viper.Viper, configPath string) {
	// SBOXD_LOGGING_LEVEL=DEBUG overrides logging.level
	v.SetEnvPrefix("SBOXD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only applies to keys viper knows about.
	for _, key := range []string{
		"logging.level", "logging.format", "logging.output",
		"server.socket", "server.shutdown_timeout", "server.metrics_addr",
		"dispatch.progress_interval",
	} {
		_ = v.BindEnv(key)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(getConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir uses XDG_CONFIG_HOME if set, otherwise ~/.config, falling
// back to the current directory.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "sboxd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "sboxd")
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

package config

import (
	"strings"
	"time"
)

// Default values.
const (
	DefaultSocket           = "/run/sboxd/sboxd.sock"
	DefaultShutdownTimeout  = 30 * time.Second
	DefaultProgressInterval = time.Second
	DefaultInternalRoot     = "/var/lib/sboxd/internal"
	DefaultMountRoot        = "/run/sboxd/network"
)

// ApplyDefaults fills zero-valued fields. Explicit values are preserved.
// Driver options are only seeded when the section has none.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)

	if cfg.Dispatch.ProgressInterval == 0 {
		cfg.Dispatch.ProgressInterval = DefaultProgressInterval
	}

	p := &cfg.Providers
	if !p.Internal.Enabled && !p.USB.Enabled && !p.Cloud.Enabled && !p.Network.Enabled {
		p.Internal.Enabled = true
	}
	if p.Internal.Options == nil {
		p.Internal.Options = map[string]any{"root": DefaultInternalRoot}
	}
	if p.USB.Options == nil {
		p.USB.Options = map[string]any{}
	}
	if p.Cloud.Options == nil {
		p.Cloud.Options = map[string]any{}
	}
	if p.Network.Options == nil {
		p.Network.Options = map[string]any{
			"mount_root":        DefaultMountRoot,
			"discovery_timeout": "3s",
		}
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)
	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Socket == "" {
		cfg.Socket = DefaultSocket
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
}

// Default returns a fully defaulted configuration with every provider
// enabled. `sboxd config init` writes it out.
func Default() *Config {
	cfg := &Config{}
	cfg.Providers.Internal.Enabled = true
	cfg.Providers.USB.Enabled = true
	cfg.Providers.Cloud.Enabled = true
	cfg.Providers.Network.Enabled = true
	ApplyDefaults(cfg)
	return cfg
}

package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Save writes cfg to path as YAML. An existing file is only replaced
// when force is set.
func Save(cfg *Config, path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(document(cfg))
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	// Provider options may carry credentials.
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// document spells durations as "30s" rather than nanoseconds.
func document(cfg *Config) map[string]any {
	return map[string]any{
		"logging": cfg.Logging,
		"server": map[string]any{
			"socket":           cfg.Server.Socket,
			"shutdown_timeout": cfg.Server.ShutdownTimeout.String(),
			"metrics_addr":     cfg.Server.MetricsAddr,
		},
		"dispatch": map[string]any{
			"progress_interval": cfg.Dispatch.ProgressInterval.String(),
		},
		"providers": cfg.Providers,
	}
}

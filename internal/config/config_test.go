package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, DefaultSocket, cfg.Server.Socket)
	assert.Equal(t, DefaultShutdownTimeout, cfg.Server.ShutdownTimeout)
	assert.Equal(t, DefaultProgressInterval, cfg.Dispatch.ProgressInterval)
	assert.True(t, cfg.Providers.Internal.Enabled)
	assert.Len(t, cfg.Providers.Enabled(), 1)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
  format: json
server:
  socket: /tmp/sboxd.sock
  shutdown_timeout: 5s
dispatch:
  progress_interval: 250ms
providers:
  internal:
    enabled: true
    options:
      root: /srv/internal
  network:
    enabled: true
    options:
      mount_root: /srv/mnt
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "/tmp/sboxd.sock", cfg.Server.Socket)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Dispatch.ProgressInterval)
	assert.Equal(t, "/srv/internal", cfg.Providers.Internal.Options["root"])
	assert.Equal(t, "/srv/mnt", cfg.Providers.Network.Options["mount_root"])
	assert.False(t, cfg.Providers.USB.Enabled)
	assert.Len(t, cfg.Providers.Enabled(), 2)
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: info\n")
	t.Setenv("SBOXD_LOGGING_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "WARN", cfg.Logging.Level)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Logging.Format = "xml"
	assert.Error(t, Validate(cfg))

	cfg = Default()
	cfg.Providers.Network.Options = map[string]any{}
	assert.Error(t, Validate(cfg))

	cfg = Default()
	cfg.Providers.Internal.Enabled = false
	cfg.Providers.USB.Enabled = false
	cfg.Providers.Cloud.Enabled = false
	cfg.Providers.Network.Enabled = false
	assert.Error(t, Validate(cfg))
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, Validate(cfg))
	assert.Len(t, cfg.Providers.Enabled(), 4)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sboxd", "config.yaml")
	require.NoError(t, Save(Default(), path, false))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "shutdown_timeout: 30s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultShutdownTimeout, cfg.Server.ShutdownTimeout)
	assert.Equal(t, DefaultProgressInterval, cfg.Dispatch.ProgressInterval)
	assert.Len(t, cfg.Providers.Enabled(), 4)
	assert.Equal(t, DefaultMountRoot, cfg.Providers.Network.Options["mount_root"])

	assert.Error(t, Save(Default(), path, false))
	assert.NoError(t, Save(Default(), path, true))
}

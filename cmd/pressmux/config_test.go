package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Config Loading Tests
// =============================================================================

func TestLoadConfig_DefaultValues(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 5000, cfg.Server.Port)
	assert.Equal(t, 5*time.Minute, cfg.Server.ReadTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Server.WriteTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, "data/pressmux.db", cfg.Registry.DSN)
	assert.Empty(t, cfg.Registry.EncryptionKey)
	assert.Equal(t, "data/sites", cfg.Sites.Dir)
	assert.Equal(t, 9080, cfg.Sites.PortRangeStart)
	assert.Equal(t, "wordpress:6.4-apache", cfg.Sites.WebImage)
	assert.Equal(t, "mysql:8.0", cfg.Sites.DBImage)
	assert.Equal(t, 60*time.Second, cfg.Sites.ReadinessTimeout)
	assert.True(t, cfg.Nginx.Enabled)
	assert.Equal(t, "/etc/nginx/sites-available", cfg.Nginx.AvailableDir)
	assert.Equal(t, "/etc/nginx/sites-enabled", cfg.Nginx.EnabledDir)
	assert.Equal(t, 60*time.Second, cfg.Reconcile.Interval)
	assert.Equal(t, 15*time.Minute, cfg.Reconcile.StuckAge)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadConfig_FromFile(t *testing.T) {
	clearEnv(t)

	configContent := `
server:
  host: "127.0.0.1"
  port: 9000
  read_timeout: 60s
  write_timeout: 60s
  shutdown_timeout: 15s

registry:
  dsn: "/tmp/test.db"

sites:
  dir: "/srv/sites"
  port_range_start: 10000
  readiness_timeout: 2m

nginx:
  enabled: false

reconcile:
  interval: 5m
  stuck_age: 1h

log:
  level: "debug"
  format: "text"
`
	tmpFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte(configContent), 0644))

	cfg, err := LoadConfig(tmpFile)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 60*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "/tmp/test.db", cfg.Registry.DSN)
	assert.Equal(t, "/srv/sites", cfg.Sites.Dir)
	assert.Equal(t, 10000, cfg.Sites.PortRangeStart)
	assert.Equal(t, 2*time.Minute, cfg.Sites.ReadinessTimeout)
	assert.False(t, cfg.Nginx.Enabled)
	assert.Equal(t, 5*time.Minute, cfg.Reconcile.Interval)
	assert.Equal(t, time.Hour, cfg.Reconcile.StuckAge)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoadConfig_EnvironmentOverride(t *testing.T) {
	clearEnv(t)

	t.Setenv("PRESSMUX_SERVER_HOST", "192.168.1.1")
	t.Setenv("PRESSMUX_SERVER_PORT", "3000")
	t.Setenv("PRESSMUX_REGISTRY_DSN", "/custom/path.db")
	t.Setenv("PRESSMUX_SITES_PORT_RANGE_START", "12000")
	t.Setenv("PRESSMUX_NGINX_ENABLED", "false")
	t.Setenv("PRESSMUX_LOG_LEVEL", "warn")
	t.Setenv("PRESSMUX_LOG_FORMAT", "text")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "192.168.1.1", cfg.Server.Host)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "/custom/path.db", cfg.Registry.DSN)
	assert.Equal(t, 12000, cfg.Sites.PortRangeStart)
	assert.False(t, cfg.Nginx.Enabled)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoadConfig_DataDirDerivesPaths(t *testing.T) {
	clearEnv(t)

	t.Setenv("PRESSMUX_DATA_DIR", "/var/lib/pressmux")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/pressmux/pressmux.db", cfg.Registry.DSN)
	assert.Equal(t, "/var/lib/pressmux/sites", cfg.Sites.Dir)
}

func TestLoadConfig_ExplicitDSNOverridesDataDir(t *testing.T) {
	clearEnv(t)

	t.Setenv("PRESSMUX_DATA_DIR", "/var/lib/pressmux")
	t.Setenv("PRESSMUX_REGISTRY_DSN", "/custom/path.db")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "/custom/path.db", cfg.Registry.DSN)
	assert.Equal(t, "/var/lib/pressmux/sites", cfg.Sites.Dir)
}

func TestLoadConfig_FileNotFound_UsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig("/nonexistent/path/config.yaml")
	require.NoError(t, err) // Should not error, just use defaults

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 5000, cfg.Server.Port)
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	clearEnv(t)

	tmpFile := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte("invalid: yaml: content: [[["), 0644))

	_, err := LoadConfig(tmpFile)
	assert.Error(t, err)
}

// =============================================================================
// Logger Setup Tests
// =============================================================================

func TestSetupLogger_JSONFormat(t *testing.T) {
	cfg := &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}

	logger := SetupLogger(cfg)
	assert.NotNil(t, logger)
}

func TestSetupLogger_TextFormat(t *testing.T) {
	cfg := &Config{
		Log: LogConfig{
			Level:  "debug",
			Format: "text",
		},
	}

	logger := SetupLogger(cfg)
	assert.NotNil(t, logger)
}

func TestSetupLogger_InvalidLevel(t *testing.T) {
	cfg := &Config{
		Log: LogConfig{
			Level:  "invalid",
			Format: "json",
		},
	}

	// Should fall back to info level, not panic
	logger := SetupLogger(cfg)
	assert.NotNil(t, logger)
}

// =============================================================================
// Config Validation Tests
// =============================================================================

func TestConfig_Address(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 5000,
		},
	}

	assert.Equal(t, "localhost:5000", cfg.Server.Address())
}

// =============================================================================
// Test Helpers
// =============================================================================

func clearEnv(t *testing.T) {
	t.Helper()
	envVars := []string{
		"PRESSMUX_SERVER_HOST",
		"PRESSMUX_SERVER_PORT",
		"PRESSMUX_DATA_DIR",
		"PRESSMUX_REGISTRY_DSN",
		"PRESSMUX_REGISTRY_ENCRYPTION_KEY",
		"PRESSMUX_SITES_DIR",
		"PRESSMUX_SITES_PORT_RANGE_START",
		"PRESSMUX_NGINX_ENABLED",
		"PRESSMUX_LOG_LEVEL",
		"PRESSMUX_LOG_FORMAT",
	}
	for _, v := range envVars {
		os.Unsetenv(v)
	}
}

package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/pressmux/pressmux/internal/core/ports"
	"github.com/pressmux/pressmux/internal/core/stack"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Server ServerConfig `mapstructure:"server"`

	// DataDir is the base directory for persistent state. The registry
	// database and per-site directories default to paths under it.
	DataDir string `mapstructure:"data_dir"`

	Registry  RegistryConfig  `mapstructure:"registry"`
	Docker    DockerConfig    `mapstructure:"docker"`
	Log       LogConfig       `mapstructure:"log"`
	Sites     SitesConfig     `mapstructure:"sites"`
	Nginx     NginxConfig     `mapstructure:"nginx"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RegistryConfig holds site registry configuration.
type RegistryConfig struct {
	// DSN is the SQLite database path. Empty derives
	// <data_dir>/pressmux.db.
	DSN string `mapstructure:"dsn"`

	// EncryptionKey encrypts stored database credentials at rest.
	// Must be exactly 32 bytes for AES-256-GCM; empty keeps
	// credentials in plaintext. Set via
	// PRESSMUX_REGISTRY_ENCRYPTION_KEY.
	EncryptionKey string `mapstructure:"encryption_key"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host string `mapstructure:"host"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SitesConfig holds site provisioning configuration.
type SitesConfig struct {
	// Dir holds one subdirectory per site with its stack descriptor,
	// environment file and wp-content tree. Empty derives
	// <data_dir>/sites.
	Dir string `mapstructure:"dir"`

	// PortRangeStart is the first host port considered when a new site
	// needs a port.
	PortRangeStart int `mapstructure:"port_range_start"`

	// WebImage and DBImage override the container images new sites run.
	WebImage string `mapstructure:"web_image"`
	DBImage  string `mapstructure:"db_image"`

	// ReadinessTimeout bounds how long site creation waits for a new
	// site's database to accept connections.
	ReadinessTimeout time.Duration `mapstructure:"readiness_timeout"`
}

// NginxConfig holds vhost management configuration.
type NginxConfig struct {
	// Enabled controls whether vhosts are published to nginx. When
	// false, sites are reachable only on their direct host ports.
	Enabled bool `mapstructure:"enabled"`

	AvailableDir string `mapstructure:"available_dir"`
	EnabledDir   string `mapstructure:"enabled_dir"`

	// Binary overrides the nginx executable path.
	Binary string `mapstructure:"binary"`
}

// ReconcileConfig holds status reconciler configuration.
type ReconcileConfig struct {
	// Interval is how often recorded site statuses are compared against
	// the container engine. Zero disables the reconciler.
	Interval time.Duration `mapstructure:"interval"`

	// StuckAge is how long a site may sit in provisioning before it is
	// reported as stuck.
	StuckAge time.Duration `mapstructure:"stuck_age"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5000)
	// Site creation blocks its request on image pulls and database
	// readiness, and imports carry whole dumps in the request body.
	v.SetDefault("server.read_timeout", "5m")
	v.SetDefault("server.write_timeout", "10m")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("registry.dsn", "")
	v.SetDefault("registry.encryption_key", "")
	v.SetDefault("docker.host", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("sites.dir", "")
	v.SetDefault("sites.port_range_start", ports.DefaultRangeStart)
	v.SetDefault("sites.web_image", stack.DefaultWebImage)
	v.SetDefault("sites.db_image", stack.DefaultDBImage)
	v.SetDefault("sites.readiness_timeout", "60s")
	v.SetDefault("nginx.enabled", true)
	v.SetDefault("nginx.available_dir", "/etc/nginx/sites-available")
	v.SetDefault("nginx.enabled_dir", "/etc/nginx/sites-enabled")
	v.SetDefault("nginx.binary", "")
	v.SetDefault("reconcile.interval", "60s")
	v.SetDefault("reconcile.stuck_age", "15m")

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Only return error if file was explicitly specified and is invalid
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// File not found is OK, we'll use defaults
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("PRESSMUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// The registry and site files live under data_dir unless placed
	// explicitly.
	if cfg.Registry.DSN == "" {
		cfg.Registry.DSN = filepath.Join(cfg.DataDir, "pressmux.db")
	}
	if cfg.Sites.Dir == "" {
		cfg.Sites.Dir = filepath.Join(cfg.DataDir, "sites")
	}

	return &cfg, nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

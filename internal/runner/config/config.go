// Package config provides configuration management for the runner.
// It supports loading configuration from environment variables, a config file,
// and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/coderelay/coderelay/internal/common/logger"
)

// Config holds all configuration sections for a runner process.
type Config struct {
	Runner       RunnerConfig         `mapstructure:"runner"`
	ControlPlane ControlPlaneConfig   `mapstructure:"controlPlane"`
	Backends     BackendsConfig       `mapstructure:"backends"`
	Permissions  PermissionsConfig    `mapstructure:"permissions"`
	API          APIConfig            `mapstructure:"api"`
	Logging      logger.LoggingConfig `mapstructure:"logging"`
}

// RunnerConfig identifies this runner toward the control plane.
type RunnerConfig struct {
	ID             string `mapstructure:"id"`
	DefaultBackend string `mapstructure:"defaultBackend"` // claude, gemini, codex, terminal, generic
	WorkDir        string `mapstructure:"workDir"`
}

// ControlPlaneConfig holds the WebSocket connection settings.
type ControlPlaneConfig struct {
	URL               string `mapstructure:"url"`
	ReconnectInterval int    `mapstructure:"reconnectInterval"` // in seconds
	MaxReconnectTries int    `mapstructure:"maxReconnectTries"` // 0 = unlimited
}

// ReconnectIntervalDuration returns the reconnect interval as a time.Duration.
func (c *ControlPlaneConfig) ReconnectIntervalDuration() time.Duration {
	return time.Duration(c.ReconnectInterval) * time.Second
}

// BackendsConfig holds per-backend CLI settings.
type BackendsConfig struct {
	Terminal   TerminalBackendConfig `mapstructure:"terminal"`
	PrintMode  BackendConfig         `mapstructure:"printMode"`
	StreamJSON BackendConfig         `mapstructure:"streamJson"`
}

// BackendConfig holds settings shared by the process-per-message backends.
type BackendConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	CLIPath string `mapstructure:"cliPath"`
}

// TerminalBackendConfig holds settings for the persistent-terminal backend.
type TerminalBackendConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	Cols           int  `mapstructure:"cols"`
	Rows           int  `mapstructure:"rows"`
	QuietWindowMS  int  `mapstructure:"quietWindowMs"`  // readiness quiet window
	ReadyTimeoutMS int  `mapstructure:"readyTimeoutMs"` // warn-and-proceed fallback
}

// QuietWindow returns the readiness quiet window as a time.Duration.
func (c *TerminalBackendConfig) QuietWindow() time.Duration {
	return time.Duration(c.QuietWindowMS) * time.Millisecond
}

// ReadyTimeout returns the ready fallback timeout as a time.Duration.
func (c *TerminalBackendConfig) ReadyTimeout() time.Duration {
	return time.Duration(c.ReadyTimeoutMS) * time.Millisecond
}

// PermissionsConfig holds the pending-approval registry tuning.
type PermissionsConfig struct {
	PendingTTLMinutes     int    `mapstructure:"pendingTtlMinutes"`
	ResendCooldownSeconds int    `mapstructure:"resendCooldownSeconds"`
	SettingsDir           string `mapstructure:"settingsDir"` // project-level settings directory
	WatchSettings         bool   `mapstructure:"watchSettings"`
}

// PendingTTL returns the pending-request TTL as a time.Duration.
func (c *PermissionsConfig) PendingTTL() time.Duration {
	return time.Duration(c.PendingTTLMinutes) * time.Minute
}

// ResendCooldown returns the resend cooldown as a time.Duration.
func (c *PermissionsConfig) ResendCooldown() time.Duration {
	return time.Duration(c.ResendCooldownSeconds) * time.Second
}

// APIConfig holds the local debug/observability HTTP API settings.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Runner defaults
	v.SetDefault("runner.id", "")
	v.SetDefault("runner.defaultBackend", "claude")
	v.SetDefault("runner.workDir", "")

	// Control-plane defaults
	v.SetDefault("controlPlane.url", "ws://localhost:8080/ws/runner")
	v.SetDefault("controlPlane.reconnectInterval", 5)
	v.SetDefault("controlPlane.maxReconnectTries", 0)

	// Backend defaults
	v.SetDefault("backends.terminal.enabled", true)
	v.SetDefault("backends.terminal.cols", 120)
	v.SetDefault("backends.terminal.rows", 40)
	v.SetDefault("backends.terminal.quietWindowMs", 1000)
	v.SetDefault("backends.terminal.readyTimeoutMs", 10000)
	v.SetDefault("backends.printMode.enabled", true)
	v.SetDefault("backends.printMode.cliPath", "gemini")
	v.SetDefault("backends.streamJson.enabled", true)
	v.SetDefault("backends.streamJson.cliPath", "claude")

	// Permission defaults
	v.SetDefault("permissions.pendingTtlMinutes", 30)
	v.SetDefault("permissions.resendCooldownSeconds", 3)
	v.SetDefault("permissions.settingsDir", ".coderelay")
	v.SetDefault("permissions.watchSettings", false)

	// API defaults
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.host", "127.0.0.1")
	v.SetDefault("api.port", 9980)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.output_path", "stdout")
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CODERELAY_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CODERELAY_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/coderelay/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CODERELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("controlPlane.url", "CODERELAY_CONTROL_PLANE_URL")
	_ = v.BindEnv("runner.defaultBackend", "CODERELAY_DEFAULT_BACKEND")
	_ = v.BindEnv("runner.workDir", "CODERELAY_WORKDIR")
	_ = v.BindEnv("permissions.settingsDir", "CODERELAY_SETTINGS_DIR")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/coderelay/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.Runner.ID == "" {
		cfg.Runner.ID = "runner-" + uuid.New().String()[:8]
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.ControlPlane.URL == "" {
		errs = append(errs, "controlPlane.url is required")
	}
	if cfg.API.Enabled && (cfg.API.Port <= 0 || cfg.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if cfg.Permissions.PendingTTLMinutes <= 0 {
		errs = append(errs, "permissions.pendingTtlMinutes must be positive")
	}
	if cfg.Permissions.ResendCooldownSeconds < 0 {
		errs = append(errs, "permissions.resendCooldownSeconds must not be negative")
	}
	if !cfg.Backends.Terminal.Enabled && !cfg.Backends.PrintMode.Enabled && !cfg.Backends.StreamJSON.Enabled {
		errs = append(errs, "at least one backend must be enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

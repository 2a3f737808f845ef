// Package config provides configuration management for the lab orchestrator.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the orchestrator.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Docker  DockerConfig  `mapstructure:"docker"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Lab     LabConfig     `mapstructure:"lab"`
	Proxy   ProxyConfig   `mapstructure:"proxy"`
	Archive ArchiveConfig `mapstructure:"archive"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LabConfig holds session orchestration configuration. All durations
// are in seconds.
type LabConfig struct {
	MaxConcurrent     int `mapstructure:"maxConcurrent"`     // global cap on non-terminal sessions
	SessionTimeout    int `mapstructure:"sessionTimeout"`    // idle timeout
	StartupWindow     int `mapstructure:"startupWindow"`     // readiness deadline after start
	SweepInterval     int `mapstructure:"sweepInterval"`     // idle reaper interval
	HealthInterval    int `mapstructure:"healthInterval"`    // health monitor poll interval
	HealthTimeout     int `mapstructure:"healthTimeout"`     // per-probe timeout
	HealthRetries     int `mapstructure:"healthRetries"`     // consecutive failures before unhealthy
	ProvisionRetries  int `mapstructure:"provisionRetries"`  // runtime create retries
	TeardownRetries   int `mapstructure:"teardownRetries"`   // runtime release retries
	RetentionTTL      int `mapstructure:"retentionTTL"`      // terminated sessions kept for diagnostics
	ReconcileInterval int `mapstructure:"reconcileInterval"` // unreleased-handle re-check interval
}

// ProxyConfig holds routing layer configuration.
type ProxyConfig struct {
	ExternalHost string `mapstructure:"externalHost"` // host used in published endpoint URLs
	PathPrefix   string `mapstructure:"pathPrefix"`
}

// ArchiveConfig holds the terminated-session archive configuration.
type ArchiveConfig struct {
	Path string `mapstructure:"path"` // sqlite file path, empty disables archiving
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// SessionTimeoutDuration returns the idle timeout as a time.Duration.
func (l *LabConfig) SessionTimeoutDuration() time.Duration {
	return time.Duration(l.SessionTimeout) * time.Second
}

// StartupWindowDuration returns the startup window as a time.Duration.
func (l *LabConfig) StartupWindowDuration() time.Duration {
	return time.Duration(l.StartupWindow) * time.Second
}

// SweepIntervalDuration returns the reaper sweep interval as a time.Duration.
func (l *LabConfig) SweepIntervalDuration() time.Duration {
	return time.Duration(l.SweepInterval) * time.Second
}

// HealthIntervalDuration returns the health poll interval as a time.Duration.
func (l *LabConfig) HealthIntervalDuration() time.Duration {
	return time.Duration(l.HealthInterval) * time.Second
}

// HealthTimeoutDuration returns the per-probe timeout as a time.Duration.
func (l *LabConfig) HealthTimeoutDuration() time.Duration {
	return time.Duration(l.HealthTimeout) * time.Second
}

// RetentionTTLDuration returns the terminated-session retention as a time.Duration.
func (l *LabConfig) RetentionTTLDuration() time.Duration {
	return time.Duration(l.RetentionTTL) * time.Second
}

// ReconcileIntervalDuration returns the reconcile interval as a time.Duration.
func (l *LabConfig) ReconcileIntervalDuration() time.Duration {
	return time.Duration(l.ReconcileInterval) * time.Second
}

// detectDefaultLogFormat returns "json" in production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("LABDEV_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8084)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Docker defaults
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.defaultNetwork", "labdev-network")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "labdev-orchestrator")
	v.SetDefault("nats.maxReconnects", 10)

	// Lab defaults
	v.SetDefault("lab.maxConcurrent", 10)
	v.SetDefault("lab.sessionTimeout", 3600)
	v.SetDefault("lab.startupWindow", 120)
	v.SetDefault("lab.sweepInterval", 30)
	v.SetDefault("lab.healthInterval", 15)
	v.SetDefault("lab.healthTimeout", 3)
	v.SetDefault("lab.healthRetries", 3)
	v.SetDefault("lab.provisionRetries", 3)
	v.SetDefault("lab.teardownRetries", 3)
	v.SetDefault("lab.retentionTTL", 1800)
	v.SetDefault("lab.reconcileInterval", 60)

	// Proxy defaults
	v.SetDefault("proxy.externalHost", "http://localhost:8084")
	v.SetDefault("proxy.pathPrefix", "/labs")

	// Archive defaults - empty path disables the sqlite archive
	v.SetDefault("archive.path", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix LABDEV_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/labdev/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("LABDEV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/labdev/")

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

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Lab.MaxConcurrent <= 0 {
		errs = append(errs, "lab.maxConcurrent must be positive")
	}
	if cfg.Lab.SessionTimeout <= 0 {
		errs = append(errs, "lab.sessionTimeout must be positive")
	}
	if cfg.Lab.StartupWindow <= 0 {
		errs = append(errs, "lab.startupWindow must be positive")
	}
	if cfg.Lab.HealthRetries <= 0 {
		errs = append(errs, "lab.healthRetries must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

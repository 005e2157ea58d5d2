// Package config provides configuration management for the agent bridge.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the bridge.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Backends BackendsConfig `mapstructure:"backends"`
	Session  SessionConfig  `mapstructure:"session"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds the bridge's own HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// GatewayConfig holds the connection to the user-facing server.
type GatewayConfig struct {
	// SocketURL is the websocket endpoint the bridge dials (e.g. ws://localhost:8080/bridge).
	SocketURL string `mapstructure:"socketUrl"`

	// APIBaseURL is the server's REST base URL, used for session status
	// patches and editing-context entity fetches.
	APIBaseURL string `mapstructure:"apiBaseUrl"`

	// BridgeID identifies this bridge instance in bridge:register.
	// Empty means generate one at startup.
	BridgeID string `mapstructure:"bridgeId"`

	// ContainerMode hardens credential checks: missing backend credentials
	// become startup errors instead of warnings.
	ContainerMode bool `mapstructure:"containerMode"`
}

// NATSConfig holds optional NATS fan-out for bridge telemetry.
// Empty URL means the in-memory event bus is used.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// BackendsConfig holds CLI backend configuration.
type BackendsConfig struct {
	// Default is the backend used when a session does not specify one.
	Default string `mapstructure:"default"`

	// BinaryPaths overrides the command path per backend name.
	BinaryPaths map[string]string `mapstructure:"binaryPaths"`

	// Model is the model identifier passed to backends that accept one.
	Model string `mapstructure:"model"`

	// CustomCommand is the argv template for the "custom" backend. The first
	// element is the binary; "{prompt}" elements are replaced with the user
	// message.
	CustomCommand []string `mapstructure:"customCommand"`

	// AllowedTools restricts the tool set passed to backends that support it.
	AllowedTools []string `mapstructure:"allowedTools"`

	// SkipPermissions passes the permission-skip flag when not running as
	// a privileged user.
	SkipPermissions bool `mapstructure:"skipPermissions"`

	// WorkDir is the default working directory for spawned CLI processes.
	WorkDir string `mapstructure:"workDir"`

	// MountDirs lists additional directories exposed to the CLI.
	MountDirs []string `mapstructure:"mountDirs"`
}

// SessionConfig holds per-session bookkeeping limits.
type SessionConfig struct {
	// EventCap bounds the per-session audit event log.
	EventCap int `mapstructure:"eventCap"`

	// TaskQueueCap bounds the paused-session message queue.
	TaskQueueCap int `mapstructure:"taskQueueCap"`

	// StaleAfter marks non-idle sessions as bad after this many seconds
	// without activity.
	StaleAfter int `mapstructure:"staleAfter"`
}

// PipelineConfig holds stage and supervisor timing.
type PipelineConfig struct {
	StageTimeout      int `mapstructure:"stageTimeout"`      // default per-stage timeout, seconds
	AcquireTimeout    int `mapstructure:"acquireTimeout"`    // acquire-lock stage, seconds
	FinalizeTimeout   int `mapstructure:"finalizeTimeout"`   // finalize stage, seconds
	HeartbeatInterval int `mapstructure:"heartbeatInterval"` // bridge:heartbeat period, seconds
	ShutdownGrace     int `mapstructure:"shutdownGrace"`     // force-exit after this, seconds
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

// StageTimeoutDuration returns the default stage timeout as a time.Duration.
func (p *PipelineConfig) StageTimeoutDuration() time.Duration {
	return time.Duration(p.StageTimeout) * time.Second
}

// AcquireTimeoutDuration returns the acquire-lock stage timeout.
func (p *PipelineConfig) AcquireTimeoutDuration() time.Duration {
	return time.Duration(p.AcquireTimeout) * time.Second
}

// FinalizeTimeoutDuration returns the finalize stage timeout.
func (p *PipelineConfig) FinalizeTimeoutDuration() time.Duration {
	return time.Duration(p.FinalizeTimeout) * time.Second
}

// HeartbeatIntervalDuration returns the heartbeat period.
func (p *PipelineConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(p.HeartbeatInterval) * time.Second
}

// ShutdownGraceDuration returns the shutdown grace period.
func (p *PipelineConfig) ShutdownGraceDuration() time.Duration {
	return time.Duration(p.ShutdownGrace) * time.Second
}

// StaleAfterDuration returns the staleness threshold.
func (s *SessionConfig) StaleAfterDuration() time.Duration {
	return time.Duration(s.StaleAfter) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	if env := os.Getenv("BRIDGE_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8790)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Gateway defaults
	v.SetDefault("gateway.socketUrl", "ws://localhost:8080/bridge")
	v.SetDefault("gateway.apiBaseUrl", "http://localhost:8080/api/v1")
	v.SetDefault("gateway.bridgeId", "")
	v.SetDefault("gateway.containerMode", false)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "bridge-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Backend defaults
	v.SetDefault("backends.default", "claude")
	v.SetDefault("backends.binaryPaths", map[string]string{})
	v.SetDefault("backends.model", "")
	v.SetDefault("backends.customCommand", []string{})
	v.SetDefault("backends.allowedTools", []string{})
	v.SetDefault("backends.skipPermissions", true)
	v.SetDefault("backends.workDir", "")
	v.SetDefault("backends.mountDirs", []string{})

	// Session defaults
	v.SetDefault("session.eventCap", 500)
	v.SetDefault("session.taskQueueCap", 10)
	v.SetDefault("session.staleAfter", 300)

	// Pipeline defaults
	v.SetDefault("pipeline.stageTimeout", 120)
	v.SetDefault("pipeline.acquireTimeout", 30)
	v.SetDefault("pipeline.finalizeTimeout", 5)
	v.SetDefault("pipeline.heartbeatInterval", 30)
	v.SetDefault("pipeline.shutdownGrace", 5)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix BRIDGE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/bridge/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("BRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("gateway.socketUrl", "BRIDGE_GATEWAY_SOCKET_URL")
	_ = v.BindEnv("gateway.apiBaseUrl", "BRIDGE_GATEWAY_API_BASE_URL")
	_ = v.BindEnv("gateway.bridgeId", "BRIDGE_GATEWAY_BRIDGE_ID")
	_ = v.BindEnv("gateway.containerMode", "BRIDGE_CONTAINER_MODE")
	_ = v.BindEnv("backends.default", "BRIDGE_BACKENDS_DEFAULT")
	_ = v.BindEnv("backends.workDir", "BRIDGE_BACKENDS_WORK_DIR")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/bridge/")

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

	if cfg.Gateway.SocketURL == "" {
		errs = append(errs, "gateway.socketUrl is required")
	} else if !strings.HasPrefix(cfg.Gateway.SocketURL, "ws://") && !strings.HasPrefix(cfg.Gateway.SocketURL, "wss://") {
		errs = append(errs, "gateway.socketUrl must be a ws:// or wss:// URL")
	}

	if cfg.Backends.Default == "" {
		errs = append(errs, "backends.default is required")
	}

	if cfg.Session.EventCap <= 0 {
		errs = append(errs, "session.eventCap must be positive")
	}
	if cfg.Session.TaskQueueCap <= 0 {
		errs = append(errs, "session.taskQueueCap must be positive")
	}

	if cfg.Pipeline.StageTimeout <= 0 {
		errs = append(errs, "pipeline.stageTimeout must be positive")
	}
	if cfg.Pipeline.HeartbeatInterval <= 0 {
		errs = append(errs, "pipeline.heartbeatInterval must be positive")
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

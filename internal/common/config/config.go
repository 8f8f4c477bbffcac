// Package config provides configuration management for BeamCode.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for BeamCode.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Limits   LimitsConfig   `mapstructure:"limits"`
	Timeouts TimeoutsConfig `mapstructure:"timeouts"`
	Breaker  BreakerConfig  `mapstructure:"breaker"`
	Process  ProcessConfig  `mapstructure:"process"`
	Adapters AdaptersConfig `mapstructure:"adapters"`
	MCP      MCPConfig      `mapstructure:"mcp"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds session persistence configuration. Driver selects
// between the embedded sqlite store and postgres.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite | postgres
	Path     string `mapstructure:"path"`   // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientID"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// LimitsConfig holds per-consumer flow control parameters.
type LimitsConfig struct {
	// BurstSize is the token bucket capacity per consumer socket.
	BurstSize int `mapstructure:"burstSize"`
	// TokensPerSecond is the bucket refill rate.
	TokensPerSecond float64 `mapstructure:"tokensPerSecond"`
	// HighWaterMark is the delivery queue depth above which non-critical
	// messages are dropped.
	HighWaterMark int `mapstructure:"highWaterMark"`
	// MaxQueueSize is the delivery queue hard ceiling.
	MaxQueueSize int `mapstructure:"maxQueueSize"`
	// CriticalTypes overrides the message types exempt from high-water drops.
	CriticalTypes []string `mapstructure:"criticalTypes"`
	// MaxFrameBytes is the largest accepted inbound consumer frame.
	MaxFrameBytes int64 `mapstructure:"maxFrameBytes"`
	// HistoryLimit bounds the per-session replay ring.
	HistoryLimit int `mapstructure:"historyLimit"`
}

// TimeoutsConfig holds protocol timeouts, all in milliseconds.
type TimeoutsConfig struct {
	AuthMs        int `mapstructure:"authMs"`
	InitializeMs  int `mapstructure:"initializeMs"`
	ReadinessMs   int `mapstructure:"readinessMs"`
	KillGraceMs   int `mapstructure:"killGraceMs"`
	IdleSessionMs int `mapstructure:"idleSessionMs"` // 0 disables
}

// BreakerConfig holds the process restart circuit breaker parameters.
type BreakerConfig struct {
	FailureThreshold int `mapstructure:"failureThreshold"`
	WindowMs         int `mapstructure:"windowMs"`
	RecoveryTimeMs   int `mapstructure:"recoveryTimeMs"`
	SuccessThreshold int `mapstructure:"successThreshold"`
	// QuickExitMs is the window after spawn within which an exit counts as
	// a failure (and, after a resume, invalidates the stored upstream id).
	QuickExitMs int `mapstructure:"quickExitMs"`
}

// ProcessConfig holds child process environment policy.
type ProcessConfig struct {
	// EnvDenyList names environment keys stripped before spawning agent
	// CLIs, in addition to the always-stripped BEAMCODE_* internals.
	EnvDenyList []string `mapstructure:"envDenyList"`
	// ExtraEnv is appended to every spawned process environment.
	ExtraEnv []string `mapstructure:"extraEnv"`
}

// AdaptersConfig selects and parameterizes backend adapters.
type AdaptersConfig struct {
	// Default is the adapter used when createSession names none.
	Default string `mapstructure:"default"`
	// CatalogPath points to an optional YAML file overriding adapter
	// spawn commands.
	CatalogPath string `mapstructure:"catalogPath"`
	// WorkDir is the default session working directory.
	WorkDir string `mapstructure:"workDir"`
}

// MCPConfig holds the embedded MCP server configuration.
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// AuthTimeout returns the consumer authentication timeout.
func (t *TimeoutsConfig) AuthTimeout() time.Duration {
	return time.Duration(t.AuthMs) * time.Millisecond
}

// InitializeTimeout returns the capability handshake timeout.
func (t *TimeoutsConfig) InitializeTimeout() time.Duration {
	return time.Duration(t.InitializeMs) * time.Millisecond
}

// ReadinessTimeout returns the process readiness timeout.
func (t *TimeoutsConfig) ReadinessTimeout() time.Duration {
	return time.Duration(t.ReadinessMs) * time.Millisecond
}

// KillGracePeriod returns the graceful shutdown window before a hard kill.
func (t *TimeoutsConfig) KillGracePeriod() time.Duration {
	return time.Duration(t.KillGraceMs) * time.Millisecond
}

// IdleSessionTimeout returns the idle session reaper interval; zero disables.
func (t *TimeoutsConfig) IdleSessionTimeout() time.Duration {
	return time.Duration(t.IdleSessionMs) * time.Millisecond
}

// Window returns the breaker failure counting window.
func (b *BreakerConfig) Window() time.Duration {
	return time.Duration(b.WindowMs) * time.Millisecond
}

// RecoveryTime returns the open-to-half-open delay.
func (b *BreakerConfig) RecoveryTime() time.Duration {
	return time.Duration(b.RecoveryTimeMs) * time.Millisecond
}

// QuickExit returns the quick-exit failure window.
func (b *BreakerConfig) QuickExit() time.Duration {
	return time.Duration(b.QuickExitMs) * time.Millisecond
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("BEAMCODE_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - embedded sqlite unless postgres is configured
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "beamcode.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "beamcode")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "beamcode")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientID", "beamcode")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Flow control defaults
	v.SetDefault("limits.burstSize", 10)
	v.SetDefault("limits.tokensPerSecond", 5.0)
	v.SetDefault("limits.highWaterMark", 64)
	v.SetDefault("limits.maxQueueSize", 256)
	v.SetDefault("limits.criticalTypes", []string{})
	v.SetDefault("limits.maxFrameBytes", 262144)
	v.SetDefault("limits.historyLimit", 1000)

	// Timeout defaults
	v.SetDefault("timeouts.authMs", 5000)
	v.SetDefault("timeouts.initializeMs", 3000)
	v.SetDefault("timeouts.readinessMs", 15000)
	v.SetDefault("timeouts.killGraceMs", 5000)
	v.SetDefault("timeouts.idleSessionMs", 0)

	// Circuit breaker defaults
	v.SetDefault("breaker.failureThreshold", 3)
	v.SetDefault("breaker.windowMs", 30000)
	v.SetDefault("breaker.recoveryTimeMs", 30000)
	v.SetDefault("breaker.successThreshold", 1)
	v.SetDefault("breaker.quickExitMs", 5000)

	// Process environment defaults
	v.SetDefault("process.envDenyList", []string{})
	v.SetDefault("process.extraEnv", []string{})

	// Adapter defaults
	v.SetDefault("adapters.default", "claude")
	v.SetDefault("adapters.catalogPath", "")
	v.SetDefault("adapters.workDir", "")

	// Embedded MCP server defaults
	v.SetDefault("mcp.enabled", false)
	v.SetDefault("mcp.port", 9090)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix BEAMCODE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/beamcode/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("BEAMCODE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("limits.burstSize", "BEAMCODE_LIMITS_BURST_SIZE")
	_ = v.BindEnv("limits.tokensPerSecond", "BEAMCODE_LIMITS_TOKENS_PER_SECOND")
	_ = v.BindEnv("limits.highWaterMark", "BEAMCODE_LIMITS_HIGH_WATER_MARK")
	_ = v.BindEnv("limits.maxQueueSize", "BEAMCODE_LIMITS_MAX_QUEUE_SIZE")
	_ = v.BindEnv("limits.maxFrameBytes", "BEAMCODE_LIMITS_MAX_FRAME_BYTES")
	_ = v.BindEnv("limits.historyLimit", "BEAMCODE_LIMITS_HISTORY_LIMIT")
	_ = v.BindEnv("database.driver", "BEAMCODE_DATABASE_DRIVER")
	_ = v.BindEnv("database.dbName", "BEAMCODE_DATABASE_DB_NAME")
	_ = v.BindEnv("nats.clientID", "BEAMCODE_NATS_CLIENT_ID")
	_ = v.BindEnv("adapters.default", "BEAMCODE_ADAPTERS_DEFAULT")
	_ = v.BindEnv("adapters.catalogPath", "BEAMCODE_ADAPTERS_CATALOG_PATH")
	_ = v.BindEnv("adapters.workDir", "BEAMCODE_ADAPTERS_WORK_DIR")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/beamcode/")

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

// validate checks that all configuration values are usable. Invalid values
// refuse startup rather than degrade at runtime.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	if cfg.Limits.BurstSize <= 0 {
		errs = append(errs, "limits.burstSize must be positive")
	}
	if cfg.Limits.TokensPerSecond <= 0 {
		errs = append(errs, "limits.tokensPerSecond must be positive")
	}
	if cfg.Limits.HighWaterMark <= 0 {
		errs = append(errs, "limits.highWaterMark must be positive")
	}
	if cfg.Limits.MaxQueueSize < cfg.Limits.HighWaterMark {
		errs = append(errs, "limits.maxQueueSize must be >= limits.highWaterMark")
	}
	if cfg.Limits.MaxFrameBytes <= 0 {
		errs = append(errs, "limits.maxFrameBytes must be positive")
	}
	if cfg.Limits.HistoryLimit <= 0 {
		errs = append(errs, "limits.historyLimit must be positive")
	}

	if cfg.Timeouts.AuthMs <= 0 {
		errs = append(errs, "timeouts.authMs must be positive")
	}
	if cfg.Timeouts.InitializeMs <= 0 {
		errs = append(errs, "timeouts.initializeMs must be positive")
	}
	if cfg.Timeouts.ReadinessMs <= 0 {
		errs = append(errs, "timeouts.readinessMs must be positive")
	}
	if cfg.Timeouts.KillGraceMs <= 0 {
		errs = append(errs, "timeouts.killGraceMs must be positive")
	}
	if cfg.Timeouts.IdleSessionMs < 0 {
		errs = append(errs, "timeouts.idleSessionMs must be zero or positive")
	}

	if cfg.Breaker.FailureThreshold <= 0 {
		errs = append(errs, "breaker.failureThreshold must be positive")
	}
	if cfg.Breaker.WindowMs <= 0 {
		errs = append(errs, "breaker.windowMs must be positive")
	}
	if cfg.Breaker.RecoveryTimeMs <= 0 {
		errs = append(errs, "breaker.recoveryTimeMs must be positive")
	}
	if cfg.Breaker.SuccessThreshold <= 0 {
		errs = append(errs, "breaker.successThreshold must be positive")
	}
	if cfg.Breaker.QuickExitMs <= 0 {
		errs = append(errs, "breaker.quickExitMs must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.MCP.Enabled && (cfg.MCP.Port <= 0 || cfg.MCP.Port > 65535) {
		errs = append(errs, "mcp.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

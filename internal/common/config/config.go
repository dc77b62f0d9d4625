// Package config provides configuration management for researchd.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for researchd.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Sessions  SessionsConfig  `mapstructure:"sessions"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the session catalog database configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite, postgres
	Path     string `mapstructure:"path"`   // sqlite file path
	DSN      string `mapstructure:"dsn"`    // postgres connection string
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// SessionsConfig holds where session state lives on disk.
type SessionsConfig struct {
	LogDir    string `mapstructure:"logDir"`    // one append-only event log per session
	OutputDir string `mapstructure:"outputDir"` // root for per-session generated files
}

// PipelineConfig describes how the research child process is launched and read.
type PipelineConfig struct {
	// Command is the child argv. {query}, {session_id} and {output_dir}
	// are substituted per session.
	Command         []string `mapstructure:"command"`
	WorkDir         string   `mapstructure:"workDir"`
	UsePTY          bool     `mapstructure:"usePty"`
	ChunkSize       int      `mapstructure:"chunkSize"`
	MaxLineBytes    int      `mapstructure:"maxLineBytes"`
	StagesFile      string   `mapstructure:"stagesFile"`
	WatchOutputs    bool     `mapstructure:"watchOutputs"`
	KillGracePeriod int      `mapstructure:"killGracePeriod"` // in seconds
}

// DeliveryConfig holds heartbeat and acknowledgment settings for subscribers.
type DeliveryConfig struct {
	HeartbeatInterval int `mapstructure:"heartbeatInterval"` // in seconds
	MaxMissedPongs    int `mapstructure:"maxMissedPongs"`
	RetryInterval     int `mapstructure:"retryInterval"` // in seconds
	MaxRetries        int `mapstructure:"maxRetries"`
	SweepInterval     int `mapstructure:"sweepInterval"` // in milliseconds
	SendBuffer        int `mapstructure:"sendBuffer"`
}

// ReconcileConfig holds the client-side polling fallback settings.
type ReconcileConfig struct {
	StalenessWindow int `mapstructure:"stalenessWindow"` // in seconds
	PollInterval    int `mapstructure:"pollInterval"`    // in seconds
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Addr returns host:port.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// KillGraceDuration returns the SIGTERM to SIGKILL delay.
func (p *PipelineConfig) KillGraceDuration() time.Duration {
	return time.Duration(p.KillGracePeriod) * time.Second
}

// HeartbeatDuration returns the heartbeat interval.
func (d *DeliveryConfig) HeartbeatDuration() time.Duration {
	return time.Duration(d.HeartbeatInterval) * time.Second
}

// RetryDuration returns the critical event retry interval.
func (d *DeliveryConfig) RetryDuration() time.Duration {
	return time.Duration(d.RetryInterval) * time.Second
}

// SweepDuration returns how often pending acknowledgments are swept.
func (d *DeliveryConfig) SweepDuration() time.Duration {
	return time.Duration(d.SweepInterval) * time.Millisecond
}

// StalenessDuration returns the staleness window.
func (r *ReconcileConfig) StalenessDuration() time.Duration {
	return time.Duration(r.StalenessWindow) * time.Second
}

// PollDuration returns the snapshot polling interval.
func (r *ReconcileConfig) PollDuration() time.Duration {
	return time.Duration(r.PollInterval) * time.Second
}

// detectDefaultLogFormat returns "json" under Kubernetes or an explicit
// production environment, "text" otherwise.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("RESEARCHD_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/researchd.db")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "researchd")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Session storage defaults
	v.SetDefault("sessions.logDir", "./data/sessions")
	v.SetDefault("sessions.outputDir", "./data/outputs")

	// Pipeline defaults
	v.SetDefault("pipeline.command", []string{"mock-researcher", "--query", "{query}", "--output", "{output_dir}"})
	v.SetDefault("pipeline.workDir", "")
	v.SetDefault("pipeline.usePty", false)
	v.SetDefault("pipeline.chunkSize", 4096)
	v.SetDefault("pipeline.maxLineBytes", 8*1024*1024)
	v.SetDefault("pipeline.stagesFile", "")
	v.SetDefault("pipeline.watchOutputs", true)
	v.SetDefault("pipeline.killGracePeriod", 2)

	// Delivery defaults
	v.SetDefault("delivery.heartbeatInterval", 30)
	v.SetDefault("delivery.maxMissedPongs", 3)
	v.SetDefault("delivery.retryInterval", 5)
	v.SetDefault("delivery.maxRetries", 3)
	v.SetDefault("delivery.sweepInterval", 1000)
	v.SetDefault("delivery.sendBuffer", 256)

	// Reconcile defaults
	v.SetDefault("reconcile.stalenessWindow", 15)
	v.SetDefault("reconcile.pollInterval", 3)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix RESEARCHD_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/researchd/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("RESEARCHD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not map camelCase keys to SNAKE_CASE env vars.
	_ = v.BindEnv("database.path", "RESEARCHD_DB_PATH", "RESEARCHD_DATABASE_PATH")
	_ = v.BindEnv("database.driver", "RESEARCHD_DB_DRIVER", "RESEARCHD_DATABASE_DRIVER")
	_ = v.BindEnv("sessions.logDir", "RESEARCHD_SESSIONS_LOG_DIR")
	_ = v.BindEnv("sessions.outputDir", "RESEARCHD_SESSIONS_OUTPUT_DIR")
	_ = v.BindEnv("delivery.heartbeatInterval", "RESEARCHD_DELIVERY_HEARTBEAT_INTERVAL")
	_ = v.BindEnv("delivery.maxRetries", "RESEARCHD_DELIVERY_MAX_RETRIES")
	_ = v.BindEnv("reconcile.stalenessWindow", "RESEARCHD_RECONCILE_STALENESS_WINDOW")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/researchd/")

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

	switch strings.ToLower(cfg.Database.Driver) {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.DSN == "" {
			errs = append(errs, "database.dsn is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if cfg.Sessions.LogDir == "" {
		errs = append(errs, "sessions.logDir is required")
	}
	if len(cfg.Pipeline.Command) == 0 {
		errs = append(errs, "pipeline.command must not be empty")
	}
	if cfg.Pipeline.ChunkSize <= 0 {
		errs = append(errs, "pipeline.chunkSize must be positive")
	}
	if cfg.Pipeline.MaxLineBytes < 0 {
		errs = append(errs, "pipeline.maxLineBytes must not be negative")
	}

	if cfg.Delivery.HeartbeatInterval <= 0 {
		errs = append(errs, "delivery.heartbeatInterval must be positive")
	}
	if cfg.Delivery.MaxMissedPongs <= 0 {
		errs = append(errs, "delivery.maxMissedPongs must be positive")
	}
	if cfg.Delivery.RetryInterval <= 0 {
		errs = append(errs, "delivery.retryInterval must be positive")
	}
	if cfg.Delivery.MaxRetries < 0 {
		errs = append(errs, "delivery.maxRetries must not be negative")
	}
	if cfg.Delivery.SweepInterval <= 0 {
		errs = append(errs, "delivery.sweepInterval must be positive")
	}
	if cfg.Delivery.SendBuffer <= 0 {
		errs = append(errs, "delivery.sendBuffer must be positive")
	}

	if cfg.Reconcile.StalenessWindow <= 0 {
		errs = append(errs, "reconcile.stalenessWindow must be positive")
	}
	if cfg.Reconcile.PollInterval <= 0 {
		errs = append(errs, "reconcile.pollInterval must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

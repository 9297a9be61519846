package main

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr string `env:"TERM_WS_ADDR" envDefault:":3002"`

	// NATS terminal source. Empty URL disables the bridge, leaving the
	// in-process registry as the only publisher (useful for tests and for
	// embedding).
	NATSUrl       string `env:"TERM_NATS_URL" envDefault:""`
	SubjectPrefix string `env:"TERM_NATS_SUBJECT_PREFIX" envDefault:"term"`

	// Capacity
	MaxConnections int `env:"TERM_MAX_CONNECTIONS" envDefault:"500"`

	// Connection rate limiting
	ConnRateIPBurst      int     `env:"TERM_CONN_RATE_IP_BURST" envDefault:"10"`
	ConnRateIPPerSec     float64 `env:"TERM_CONN_RATE_IP_PER_SEC" envDefault:"1.0"`
	ConnRateGlobalBurst  int     `env:"TERM_CONN_RATE_GLOBAL_BURST" envDefault:"300"`
	ConnRateGlobalPerSec float64 `env:"TERM_CONN_RATE_GLOBAL_PER_SEC" envDefault:"50.0"`

	// Monitoring
	MetricsInterval time.Duration `env:"TERM_METRICS_INTERVAL" envDefault:"15s"`

	// Shutdown
	ShutdownGrace time.Duration `env:"TERM_SHUTDOWN_GRACE" envDefault:"10s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// LoadConfig reads configuration from .env file and environment variables
// Priority: ENV vars > .env file > defaults
//
// Optional logger parameter for structured logging. If nil, logs to stdout.
func LoadConfig(logger *zerolog.Logger) (*Config, error) {
	// .env file is optional; production containers set env vars directly
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		} else {
			fmt.Println("Info: No .env file found (using environment variables only)")
		}
	} else {
		if logger != nil {
			logger.Info().Msg("Loaded configuration from .env file")
		}
	}

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if logger != nil {
		logger.Info().Msg("Configuration loaded and validated successfully")
	}

	return cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("TERM_WS_ADDR is required")
	}

	if c.MaxConnections < 1 {
		return fmt.Errorf("TERM_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.ShutdownGrace <= 0 {
		return fmt.Errorf("TERM_SHUTDOWN_GRACE must be > 0, got %s", c.ShutdownGrace)
	}
	if c.SubjectPrefix == "" {
		return fmt.Errorf("TERM_NATS_SUBJECT_PREFIX is required")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// LogConfig logs configuration using structured logging (Loki-compatible)
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("nats_url", c.NATSUrl).
		Str("subject_prefix", c.SubjectPrefix).
		Int("max_connections", c.MaxConnections).
		Int("conn_rate_ip_burst", c.ConnRateIPBurst).
		Float64("conn_rate_ip_per_sec", c.ConnRateIPPerSec).
		Int("conn_rate_global_burst", c.ConnRateGlobalBurst).
		Float64("conn_rate_global_per_sec", c.ConnRateGlobalPerSec).
		Dur("metrics_interval", c.MetricsInterval).
		Dur("shutdown_grace", c.ShutdownGrace).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}

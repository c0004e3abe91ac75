// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Collector settings.
	PollInterval time.Duration
	Retention    time.Duration

	// Bus settings.
	QueueSize  int
	MaxHistory int

	// Gateway settings.
	BroadcastInterval time.Duration

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:              envInt("KANSOKU_PORT", 8090),
		ReadTimeout:       envDuration("KANSOKU_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:      envDuration("KANSOKU_WRITE_TIMEOUT", 30*time.Second),
		PollInterval:      envDuration("KANSOKU_POLL_INTERVAL", 5*time.Second),
		Retention:         envDuration("KANSOKU_METRIC_RETENTION", 5*time.Minute),
		QueueSize:         envInt("KANSOKU_EVENT_QUEUE_SIZE", 4096),
		MaxHistory:        envInt("KANSOKU_EVENT_MAX_HISTORY", 1000),
		BroadcastInterval: envDuration("KANSOKU_BROADCAST_INTERVAL", time.Second),
		OTELEndpoint:      envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:       envStr("OTEL_SERVICE_NAME", "kansoku"),
		LogLevel:          envStr("KANSOKU_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and sane.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: KANSOKU_PORT out of range: %d", c.Port)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("config: KANSOKU_POLL_INTERVAL must be positive")
	}
	if c.Retention < c.PollInterval {
		return fmt.Errorf("config: KANSOKU_METRIC_RETENTION must be at least the poll interval")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("config: KANSOKU_EVENT_QUEUE_SIZE must be positive")
	}
	if c.MaxHistory <= 0 {
		return fmt.Errorf("config: KANSOKU_EVENT_MAX_HISTORY must be positive")
	}
	if c.BroadcastInterval <= 0 {
		return fmt.Errorf("config: KANSOKU_BROADCAST_INTERVAL must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server     ServerConfig
	Worker     WorkerConfig
	Escalation EscalationConfig
	Geofence   GeofenceConfig
	DB         DatabaseConfig
	Logging    LoggingConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type WorkerConfig struct {
	Count      int
	BufferSize int
}

type EscalationConfig struct {
	// MaxResponseTime is the resolution deadline armed after an alert is
	// acknowledged. AutoEscalateAfter is the tier-0 deadline armed at
	// creation; each tier halves it (floor 30s).
	MaxResponseTime   time.Duration
	AutoEscalateAfter time.Duration
	MaxTier           int
}

type GeofenceConfig struct {
	DefaultRadius    float64 // meters, applied when a zone omits one
	MaxRadius        float64 // meters
	HysteresisMargin float64 // meters beyond radius required to register exit
	AutoTrigger      bool    // safe-exit / restricted-entry creates an alert
}

type DatabaseConfig struct {
	Path string
}

type LoggingConfig struct {
	Level string
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "localhost"),
			Port: getEnvInt("SERVER_PORT", 8080),
		},
		Worker: WorkerConfig{
			Count:      getEnvInt("WORKER_COUNT", 4),
			BufferSize: getEnvInt("WORKER_BUFFER_SIZE", 64),
		},
		Escalation: EscalationConfig{
			MaxResponseTime:   time.Duration(getEnvInt("MAX_ALERT_RESPONSE_TIME_MINUTES", 15)) * time.Minute,
			AutoEscalateAfter: time.Duration(getEnvInt("AUTO_ESCALATE_AFTER_MINUTES", 5)) * time.Minute,
			MaxTier:           getEnvInt("MAX_ESCALATION_TIER", 3),
		},
		Geofence: GeofenceConfig{
			DefaultRadius:    getEnvFloat("DEFAULT_GEOFENCE_RADIUS_METERS", 1000),
			MaxRadius:        getEnvFloat("MAX_GEOFENCE_RADIUS_METERS", 10000),
			HysteresisMargin: getEnvFloat("GEOFENCE_HYSTERESIS_METERS", 0),
			AutoTrigger:      getEnvBool("GEOFENCE_AUTO_TRIGGER", true),
		},
		DB: DatabaseConfig{
			Path: getEnv("DB_PATH", "./data/emergency-response.db"),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Worker.Count < 1 {
		return fmt.Errorf("worker count must be at least 1")
	}
	if c.Escalation.AutoEscalateAfter <= 0 {
		return fmt.Errorf("auto-escalate interval must be positive")
	}
	if c.Escalation.MaxResponseTime < c.Escalation.AutoEscalateAfter {
		return fmt.Errorf("max response time must be at least the auto-escalate interval")
	}
	if c.Escalation.MaxTier < 1 {
		return fmt.Errorf("max escalation tier must be at least 1")
	}
	if c.Geofence.DefaultRadius <= 0 || c.Geofence.DefaultRadius > c.Geofence.MaxRadius {
		return fmt.Errorf("default geofence radius must be in (0, %g]", c.Geofence.MaxRadius)
	}
	if c.Geofence.HysteresisMargin < 0 {
		return fmt.Errorf("hysteresis margin must not be negative")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return fallback
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	SSO      SSOConfig
	LogLevel string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	BaseURL         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds the optional Redis connection. When URL is empty the
// protocol state store falls back to in-process memory, which is fine for
// a single instance but not for a fleet.
type RedisConfig struct {
	URL      string
	Password string
	DB       int
}

// SSOConfig holds SSO behavior settings
type SSOConfig struct {
	SessionLifetime time.Duration
	LoginURL        string
	CleanupSchedule string
}

// Addr returns the host:port listen address
func (c ServerConfig) Addr() string {
	return c.Host + ":" + c.Port
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("IDBRIDGE_HOST", "0.0.0.0"),
			Port:            getEnv("IDBRIDGE_PORT", "8080"),
			BaseURL:         getEnv("IDBRIDGE_BASE_URL", "http://localhost:8080"),
			ReadTimeout:     getEnvDuration("IDBRIDGE_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("IDBRIDGE_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("IDBRIDGE_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("IDBRIDGE_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			URL:             getEnv("IDBRIDGE_DATABASE_URL", ""),
			MaxOpenConns:    getEnvInt("IDBRIDGE_DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("IDBRIDGE_DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("IDBRIDGE_DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL:      getEnv("IDBRIDGE_REDIS_URL", ""),
			Password: getEnv("IDBRIDGE_REDIS_PASSWORD", ""),
			DB:       getEnvInt("IDBRIDGE_REDIS_DB", 0),
		},
		SSO: SSOConfig{
			SessionLifetime: getEnvDuration("IDBRIDGE_SESSION_LIFETIME", 8*time.Hour),
			LoginURL:        getEnv("IDBRIDGE_LOGIN_URL", "/login"),
			CleanupSchedule: getEnv("IDBRIDGE_CLEANUP_SCHEDULE", "@every 15m"),
		},
		LogLevel: getEnv("IDBRIDGE_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks required settings
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("IDBRIDGE_DATABASE_URL is required")
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("IDBRIDGE_BASE_URL is required")
	}
	if c.SSO.SessionLifetime <= 0 {
		return fmt.Errorf("IDBRIDGE_SESSION_LIFETIME must be positive")
	}
	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

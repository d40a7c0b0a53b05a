// Package config provides application configuration management from environment variables.
//
// # Overview
//
// This package loads and validates configuration from environment variables with
// sensible defaults for all settings.
//
// # Configuration Structure
//
// Server settings:
//
//	IDBRIDGE_HOST="0.0.0.0"
//	IDBRIDGE_PORT="8080"
//	IDBRIDGE_BASE_URL="https://sso.example.com"
//	IDBRIDGE_READ_TIMEOUT="15s"
//	IDBRIDGE_WRITE_TIMEOUT="15s"
//	IDBRIDGE_SHUTDOWN_TIMEOUT="30s"
//
// Database settings:
//
//	IDBRIDGE_DATABASE_URL="postgres://localhost/idbridge"
//	IDBRIDGE_DB_MAX_OPEN_CONNS="25"
//	IDBRIDGE_DB_MAX_IDLE_CONNS="5"
//	IDBRIDGE_DB_CONN_MAX_LIFETIME="5m"
//
// Redis settings (optional; protocol state falls back to process memory):
//
//	IDBRIDGE_REDIS_URL="redis://localhost:6379"
//	IDBRIDGE_REDIS_PASSWORD=""
//	IDBRIDGE_REDIS_DB="0"
//
// SSO settings:
//
//	IDBRIDGE_SESSION_LIFETIME="8h"
//	IDBRIDGE_LOGIN_URL="/login"
//	IDBRIDGE_CLEANUP_SCHEDULE="@every 15m"
//	IDBRIDGE_LOG_LEVEL="info"  # debug, info, warn, error
//
// # Usage Example
//
// Load configuration:
//
//	cfg, err := config.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	fmt.Printf("Server: %s\n", cfg.Server.Addr())
//	fmt.Printf("Log level: %s\n", cfg.LogLevel)
//
// # Related Packages
//
//   - pkg/sso: Uses session and login settings
package config

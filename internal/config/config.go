package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	SnapshotBackendPostgres = "postgres"
	SnapshotBackendRedis    = "redis"
)

// Config holds the collaboration server settings, all sourced from the
// environment.
type Config struct {
	Port   string
	AppEnv string

	RedisAddr string

	DBDriver    string
	DatabaseURL string

	JWTSecret string

	SnapshotBackend  string
	SnapshotInterval time.Duration

	AssetTTL      time.Duration
	AssetMaxBytes int64

	AllowedOrigins []string
}

// LoadConfig reads configuration from environment variables
func LoadConfig() (*Config, error) {
	interval, err := time.ParseDuration(getEnvOrDefault("SNAPSHOT_INTERVAL", "10s"))
	if err != nil {
		return nil, fmt.Errorf("invalid SNAPSHOT_INTERVAL: %w", err)
	}
	assetTTL, err := time.ParseDuration(getEnvOrDefault("ASSET_TTL", "0s"))
	if err != nil {
		return nil, fmt.Errorf("invalid ASSET_TTL: %w", err)
	}
	maxBytes, err := strconv.ParseInt(getEnvOrDefault("ASSET_MAX_BYTES", "10485760"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid ASSET_MAX_BYTES: %w", err)
	}

	config := &Config{
		Port:             getEnvOrDefault("PORT", "8080"),
		AppEnv:           getEnvOrDefault("APP_ENV", "production"),
		RedisAddr:        getEnvOrDefault("REDIS_ADDR", "redis:6379"),
		DBDriver:         getEnvOrDefault("DB_DRIVER", DriverPostgres),
		DatabaseURL:      getEnvOrDefault("DATABASE_URL", "host=postgres user=collab password=collab dbname=collab port=5432 sslmode=disable"),
		JWTSecret:        getEnvOrDefault("JWT_SECRET", "dev-secret"),
		SnapshotBackend:  getEnvOrDefault("SNAPSHOT_BACKEND", SnapshotBackendPostgres),
		SnapshotInterval: interval,
		AssetTTL:         assetTTL,
		AssetMaxBytes:    maxBytes,
		AllowedOrigins:   splitList(getEnvOrDefault("ALLOWED_ORIGINS", "*")),
	}
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}

func validateConfig(config *Config) error {
	switch config.DBDriver {
	case DriverPostgres, DriverSQLite:
	default:
		return errors.New("unsupported DB_DRIVER: " + config.DBDriver + ". Supported: postgres, sqlite")
	}
	switch config.SnapshotBackend {
	case SnapshotBackendPostgres, SnapshotBackendRedis:
	default:
		return errors.New("unsupported SNAPSHOT_BACKEND: " + config.SnapshotBackend + ". Supported: postgres, redis")
	}
	if config.SnapshotInterval <= 0 {
		return errors.New("SNAPSHOT_INTERVAL must be positive")
	}
	if config.AssetTTL < 0 {
		return errors.New("ASSET_TTL must not be negative")
	}
	if config.AssetMaxBytes <= 0 {
		return errors.New("ASSET_MAX_BYTES must be positive")
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

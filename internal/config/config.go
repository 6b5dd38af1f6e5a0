package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// DBEnabled turns the operation journal and snapshot rows on. The
	// core runs fine without a database - the content store remains
	// the source of truth.
	DBEnabled bool

	ServerPort string
	ServerHost string

	// Content store
	ContentRoot string

	// Editing core tuning
	HistoryLimit     int
	FlushDebounce    time.Duration
	FlushOpThreshold int
	IdleGrace        time.Duration

	// External collaborators
	ValidatorEndpoint string

	// Observability
	JaegerEndpoint string
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "collab_core"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),
		DBEnabled:  getEnvBool("DB_ENABLED", true),

		ServerPort: getEnv("SERVER_PORT", "8080"),
		ServerHost: getEnv("SERVER_HOST", "localhost"),

		ContentRoot: getEnv("CONTENT_ROOT", "./content"),

		HistoryLimit:     getEnvInt("HISTORY_LIMIT", 500),
		FlushDebounce:    getEnvDuration("FLUSH_DEBOUNCE", 5*time.Second),
		FlushOpThreshold: getEnvInt("FLUSH_OP_THRESHOLD", 200),
		IdleGrace:        getEnvDuration("IDLE_GRACE", 5*time.Minute),

		ValidatorEndpoint: getEnv("VALIDATOR_ENDPOINT", "http://localhost:8090"),

		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
	}

	if cfg.HistoryLimit <= 0 {
		return nil, fmt.Errorf("HISTORY_LIMIT must be positive")
	}

	return cfg, nil
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

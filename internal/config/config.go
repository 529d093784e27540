package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	NodeEnv   string
	Port      string
	JWTSecret string
	Database  DatabaseConfig
	Tracker   TrackerConfig
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	Database string
	Alter    bool
}

// TrackerConfig holds remote tracker API configuration
type TrackerConfig struct {
	Token         string   // API token for the remote tracker
	WebhookSecret string   // shared secret for webhook HMAC signatures
	BaseURL       string   // optional API base override (self-hosted deployments)
	Repositories  []string // owner/name repositories kept in sync
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	return &Config{
		NodeEnv:   getEnv("NODE_ENV", "development"),
		Port:      getEnv("PORT", "3001"),
		JWTSecret: jwtSecret,
		Database: DatabaseConfig{
			Host:     getEnv("PG_HOST", "localhost"),
			Port:     getEnv("PG_PORT", "5432"),
			Username: getEnv("PG_USERNAME", "postgres"),
			Password: os.Getenv("PG_PASSWORD"),
			Database: getEnv("PG_DATABASE", "ecktrack"),
			Alter:    getEnv("DB_ALTER", "false") == "true",
		},
		Tracker: TrackerConfig{
			Token:         os.Getenv("TRACKER_TOKEN"),
			WebhookSecret: os.Getenv("TRACKER_WEBHOOK_SECRET"),
			BaseURL:       os.Getenv("TRACKER_BASE_URL"),
			Repositories:  splitList(os.Getenv("TRACKER_REPOSITORIES")),
		},
	}, nil
}

// splitList parses a comma-separated env value into a trimmed slice
func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// getEnv gets environment variable with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"
)

// SyncConfig holds synchronization tuning. Values come from the environment,
// or from a JSON file when SYNC_CONFIG_PATH is set (file wins; unknown keys
// in the file are rejected so typos fail loudly).
type SyncConfig struct {
	// ============ BASIC SETTINGS ============
	Enabled       bool   `json:"enabled"`
	Direction     string `json:"direction"` // bidirectional, from_remote, to_remote
	SyncOnStartup bool   `json:"sync_on_startup"`

	// ============ REMOTE QUOTA ============
	QuotaCapacity      int `json:"quota_capacity"`       // tokens per window per class
	QuotaWindowSeconds int `json:"quota_window_seconds"` // refill window

	// ============ RETRIES ============
	MaxRetries       int `json:"max_retries"`
	RetryBaseDelayMs int `json:"retry_base_delay"` // milliseconds

	// ============ SCHEDULING ============
	PollIntervalSeconds int `json:"poll_interval_seconds"`

	// ============ CONFLICTS ============
	ConflictToleranceSeconds int `json:"conflict_tolerance_seconds"` // LWW ambiguity window

	// ============ BATCHING ============
	PageSize      int `json:"page_size"`       // remote list page size
	PushBatchSize int `json:"push_batch_size"` // dirty entities per push batch

	// ============ WEBHOOKS ============
	WebhookBacklogThreshold int `json:"webhook_backlog_threshold"` // pending events before a pull is requested

	// ============ ENTITIES ============
	Entities map[string]EntitySyncConfig `json:"entities"`
}

// EntitySyncConfig holds sync configuration for one entity kind
type EntitySyncConfig struct {
	Enabled      bool `json:"enabled"`
	SyncInterval int  `json:"sync_interval"` // seconds, 0 = use poll_interval_seconds
	Priority     int  `json:"priority"`      // 1-10, where 10 = highest
}

// RetryBaseDelay returns the base backoff as a duration
func (c *SyncConfig) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMs) * time.Millisecond
}

// QuotaWindow returns the refill window as a duration
func (c *SyncConfig) QuotaWindow() time.Duration {
	return time.Duration(c.QuotaWindowSeconds) * time.Second
}

// PollInterval returns the scheduler period as a duration
func (c *SyncConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// ConflictTolerance returns the LWW ambiguity window as a duration
func (c *SyncConfig) ConflictTolerance() time.Duration {
	return time.Duration(c.ConflictToleranceSeconds) * time.Second
}

// LoadSyncConfig loads sync configuration from environment or file
func LoadSyncConfig() *SyncConfig {
	// Try to load from file first
	if configPath := os.Getenv("SYNC_CONFIG_PATH"); configPath != "" {
		cfg, err := loadSyncConfigFromFile(configPath)
		if err != nil {
			log.Printf("⚠️ Failed to load sync config from %s: %v (falling back to env)", configPath, err)
		} else {
			return cfg
		}
	}

	// Otherwise use defaults
	return getDefaultSyncConfig()
}

// loadSyncConfigFromFile loads sync config from JSON file
func loadSyncConfigFromFile(path string) (*SyncConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := getDefaultSyncConfig()
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("invalid sync config: %w", err)
	}

	return cfg, nil
}

// getDefaultSyncConfig returns default sync configuration
func getDefaultSyncConfig() *SyncConfig {
	return &SyncConfig{
		Enabled:       getBoolEnv("SYNC_ENABLED", true),
		Direction:     getEnv("SYNC_DIRECTION", "bidirectional"),
		SyncOnStartup: getBoolEnv("SYNC_ON_STARTUP", true),

		QuotaCapacity:      getIntEnv("SYNC_QUOTA_CAPACITY", 5000),
		QuotaWindowSeconds: getIntEnv("SYNC_QUOTA_WINDOW", 3600),

		MaxRetries:       getIntEnv("SYNC_MAX_RETRIES", 3),
		RetryBaseDelayMs: getIntEnv("SYNC_RETRY_BASE_DELAY", 500),

		PollIntervalSeconds: getIntEnv("SYNC_POLL_INTERVAL", 300),

		ConflictToleranceSeconds: getIntEnv("SYNC_CONFLICT_TOLERANCE", 5),

		PageSize:      getIntEnv("SYNC_PAGE_SIZE", 100),
		PushBatchSize: getIntEnv("SYNC_PUSH_BATCH_SIZE", 50),

		WebhookBacklogThreshold: getIntEnv("SYNC_WEBHOOK_BACKLOG", 100),

		Entities: getDefaultEntityConfigs(),
	}
}

// getDefaultEntityConfigs returns default entity sync configs
func getDefaultEntityConfigs() map[string]EntitySyncConfig {
	return map[string]EntitySyncConfig{
		"projects": {
			Enabled:      true,
			SyncInterval: 600,
			Priority:     7,
		},
		"issues": {
			Enabled:      true,
			SyncInterval: 0, // follows poll_interval_seconds
			Priority:     10,
		},
		"milestones": {
			Enabled:      true,
			SyncInterval: 600,
			Priority:     8,
		},
	}
}

// Helper functions for environment variables

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var result int
		if _, err := fmt.Sscanf(value, "%d", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

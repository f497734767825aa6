// Package config provides centralized configuration management.
//
// Configuration can be loaded from:
//  1. YAML file (config.yaml)
//  2. Environment variables (fallback)
//
// Example usage:
//
//	cfg := config.LoadOrEnv()
//	dbPath := cfg.Storage.DatabasePath
//	workers := cfg.Jobs.Concurrency
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the entire application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Jobs          JobsConfig          `yaml:"jobs"`
	Matching      MatchingDefaults    `yaml:"matching"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// StorageConfig holds database configuration
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// JobsConfig holds background job processor tuning
type JobsConfig struct {
	Concurrency int `yaml:"concurrency"`
	PollSeconds int `yaml:"poll_seconds"`
}

// PollInterval returns the queue poll interval as a duration.
func (j JobsConfig) PollInterval() time.Duration {
	return time.Duration(j.PollSeconds) * time.Second
}

// MatchingDefaults seeds the per-organization matching configuration for
// organizations that have not tuned their own yet.
type MatchingDefaults struct {
	AutoThreshold    float64 `yaml:"auto_threshold"`
	SuggestThreshold float64 `yaml:"suggest_threshold"`
	DateWindowDays   int     `yaml:"date_window_days"`
	BatchSize        int     `yaml:"batch_size"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the config file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${EXPENSE_DB_PATH})
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// LoadFromEnv loads configuration from environment variables only
func LoadFromEnv() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port: getEnvInt("PORT", 8080),
			AllowedOrigins: []string{
				getEnv("ALLOWED_ORIGIN", "http://localhost:3000"),
			},
		},
		Storage: StorageConfig{
			DatabasePath: getEnv("EXPENSE_DB_PATH", "expense_match.db"),
		},
		Jobs: JobsConfig{
			Concurrency: getEnvInt("JOB_CONCURRENCY", 3),
			PollSeconds: getEnvInt("JOB_POLL_SECONDS", 5),
		},
		Matching: MatchingDefaults{
			BatchSize: getEnvInt("MATCH_BATCH_SIZE", 100),
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "text"),
			},
		},
	}
	cfg.applyDefaults()
	return cfg
}

// LoadOrEnv tries to load from config.yaml, falls back to environment variables
func LoadOrEnv() *Config {
	return LoadOrEnvWithPath("config.yaml")
}

// LoadOrEnvWithPath tries to load from specified path, falls back to environment variables
func LoadOrEnvWithPath(path string) *Config {
	if cfg, err := Load(path); err == nil {
		return cfg
	}
	return LoadFromEnv()
}

// applyDefaults fills zero values with sensible defaults
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	}
	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = "expense_match.db"
	}
	if c.Jobs.Concurrency <= 0 {
		c.Jobs.Concurrency = 3
	}
	if c.Jobs.PollSeconds <= 0 {
		c.Jobs.PollSeconds = 5
	}
	if c.Matching.AutoThreshold == 0 {
		c.Matching.AutoThreshold = 0.85
	}
	if c.Matching.SuggestThreshold == 0 {
		c.Matching.SuggestThreshold = 0.5
	}
	if c.Matching.DateWindowDays == 0 {
		c.Matching.DateWindowDays = 7
	}
	if c.Matching.BatchSize == 0 {
		c.Matching.BatchSize = 100
	}
	if c.Observability.Logging.Level == "" {
		c.Observability.Logging.Level = "info"
	}
}

// getEnv retrieves an environment variable with a fallback default
func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

// getEnvInt retrieves an integer environment variable with a fallback default
func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		var result int
		if _, err := fmt.Sscanf(val, "%d", &result); err == nil {
			return result
		}
	}
	return fallback
}

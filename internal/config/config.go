// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds everything the service needs to start. Values come from
// environment variables; a local .env file is loaded by the CLI before this
// package reads them.
type Config struct {
	Port        string
	DatabaseURL string

	GeminiAPIKey string

	// TenantTokenLimit and TenantCostLimit cap cumulative tenant usage.
	// Zero disables the corresponding check.
	TenantTokenLimit int64
	TenantCostLimit  float64

	LogLevel string
}

// Load reads configuration from the environment, applying defaults for
// optional values. DATABASE_URL and GEMINI_API_KEY are required.
func Load() (*Config, error) {
	cfg := &Config{
		Port:         getEnv("PORT", "8080"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		GeminiAPIKey: os.Getenv("GEMINI_API_KEY"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}

	var err error
	cfg.TenantTokenLimit, err = getEnvInt64("TENANT_TOKEN_LIMIT", 0)
	if err != nil {
		return nil, err
	}
	cfg.TenantCostLimit, err = getEnvFloat("TENANT_COST_LIMIT", 0)
	if err != nil {
		return nil, err
	}

	if cfg.TenantTokenLimit < 0 {
		return nil, fmt.Errorf("TENANT_TOKEN_LIMIT must be non-negative, got %d", cfg.TenantTokenLimit)
	}
	if cfg.TenantCostLimit < 0 {
		return nil, fmt.Errorf("TENANT_COST_LIMIT must be non-negative, got %v", cfg.TenantCostLimit)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number: %w", key, err)
	}
	return f, nil
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the webhook engine.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string
	NumWorkers  int
	AdminToken  string

	DeliveryTimeout         time.Duration
	MaxRetries              int
	CircuitBreakerThreshold int
	CircuitBreakerTimeout   time.Duration
	RetentionDays           int
	RetrySchedulerInterval  time.Duration
	CleanupInterval         time.Duration
	RateLimitPerSecond      int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),
		NumWorkers:  getEnvInt("NUM_WORKERS", 50),
		AdminToken:  getEnv("ADMIN_TOKEN", ""),

		DeliveryTimeout:         getEnvSeconds("WEBHOOK_DELIVERY_TIMEOUT", 30),
		MaxRetries:              getEnvInt("WEBHOOK_MAX_RETRIES", 5),
		CircuitBreakerThreshold: getEnvInt("WEBHOOK_CIRCUIT_BREAKER_THRESHOLD", 5),
		CircuitBreakerTimeout:   getEnvSeconds("WEBHOOK_CIRCUIT_BREAKER_TIMEOUT", 300),
		RetentionDays:           getEnvInt("WEBHOOK_RETENTION_DAYS", 7),
		RetrySchedulerInterval:  getEnvSeconds("WEBHOOK_RETRY_INTERVAL", 60),
		CleanupInterval:         getEnvSeconds("WEBHOOK_CLEANUP_INTERVAL", 86400),
		RateLimitPerSecond:      getEnvInt("WEBHOOK_RATE_LIMIT_PER_SECOND", 0),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

func getEnvSeconds(key string, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * time.Second
}

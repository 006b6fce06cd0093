package config

import (
	"os"
	"strconv"
	"time"
)

// LoadFromEnv applies environment overrides on top of the file values.
// Secrets in particular should come from the environment rather than
// the config file.
func LoadFromEnv(cfg *Config) {
	if port := os.Getenv("SENTINEL_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if level := os.Getenv("SENTINEL_LOG_LEVEL"); level != "" {
		cfg.Server.LogLevel = level
	}

	if host := os.Getenv("SENTINEL_DB_HOST"); host != "" {
		cfg.Database.Host = host
	}
	if pass := os.Getenv("SENTINEL_DB_PASSWORD"); pass != "" {
		cfg.Database.Password = pass
	}
	if user := os.Getenv("SENTINEL_DB_USER"); user != "" {
		cfg.Database.User = user
	}

	if url := os.Getenv("SENTINEL_CONTROL_API_URL"); url != "" {
		cfg.ControlAPI.BaseURL = url
	}

	if budget := os.Getenv("SENTINEL_RPO_BUDGET"); budget != "" {
		if d, err := time.ParseDuration(budget); err == nil {
			cfg.Decision.RPOBudget = d
			cfg.Promotion.RPOBudget = d
		}
	}

	if key := os.Getenv("SENTINEL_S3_ACCESS_KEY"); key != "" {
		cfg.Backup.S3.AccessKey = key
	}
	if secret := os.Getenv("SENTINEL_S3_SECRET_KEY"); secret != "" {
		cfg.Backup.S3.SecretKey = secret
	}
}

// GetEnvOrDefault returns an environment variable or a fallback.
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

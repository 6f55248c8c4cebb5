package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"inventory-ledger/internal/core"
)

// Config is read once at startup from the environment, after an optional .env file.
type Config struct {
	DatabaseURL     string
	DBMaxConns      int32
	ServerPort      string
	AllowedOrigins  string
	LockTimeout     time.Duration
	RetryMaxElapsed time.Duration
	DefaultMethod   core.ValuationMethod
	LogLevel        string
	LogFormat       string
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv, applying defaults for unset values.
func FromEnv(getenv func(string) string) (*Config, error) {
	cfg := &Config{
		DatabaseURL:    getenv("DATABASE_URL"),
		ServerPort:     getenv("SERVER_PORT"),
		AllowedOrigins: getenv("ALLOWED_ORIGINS"),
		LogLevel:       getenv("LOG_LEVEL"),
		LogFormat:      getenv("LOG_FORMAT"),
	}
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}

	var err error
	if cfg.LockTimeout, err = duration(getenv, "LOCK_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.RetryMaxElapsed, err = duration(getenv, "RETRY_MAX_ELAPSED", 10*time.Second); err != nil {
		return nil, err
	}

	cfg.DefaultMethod = core.ValuationFIFO
	if v := getenv("DEFAULT_VALUATION_METHOD"); v != "" {
		if cfg.DefaultMethod, err = core.ParseValuationMethod(v); err != nil {
			return nil, fmt.Errorf("DEFAULT_VALUATION_METHOD=%q: %w", v, err)
		}
	}

	if v := getenv("DB_MAX_CONNS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("DB_MAX_CONNS=%q: must be a positive integer", v)
		}
		cfg.DBMaxConns = int32(n)
	}
	return cfg, nil
}

func duration(getenv func(string) string, key string, def time.Duration) (time.Duration, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%s=%q: must be a non-negative duration like 5s", key, v)
	}
	return d, nil
}

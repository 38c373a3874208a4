// Package config provides configuration loading from environment variables.
package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ClientConfig holds process-wide settings shared by the client components.
// Component tuning (retries, stream timeouts, payment threshold) lives in each
// component's own LoadConfigFromEnv.
type ClientConfig struct {
	APIBaseURL   string
	HTTPTimeout  time.Duration
	StateDir     string // file-backed correlation store
	RedisAddr    string // enables the Redis correlation store when set
	RedisPass    string
	RedisDB      int
	CallbackAddr string // payment return listener
	MetricsAddr  string // empty disables /metrics
	LogLevel     string
	LogFormat    string
}

// LoadClientConfig loads client configuration from environment variables.
func LoadClientConfig() *ClientConfig {
	return &ClientConfig{
		APIBaseURL:   strings.TrimRight(GetEnv("API_BASE_URL", "https://factorial-backend.fly.dev"), "/"),
		HTTPTimeout:  GetDurationEnv("HTTP_TIMEOUT", 30*time.Second),
		StateDir:     GetEnv("STATE_DIR", defaultStateDir()),
		RedisAddr:    GetEnv("REDIS_ADDR", ""),
		RedisPass:    GetSecret("REDIS_PASSWORD"),
		RedisDB:      GetIntEnv("REDIS_DB", 0),
		CallbackAddr: GetEnv("CALLBACK_ADDR", "127.0.0.1:8089"),
		MetricsAddr:  GetEnv("METRICS_ADDR", ""),
		LogLevel:     GetEnv("LOG_LEVEL", "info"),
		LogFormat:    GetEnv("LOG_FORMAT", "json"),
	}
}

// SlogLevel maps LogLevel onto a slog level. Unknown values mean info.
func (c *ClientConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func defaultStateDir() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "jobctl")
	}
	return ".jobctl"
}

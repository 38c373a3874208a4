package download

import (
	"time"

	"jobctl/internal/config"
)

// Download defaults.
const (
	defaultTimeout  = 5 * time.Minute
	defaultMaxBytes = 1 << 30
)

// Config holds result download settings.
type Config struct {
	Timeout  time.Duration // ceiling on one transfer (default: 5m)
	MaxBytes int64         // largest accepted artifact (default: 1 GiB)
}

// LoadConfigFromEnv loads download configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		Timeout:  config.GetDurationEnv("DOWNLOAD_TIMEOUT", defaultTimeout),
		MaxBytes: config.GetInt64Env("DOWNLOAD_MAX_BYTES", defaultMaxBytes),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = defaultMaxBytes
	}
	return c
}

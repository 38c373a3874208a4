package submit

import (
	"time"

	"jobctl/internal/config"
	"jobctl/pkg/backoff"
)

// Submission defaults.
const (
	defaultMaxRetries  = 3
	defaultBackoffBase = 1 * time.Second
)

// Config holds submission retry settings.
type Config struct {
	MaxRetries  int           // total attempts, including the first (default: 3)
	BackoffBase time.Duration // wait after the first failure (default: 1s)
	BackoffMax  time.Duration // cap on any single wait; zero or negative means uncapped
}

// LoadConfigFromEnv loads submission configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		MaxRetries:  config.GetIntEnv("MAX_RETRIES", defaultMaxRetries),
		BackoffBase: config.GetDurationEnv("BACKOFF_BASE", defaultBackoffBase),
		BackoffMax:  config.GetDurationEnv("BACKOFF_MAX", 0),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffMax < 0 {
		c.BackoffMax = 0
	}
	return c
}

// backoffConfig maps the submission settings onto pkg/backoff, where only a
// negative Max disables the cap.
func (c Config) backoffConfig() backoff.Config {
	maxBackoff := c.BackoffMax
	if maxBackoff <= 0 {
		maxBackoff = -1
	}
	return backoff.Config{Initial: c.BackoffBase, Max: maxBackoff}
}

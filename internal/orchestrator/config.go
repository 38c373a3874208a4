package orchestrator

import (
	"time"

	"jobctl/internal/config"
	"jobctl/internal/job"
)

// Orchestrator defaults.
const (
	defaultTickInterval     = time.Second
	defaultSubscriberBuffer = 16
	defaultPersistTimeout   = 5 * time.Second
)

// Config holds orchestrator settings.
type Config struct {
	MaxInput         int64         // largest accepted n (default: 1000000)
	TickInterval     time.Duration // elapsed-time refresh (default: 1s)
	SubscriberBuffer int           // snapshots buffered per subscriber (default: 16)
	PersistTimeout   time.Duration // bound on active-job store writes (default: 5s)
}

// LoadConfigFromEnv loads orchestrator configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		MaxInput:     config.GetInt64Env("MAX_INPUT", job.DefaultMaxInput),
		TickInterval: config.GetDurationEnv("ELAPSED_TICK", defaultTickInterval),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.MaxInput <= 0 {
		c.MaxInput = job.DefaultMaxInput
	}
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = defaultSubscriberBuffer
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = defaultPersistTimeout
	}
	return c
}

package stream

import (
	"time"

	"jobctl/internal/config"
)

// Stream defaults.
const (
	defaultInactivityTimeout = 60 * time.Second
	defaultReconnectDelay    = 2 * time.Second
	defaultHeartbeatStep     = 1
	defaultProbeTimeout      = 5 * time.Second
)

// Config holds status stream settings.
type Config struct {
	InactivityTimeout time.Duration // no event for this long fails the job (default: 60s)
	ReconnectDelay    time.Duration // wait before reopening a dropped stream (default: 2s)
	MaxReconnects     int           // 0 means unlimited
	HeartbeatStep     int           // progress added per heartbeat (default: 1)
	ProbeTimeout      time.Duration // how long Probe waits for a first event (default: 5s)
}

// LoadConfigFromEnv loads stream configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		InactivityTimeout: config.GetDurationEnv("STREAM_INACTIVITY_TIMEOUT", defaultInactivityTimeout),
		ReconnectDelay:    config.GetDurationEnv("STREAM_RECONNECT_DELAY", defaultReconnectDelay),
		MaxReconnects:     config.GetIntEnv("STREAM_MAX_RECONNECTS", 0),
		HeartbeatStep:     config.GetIntEnv("HEARTBEAT_STEP", defaultHeartbeatStep),
		ProbeTimeout:      config.GetDurationEnv("STREAM_PROBE_TIMEOUT", defaultProbeTimeout),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = defaultInactivityTimeout
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = defaultReconnectDelay
	}
	if c.MaxReconnects < 0 {
		c.MaxReconnects = 0
	}
	if c.HeartbeatStep <= 0 {
		c.HeartbeatStep = defaultHeartbeatStep
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = defaultProbeTimeout
	}
	return c
}

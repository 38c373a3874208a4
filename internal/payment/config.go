package payment

import (
	"time"

	"jobctl/internal/config"
)

// Payment defaults.
const (
	defaultThreshold       = 1000
	defaultAmount          = "5.00"
	defaultApprovalURL     = "https://www.sandbox.paypal.com/checkoutnow?token={transactionId}"
	defaultApprovalTimeout = 15 * time.Minute
)

// Config holds payment gate settings.
type Config struct {
	Threshold int64  // jobs with n above this require payment (default: 1000)
	Amount    string // charged per gated job (default: "5.00")
	// ApprovalURL is where the payer approves the order. {transactionId},
	// {token} and {returnUrl} are substituted.
	ApprovalURL     string
	ApprovalTimeout time.Duration // how long to wait for the payer (default: 15m)
	ClaimTTL        time.Duration // capture/verify claim expiry (default: 2m)
}

// LoadConfigFromEnv loads payment configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		Threshold:       config.GetInt64Env("PAYMENT_THRESHOLD", defaultThreshold),
		Amount:          config.GetEnv("PAYMENT_AMOUNT", defaultAmount),
		ApprovalURL:     config.GetEnv("PAYMENT_APPROVAL_URL", defaultApprovalURL),
		ApprovalTimeout: config.GetDurationEnv("PAYMENT_APPROVAL_TIMEOUT", defaultApprovalTimeout),
		ClaimTTL:        config.GetDurationEnv("PAYMENT_CLAIM_TTL", 2*time.Minute),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = defaultThreshold
	}
	if c.Amount == "" {
		c.Amount = defaultAmount
	}
	if c.ApprovalURL == "" {
		c.ApprovalURL = defaultApprovalURL
	}
	if c.ApprovalTimeout <= 0 {
		c.ApprovalTimeout = defaultApprovalTimeout
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = 2 * time.Minute
	}
	return c
}

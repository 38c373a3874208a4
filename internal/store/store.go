// Package store persists what the client needs to survive a restart: payment
// authorizations keyed by transaction and correlation token, and the job that
// is currently being watched.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no record exists for the key.
	ErrNotFound = errors.New("not found")
	// ErrClaimed is returned when another caller holds the transaction claim.
	ErrClaimed = errors.New("transaction is being processed")
	// ErrJobConflict is returned by RecordJob when the transaction already maps
	// to a different job. The first job id is returned alongside it.
	ErrJobConflict = errors.New("transaction already mapped to another job")
)

// DefaultClaimTTL bounds how long a crashed holder can block a transaction.
const DefaultClaimTTL = 2 * time.Minute

// Authorization is a payment authorization for one gated job.
type Authorization struct {
	TransactionID string    `json:"transactionId"`
	Token         string    `json:"token,omitempty"`
	N             int64     `json:"n"`
	Amount        string    `json:"amount,omitempty"`
	JobID         string    `json:"jobId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// ActiveJob is the job being processed, kept so a restarted client can reattach.
type ActiveJob struct {
	JobID     string    `json:"jobId"`
	N         int64     `json:"n"`
	StartedAt time.Time `json:"startedAt"`
}

// Release gives up a transaction claim.
type Release func()

// Store is the persistence contract shared by the memory, file and Redis backends.
type Store interface {
	// SaveAuthorization stores a new authorization. An existing job mapping
	// for the same transaction is preserved.
	SaveAuthorization(ctx context.Context, auth Authorization) error
	// Authorization looks up an authorization by transaction id.
	Authorization(ctx context.Context, transactionID string) (Authorization, error)
	// AuthorizationByToken looks up an authorization by correlation token.
	AuthorizationByToken(ctx context.Context, token string) (Authorization, error)
	// Claim takes an exclusive, expiring claim on a transaction.
	Claim(ctx context.Context, transactionID string, ttl time.Duration) (Release, error)
	// RecordJob maps a transaction to a job id. The first mapping wins.
	RecordJob(ctx context.Context, transactionID, jobID string) (string, error)

	SaveActiveJob(ctx context.Context, active ActiveJob) error
	ActiveJob(ctx context.Context) (ActiveJob, error)
	ClearActiveJob(ctx context.Context) error

	// Ready reports whether the backend can serve requests.
	Ready(ctx context.Context) error
	Close() error
}

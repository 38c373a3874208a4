// Package job defines the job lifecycle: states, outcome events and the
// transition function that is the only way a Job changes.
package job

import (
	"jobctl/internal/apperrors"
)

// State is the lifecycle state of a job.
type State string

// State constants
const (
	StateIdle             State = "idle"
	StateSubmitting       State = "submitting"
	StatePaymentPending   State = "payment_pending"
	StateVerifyingPayment State = "verifying_payment"
	StateProcessing       State = "processing"
	StateComplete         State = "complete"
	StateError            State = "error"
	StateCancelled        State = "cancelled"
)

// Terminal reports whether leaving the state requires an explicit reset.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateError || s == StateCancelled
}

// Active reports whether a job is in flight: neither idle nor terminal.
func (s State) Active() bool {
	return s != StateIdle && !s.Terminal()
}

// Job is one user-requested computation. It is a value: transitions return a
// new Job and never modify the receiver.
type Job struct {
	ID               string // assigned by the remote service, empty until submitted
	N                int64
	State            State
	Progress         int // percent, 0-100
	ElapsedSeconds   int
	ResultSize       int64
	RetryCount       int
	StreamAttempts   int
	DownloadFraction float64
	TransactionID    string
	CorrelationToken string
	Err              error
}

// Status is the JSON view of a Job.
type Status struct {
	ID               string  `json:"jobId,omitempty"`
	N                int64   `json:"n,omitempty"`
	State            State   `json:"status"`
	Progress         int     `json:"progress"`
	ElapsedSeconds   int     `json:"elapsedSeconds"`
	ResultSize       int64   `json:"resultSize,omitempty"`
	RetryCount       int     `json:"retryCount,omitempty"`
	DownloadFraction float64 `json:"downloadProgress,omitempty"`
	TransactionID    string  `json:"transactionId,omitempty"`
	Error            string  `json:"error,omitempty"`
	Reference        string  `json:"reference,omitempty"`
}

// Status returns the JSON view of the job.
func (j Job) Status() Status {
	s := Status{
		ID:               j.ID,
		N:                j.N,
		State:            j.State,
		Progress:         j.Progress,
		ElapsedSeconds:   j.ElapsedSeconds,
		ResultSize:       j.ResultSize,
		RetryCount:       j.RetryCount,
		DownloadFraction: j.DownloadFraction,
		TransactionID:    j.TransactionID,
	}
	if j.Err != nil {
		s.Error = j.Err.Error()
		s.Reference = apperrors.Reference(j.Err)
		if s.Reference == "" {
			s.Reference = j.ID
		}
	}
	return s
}

// Package apperrors provides the structured error taxonomy of the job client.
package apperrors

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrInvalidInput              = errors.New("invalid input")
	ErrSubmissionFailed          = errors.New("submission failed")
	ErrStreamTimeout             = errors.New("stream timeout")
	ErrStreamError               = errors.New("stream error")
	ErrPaymentRejected           = errors.New("payment rejected")
	ErrPaymentOrderFailed        = errors.New("payment order failed")
	ErrPaymentVerificationFailed = errors.New("payment verification failed")
	ErrNotReady                  = errors.New("not ready")
	ErrDownloadFailed            = errors.New("download failed")
	ErrInvalidTransition         = errors.New("invalid transition")
)

// Error provides structured error with context.
type Error struct {
	Sentinel      error  // Wrapped sentinel for errors.Is() classification
	Message       string // Human-readable message
	Field         string // For input errors (e.g., "n")
	JobID         string // Job the failure belongs to, if known
	TransactionID string // Payment transaction, if any
	Op            string // Operation that failed (e.g., "api.compute")
	Cause         error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

// InvalidInput creates a local validation error. Never retried.
func InvalidInput(field, message string) error {
	return &Error{
		Sentinel: ErrInvalidInput,
		Message:  message,
		Field:    field,
	}
}

// SubmissionFailed reports that every submission attempt failed.
func SubmissionFailed(attempts int, cause error) error {
	return &Error{
		Sentinel: ErrSubmissionFailed,
		Message:  fmt.Sprintf("submission failed after %d attempt(s): %v", attempts, cause),
		Op:       "submit",
		Cause:    cause,
	}
}

// StreamTimeout reports that no status event arrived within the inactivity window.
func StreamTimeout(jobID string, window time.Duration) error {
	return &Error{
		Sentinel: ErrStreamTimeout,
		Message:  fmt.Sprintf("no status update for job %s within %s", jobID, window),
		JobID:    jobID,
		Op:       "stream",
	}
}

// StreamError reports a server-side job failure or an unrecoverable channel failure.
func StreamError(jobID, message string, cause error) error {
	return &Error{
		Sentinel: ErrStreamError,
		Message:  fmt.Sprintf("job %s: %s", jobID, message),
		JobID:    jobID,
		Op:       "stream",
		Cause:    cause,
	}
}

// PaymentRejected reports that the payer declined or cancelled the authorization.
func PaymentRejected(transactionID, reason string) error {
	return &Error{
		Sentinel:      ErrPaymentRejected,
		Message:       fmt.Sprintf("payment %s was not approved: %s", transactionID, reason),
		TransactionID: transactionID,
		Op:            "payment.approve",
	}
}

// PaymentOrderFailed reports that no payment order could be opened for n.
func PaymentOrderFailed(n int64, cause error) error {
	return &Error{
		Sentinel: ErrPaymentOrderFailed,
		Message:  fmt.Sprintf("could not open a payment order for n=%d: %v", n, cause),
		Op:       "payment.order",
		Cause:    cause,
	}
}

// PaymentVerificationFailed reports a capture or recovery failure.
// The transaction id is kept for manual support follow-up.
func PaymentVerificationFailed(transactionID string, cause error) error {
	return &Error{
		Sentinel:      ErrPaymentVerificationFailed,
		Message:       fmt.Sprintf("payment %s could not be verified (quote this id to support): %v", transactionID, cause),
		TransactionID: transactionID,
		Op:            "payment.verify",
		Cause:         cause,
	}
}

// NotReady reports that a job result was requested before completion.
func NotReady(jobID, state string) error {
	return &Error{
		Sentinel: ErrNotReady,
		Message:  fmt.Sprintf("job %s is not complete (state %s)", jobID, state),
		JobID:    jobID,
		Op:       "download",
	}
}

// DownloadFailed reports a failed or truncated result transfer.
func DownloadFailed(jobID, message string, cause error) error {
	return &Error{
		Sentinel: ErrDownloadFailed,
		Message:  fmt.Sprintf("download of job %s failed: %s", jobID, message),
		JobID:    jobID,
		Op:       "download",
		Cause:    cause,
	}
}

// InvalidTransition reports an event that the current state does not accept.
func InvalidTransition(state, event string) error {
	return &Error{
		Sentinel: ErrInvalidTransition,
		Message:  fmt.Sprintf("event %s not allowed in state %s", event, state),
	}
}

// Reference returns the identifier a user should quote to retry or seek support:
// the transaction id when present, otherwise the job id.
func Reference(err error) string {
	var appErr *Error
	if !errors.As(err, &appErr) {
		return ""
	}
	if appErr.TransactionID != "" {
		return appErr.TransactionID
	}
	return appErr.JobID
}

// WithJob returns a copy of err annotated with the job id when it is an *Error
// without one.
func WithJob(err error, jobID string) error {
	var appErr *Error
	if jobID == "" || !errors.As(err, &appErr) || appErr.JobID != "" {
		return err
	}
	annotated := *appErr
	annotated.JobID = jobID
	return &annotated
}

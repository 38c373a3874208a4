// Package submit sends compute requests with bounded retry and exponential backoff.
package submit

import (
	"context"
	"log/slog"
	"time"

	"jobctl/internal/api"
	"jobctl/internal/apperrors"
	"jobctl/pkg/backoff"
)

// Backend is the compute endpoint.
type Backend interface {
	Compute(ctx context.Context, n int64) (string, error)
}

// RetryFunc is told about each failed attempt before its backoff wait.
type RetryFunc func(attempt int, delay time.Duration, err error)

// MetricsRecorder is an optional interface for recording submission metrics.
type MetricsRecorder interface {
	RecordSubmission(ctx context.Context, success bool, attempts int)
	RecordSubmitRetry(ctx context.Context)
}

// Submitter submits jobs to the backend.
type Submitter struct {
	backend Backend
	config  Config
	backoff backoff.Config
	logger  *slog.Logger
	metrics MetricsRecorder
}

// New creates a Submitter. metrics may be nil.
func New(backend Backend, cfg Config, metrics MetricsRecorder) *Submitter {
	cfg = cfg.withDefaults()
	return &Submitter{
		backend: backend,
		config:  cfg,
		backoff: cfg.backoffConfig(),
		logger:  slog.With("component", "submitter"),
		metrics: metrics,
	}
}

// Submit posts n to the compute endpoint and returns the job id.
//
// Transient failures are retried up to MaxRetries attempts in total, waiting
// BackoffBase*2^(k-1) after failed attempt k. Non-transient failures stop
// immediately. Exhaustion returns ErrSubmissionFailed wrapping the last error.
// Cancelling ctx aborts the in-flight request or wait and returns ctx.Err().
func (s *Submitter) Submit(ctx context.Context, n int64, onRetry RetryFunc) (string, error) {
	var (
		lastErr  error
		attempts int
	)

	for attempt := 1; attempt <= s.config.MaxRetries; attempt++ {
		attempts = attempt
		jobID, err := s.backend.Compute(ctx, n)
		if err == nil {
			s.logger.Info("Job submitted", "jobId", jobID, "n", n, "attempts", attempt)
			s.record(ctx, true, attempt)
			return jobID, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		lastErr = err
		if !api.IsTransient(err) {
			s.logger.Warn("Submission rejected", "n", n, "attempt", attempt, "error", err)
			break
		}
		if attempt == s.config.MaxRetries {
			break
		}

		delay := backoff.Exponential(attempt, &s.backoff)
		s.logger.Warn("Submission failed, retrying",
			"n", n,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}
		if s.metrics != nil {
			s.metrics.RecordSubmitRetry(ctx)
		}
		if err := backoff.Wait(ctx, delay); err != nil {
			return "", err
		}
	}

	s.record(ctx, false, attempts)
	return "", apperrors.SubmissionFailed(attempts, lastErr)
}

func (s *Submitter) record(ctx context.Context, success bool, attempts int) {
	if s.metrics != nil {
		s.metrics.RecordSubmission(ctx, success, attempts)
	}
}

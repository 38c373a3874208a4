package apperrors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestInvalidInput(t *testing.T) {
	t.Parallel()
	err := InvalidInput("n", "must be a positive integer")

	if !errors.Is(err, ErrInvalidInput) {
		t.Error("expected error to match ErrInvalidInput")
	}
	if err.Error() != "must be a positive integer" {
		t.Errorf("unexpected message %q", err.Error())
	}

	var appErr *Error
	if !errors.As(err, &appErr) {
		t.Fatal("expected error to be *Error")
	}
	if appErr.Field != "n" {
		t.Errorf("expected field 'n', got %q", appErr.Field)
	}
}

func TestSubmissionFailed_KeepsCause(t *testing.T) {
	t.Parallel()
	cause := fmt.Errorf("connection refused")
	err := SubmissionFailed(3, cause)

	if !errors.Is(err, ErrSubmissionFailed) {
		t.Error("expected error to match ErrSubmissionFailed")
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause to be reachable through errors.Is")
	}
	if !strings.Contains(err.Error(), "3 attempt(s)") {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestSentinelClassification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"stream timeout", StreamTimeout("job-1", time.Minute), ErrStreamTimeout},
		{"stream error", StreamError("job-1", "boom", nil), ErrStreamError},
		{"payment rejected", PaymentRejected("TX1", "cancelled by payer"), ErrPaymentRejected},
		{"payment order", PaymentOrderFailed(5000, errors.New("HTTP 502")), ErrPaymentOrderFailed},
		{"payment verification", PaymentVerificationFailed("TX1", errors.New("HTTP 500")), ErrPaymentVerificationFailed},
		{"not ready", NotReady("job-1", "processing"), ErrNotReady},
		{"download", DownloadFailed("job-1", "short body", nil), ErrDownloadFailed},
		{"transition", InvalidTransition("idle", "Completed"), ErrInvalidTransition},
		{"wrapped", fmt.Errorf("outer: %w", NotReady("job-1", "idle")), ErrNotReady},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if !errors.Is(tt.err, tt.sentinel) {
				t.Errorf("errors.Is(%v, %v) = false", tt.err, tt.sentinel)
			}
		})
	}
}

func TestCauseContextCanceled(t *testing.T) {
	t.Parallel()
	err := DownloadFailed("job-1", "request failed", context.DeadlineExceeded)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("expected deadline cause to be preserved")
	}
}

func TestReference(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"transaction wins", PaymentVerificationFailed("TX9", errors.New("x")), "TX9"},
		{"job id", StreamTimeout("job-7", time.Second), "job-7"},
		{"wrapped", fmt.Errorf("wrap: %w", DownloadFailed("job-3", "x", nil)), "job-3"},
		{"plain error", errors.New("plain"), ""},
		{"nil", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Reference(tt.err); got != tt.want {
				t.Errorf("Reference() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWithJob(t *testing.T) {
	t.Parallel()
	original := SubmissionFailed(1, errors.New("x"))
	annotated := WithJob(original, "job-5")

	if Reference(annotated) != "job-5" {
		t.Errorf("Reference() = %q, want job-5", Reference(annotated))
	}
	if Reference(original) != "" {
		t.Error("WithJob must not mutate the original error")
	}
	if !errors.Is(annotated, ErrSubmissionFailed) {
		t.Error("annotated error lost its sentinel")
	}

	plain := errors.New("plain")
	if WithJob(plain, "job-5") != plain {
		t.Error("non-structured errors are returned unchanged")
	}
}

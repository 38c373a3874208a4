// Package payment gates large jobs behind a payment authorization: order
// creation, payer approval, capture, and recovery of an authorization after
// the client lost track of it.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"jobctl/internal/api"
	"jobctl/internal/apperrors"
	"jobctl/internal/store"
)

// Payment steps and outcomes reported to metrics.
const (
	stepOrder    = "order"
	stepApproval = "approval"
	stepCapture  = "capture"
	stepVerify   = "verify"

	outcomeOK       = "ok"
	outcomeFailed   = "failed"
	outcomeRejected = "rejected"
	outcomeReplayed = "replayed"
)

// Backend is the payment side of the compute backend.
type Backend interface {
	CreateOrder(ctx context.Context, n int64) (string, error)
	CaptureOrder(ctx context.Context, req api.CaptureRequest) (string, error)
	VerifyPayment(ctx context.Context, transactionID string) (string, error)
}

// Approval is the payer's consent, delivered by the provider's redirect.
type Approval struct {
	TransactionID string
	PayerID       string
	Token         string
}

// Approver waits for the payer to approve or reject an authorization.
// Rejections are returned as ErrPaymentRejected.
type Approver interface {
	AwaitApproval(ctx context.Context, auth store.Authorization) (Approval, error)
}

// MetricsRecorder is an optional interface for recording payment metrics.
type MetricsRecorder interface {
	RecordPayment(ctx context.Context, step, outcome string)
}

// Gate runs the payment flow for gated jobs.
type Gate struct {
	backend  Backend
	store    store.Store
	approver Approver
	config   Config
	logger   *slog.Logger
	metrics  MetricsRecorder
	now      func() time.Time
}

// NewGate creates a payment gate. approver and metrics may be nil; without an
// approver AwaitApproval fails and only Recover can complete a payment.
func NewGate(backend Backend, st store.Store, approver Approver, cfg Config, metrics MetricsRecorder) *Gate {
	return &Gate{
		backend:  backend,
		store:    st,
		approver: approver,
		config:   cfg.withDefaults(),
		logger:   slog.With("component", "payment"),
		metrics:  metrics,
		now:      time.Now,
	}
}

// Requires reports whether n must be paid for before submission.
func (g *Gate) Requires(n int64) bool {
	return n > g.config.Threshold
}

// Threshold returns the largest n that runs without payment.
func (g *Gate) Threshold() int64 {
	return g.config.Threshold
}

// ApprovalTimeout bounds AwaitApproval in the orchestrator.
func (g *Gate) ApprovalTimeout() time.Duration {
	return g.config.ApprovalTimeout
}

// Begin opens a payment order for n and persists the authorization under a
// fresh correlation token.
func (g *Gate) Begin(ctx context.Context, n int64) (store.Authorization, error) {
	tx, err := g.backend.CreateOrder(ctx, n)
	if err != nil {
		g.record(ctx, stepOrder, outcomeFailed)
		return store.Authorization{}, apperrors.PaymentOrderFailed(n, err)
	}

	auth := store.Authorization{
		TransactionID: tx,
		Token:         uuid.NewString(),
		N:             n,
		Amount:        g.config.Amount,
		CreatedAt:     g.now().UTC(),
	}
	if err := g.store.SaveAuthorization(ctx, auth); err != nil {
		g.record(ctx, stepOrder, outcomeFailed)
		return store.Authorization{}, apperrors.PaymentVerificationFailed(tx, fmt.Errorf("persist authorization: %w", err))
	}

	g.record(ctx, stepOrder, outcomeOK)
	g.logger.Info("Payment order created", "transactionId", tx, "n", n, "amount", auth.Amount)
	return auth, nil
}

// ApprovalURL renders the page the payer must visit for auth. returnURL is
// where the provider sends the payer afterwards.
func (g *Gate) ApprovalURL(auth store.Authorization, returnURL string) string {
	r := strings.NewReplacer(
		"{transactionId}", url.QueryEscape(auth.TransactionID),
		"{token}", url.QueryEscape(auth.Token),
		"{returnUrl}", url.QueryEscape(returnURL),
	)
	return r.Replace(g.config.ApprovalURL)
}

// AwaitApproval blocks until the payer approves or rejects auth.
func (g *Gate) AwaitApproval(ctx context.Context, auth store.Authorization) (Approval, error) {
	if g.approver == nil {
		return Approval{}, apperrors.PaymentRejected(auth.TransactionID, "no approval channel configured")
	}

	approval, err := g.approver.AwaitApproval(ctx, auth)
	switch {
	case err == nil:
	case errors.Is(err, apperrors.ErrPaymentRejected):
		g.record(ctx, stepApproval, outcomeRejected)
		return Approval{}, err
	case ctx.Err() != nil:
		return Approval{}, ctx.Err()
	default:
		g.record(ctx, stepApproval, outcomeFailed)
		return Approval{}, apperrors.PaymentVerificationFailed(auth.TransactionID, err)
	}

	if approval.TransactionID == "" {
		approval.TransactionID = auth.TransactionID
	}
	if approval.TransactionID != auth.TransactionID {
		g.record(ctx, stepApproval, outcomeFailed)
		return Approval{}, apperrors.PaymentVerificationFailed(auth.TransactionID,
			fmt.Errorf("approval is for transaction %s", approval.TransactionID))
	}
	g.record(ctx, stepApproval, outcomeOK)
	return approval, nil
}

// Capture captures an approved payment and returns the job id the backend
// submitted for it. A transaction that already has a job returns that job
// without contacting the backend. Capture is never retried automatically.
func (g *Gate) Capture(ctx context.Context, auth store.Authorization, approval Approval) (string, error) {
	tx := auth.TransactionID
	if jobID, ok := g.recorded(ctx, tx); ok {
		g.record(ctx, stepCapture, outcomeReplayed)
		return jobID, nil
	}

	return g.claimed(ctx, tx, stepCapture, func() (string, error) {
		return g.backend.CaptureOrder(ctx, api.CaptureRequest{
			PaymentID: tx,
			PayerID:   approval.PayerID,
			N:         auth.N,
			Amount:    auth.Amount,
		})
	})
}

// Recover resolves a correlation token, or a raw transaction id, to its job.
// Repeated calls for the same transaction yield the same job id and never
// issue a second verification once a job id is recorded.
func (g *Gate) Recover(ctx context.Context, ref string) (store.Authorization, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return store.Authorization{}, apperrors.PaymentVerificationFailed("", errors.New("no transaction reference"))
	}

	auth, err := g.Lookup(ctx, ref)
	if err != nil {
		g.record(ctx, stepVerify, outcomeFailed)
		return store.Authorization{}, apperrors.PaymentVerificationFailed(ref, err)
	}
	if auth.JobID != "" {
		g.record(ctx, stepVerify, outcomeReplayed)
		return auth, nil
	}

	jobID, err := g.claimed(ctx, auth.TransactionID, stepVerify, func() (string, error) {
		return g.backend.VerifyPayment(ctx, auth.TransactionID)
	})
	if err != nil {
		return store.Authorization{}, err
	}
	auth.JobID = jobID
	return auth, nil
}

// Lookup resolves ref by token, then by transaction id, without contacting the
// backend. An unknown ref is taken to be a transaction id created elsewhere.
func (g *Gate) Lookup(ctx context.Context, ref string) (store.Authorization, error) {
	auth, err := g.store.AuthorizationByToken(ctx, ref)
	if err == nil {
		return auth, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.Authorization{}, err
	}

	auth, err = g.store.Authorization(ctx, ref)
	if err == nil {
		return auth, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.Authorization{}, err
	}
	return store.Authorization{TransactionID: ref}, nil
}

func (g *Gate) recorded(ctx context.Context, tx string) (string, bool) {
	auth, err := g.store.Authorization(ctx, tx)
	if err != nil || auth.JobID == "" {
		return "", false
	}
	return auth.JobID, true
}

// claimed runs call while holding the transaction claim and records its job id.
func (g *Gate) claimed(ctx context.Context, tx, step string, call func() (string, error)) (string, error) {
	release, err := g.store.Claim(ctx, tx, g.config.ClaimTTL)
	if err != nil {
		g.record(ctx, step, outcomeFailed)
		return "", apperrors.PaymentVerificationFailed(tx, err)
	}
	defer release()

	// Another holder may have finished between the first check and the claim.
	if jobID, ok := g.recorded(ctx, tx); ok {
		g.record(ctx, step, outcomeReplayed)
		return jobID, nil
	}

	jobID, err := call()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		g.record(ctx, step, outcomeFailed)
		g.logger.Warn("Payment "+step+" failed", "transactionId", tx, "error", err)
		return "", apperrors.PaymentVerificationFailed(tx, err)
	}

	recorded, err := g.store.RecordJob(ctx, tx, jobID)
	switch {
	case errors.Is(err, store.ErrJobConflict):
		g.logger.Warn("Transaction already mapped to another job", "transactionId", tx, "jobId", recorded, "ignored", jobID)
		jobID = recorded
	case err != nil:
		g.logger.Warn("Failed to record job for transaction", "transactionId", tx, "jobId", jobID, "error", err)
	}

	g.record(ctx, step, outcomeOK)
	g.logger.Info("Payment "+step+" succeeded", "transactionId", tx, "jobId", jobID)
	return jobID, nil
}

func (g *Gate) record(ctx context.Context, step, outcome string) {
	if g.metrics != nil {
		g.metrics.RecordPayment(ctx, step, outcome)
	}
}

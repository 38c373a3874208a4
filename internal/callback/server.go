// Package callback runs the loopback HTTP server a payment provider redirects
// the payer to. Each redirect is handed to the job waiting for that
// authorization.
package callback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"jobctl/internal/apperrors"
	"jobctl/internal/health"
	"jobctl/internal/payment"
	"jobctl/internal/store"
)

// maxPending bounds redirects kept for authorizations nobody waits on yet.
const maxPending = 64

// Options configures a Server. Everything but Addr is optional.
type Options struct {
	Addr           string // listen address; port 0 picks a free port
	Health         *health.Checker
	Metrics        HTTPMetrics
	MetricsHandler http.Handler // served at /metrics when set
}

type outcome struct {
	approval payment.Approval
	err      error
}

type waiter struct {
	ch   chan outcome
	keys []string
}

// Server receives payment redirects and implements payment.Approver.
type Server struct {
	opts    Options
	health  *health.Checker
	handler http.Handler
	logger  *slog.Logger

	srvMu    sync.Mutex
	srv      *http.Server
	listener net.Listener

	mu      sync.Mutex
	waiters map[string]*waiter // by transaction id and correlation token
	pending map[string]outcome // redirects that arrived before anyone waited
}

// New creates a callback server. Call Start to listen.
func New(opts Options) *Server {
	s := &Server{
		opts:    opts,
		health:  opts.Health,
		logger:  slog.With("component", "callback"),
		waiters: make(map[string]*waiter),
		pending: make(map[string]outcome),
	}
	if s.health == nil {
		s.health = health.NewChecker(nil)
	}
	s.handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /payment/return", s.handleReturn)
	mux.HandleFunc("GET /payment/cancel", s.handleCancel)
	mux.HandleFunc("GET /livez", s.handleLivez)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	if s.opts.MetricsHandler != nil {
		mux.Handle("GET /metrics", s.opts.MetricsHandler)
	}

	var handler http.Handler = mux
	handler = LoggingMiddleware()(handler)
	if s.opts.Metrics != nil {
		handler = MetricsMiddleware(s.opts.Metrics)(handler)
	}
	handler = RecoveryMiddleware()(handler)
	return handler
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	s.srvMu.Lock()
	defer s.srvMu.Unlock()
	if s.srv != nil {
		return errors.New("callback server already started")
	}

	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.opts.Addr, err)
	}
	s.listener = ln
	s.srv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	srv := s.srv
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Callback server failed", "error", err)
		}
	}()
	s.logger.Info("Callback server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the listening address, or the configured one before Start.
func (s *Server) Addr() string {
	s.srvMu.Lock()
	defer s.srvMu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.opts.Addr
}

// ReturnURL is where the provider sends the payer after approval.
func (s *Server) ReturnURL(ref string) string {
	return s.url("/payment/return", ref)
}

// CancelURL is where the provider sends the payer after cancelling.
func (s *Server) CancelURL(ref string) string {
	return s.url("/payment/cancel", ref)
}

func (s *Server) url(path, ref string) string {
	u := url.URL{Scheme: "http", Host: s.Addr(), Path: path}
	if ref != "" {
		u.RawQuery = url.Values{"ref": {ref}}.Encode()
	}
	return u.String()
}

// Shutdown stops accepting redirects and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.health.SetShuttingDown()

	s.srvMu.Lock()
	srv := s.srv
	s.srvMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// AwaitApproval blocks until a redirect for auth arrives or ctx ends. A
// redirect that arrived earlier is returned immediately.
func (s *Server) AwaitApproval(ctx context.Context, auth store.Authorization) (payment.Approval, error) {
	keys := nonEmpty(auth.TransactionID, auth.Token)
	if len(keys) == 0 {
		return payment.Approval{}, errors.New("authorization has no transaction id or token")
	}

	w := &waiter{ch: make(chan outcome, 1), keys: keys}
	s.mu.Lock()
	for _, k := range keys {
		if out, ok := s.pending[k]; ok {
			for _, k := range keys {
				delete(s.pending, k)
			}
			s.mu.Unlock()
			return out.approval, out.err
		}
	}
	for _, k := range keys {
		s.waiters[k] = w
	}
	s.mu.Unlock()
	defer s.forget(w)

	select {
	case out := <-w.ch:
		return out.approval, out.err
	case <-ctx.Done():
		return payment.Approval{}, ctx.Err()
	}
}

func (s *Server) forget(w *waiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range w.keys {
		if s.waiters[k] == w {
			delete(s.waiters, k)
		}
	}
}

// deliver hands out to the waiter registered under any of keys, or keeps it
// for a later AwaitApproval. It reports whether a waiter took it.
func (s *Server) deliver(keys []string, out outcome) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range keys {
		w, ok := s.waiters[k]
		if !ok {
			continue
		}
		for _, wk := range w.keys {
			delete(s.waiters, wk)
		}
		select {
		case w.ch <- out:
		default:
		}
		return true
	}

	if len(s.pending)+len(keys) > maxPending {
		s.logger.Warn("Dropping unmatched payment redirect", "keys", keys)
		return false
	}
	for _, k := range keys {
		s.pending[k] = out
	}
	return false
}

func (s *Server) waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}

func (s *Server) handleReturn(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ref := q.Get("ref")
	tx := firstNonEmpty(q.Get("token"), q.Get("paymentId"))
	payer := q.Get("PayerID")

	if ref == "" && tx == "" {
		writePage(w, http.StatusBadRequest, "Missing payment reference", "The redirect did not name a payment.")
		return
	}
	if payer == "" {
		writePage(w, http.StatusBadRequest, "Missing payer", "The redirect did not name a payer.")
		return
	}

	approval := payment.Approval{TransactionID: tx, PayerID: payer, Token: ref}
	matched := s.deliver(nonEmpty(tx, ref), outcome{approval: approval})
	s.logger.Info("Payment approved by payer", "transactionId", tx, "matched", matched)

	writePage(w, http.StatusOK, "Payment approved", "You can close this window and return to your terminal.")
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ref := q.Get("ref")
	tx := firstNonEmpty(q.Get("token"), q.Get("paymentId"))

	if ref == "" && tx == "" {
		writePage(w, http.StatusBadRequest, "Missing payment reference", "The redirect did not name a payment.")
		return
	}

	err := apperrors.PaymentRejected(firstNonEmpty(tx, ref), "payer cancelled")
	matched := s.deliver(nonEmpty(tx, ref), outcome{err: err})
	s.logger.Info("Payment cancelled by payer", "transactionId", tx, "matched", matched)

	writePage(w, http.StatusOK, "Payment cancelled", "No charge was made. You can close this window.")
}

func (s *Server) handleLivez(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.health.Liveness(r.Context()))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	resp := s.health.Readiness(r.Context())
	status := http.StatusOK
	if !resp.IsHealthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode JSON response", "error", err)
	}
}

// writePage renders a minimal page for the payer's browser. Both arguments
// are constants, never request input.
func writePage(w http.ResponseWriter, status int, title, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, "<!doctype html><html><head><title>%s</title></head><body><h1>%s</h1><p>%s</p></body></html>\n",
		title, title, body)
}

func nonEmpty(values ...string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

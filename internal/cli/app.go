package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"jobctl/internal/api"
	"jobctl/internal/callback"
	"jobctl/internal/config"
	"jobctl/internal/download"
	"jobctl/internal/health"
	"jobctl/internal/job"
	"jobctl/internal/observability"
	"jobctl/internal/orchestrator"
	"jobctl/internal/payment"
	"jobctl/internal/store"
	"jobctl/internal/stream"
	"jobctl/internal/submit"
)

// App holds the wired client components for one command invocation.
type App struct {
	Config       *config.ClientConfig
	Store        store.Store
	Gate         *payment.Gate
	Callback     *callback.Server
	Health       *health.Checker
	Orchestrator *orchestrator.Orchestrator

	metrics       *observability.Metrics
	metricsServer *http.Server
	logger        *slog.Logger
}

// NewApp wires the client from configuration. Component tuning is read from
// the environment by each component's LoadConfigFromEnv.
func NewApp(ctx context.Context, cfg *config.ClientConfig) (*App, error) {
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}

	st, err := store.Open(ctx, cfg)
	if err != nil {
		_ = metrics.Shutdown(ctx)
		return nil, fmt.Errorf("open store: %w", err)
	}

	client := api.NewClient(cfg.APIBaseURL, cfg.HTTPTimeout)
	checker := health.NewChecker(map[string]health.ReadinessChecker{
		"store": st,
	})
	cb := callback.New(callback.Options{
		Addr:           cfg.CallbackAddr,
		Health:         checker,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
	})
	gate := payment.NewGate(client, st, cb, payment.LoadConfigFromEnv(), metrics)

	orch := orchestrator.New(orchestrator.Deps{
		Submitter: submit.New(client, submit.LoadConfigFromEnv(), metrics),
		Gate:      gate,
		Stream:    stream.NewClient(client, stream.LoadConfigFromEnv(), metrics),
		Downloads: client,
		Download:  download.LoadConfigFromEnv(),
		Store:     st,
		Metrics:   metrics,
	}, orchestrator.LoadConfigFromEnv())

	a := &App{
		Config:       cfg,
		Store:        st,
		Gate:         gate,
		Callback:     cb,
		Health:       checker,
		Orchestrator: orch,
		metrics:      metrics,
		logger:       slog.With("component", "cli"),
	}

	if cfg.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("GET /metrics", metricsHandler)
		a.metricsServer = &http.Server{
			Addr:         cfg.MetricsAddr,
			Handler:      metricsMux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			a.logger.Info("Starting metrics server", "addr", cfg.MetricsAddr)
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("Metrics server failed", "error", err)
			}
		}()
	}

	return a, nil
}

// StartCallback starts the payment return listener. Without it a gated job
// can only finish through resume with its transaction reference.
func (a *App) StartCallback() {
	if err := a.Callback.Start(); err != nil {
		a.logger.Warn("Payment callback server unavailable", "addr", a.Config.CallbackAddr, "error", err)
	}
}

// ApprovalURL returns the page the payer must visit for j, or "" when j has
// no pending payment.
func (a *App) ApprovalURL(j job.Job) string {
	if j.State != job.StatePaymentPending || j.TransactionID == "" {
		return ""
	}
	auth := store.Authorization{TransactionID: j.TransactionID, Token: j.CorrelationToken}
	return a.Gate.ApprovalURL(auth, a.Callback.ReturnURL(j.CorrelationToken))
}

// Close stops every component. The persisted active job is kept so a later
// resume can reattach.
func (a *App) Close(ctx context.Context) {
	if err := a.Orchestrator.Close(ctx); err != nil {
		a.logger.Warn("Orchestrator shutdown error", "error", err)
	}
	if err := a.Callback.Shutdown(ctx); err != nil {
		a.logger.Warn("Callback server shutdown error", "error", err)
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Warn("Metrics server shutdown error", "error", err)
		}
	}
	if err := a.metrics.Shutdown(ctx); err != nil {
		a.logger.Warn("Metrics shutdown error", "error", err)
	}
	if err := a.Store.Close(); err != nil {
		a.logger.Warn("Store close error", "error", err)
	}
}

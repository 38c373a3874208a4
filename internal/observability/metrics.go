package observability

import (
	"context"
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the client's signals:
// - Submissions: attempts, retries and their outcome
// - Payments: order, capture and verification outcomes
// - Stream: connections, reconnects, events and open channels
// - Downloads: bytes transferred, duration and outcome
// - Jobs: terminal outcomes and end-to-end duration
type Metrics struct {
	meter    metric.Meter
	provider *sdkmetric.MeterProvider

	// Callback server metrics
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter

	// Submission metrics
	SubmissionsTotal metric.Int64Counter
	SubmitAttempts   metric.Int64Histogram
	SubmitRetries    metric.Int64Counter

	// Payment metrics
	PaymentsTotal metric.Int64Counter

	// Stream metrics
	StreamConnects   metric.Int64Counter
	StreamReconnects metric.Int64Counter
	StreamEvents     metric.Int64Counter
	StreamsActive    metric.Int64UpDownCounter

	// Download metrics
	DownloadBytes    metric.Int64Counter
	DownloadDuration metric.Float64Histogram
	DownloadsTotal   metric.Int64Counter

	// Job metrics
	JobDuration metric.Float64Histogram
	JobsTotal   metric.Int64Counter
}

// NewMetrics creates all instruments on a dedicated Prometheus registry and
// returns the handler that serves it.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	registry := prom.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("jobctl")
	m := &Metrics{meter: meter, provider: provider}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("Callback server request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of callback server requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SubmissionsTotal, err = meter.Int64Counter(
		"jobctl_submissions_total",
		metric.WithDescription("Total job submissions by outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SubmitAttempts, err = meter.Int64Histogram(
		"jobctl_submit_attempts",
		metric.WithDescription("Attempts needed per submission"),
		metric.WithExplicitBucketBoundaries(1, 2, 3, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SubmitRetries, err = meter.Int64Counter(
		"jobctl_submit_retries_total",
		metric.WithDescription("Total submission retries after transient failures"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PaymentsTotal, err = meter.Int64Counter(
		"jobctl_payments_total",
		metric.WithDescription("Payment steps by step and outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.StreamConnects, err = meter.Int64Counter(
		"jobctl_stream_connects_total",
		metric.WithDescription("Total status stream connections opened"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.StreamReconnects, err = meter.Int64Counter(
		"jobctl_stream_reconnects_total",
		metric.WithDescription("Total status stream reconnections"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.StreamEvents, err = meter.Int64Counter(
		"jobctl_stream_events_total",
		metric.WithDescription("Total status events received by type"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.StreamsActive, err = meter.Int64UpDownCounter(
		"jobctl_streams_active",
		metric.WithDescription("Number of currently open status streams"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DownloadBytes, err = meter.Int64Counter(
		"jobctl_download_bytes_total",
		metric.WithDescription("Total result bytes downloaded"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DownloadDuration, err = meter.Float64Histogram(
		"jobctl_download_duration_seconds",
		metric.WithDescription("Result download duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 30, 60, 300),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DownloadsTotal, err = meter.Int64Counter(
		"jobctl_downloads_total",
		metric.WithDescription("Total downloads by outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobDuration, err = meter.Float64Histogram(
		"jobctl_job_duration_seconds",
		metric.WithDescription("Time from start to terminal state in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 900, 1800),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsTotal, err = meter.Int64Counter(
		"jobctl_jobs_total",
		metric.WithDescription("Total jobs by terminal state"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}

// RecordHTTPRequest records callback server request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
}

// RecordSubmission records a finished submission and the attempts it took.
func (m *Metrics) RecordSubmission(ctx context.Context, success bool, attempts int) {
	attrs := metric.WithAttributes(successAttr(success))
	m.SubmissionsTotal.Add(ctx, 1, attrs)
	m.SubmitAttempts.Record(ctx, int64(attempts), attrs)
}

// RecordSubmitRetry records a retried submission attempt.
func (m *Metrics) RecordSubmitRetry(ctx context.Context) {
	m.SubmitRetries.Add(ctx, 1)
}

// RecordPayment records the outcome of a payment step (order, approval, capture, verify).
func (m *Metrics) RecordPayment(ctx context.Context, step, outcome string) {
	m.PaymentsTotal.Add(ctx, 1, metric.WithAttributes(stepAttr(step), outcomeAttr(outcome)))
}

// RecordStreamOpened records a status stream connection being opened.
func (m *Metrics) RecordStreamOpened(ctx context.Context, reconnect bool) {
	m.StreamConnects.Add(ctx, 1)
	m.StreamsActive.Add(ctx, 1)
	if reconnect {
		m.StreamReconnects.Add(ctx, 1)
	}
}

// RecordStreamClosed records a status stream connection being closed.
func (m *Metrics) RecordStreamClosed(ctx context.Context) {
	m.StreamsActive.Add(ctx, -1)
}

// RecordStreamEvent records a received status event.
func (m *Metrics) RecordStreamEvent(ctx context.Context, eventType string) {
	m.StreamEvents.Add(ctx, 1, metric.WithAttributes(eventAttr(eventType)))
}

// RecordDownload records a finished download.
func (m *Metrics) RecordDownload(ctx context.Context, success bool, bytes int64, durationSeconds float64) {
	attrs := metric.WithAttributes(successAttr(success))
	m.DownloadsTotal.Add(ctx, 1, attrs)
	m.DownloadDuration.Record(ctx, durationSeconds, attrs)
	if bytes > 0 {
		m.DownloadBytes.Add(ctx, bytes)
	}
}

// RecordJobFinished records a job reaching a terminal state.
func (m *Metrics) RecordJobFinished(ctx context.Context, state string, gated bool, durationSeconds float64) {
	attrs := metric.WithAttributes(stateAttr(state), gatedAttr(gated))
	m.JobsTotal.Add(ctx, 1, attrs)
	m.JobDuration.Record(ctx, durationSeconds, attrs)
}

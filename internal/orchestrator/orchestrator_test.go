package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobctl/internal/api"
	"jobctl/internal/apperrors"
	"jobctl/internal/job"
	"jobctl/internal/payment"
	"jobctl/internal/store"
	"jobctl/internal/stream"
	"jobctl/internal/submit"
	"jobctl/internal/testutil"
	"jobctl/pkg/sse"
)

const testResult = "30414093201713378043612608166064768844377641568960512000000000000"

// backend stands in for the compute service.
type backend struct {
	*httptest.Server

	computeCalls  atomic.Int64
	orderCalls    atomic.Int64
	captureCalls  atomic.Int64
	verifyCalls   atomic.Int64
	streamConns   atomic.Int64
	activeStreams atomic.Int64
	maxStreams    atomic.Int64

	// computeFailures is the number of leading /compute calls answered with
	// 503; negative fails every call.
	computeFailures int64
	verifyStatus    int
	stream          func(jobID string, conn int, w http.ResponseWriter, r *http.Request)
}

func newBackend(t *testing.T, configure ...func(*backend)) *backend {
	t.Helper()
	b := &backend{stream: completeStream(2048)}
	for _, fn := range configure {
		fn(b)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /compute", func(w http.ResponseWriter, r *http.Request) {
		call := b.computeCalls.Add(1)
		if b.computeFailures < 0 || call <= b.computeFailures {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"detail": "busy"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"job_id": "job-1"})
	})
	mux.HandleFunc("POST /create-order", func(w http.ResponseWriter, r *http.Request) {
		b.orderCalls.Add(1)
		writeJSON(w, http.StatusOK, map[string]string{"paymentID": "TX1"})
	})
	mux.HandleFunc("POST /capture-order", func(w http.ResponseWriter, r *http.Request) {
		b.captureCalls.Add(1)
		var req api.CaptureRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PaymentID != "TX1" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "unknown order"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"job_id": "job-paid"})
	})
	mux.HandleFunc("POST /verify-payment", func(w http.ResponseWriter, r *http.Request) {
		b.verifyCalls.Add(1)
		if b.verifyStatus != 0 {
			writeJSON(w, b.verifyStatus, map[string]string{"detail": "payment not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"job_id": "job-verified"})
	})
	mux.HandleFunc("GET /stream-status/{id}", func(w http.ResponseWriter, r *http.Request) {
		conn := int(b.streamConns.Add(1) - 1)
		n := b.activeStreams.Add(1)
		defer b.activeStreams.Add(-1)
		for {
			prev := b.maxStreams.Load()
			if n <= prev || b.maxStreams.CompareAndSwap(prev, n) {
				break
			}
		}
		b.stream(r.PathValue("id"), conn, w, r)
	})
	mux.HandleFunc("GET /download/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(testResult)))
		_, _ = w.Write([]byte(testResult))
	})

	b.Server = httptest.NewServer(mux)
	t.Cleanup(b.Close)
	return b
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func begin(w http.ResponseWriter) {
	w.Header().Set("Content-Type", sse.ContentType)
	w.WriteHeader(http.StatusOK)
	w.(http.Flusher).Flush()
}

func send(w http.ResponseWriter, eventType, data string) {
	_ = sse.Write(w, sse.Event{Type: eventType, Data: data})
	w.(http.Flusher).Flush()
}

func completeStream(size int) func(string, int, http.ResponseWriter, *http.Request) {
	return func(_ string, _ int, w http.ResponseWriter, r *http.Request) {
		begin(w)
		send(w, "progress", `{"percent": 40}`)
		send(w, "", `{}`)
		send(w, "complete", `{"size": `+strconv.Itoa(size)+`}`)
		<-r.Context().Done()
	}
}

func silentStream(_ string, _ int, w http.ResponseWriter, r *http.Request) {
	begin(w)
	<-r.Context().Done()
}

type approvalResult struct {
	approval payment.Approval
	err      error
}

// approver hands out scripted approvals, blocking until one is queued.
type approver struct {
	results chan approvalResult
	calls   atomic.Int64
}

func newApprover() *approver {
	return &approver{results: make(chan approvalResult, 1)}
}

func (a *approver) AwaitApproval(ctx context.Context, auth store.Authorization) (payment.Approval, error) {
	a.calls.Add(1)
	select {
	case r := <-a.results:
		return r.approval, r.err
	case <-ctx.Done():
		return payment.Approval{}, ctx.Err()
	}
}

type fakeMetrics struct {
	mu       sync.Mutex
	finished []string
}

func (m *fakeMetrics) RecordJobFinished(_ context.Context, state string, gated bool, _ float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = append(m.finished, state+":"+strconv.FormatBool(gated))
}

func (m *fakeMetrics) RecordDownload(context.Context, bool, int64, float64) {}

func (m *fakeMetrics) all() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.finished...)
}

type harness struct {
	*Orchestrator
	backend  *backend
	store    store.Store
	streams  *stream.Client
	approver *approver
	metrics  *fakeMetrics
}

type options struct {
	submit  submit.Config
	stream  stream.Config
	payment payment.Config
}

func defaultOptions() options {
	return options{
		submit: submit.Config{MaxRetries: 3, BackoffBase: time.Millisecond, BackoffMax: 10 * time.Millisecond},
		stream: stream.Config{
			InactivityTimeout: 2 * time.Second,
			ReconnectDelay:    20 * time.Millisecond,
			HeartbeatStep:     1,
			ProbeTimeout:      time.Second,
		},
		payment: payment.Config{Threshold: 1000, ApprovalTimeout: 5 * time.Second},
	}
}

func newHarness(t *testing.T, b *backend, adjust ...func(*options)) *harness {
	t.Helper()
	opts := defaultOptions()
	for _, fn := range adjust {
		fn(&opts)
	}

	client := api.NewClient(b.URL, time.Second)
	st := store.NewMemory()
	appr := newApprover()
	metrics := &fakeMetrics{}
	streams := stream.NewClient(client, opts.stream, nil)

	o := New(Deps{
		Submitter: submit.New(client, opts.submit, nil),
		Gate:      payment.NewGate(client, st, appr, opts.payment, nil),
		Stream:    streams,
		Downloads: client,
		Store:     st,
		Metrics:   metrics,
	}, Config{TickInterval: 10 * time.Millisecond})

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, o.Close(ctx))
	})
	return &harness{Orchestrator: o, backend: b, store: st, streams: streams, approver: appr, metrics: metrics}
}

func waitState(t *testing.T, o *Orchestrator, state job.State) job.Job {
	t.Helper()
	testutil.MustWaitFor(t, func() bool {
		return o.Snapshot().State == state
	}, testutil.WithTimeout(5*time.Second))
	return o.Snapshot()
}

func TestStart_InvalidInput(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newBackend(t))

	for _, input := range []string{"-5", "0", "abc", "", "2000000"} {
		_, err := h.Start(input)
		assert.ErrorIs(t, err, apperrors.ErrInvalidInput, input)
	}
	assert.Equal(t, job.StateIdle, h.Snapshot().State)
	assert.Zero(t, h.backend.computeCalls.Load())
}

func TestUngatedJob_Completes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newBackend(t))

	updates, cancel := h.Subscribe()
	defer cancel()

	started, err := h.Start("500")
	require.NoError(t, err)
	assert.Equal(t, job.StateSubmitting, started.State)

	done := waitState(t, h.Orchestrator, job.StateComplete)
	assert.Equal(t, "job-1", done.ID)
	assert.Equal(t, int64(500), done.N)
	assert.Equal(t, int64(2048), done.ResultSize)
	assert.Equal(t, 100, done.Progress)
	assert.Zero(t, h.backend.orderCalls.Load())
	assert.Equal(t, int64(1), h.backend.computeCalls.Load())

	sawProcessing := false
	lastProgress := 0
	for {
		snap := testutil.MustReceive(t, updates)
		if snap.State == job.StateProcessing {
			sawProcessing = true
			assert.NotEmpty(t, snap.ID)
		}
		assert.GreaterOrEqual(t, snap.Progress, lastProgress)
		lastProgress = snap.Progress
		if snap.State == job.StateComplete {
			break
		}
	}
	assert.True(t, sawProcessing)
	assert.Equal(t, []string{"complete:false"}, h.metrics.all())
}

func TestGatedJob_NeverSubmitsBeforeCapture(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newBackend(t))

	started, err := h.Start("5000")
	require.NoError(t, err)
	assert.Equal(t, job.StatePaymentPending, started.State)

	testutil.MustWaitFor(t, func() bool {
		return h.Snapshot().TransactionID == "TX1" && h.approver.calls.Load() == 1
	})
	pending := h.Snapshot()
	assert.Equal(t, job.StatePaymentPending, pending.State)
	assert.NotEmpty(t, pending.CorrelationToken)
	assert.Zero(t, h.backend.computeCalls.Load(), "no submission before capture")

	h.approver.results <- approvalResult{approval: payment.Approval{TransactionID: "TX1", PayerID: "PAYER"}}

	done := waitState(t, h.Orchestrator, job.StateComplete)
	assert.Equal(t, "job-paid", done.ID)
	assert.Equal(t, int64(1), h.backend.captureCalls.Load())
	assert.Zero(t, h.backend.computeCalls.Load(), "capture submits the job")

	auth, err := h.store.Authorization(context.Background(), "TX1")
	require.NoError(t, err)
	assert.Equal(t, "job-paid", auth.JobID)
	assert.Equal(t, []string{"complete:true"}, h.metrics.all())
}

func TestGatedJob_Rejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newBackend(t))

	_, err := h.Start("5000")
	require.NoError(t, err)
	h.approver.results <- approvalResult{err: apperrors.PaymentRejected("TX1", "payer cancelled")}

	testutil.MustWaitFor(t, func() bool {
		snap := h.Snapshot()
		return snap.State == job.StateIdle && snap.Err != nil
	})
	snap := h.Snapshot()
	assert.ErrorIs(t, snap.Err, apperrors.ErrPaymentRejected)
	assert.Zero(t, h.backend.captureCalls.Load())
	assert.Zero(t, h.backend.computeCalls.Load())

	// A rejected job can be started again.
	_, err = h.Start("10")
	require.NoError(t, err)
	waitState(t, h.Orchestrator, job.StateComplete)
}

func TestGatedJob_ApprovalTimeout(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newBackend(t), func(o *options) {
		o.payment.ApprovalTimeout = 50 * time.Millisecond
	})

	_, err := h.Start("5000")
	require.NoError(t, err)

	testutil.MustWaitFor(t, func() bool {
		return h.Snapshot().Err != nil
	})
	snap := h.Snapshot()
	assert.Equal(t, job.StateIdle, snap.State)
	assert.ErrorIs(t, snap.Err, apperrors.ErrPaymentRejected)
	assert.Contains(t, snap.Err.Error(), "timed out")
}

func TestGatedJob_ApprovalTransactionChecks(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newBackend(t))

	_, err := h.Start("5000")
	require.NoError(t, err)
	h.approver.results <- approvalResult{approval: payment.Approval{TransactionID: "", PayerID: "PAYER"}}

	// An empty transaction is filled in from the order, so capture succeeds.
	done := waitState(t, h.Orchestrator, job.StateComplete)
	assert.Equal(t, "job-paid", done.ID)

	require.NoError(t, h.Reset())
	_, err = h.Start("6000")
	require.NoError(t, err)
	h.approver.results <- approvalResult{approval: payment.Approval{TransactionID: "TX-other"}}

	failed := waitState(t, h.Orchestrator, job.StateError)
	assert.ErrorIs(t, failed.Err, apperrors.ErrPaymentVerificationFailed)
	assert.Equal(t, "TX1", apperrors.Reference(failed.Err))
}

func TestResume_ReplayYieldsSameJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newBackend(t))
	ctx := context.Background()

	require.NoError(t, h.store.SaveAuthorization(ctx, store.Authorization{
		TransactionID: "TX9", Token: "tok-9", N: 4000, Amount: "5.00", CreatedAt: time.Now(),
	}))

	resumed, err := h.Resume(ctx, "tok-9")
	require.NoError(t, err)
	assert.Equal(t, job.StateVerifyingPayment, resumed.State)
	assert.Equal(t, "TX9", resumed.TransactionID)
	assert.Equal(t, int64(4000), resumed.N)

	first := waitState(t, h.Orchestrator, job.StateComplete)
	assert.Equal(t, "job-verified", first.ID)

	for _, ref := range []string{"tok-9", "TX9"} {
		_, err := h.Resume(ctx, ref)
		require.NoError(t, err, ref)
		again := waitState(t, h.Orchestrator, job.StateComplete)
		assert.Equal(t, "job-verified", again.ID, ref)
	}
	assert.Equal(t, int64(1), h.backend.verifyCalls.Load(), "replays must not verify again")
	assert.Zero(t, h.backend.computeCalls.Load())
}

func TestResume_AfterCancelWatchesSameJobAgain(t *testing.T) {
	t.Parallel()
	b := newBackend(t, func(b *backend) { b.stream = silentStream })
	h := newHarness(t, b)
	ctx := context.Background()

	require.NoError(t, h.store.SaveAuthorization(ctx, store.Authorization{
		TransactionID: "TX9", Token: "tok-9", N: 4000, Amount: "5.00", CreatedAt: time.Now(),
	}))

	for i := 0; i < 10; i++ {
		_, err := h.Resume(ctx, "tok-9")
		require.NoError(t, err)
		waitState(t, h.Orchestrator, job.StateProcessing)
		require.NoError(t, h.Cancel())
		waitState(t, h.Orchestrator, job.StateCancelled)
	}

	_, err := h.Resume(ctx, "TX9")
	require.NoError(t, err)
	waitState(t, h.Orchestrator, job.StateProcessing)
	time.Sleep(200 * time.Millisecond)

	snap := h.Snapshot()
	assert.Equal(t, job.StateProcessing, snap.State)
	assert.Equal(t, "job-verified", snap.ID)
	assert.NoError(t, snap.Err)
	assert.Equal(t, int64(1), h.streams.MaxOpenConnections())
	testutil.MustWaitFor(t, func() bool { return b.activeStreams.Load() == 1 })
	assert.Equal(t, int64(1), b.verifyCalls.Load())
}

func TestResume_VerificationFailure(t *testing.T) {
	t.Parallel()
	b := newBackend(t, func(b *backend) { b.verifyStatus = http.StatusNotFound })
	h := newHarness(t, b)

	_, err := h.Resume(context.Background(), "TX1")
	require.NoError(t, err)

	failed := waitState(t, h.Orchestrator, job.StateError)
	assert.ErrorIs(t, failed.Err, apperrors.ErrPaymentVerificationFailed)
	assert.Equal(t, "TX1", apperrors.Reference(failed.Err))
	assert.Equal(t, "TX1", failed.Status().Reference)
}

func TestResume_ActiveJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newBackend(t))
	ctx := context.Background()

	require.NoError(t, h.store.SaveActiveJob(ctx, store.ActiveJob{
		JobID: "job-7", N: 42, StartedAt: time.Now().Add(-5 * time.Second),
	}))

	resumed, err := h.Resume(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "job-7", resumed.ID)
	assert.Equal(t, job.StateProcessing, resumed.State)

	done := waitState(t, h.Orchestrator, job.StateComplete)
	assert.Equal(t, "job-7", done.ID)

	_, err = h.store.ActiveJob(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound, "finished jobs are not resumable")

	_, err = h.Resume(ctx, "")
	assert.ErrorIs(t, err, ErrNothingToResume)
}

func TestResume_ElapsedCountsFromOriginalStart(t *testing.T) {
	t.Parallel()
	b := newBackend(t, func(b *backend) { b.stream = silentStream })
	h := newHarness(t, b)
	ctx := context.Background()

	require.NoError(t, h.store.SaveActiveJob(ctx, store.ActiveJob{
		JobID: "job-7", N: 42, StartedAt: time.Now().Add(-5 * time.Second),
	}))
	_, err := h.Resume(ctx, "")
	require.NoError(t, err)

	testutil.MustWaitFor(t, func() bool {
		return h.Snapshot().ElapsedSeconds >= 5
	})

	require.NoError(t, h.Cancel())
	frozen := h.Snapshot().ElapsedSeconds
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, frozen, h.Snapshot().ElapsedSeconds, "ticker stops with the job")
}

func TestProcessing_PersistsActiveJob(t *testing.T) {
	t.Parallel()
	b := newBackend(t, func(b *backend) { b.stream = silentStream })
	h := newHarness(t, b)

	_, err := h.Start("12")
	require.NoError(t, err)
	waitState(t, h.Orchestrator, job.StateProcessing)

	active, err := h.store.ActiveJob(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "job-1", active.JobID)
	assert.Equal(t, int64(12), active.N)

	require.NoError(t, h.Reset())
	_, err = h.store.ActiveJob(context.Background())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStream_ReconnectsOnceWithoutDuplicateConnections(t *testing.T) {
	t.Parallel()
	b := newBackend(t, func(b *backend) {
		b.stream = func(_ string, conn int, w http.ResponseWriter, r *http.Request) {
			begin(w)
			if conn == 0 {
				send(w, "progress", `{"percent": 30}`)
				return
			}
			send(w, "complete", `{"size": 64}`)
			<-r.Context().Done()
		}
	})
	h := newHarness(t, b)

	_, err := h.Start("20")
	require.NoError(t, err)

	done := waitState(t, h.Orchestrator, job.StateComplete)
	assert.Equal(t, 1, done.StreamAttempts)
	assert.Equal(t, int64(64), done.ResultSize)
	assert.Equal(t, int64(2), b.streamConns.Load())
	assert.Equal(t, int64(1), b.maxStreams.Load())
}

func TestStream_InactivityTimeout(t *testing.T) {
	t.Parallel()
	b := newBackend(t, func(b *backend) { b.stream = silentStream })
	h := newHarness(t, b, func(o *options) {
		o.stream.InactivityTimeout = 100 * time.Millisecond
	})

	_, err := h.Start("20")
	require.NoError(t, err)

	failed := waitState(t, h.Orchestrator, job.StateError)
	assert.ErrorIs(t, failed.Err, apperrors.ErrStreamTimeout)
	assert.Equal(t, "job-1", apperrors.Reference(failed.Err))
	assert.Equal(t, []string{"error:false"}, h.metrics.all())
}

func TestStream_ServerError(t *testing.T) {
	t.Parallel()
	b := newBackend(t, func(b *backend) {
		b.stream = func(_ string, _ int, w http.ResponseWriter, r *http.Request) {
			begin(w)
			send(w, "error", `{"message": "out of memory"}`)
			<-r.Context().Done()
		}
	})
	h := newHarness(t, b)

	_, err := h.Start("20")
	require.NoError(t, err)

	failed := waitState(t, h.Orchestrator, job.StateError)
	assert.ErrorIs(t, failed.Err, apperrors.ErrStreamError)
	assert.Contains(t, failed.Err.Error(), "out of memory")
	assert.Equal(t, int64(1), b.streamConns.Load())
}

func TestSubmit_RetriesAreCounted(t *testing.T) {
	t.Parallel()
	b := newBackend(t, func(b *backend) { b.computeFailures = 2 })
	h := newHarness(t, b)

	_, err := h.Start("7")
	require.NoError(t, err)

	done := waitState(t, h.Orchestrator, job.StateComplete)
	assert.Equal(t, 2, done.RetryCount)
	assert.Equal(t, int64(3), b.computeCalls.Load())
}

func TestSubmit_Exhausted(t *testing.T) {
	t.Parallel()
	b := newBackend(t, func(b *backend) { b.computeFailures = -1 })
	h := newHarness(t, b)

	_, err := h.Start("7")
	require.NoError(t, err)

	failed := waitState(t, h.Orchestrator, job.StateError)
	assert.ErrorIs(t, failed.Err, apperrors.ErrSubmissionFailed)
	assert.Contains(t, failed.Err.Error(), "busy")
	assert.Equal(t, int64(3), b.computeCalls.Load())
	assert.Equal(t, 2, failed.RetryCount)
}

func TestCancel_DuringBackoffDropsLateOutcomes(t *testing.T) {
	t.Parallel()
	b := newBackend(t, func(b *backend) { b.computeFailures = 1 })
	h := newHarness(t, b, func(o *options) {
		o.submit.BackoffBase = 200 * time.Millisecond
		o.submit.BackoffMax = time.Second
	})

	_, err := h.Start("7")
	require.NoError(t, err)
	testutil.MustWaitFor(t, func() bool {
		return h.Snapshot().RetryCount == 1
	})

	require.NoError(t, h.Cancel())
	time.Sleep(300 * time.Millisecond)

	snap := h.Snapshot()
	assert.Equal(t, job.StateCancelled, snap.State)
	assert.Empty(t, snap.ID)
	assert.Equal(t, int64(1), b.computeCalls.Load(), "the backoff wait is cancelled")
	assert.ErrorIs(t, h.Cancel(), apperrors.ErrInvalidTransition)
}

func TestCancel_WhileIdle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newBackend(t))

	assert.ErrorIs(t, h.Cancel(), apperrors.ErrInvalidTransition)
	assert.Equal(t, job.StateIdle, h.Snapshot().State)
	assert.Empty(t, h.metrics.all())
}

func TestStart_WhileActive(t *testing.T) {
	t.Parallel()
	b := newBackend(t, func(b *backend) { b.stream = silentStream })
	h := newHarness(t, b)

	_, err := h.Start("7")
	require.NoError(t, err)
	waitState(t, h.Orchestrator, job.StateProcessing)

	_, err = h.Start("8")
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
	assert.Equal(t, int64(7), h.Snapshot().N)
}

func TestStart_AfterCompleteDiscardsPreviousJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newBackend(t))

	_, err := h.Start("7")
	require.NoError(t, err)
	waitState(t, h.Orchestrator, job.StateComplete)

	next, err := h.Start("8")
	require.NoError(t, err)
	assert.Equal(t, int64(8), next.N)
	assert.Equal(t, 0, next.Progress)
	assert.Zero(t, next.ResultSize)
	assert.Empty(t, next.ID)
	waitState(t, h.Orchestrator, job.StateComplete)
}

func TestDownload(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newBackend(t))
	ctx := context.Background()

	_, err := h.Download(ctx)
	assert.ErrorIs(t, err, apperrors.ErrNotReady)

	_, err = h.Start("50")
	require.NoError(t, err)
	waitState(t, h.Orchestrator, job.StateComplete)

	artifact, err := h.Download(ctx)
	require.NoError(t, err)
	assert.Equal(t, testResult, string(artifact.Data))
	assert.Equal(t, "job-1", artifact.JobID)

	testutil.MustWaitFor(t, func() bool {
		return h.Snapshot().DownloadFraction == 1
	})
}

func TestJobStatus_ProbesOtherJobs(t *testing.T) {
	t.Parallel()
	b := newBackend(t, func(b *backend) {
		b.stream = func(jobID string, _ int, w http.ResponseWriter, r *http.Request) {
			begin(w)
			if jobID == "done" {
				send(w, "complete", `{"size": 3}`)
			} else {
				send(w, "progress", `{"percent": 5}`)
			}
			<-r.Context().Done()
		}
	})
	h := newHarness(t, b)
	ctx := context.Background()

	state, err := h.JobStatus(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, job.StateComplete, state)

	state, err = h.JobStatus(ctx, "busy")
	require.NoError(t, err)
	assert.Equal(t, job.StateProcessing, state)

	var fractions []float64
	artifact, err := h.DownloadJob(ctx, "done", func(f float64) { fractions = append(fractions, f) })
	require.NoError(t, err)
	assert.Equal(t, testResult, string(artifact.Data))
	assert.Equal(t, 1.0, fractions[len(fractions)-1])

	_, err = h.DownloadJob(ctx, "busy", nil)
	assert.ErrorIs(t, err, apperrors.ErrNotReady)
}

func TestClose(t *testing.T) {
	t.Parallel()
	b := newBackend(t, func(b *backend) { b.stream = silentStream })
	h := newHarness(t, b)

	updates, _ := h.Subscribe()
	_, err := h.Start("7")
	require.NoError(t, err)
	waitState(t, h.Orchestrator, job.StateProcessing)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.Close(ctx))
	testutil.MustWaitFor(t, func() bool { return b.activeStreams.Load() == 0 })

	_, err = h.Start("8")
	assert.True(t, errors.Is(err, ErrClosed))
	assert.ErrorIs(t, h.Cancel(), ErrClosed)

	for range updates {
	}
	late, _ := h.Subscribe()
	_, open := <-late
	assert.False(t, open)
}

func TestConfig_WithDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{}.withDefaults()
	assert.Equal(t, int64(job.DefaultMaxInput), cfg.MaxInput)
	assert.Equal(t, defaultTickInterval, cfg.TickInterval)
	assert.Equal(t, defaultSubscriberBuffer, cfg.SubscriberBuffer)
}

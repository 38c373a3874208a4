// Package orchestrator owns the job lifecycle. One goroutine holds the Job and
// applies every outcome to it through job.Apply; components run in goroutines
// bound to the current state's scope and post their outcomes back.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"jobctl/internal/apperrors"
	"jobctl/internal/download"
	"jobctl/internal/job"
	"jobctl/internal/payment"
	"jobctl/internal/store"
	"jobctl/internal/stream"
	"jobctl/internal/submit"
)

// ErrClosed is returned by commands issued after Close.
var ErrClosed = errors.New("orchestrator is closed")

// ErrNothingToResume is returned by Resume when no job was persisted.
var ErrNothingToResume = errors.New("no job to resume")

const inboxSize = 64

// Submitter submits ungated jobs.
type Submitter interface {
	Submit(ctx context.Context, n int64, onRetry submit.RetryFunc) (string, error)
}

// PaymentGate runs the payment flow for gated jobs.
type PaymentGate interface {
	Requires(n int64) bool
	ApprovalTimeout() time.Duration
	Begin(ctx context.Context, n int64) (store.Authorization, error)
	AwaitApproval(ctx context.Context, auth store.Authorization) (payment.Approval, error)
	Capture(ctx context.Context, auth store.Authorization, approval payment.Approval) (string, error)
	Lookup(ctx context.Context, ref string) (store.Authorization, error)
	Recover(ctx context.Context, ref string) (store.Authorization, error)
}

// Watcher follows a job's status stream.
type Watcher interface {
	Watch(ctx context.Context, jobID string, emit stream.EmitFunc) error
	Probe(ctx context.Context, jobID string) (job.State, error)
}

// MetricsRecorder is an optional interface for recording job metrics.
type MetricsRecorder interface {
	RecordJobFinished(ctx context.Context, state string, gated bool, durationSeconds float64)
	download.MetricsRecorder
}

// Deps are the components the orchestrator coordinates.
type Deps struct {
	Submitter Submitter
	Gate      PaymentGate // nil: no job requires payment
	Stream    Watcher
	Downloads download.Opener
	Download  download.Config
	Store     store.Store // nil: the active job is not persisted
	Metrics   MetricsRecorder
}

// Orchestrator coordinates one job at a time.
type Orchestrator struct {
	deps       Deps
	config     Config
	validator  *job.Validator
	downloader *download.Downloader
	logger     *slog.Logger

	root       context.Context
	cancelRoot context.CancelFunc
	inbox      chan func()
	stop       chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup

	// Owned by the loop goroutine.
	job         job.Job
	seq         uint64
	scope       context.Context
	cancelScope context.CancelFunc
	life        uint64
	cancelLife  context.CancelFunc
	startedAt   time.Time
	gated       bool
	auth        store.Authorization
	approval    *payment.Approval
	recoverRef  string

	mu       sync.RWMutex
	snapshot job.Job
	subs     map[int]chan job.Job
	nextSub  int
}

// New creates an orchestrator and starts its loop.
func New(deps Deps, cfg Config) *Orchestrator {
	cfg = cfg.withDefaults()
	root, cancel := context.WithCancel(context.Background())

	o := &Orchestrator{
		deps:       deps,
		config:     cfg,
		validator:  job.NewValidator(cfg.MaxInput),
		logger:     slog.With("component", "orchestrator"),
		root:       root,
		cancelRoot: cancel,
		inbox:      make(chan func(), inboxSize),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		job:        job.Job{State: job.StateIdle},
		scope:      root,
		snapshot:   job.Job{State: job.StateIdle},
		subs:       make(map[int]chan job.Job),
	}

	var downloadMetrics download.MetricsRecorder
	if deps.Metrics != nil {
		downloadMetrics = deps.Metrics
	}
	o.downloader = download.New(deps.Downloads, o, deps.Download, downloadMetrics)

	go o.run()
	return o
}

// MaxInput returns the largest accepted n.
func (o *Orchestrator) MaxInput() int64 {
	return o.validator.Max()
}

// Start validates input and begins a new job, discarding a finished one.
// Jobs above the payment threshold wait for payment before submission.
func (o *Orchestrator) Start(input string) (job.Job, error) {
	n, err := o.validator.Parse(input)
	if err != nil {
		return job.Job{}, err
	}

	var snap job.Job
	err = o.do(func() error {
		if err := o.prepare("Started"); err != nil {
			return err
		}
		o.gated = o.deps.Gate != nil && o.deps.Gate.Requires(n)

		var ev job.Event = job.Started{N: n}
		if o.gated {
			ev = job.PaymentRequired{N: n}
		}
		o.startLife(time.Now())
		if err := o.apply(ev); err != nil {
			o.stopLife()
			return err
		}
		o.logger.Info("Job started", "n", n, "gated", o.gated)
		snap = o.job
		return nil
	})
	return snap, err
}

// Resume picks up a job the client lost track of. A non-empty ref is a
// payment correlation token or transaction id and is verified with the
// backend; an empty ref reattaches to the persisted active job.
func (o *Orchestrator) Resume(ctx context.Context, ref string) (job.Job, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return o.resumeActive(ctx)
	}
	if o.deps.Gate == nil {
		return job.Job{}, apperrors.PaymentVerificationFailed(ref, errors.New("payments are not configured"))
	}

	auth, err := o.deps.Gate.Lookup(ctx, ref)
	if err != nil {
		return job.Job{}, apperrors.PaymentVerificationFailed(ref, err)
	}

	var snap job.Job
	err = o.do(func() error {
		if err := o.prepare("RecoveryStarted"); err != nil {
			return err
		}
		o.gated = true
		o.auth = auth
		o.recoverRef = ref
		o.startLife(time.Now())
		err := o.apply(job.RecoveryStarted{
			N:                auth.N,
			TransactionID:    auth.TransactionID,
			CorrelationToken: auth.Token,
		})
		if err != nil {
			o.stopLife()
			return err
		}
		o.logger.Info("Payment recovery started", "transactionId", auth.TransactionID)
		snap = o.job
		return nil
	})
	return snap, err
}

func (o *Orchestrator) resumeActive(ctx context.Context) (job.Job, error) {
	if o.deps.Store == nil {
		return job.Job{}, ErrNothingToResume
	}
	active, err := o.deps.Store.ActiveJob(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return job.Job{}, ErrNothingToResume
	}
	if err != nil {
		return job.Job{}, fmt.Errorf("load active job: %w", err)
	}

	var snap job.Job
	err = o.do(func() error {
		if err := o.prepare("Attached"); err != nil {
			return err
		}
		o.gated = false
		started := active.StartedAt
		if started.IsZero() {
			started = time.Now()
		}
		o.startLife(started)
		if err := o.apply(job.Attached{JobID: active.JobID, N: active.N}); err != nil {
			o.stopLife()
			return err
		}
		o.logger.Info("Job reattached", "jobId", active.JobID, "n", active.N)
		snap = o.job
		return nil
	})
	return snap, err
}

// Cancel cancels the active job.
func (o *Orchestrator) Cancel() error {
	return o.do(func() error {
		return o.apply(job.Cancelled{})
	})
}

// Reset discards the current job, whatever its state.
func (o *Orchestrator) Reset() error {
	return o.do(func() error {
		o.clearPayment()
		return o.apply(job.Reset{})
	})
}

// Snapshot returns the current job.
func (o *Orchestrator) Snapshot() job.Job {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.snapshot
}

// Subscribe returns a channel receiving the job after every change, starting
// with the current one. A slow subscriber loses intermediate snapshots but
// always receives the latest. The channel is closed by the returned cancel
// func or by Close.
func (o *Orchestrator) Subscribe() (<-chan job.Job, func()) {
	ch := make(chan job.Job, o.config.SubscriberBuffer)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.subs == nil {
		close(ch)
		return ch, func() {}
	}
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch
	ch <- o.snapshot

	return ch, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if c, ok := o.subs[id]; ok {
			delete(o.subs, id)
			close(c)
		}
	}
}

// JobStatus reports jobID's state. The current job answers from memory; any
// other job is probed over its status stream.
func (o *Orchestrator) JobStatus(ctx context.Context, jobID string) (job.State, error) {
	snap := o.Snapshot()
	if jobID == "" || jobID == snap.ID {
		return snap.State, nil
	}
	if o.deps.Stream == nil {
		return "", apperrors.StreamError(jobID, "status unavailable", errors.New("no status stream configured"))
	}
	return o.deps.Stream.Probe(ctx, jobID)
}

// Download fetches the current job's result. The job's download fraction
// follows the transfer; a reset or new job aborts it.
func (o *Orchestrator) Download(ctx context.Context) (*download.Artifact, error) {
	var (
		jobID string
		seq   uint64
		scope context.Context
	)
	err := o.do(func() error {
		if o.job.State != job.StateComplete {
			return apperrors.NotReady(o.job.ID, string(o.job.State))
		}
		jobID, seq, scope = o.job.ID, o.seq, o.scope
		return nil
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(scope, cancel)
	defer stop()

	return o.downloader.Download(ctx, jobID, func(fraction float64) {
		o.post(seq, job.DownloadProgressed{Fraction: fraction})
	})
}

// DownloadJob fetches any job's result, checking readiness through JobStatus.
func (o *Orchestrator) DownloadJob(ctx context.Context, jobID string, onProgress download.ProgressFunc) (*download.Artifact, error) {
	return o.downloader.Download(ctx, jobID, onProgress)
}

// Close stops the loop, cancels every component and waits for them to exit.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.closeOnce.Do(func() {
		close(o.stop)
		o.cancelRoot()
	})

	select {
	case <-o.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	exited := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(exited)
	}()
	select {
	case <-exited:
		return nil
	case <-ctx.Done():
		o.logger.Warn("Orchestrator shutdown timed out")
		return ctx.Err()
	}
}

func (o *Orchestrator) run() {
	defer close(o.done)
	for {
		select {
		case fn := <-o.inbox:
			fn()
		case <-o.stop:
			if o.cancelScope != nil {
				o.cancelScope()
			}
			o.stopLife()
			o.closeSubscribers()
			return
		}
	}
}

// do runs fn on the loop goroutine and returns its error.
func (o *Orchestrator) do(fn func() error) error {
	result := make(chan error, 1)
	select {
	case o.inbox <- func() { result <- fn() }:
	case <-o.done:
		return ErrClosed
	}

	select {
	case err := <-result:
		return err
	case <-o.done:
		select {
		case err := <-result:
			return err
		default:
			return ErrClosed
		}
	}
}

// send queues fn for the loop. It is dropped once the loop has exited.
func (o *Orchestrator) send(fn func()) {
	select {
	case o.inbox <- fn:
	case <-o.done:
	}
}

// post delivers a component outcome. Outcomes from a scope that has since
// been left are dropped; effects run just before the event is applied.
func (o *Orchestrator) post(seq uint64, ev job.Event, effects ...func()) {
	o.send(func() {
		if seq != o.seq {
			o.logger.Debug("Dropping stale event", "event", ev.Name(), "seq", seq, "current", o.seq)
			return
		}
		for _, effect := range effects {
			effect()
		}
		if err := o.apply(ev); err != nil {
			o.logger.Debug("Ignoring event", "event", ev.Name(), "state", o.job.State, "error", err)
		}
	})
}

func (o *Orchestrator) spawn(fn func()) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		fn()
	}()
}

// prepare makes room for a new job: an active job is an error, a finished
// one is discarded.
func (o *Orchestrator) prepare(event string) error {
	if o.job.State.Active() {
		return apperrors.InvalidTransition(string(o.job.State), event)
	}
	o.clearPayment()
	if o.job.State != job.StateIdle || o.job.Err != nil {
		return o.apply(job.Reset{})
	}
	return nil
}

func (o *Orchestrator) apply(ev job.Event) error {
	prev := o.job
	next, err := job.Apply(prev, ev)
	if err != nil {
		return err
	}
	o.job = next
	if next.State != prev.State {
		o.logger.Debug("Job state changed", "jobId", next.ID, "from", prev.State, "to", next.State, "event", ev.Name())
		o.enter(prev, next)
	}
	o.publish()
	return nil
}

// enter leaves prev's scope and starts the work next's state needs.
func (o *Orchestrator) enter(prev, next job.Job) {
	if o.cancelScope != nil {
		o.cancelScope()
	}
	o.seq++
	o.scope, o.cancelScope = context.WithCancel(o.root)
	ctx, seq := o.scope, o.seq

	switch next.State {
	case job.StateSubmitting:
		o.spawn(func() { o.runSubmit(ctx, seq, next.N) })

	case job.StatePaymentPending:
		o.spawn(func() { o.runPayment(ctx, seq, next.N) })

	case job.StateVerifyingPayment:
		if o.approval != nil {
			auth, approval := o.auth, *o.approval
			o.spawn(func() { o.runCapture(ctx, seq, auth, approval) })
		} else {
			ref := o.recoverRef
			o.spawn(func() { o.runRecover(ctx, seq, ref) })
		}

	case job.StateProcessing:
		o.persistActive(next)
		o.spawn(func() { o.runWatch(ctx, seq, next.ID) })

	case job.StateComplete, job.StateError, job.StateCancelled:
		o.finish(prev, next)

	case job.StateIdle:
		o.stopLife()
		o.clearPayment()
		if prev.State == job.StateProcessing {
			o.clearActive()
		}
		if next.Err != nil {
			o.logger.Info("Payment not approved", "transactionId", next.TransactionID, "reason", next.Err)
		}
	}
}

func (o *Orchestrator) finish(prev, next job.Job) {
	o.stopLife()
	o.clearPayment()
	if prev.State == job.StateProcessing {
		o.clearActive()
	}

	elapsed := time.Since(o.startedAt)
	logger := o.logger.With("jobId", next.ID, "n", next.N)
	switch next.State {
	case job.StateComplete:
		logger.Info("Job complete", "size", next.ResultSize, "elapsed", elapsed)
	case job.StateError:
		logger.Warn("Job failed", "from", prev.State, "error", next.Err, "reference", apperrors.Reference(next.Err))
	case job.StateCancelled:
		logger.Info("Job cancelled", "from", prev.State)
	}

	if o.deps.Metrics != nil {
		o.deps.Metrics.RecordJobFinished(context.Background(), string(next.State), o.gated, elapsed.Seconds())
	}
}

func (o *Orchestrator) clearPayment() {
	o.auth = store.Authorization{}
	o.approval = nil
	o.recoverRef = ""
}

// startLife starts the elapsed-time ticker for a job begun at started.
func (o *Orchestrator) startLife(started time.Time) {
	o.stopLife()
	ctx, cancel := context.WithCancel(o.root)
	o.cancelLife = cancel
	o.startedAt = started
	life := o.life

	interval := o.config.TickInterval
	o.spawn(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				o.send(func() {
					elapsed := now.Sub(started)
					if life != o.life || !o.job.State.Active() || int(elapsed.Seconds()) == o.job.ElapsedSeconds {
						return
					}
					_ = o.apply(job.Ticked{Elapsed: elapsed})
				})
			}
		}
	})
}

// stopLife cancels the ticker; ticks already queued become stale.
func (o *Orchestrator) stopLife() {
	if o.cancelLife != nil {
		o.cancelLife()
		o.cancelLife = nil
	}
	o.life++
}

func (o *Orchestrator) persistActive(j job.Job) {
	if o.deps.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(o.root, o.config.PersistTimeout)
	defer cancel()
	active := store.ActiveJob{JobID: j.ID, N: j.N, StartedAt: o.startedAt.UTC()}
	if err := o.deps.Store.SaveActiveJob(ctx, active); err != nil {
		o.logger.Warn("Failed to persist active job", "jobId", j.ID, "error", err)
	}
}

func (o *Orchestrator) clearActive() {
	if o.deps.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.config.PersistTimeout)
	defer cancel()
	if err := o.deps.Store.ClearActiveJob(ctx); err != nil {
		o.logger.Warn("Failed to clear active job", "error", err)
	}
}

func (o *Orchestrator) publish() {
	snap := o.job

	o.mu.Lock()
	defer o.mu.Unlock()
	o.snapshot = snap
	for _, ch := range o.subs {
		select {
		case ch <- snap:
		default:
			// Full: replace the oldest snapshot with the latest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

func (o *Orchestrator) closeSubscribers() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, ch := range o.subs {
		delete(o.subs, id)
		close(ch)
	}
	o.subs = nil
}

func (o *Orchestrator) runSubmit(ctx context.Context, seq uint64, n int64) {
	jobID, err := o.deps.Submitter.Submit(ctx, n, func(attempt int, delay time.Duration, err error) {
		o.post(seq, job.SubmitRetried{Attempt: attempt, Delay: delay, Err: err})
	})
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		o.post(seq, job.SubmitFailed{Err: err})
		return
	}
	o.post(seq, job.Submitted{JobID: jobID})
}

func (o *Orchestrator) runPayment(ctx context.Context, seq uint64, n int64) {
	gate := o.deps.Gate
	auth, err := gate.Begin(ctx, n)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		o.post(seq, job.PaymentFailed{Err: err})
		return
	}
	o.post(seq, job.OrderCreated{TransactionID: auth.TransactionID, CorrelationToken: auth.Token}, func() {
		o.auth = auth
	})

	waitCtx := ctx
	if timeout := gate.ApprovalTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	approval, err := gate.AwaitApproval(waitCtx, auth)
	if ctx.Err() != nil {
		return
	}
	switch {
	case err == nil:
		o.post(seq, job.PaymentApproved{TransactionID: approval.TransactionID, PayerID: approval.PayerID}, func() {
			o.auth = auth
			o.approval = &approval
		})
	case errors.Is(err, apperrors.ErrPaymentRejected):
		o.post(seq, job.PaymentRejected{Err: err})
	case errors.Is(err, context.DeadlineExceeded):
		o.post(seq, job.PaymentRejected{Err: apperrors.PaymentRejected(auth.TransactionID, "approval timed out")})
	default:
		o.post(seq, job.PaymentFailed{Err: err})
	}
}

func (o *Orchestrator) runCapture(ctx context.Context, seq uint64, auth store.Authorization, approval payment.Approval) {
	jobID, err := o.deps.Gate.Capture(ctx, auth, approval)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		o.post(seq, job.PaymentFailed{Err: err})
		return
	}
	o.post(seq, job.PaymentVerified{JobID: jobID})
}

func (o *Orchestrator) runRecover(ctx context.Context, seq uint64, ref string) {
	auth, err := o.deps.Gate.Recover(ctx, ref)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		o.post(seq, job.PaymentFailed{Err: err})
		return
	}
	o.post(seq, job.PaymentVerified{JobID: auth.JobID})
}

func (o *Orchestrator) runWatch(ctx context.Context, seq uint64, jobID string) {
	err := o.deps.Stream.Watch(ctx, jobID, func(ev job.Event) {
		o.post(seq, ev)
	})
	if err != nil && ctx.Err() == nil && !errors.Is(err, stream.ErrSuperseded) {
		o.post(seq, job.StreamFailed{Err: apperrors.StreamError(jobID, "status stream unavailable", err)})
	}
}

// Package stream consumes a job's server-sent status events, reconnecting
// after unexpected closes and failing the job after a period of silence.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"jobctl/internal/apperrors"
	"jobctl/internal/job"
	"jobctl/pkg/sse"
)

// ErrSuperseded is returned by a Watch that was closed because a newer Watch
// for the same job took over.
var ErrSuperseded = errors.New("stream superseded by a newer watch")

// Opener opens a job's status stream.
type Opener interface {
	OpenStream(ctx context.Context, jobID string) (io.ReadCloser, error)
}

// EmitFunc receives the job events derived from the stream, in order.
type EmitFunc func(job.Event)

// MetricsRecorder is an optional interface for recording stream metrics.
type MetricsRecorder interface {
	RecordStreamOpened(ctx context.Context, reconnect bool)
	RecordStreamClosed(ctx context.Context)
	RecordStreamEvent(ctx context.Context, eventType string)
}

// Connection is a snapshot of a job's stream.
type Connection struct {
	JobID       string
	Attempt     int // reconnects so far
	LastEventAt time.Time
	Open        bool
}

// Client watches status streams.
type Client struct {
	opener  Opener
	config  Config
	logger  *slog.Logger
	metrics MetricsRecorder

	mu    sync.Mutex
	conns map[string]*watch

	open    atomic.Int64
	maxOpen atomic.Int64
}

// NewClient creates a stream client. metrics may be nil.
func NewClient(opener Opener, cfg Config, metrics MetricsRecorder) *Client {
	return &Client{
		opener:  opener,
		config:  cfg.withDefaults(),
		logger:  slog.With("component", "stream"),
		metrics: metrics,
		conns:   make(map[string]*watch),
	}
}

// watch is the registration of a live Watch. done is closed once its
// connection is fully closed.
type watch struct {
	conn   *Connection
	cancel context.CancelFunc
	done   chan struct{}
}

// outcome is how one connection ended.
type outcome int

const (
	outcomeTerminal outcome = iota
	outcomeDropped
	outcomeTimedOut
	outcomeCancelled
)

// Watch follows jobID's stream until a terminal event, an inactivity timeout,
// reconnect exhaustion or cancellation of ctx. Terminal outcomes are delivered
// through emit (Completed or StreamFailed); Watch then returns nil. It returns
// ctx.Err() when cancelled.
//
// A job has at most one open connection. A second Watch for the same job
// closes the first, which returns ErrSuperseded, before opening its own.
//
// Inactivity is measured from the last event received on any connection, so
// reconnects do not extend the window. A dropped connection is fully closed
// before the reconnect delay starts.
func (c *Client) Watch(ctx context.Context, jobID string, emit EmitFunc) error {
	w, wctx, err := c.register(ctx, jobID)
	if err != nil {
		return err
	}
	defer c.unregister(w)

	cancelled := func() error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Info("Stream superseded", "jobId", jobID)
		return ErrSuperseded
	}

	conn := w.conn
	logger := c.logger.With("jobId", jobID)
	for {
		switch c.runOnce(wctx, conn, emit) {
		case outcomeTerminal:
			return nil
		case outcomeCancelled:
			return cancelled()
		case outcomeTimedOut:
			logger.Warn("Stream inactive, giving up", "timeout", c.config.InactivityTimeout)
			emit(job.StreamFailed{Err: apperrors.StreamTimeout(jobID, c.config.InactivityTimeout)})
			return nil
		}

		attempt := c.bumpAttempt(conn)
		if c.config.MaxReconnects > 0 && attempt > c.config.MaxReconnects {
			logger.Warn("Stream reconnects exhausted", "attempts", attempt-1)
			emit(job.StreamFailed{Err: apperrors.StreamError(jobID,
				fmt.Sprintf("connection to server lost after %d reconnect(s)", attempt-1), nil)})
			return nil
		}

		logger.Info("Stream reconnecting", "attempt", attempt, "delay", c.config.ReconnectDelay)
		emit(job.Reconnecting{Attempt: attempt})

		switch c.waitReconnect(wctx, conn) {
		case outcomeCancelled:
			return cancelled()
		case outcomeTimedOut:
			logger.Warn("Stream inactive, giving up", "timeout", c.config.InactivityTimeout)
			emit(job.StreamFailed{Err: apperrors.StreamTimeout(jobID, c.config.InactivityTimeout)})
			return nil
		}
	}
}

// Probe opens the stream once to learn the job's state: complete, error, or
// processing when the first event is progress or nothing arrives in time.
func (c *Client) Probe(ctx context.Context, jobID string) (job.State, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.ProbeTimeout)
	defer cancel()

	body, err := c.opener.OpenStream(ctx, jobID)
	if err != nil {
		return "", apperrors.StreamError(jobID, "status unavailable", err)
	}
	defer body.Close()

	reader := sse.NewReader(body)
	for {
		ev, err := reader.Next()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return job.StateProcessing, nil
			}
			return "", apperrors.StreamError(jobID, "status unavailable", err)
		}
		out, _, ok := interpret(c.logger, jobID, ev, c.config.HeartbeatStep)
		if !ok {
			continue
		}
		switch out.(type) {
		case job.Completed:
			return job.StateComplete, nil
		case job.StreamFailed:
			return job.StateError, nil
		default:
			return job.StateProcessing, nil
		}
	}
}

// Connection returns a snapshot of jobID's stream, if it is being watched.
func (c *Client) Connection(jobID string) (Connection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.conns[jobID]
	if !ok {
		return Connection{}, false
	}
	return *w.conn, true
}

// OpenConnections returns the number of stream bodies currently open.
func (c *Client) OpenConnections() int64 {
	return c.open.Load()
}

// MaxOpenConnections returns the highest number of simultaneously open bodies.
func (c *Client) MaxOpenConnections() int64 {
	return c.maxOpen.Load()
}

// register takes jobID's slot, first closing any prior watch of the job and
// waiting until its connection is closed.
func (c *Client) register(ctx context.Context, jobID string) (*watch, context.Context, error) {
	for {
		c.mu.Lock()
		prev, exists := c.conns[jobID]
		if !exists {
			wctx, cancel := context.WithCancel(ctx)
			w := &watch{
				conn:   &Connection{JobID: jobID, LastEventAt: time.Now()},
				cancel: cancel,
				done:   make(chan struct{}),
			}
			c.conns[jobID] = w
			c.mu.Unlock()
			return w, wctx, nil
		}
		c.mu.Unlock()

		prev.cancel()
		select {
		case <-prev.done:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}

func (c *Client) unregister(w *watch) {
	c.mu.Lock()
	if c.conns[w.conn.JobID] == w {
		delete(c.conns, w.conn.JobID)
	}
	c.mu.Unlock()
	w.cancel()
	close(w.done)
}

func (c *Client) bumpAttempt(conn *Connection) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn.Attempt++
	return conn.Attempt
}

func (c *Client) touch(conn *Connection) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn.LastEventAt = time.Now()
	return conn.LastEventAt
}

func (c *Client) deadline(conn *Connection) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return conn.LastEventAt.Add(c.config.InactivityTimeout)
}

func (c *Client) setOpen(ctx context.Context, conn *Connection, open bool, reconnect bool) {
	c.mu.Lock()
	conn.Open = open
	c.mu.Unlock()

	if open {
		n := c.open.Add(1)
		for {
			prev := c.maxOpen.Load()
			if n <= prev || c.maxOpen.CompareAndSwap(prev, n) {
				break
			}
		}
		if c.metrics != nil {
			c.metrics.RecordStreamOpened(ctx, reconnect)
		}
		return
	}
	c.open.Add(-1)
	if c.metrics != nil {
		c.metrics.RecordStreamClosed(ctx)
	}
}

type readResult struct {
	event *sse.Event
	err   error
}

// runOnce opens one connection and consumes it until it ends. The body is
// closed and its reader goroutine has exited when runOnce returns.
func (c *Client) runOnce(ctx context.Context, conn *Connection, emit EmitFunc) outcome {
	timer := time.NewTimer(time.Until(c.deadline(conn)))
	defer timer.Stop()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type opened struct {
		body io.ReadCloser
		err  error
	}
	openCh := make(chan opened, 1)
	go func() {
		body, err := c.opener.OpenStream(connCtx, conn.JobID)
		openCh <- opened{body, err}
	}()

	var body io.ReadCloser
	select {
	case <-ctx.Done():
		cancel()
		if o := <-openCh; o.body != nil {
			o.body.Close()
		}
		return outcomeCancelled
	case <-timer.C:
		cancel()
		if o := <-openCh; o.body != nil {
			o.body.Close()
		}
		return outcomeTimedOut
	case o := <-openCh:
		if o.err != nil {
			if ctx.Err() != nil {
				return outcomeCancelled
			}
			c.logger.Warn("Stream open failed", "jobId", conn.JobID, "error", o.err)
			return outcomeDropped
		}
		body = o.body
	}

	c.setOpen(ctx, conn, true, conn.Attempt > 0)
	results := make(chan readResult)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		reader := sse.NewReader(body)
		for {
			ev, err := reader.Next()
			select {
			case results <- readResult{ev, err}:
			case <-connCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	defer func() {
		cancel()
		body.Close()
		<-readerDone
		c.setOpen(ctx, conn, false, false)
	}()

	for {
		select {
		case <-ctx.Done():
			return outcomeCancelled
		case <-timer.C:
			return outcomeTimedOut
		case r := <-results:
			if r.err != nil {
				if ctx.Err() != nil {
					return outcomeCancelled
				}
				if !errors.Is(r.err, io.EOF) {
					c.logger.Warn("Stream read failed", "jobId", conn.JobID, "error", r.err)
				}
				return outcomeDropped
			}

			last := c.touch(conn)
			timer.Reset(time.Until(last.Add(c.config.InactivityTimeout)))
			if c.metrics != nil {
				c.metrics.RecordStreamEvent(ctx, r.event.Type)
			}

			out, terminal, ok := interpret(c.logger, conn.JobID, r.event, c.config.HeartbeatStep)
			if !ok {
				c.logger.Debug("Ignoring unknown stream event", "jobId", conn.JobID, "type", r.event.Type)
				continue
			}
			emit(out)
			if terminal {
				return outcomeTerminal
			}
		}
	}
}

// waitReconnect sleeps for the reconnect delay, cut short by the inactivity
// deadline or cancellation.
func (c *Client) waitReconnect(ctx context.Context, conn *Connection) outcome {
	delay := time.NewTimer(c.config.ReconnectDelay)
	defer delay.Stop()
	deadline := time.NewTimer(time.Until(c.deadline(conn)))
	defer deadline.Stop()

	select {
	case <-ctx.Done():
		return outcomeCancelled
	case <-deadline.C:
		return outcomeTimedOut
	case <-delay.C:
		return outcomeDropped
	}
}

// Package testutil provides polling and channel helpers for tests that drive
// asynchronous components.
package testutil

import (
	"testing"
	"time"
)

// WaitOptions configures polling and receive deadlines.
type WaitOptions struct {
	Timeout  time.Duration
	Interval time.Duration
}

// WaitOption is a functional option for the helpers in this package.
type WaitOption func(*WaitOptions)

// WithTimeout sets the maximum wait time (default: 10s).
func WithTimeout(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Timeout = d
	}
}

// WithInterval sets the polling interval (default: 10ms).
func WithInterval(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Interval = d
	}
}

func resolve(opts []WaitOption) WaitOptions {
	o := WaitOptions{
		Timeout:  10 * time.Second,
		Interval: 10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WaitFor polls until condition returns true or the timeout is reached.
// Returns true if the condition was met.
func WaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()
	o := resolve(opts)

	deadline := time.Now().Add(o.Timeout)
	for {
		if condition() {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(o.Interval)
	}
}

// MustWaitFor polls until condition returns true or fails the test on timeout.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	if !WaitFor(tb, condition, opts...) {
		tb.Fatal("timed out waiting for condition")
	}
}

// MustReceive returns the next value from ch or fails the test on timeout or
// when ch is closed.
func MustReceive[T any](tb testing.TB, ch <-chan T, opts ...WaitOption) T {
	tb.Helper()
	o := resolve(opts)

	timer := time.NewTimer(o.Timeout)
	defer timer.Stop()
	select {
	case v, ok := <-ch:
		if !ok {
			tb.Fatal("channel closed while waiting for a value")
		}
		return v
	case <-timer.C:
		tb.Fatalf("timed out after %s waiting for a value", o.Timeout)
	}
	var zero T
	return zero
}

// MustReceiveMatch drains ch until match accepts a value, failing the test on
// timeout or when ch is closed. The matching value is returned.
func MustReceiveMatch[T any](tb testing.TB, ch <-chan T, match func(T) bool, opts ...WaitOption) T {
	tb.Helper()
	o := resolve(opts)

	timer := time.NewTimer(o.Timeout)
	defer timer.Stop()
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				tb.Fatal("channel closed before a matching value arrived")
			}
			if match(v) {
				return v
			}
		case <-timer.C:
			tb.Fatalf("timed out after %s waiting for a matching value", o.Timeout)
		}
	}
}

// MustNotReceive fails the test if ch yields a value within the timeout.
func MustNotReceive[T any](tb testing.TB, ch <-chan T, opts ...WaitOption) {
	tb.Helper()
	o := resolve(opts)

	timer := time.NewTimer(o.Timeout)
	defer timer.Stop()
	select {
	case v, ok := <-ch:
		if ok {
			tb.Fatalf("unexpected value %v", v)
		}
	case <-timer.C:
	}
}

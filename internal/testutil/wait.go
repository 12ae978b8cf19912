// Package testutil holds polling helpers and store fixtures shared by tests.
package testutil

import (
	"testing"
	"time"
)

// WaitOptions configures WaitFor.
type WaitOptions struct {
	Timeout  time.Duration
	Interval time.Duration
}

type WaitOption func(*WaitOptions)

// WithTimeout sets the maximum wait (default 10s).
func WithTimeout(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Timeout = d
	}
}

// WithInterval sets the polling interval (default 10ms).
func WithInterval(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Interval = d
	}
}

func defaultOptions() WaitOptions {
	return WaitOptions{
		Timeout:  10 * time.Second,
		Interval: 10 * time.Millisecond,
	}
}

// WaitFor polls condition until it holds or the timeout passes, reporting
// which happened.
func WaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

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

// WaitForCount polls until count() reaches target.
func WaitForCount(tb testing.TB, count func() int64, target int64, opts ...WaitOption) bool {
	tb.Helper()
	return WaitFor(tb, func() bool {
		return count() >= target
	}, opts...)
}

// MustWaitFor fails the test if condition does not hold in time.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	if !WaitFor(tb, condition, opts...) {
		tb.Fatal("timed out waiting for condition")
	}
}

func MustWaitForCount(tb testing.TB, count func() int64, target int64, opts ...WaitOption) {
	tb.Helper()
	if !WaitForCount(tb, count, target, opts...) {
		tb.Fatalf("timed out waiting for count to reach %d (current: %d)", target, count())
	}
}

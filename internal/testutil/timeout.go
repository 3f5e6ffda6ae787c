package testutil

import (
	"context"
	"testing"
	"time"
)

const (
	// DefaultJobTimeout bounds how long a test waits for a tracked job or
	// an orchestration to finish.
	DefaultJobTimeout = 10 * time.Second

	// DefaultTestBuffer is the buffer time subtracted from test deadline
	// to allow for cleanup operations before the test times out.
	DefaultTestBuffer = 2 * time.Second
)

// ContextWithTestDeadline creates a context that respects the test's deadline.
// It subtracts a buffer from the test deadline to allow time for cleanup.
// If the test has no deadline, it falls back to the provided fallback duration.
func ContextWithTestDeadline(t *testing.T, fallback time.Duration) (context.Context, context.CancelFunc) {
	t.Helper()
	return ContextWithTestDeadlineBuffer(t, fallback, DefaultTestBuffer)
}

// ContextWithTestDeadlineBuffer creates a context that respects the test's deadline
// with a custom buffer. If the test has no deadline, or the deadline minus
// buffer has already passed, it uses the fallback.
func ContextWithTestDeadlineBuffer(t *testing.T, fallback, buffer time.Duration) (context.Context, context.CancelFunc) {
	t.Helper()

	timeout := fallback
	if deadline, ok := t.Deadline(); ok {
		if remaining := time.Until(deadline.Add(-buffer)); remaining > 0 && remaining < fallback {
			timeout = remaining
		}
	}
	return context.WithTimeout(context.Background(), timeout)
}

// JobContext creates a context for waiting on a job or orchestration.
func JobContext(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	return ContextWithTestDeadline(t, DefaultJobTimeout)
}

// Eventually waits until cond holds, failing the test after timeout.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %v: %s", timeout, msg)
	}
}

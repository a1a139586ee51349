// Package testutil holds helpers shared by package tests.
package testutil

import (
	"context"
	"testing"
	"time"
)

// DefaultPollInterval is the interval Eventually polls at.
const DefaultPollInterval = 5 * time.Millisecond

// WaitFor polls condition every interval until it returns true or the timeout
// expires. Returns true if the condition was met, false on timeout.
func WaitFor(t *testing.T, timeout time.Duration, interval time.Duration, condition func() bool) bool {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if condition() {
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return condition()
		case <-ticker.C:
			if condition() {
				return true
			}
		}
	}
}

// Eventually fails the test with msg unless condition becomes true within timeout.
func Eventually(t *testing.T, timeout time.Duration, condition func() bool, msg string, args ...any) {
	t.Helper()
	if !WaitFor(t, timeout, DefaultPollInterval, condition) {
		t.Fatalf("condition not met within %v: "+msg, append([]any{timeout}, args...)...)
	}
}

// Never fails the test if condition becomes true at any point during d.
func Never(t *testing.T, d time.Duration, condition func() bool, msg string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if condition() {
			t.Fatalf(msg, args...)
		}
		time.Sleep(DefaultPollInterval)
	}
}

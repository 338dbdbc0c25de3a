package testutil

import (
	"testing"
	"time"
)

// DefaultTimeout bounds how long Receive and Closed wait.
const DefaultTimeout = 5 * time.Second

// Receive returns the next value from ch, failing the test if ch is closed
// or nothing arrives within DefaultTimeout.
func Receive[T any](t testing.TB, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed while waiting for a value")
		}
		return v
	case <-time.After(DefaultTimeout):
		t.Fatalf("timed out after %s waiting for a value", DefaultTimeout)
	}
	var zero T
	return zero
}

// Drain reads ch until it is closed and returns everything received. It
// fails the test if ch is not closed within DefaultTimeout.
func Drain[T any](t testing.TB, ch <-chan T) []T {
	t.Helper()
	var out []T
	deadline := time.After(DefaultTimeout)
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, v)
		case <-deadline:
			t.Fatalf("timed out after %s waiting for channel to close", DefaultTimeout)
			return out
		}
	}
}

// Eventually polls cond every few milliseconds until it returns true,
// failing the test after DefaultTimeout.
func Eventually(t testing.TB, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(DefaultTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s: %s", DefaultTimeout, msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

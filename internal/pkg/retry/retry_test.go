package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTransient = errors.New("transient error")
var errPermanent = errors.New("permanent error")

func isTransient(err error) bool {
	return errors.Is(err, errTransient)
}

// --- Test: Backoff ---

func TestBackoff_GrowsExponentiallyAndCaps(t *testing.T) {
	cfg := Config{
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     5 * time.Minute,
		BackoffFactor:  2.0,
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: 5 * time.Second},
		{attempt: 1, want: 5 * time.Second},
		{attempt: 2, want: 10 * time.Second},
		{attempt: 3, want: 20 * time.Second},
		{attempt: 6, want: 160 * time.Second},
		{attempt: 7, want: 5 * time.Minute},
		{attempt: 500, want: 5 * time.Minute},
	}

	for _, tt := range tests {
		if got := cfg.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d): got %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoff_MaxBelowInitialIsRaised(t *testing.T) {
	cfg := Config{InitialBackoff: time.Second, MaxBackoff: time.Millisecond}
	if got := cfg.Backoff(4); got != time.Second {
		t.Errorf("expected backoff pinned to initial, got %v", got)
	}
}

// --- Test: Do ---

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	result, err := Do(context.Background(), DefaultConfig(), isTransient, nil, func() (uint64, error) {
		calls++
		return 812345, nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 812345 {
		t.Errorf("expected result 812345, got %d", result)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_RetriesOnTransientError(t *testing.T) {
	calls := 0
	cfg := Config{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		BackoffFactor:  2.0,
	}

	result, err := Do(context.Background(), cfg, isTransient, nil, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errTransient
		}
		return 42, nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 42 {
		t.Errorf("expected result 42, got %d", result)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_FailsImmediatelyOnPermanentError(t *testing.T) {
	calls := 0
	cfg := Config{MaxRetries: 3, InitialBackoff: time.Millisecond}

	_, err := Do(context.Background(), cfg, isTransient, nil, func() (int, error) {
		calls++
		return 0, errPermanent
	})

	if !errors.Is(err, errPermanent) {
		t.Errorf("expected permanent error, got: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call (no retries for permanent error), got %d", calls)
	}
}

func TestDo_ExhaustsRetries(t *testing.T) {
	calls := 0
	cfg := Config{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond}

	_, err := Do(context.Background(), cfg, isTransient, nil, func() (int, error) {
		calls++
		return 0, errTransient
	})

	if !errors.Is(err, errTransient) {
		t.Errorf("expected transient error wrapped, got: %v", err)
	}
	// 1 initial + 2 retries
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	cfg := Config{MaxRetries: 10, InitialBackoff: 100 * time.Millisecond}

	onRetry := func(attempt int, err error, backoff time.Duration) {
		cancel()
	}

	_, err := Do(ctx, cfg, isTransient, onRetry, func() (int, error) {
		calls++
		return 0, errTransient
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled error, got: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call before cancellation, got %d", calls)
	}
}

func TestDo_ReportsBackoffSchedule(t *testing.T) {
	cfg := Config{
		MaxRetries:     3,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     25 * time.Millisecond,
		BackoffFactor:  2.0,
	}

	var attempts []int
	var backoffs []time.Duration
	onRetry := func(attempt int, err error, backoff time.Duration) {
		attempts = append(attempts, attempt)
		backoffs = append(backoffs, backoff)
	}

	_, _ = Do(context.Background(), cfg, isTransient, onRetry, func() (int, error) {
		return 0, errTransient
	})

	wantBackoffs := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 25 * time.Millisecond}
	if len(backoffs) != len(wantBackoffs) {
		t.Fatalf("expected %d retries, got %d", len(wantBackoffs), len(backoffs))
	}
	for i := range wantBackoffs {
		if attempts[i] != i+1 {
			t.Errorf("attempt[%d]: got %d", i, attempts[i])
		}
		if backoffs[i] != wantBackoffs[i] {
			t.Errorf("backoff[%d]: got %v, want %v", i, backoffs[i], wantBackoffs[i])
		}
	}
}

func TestDoVoid_RetriesAndSucceeds(t *testing.T) {
	calls := 0
	cfg := Config{MaxRetries: 3, InitialBackoff: time.Millisecond}

	err := DoVoid(context.Background(), cfg, isTransient, nil, func() error {
		calls++
		if calls < 2 {
			return errTransient
		}
		return nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

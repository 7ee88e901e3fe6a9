package adapter

import (
	"context"
	"errors"
	"testing"
	"time"
)

func noSleep(_ context.Context, _ time.Duration) error { return nil }

func TestBackoffRetriesTransient(t *testing.T) {
	b := Backoff{MaxAttempts: 5, Base: time.Millisecond, Cap: 10 * time.Millisecond, sleep: noSleep}

	calls := 0
	err := b.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return &TransientError{Err: errors.New("503")}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do returned %v; want success on third attempt", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d; want 3", calls)
	}
}

func TestBackoffStopsOnNonTransient(t *testing.T) {
	b := Backoff{MaxAttempts: 5, Base: time.Millisecond, sleep: noSleep}

	calls := 0
	authErr := &AuthError{Hint: "re-authenticate the connection"}
	err := b.Do(context.Background(), func() error {
		calls++
		return authErr
	})
	if !IsAuth(err) {
		t.Fatalf("Do returned %v; want auth error passthrough", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d; auth failures must not be retried", calls)
	}
}

func TestBackoffExhaustsBudget(t *testing.T) {
	b := Backoff{MaxAttempts: 4, Base: time.Millisecond, sleep: noSleep}

	calls := 0
	err := b.Do(context.Background(), func() error {
		calls++
		return &TransientError{Err: errors.New("429"), RateLimited: true}
	})
	if !IsTransient(err) {
		t.Fatalf("Do returned %v; want last transient error", err)
	}
	if calls != 4 {
		t.Errorf("calls = %d; want 4", calls)
	}
}

func TestBackoffHonorsContext(t *testing.T) {
	b := Backoff{MaxAttempts: 5, Base: time.Minute}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := b.Do(ctx, func() error {
		return &TransientError{Err: errors.New("503")}
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Do returned %v; want context.Canceled from the backoff sleep", err)
	}
}

func TestErrorClassification(t *testing.T) {
	wrapped := &ProviderError{Op: "fetch page", Err: &RangeTooLargeError{Days: 3650}}
	if !IsRangeTooLarge(wrapped) {
		t.Error("range-too-large not detected through wrapping")
	}
	if !IsProvider(wrapped) {
		t.Error("provider error not detected")
	}
	if IsTransient(wrapped) {
		t.Error("range-too-large misclassified as transient")
	}
	if IsRangeTooLarge(errors.New("plain")) {
		t.Error("plain error misclassified as range-too-large")
	}
}

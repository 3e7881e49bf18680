package recall

import (
	"context"
	stdErrors "errors"
	"testing"
	"time"

	xerrors "AVA-Chain/internal/errors"
)

type flakyStore struct {
	*Memory
	failures int
	calls    int
	err      error
}

func (f *flakyStore) Store(ctx context.Context, key string, value any, meta Metadata) error {
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return f.Memory.Store(ctx, key, value, meta)
}

func (f *flakyStore) Retrieve(ctx context.Context, key string) (Record, error) {
	f.calls++
	return f.Memory.Retrieve(ctx, key)
}

func recordSleeps(delays *[]time.Duration) RetryOption {
	return WithSleep(func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	})
}

func TestRetryingLinearBackoff(t *testing.T) {
	var delays []time.Duration
	inner := &flakyStore{Memory: NewMemory(), failures: 2, err: stdErrors.New("connection reset")}
	store := NewRetrying(inner, RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond}, recordSleeps(&delays))

	if err := store.Store(context.Background(), "task:1", "v", nil); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if inner.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", inner.calls)
	}
	if len(delays) != 2 || delays[0] != 100*time.Millisecond || delays[1] != 200*time.Millisecond {
		t.Fatalf("unexpected delays %v", delays)
	}
}

func TestRetryingExhaustedIsPersistenceFailure(t *testing.T) {
	var delays []time.Duration
	inner := &flakyStore{Memory: NewMemory(), failures: 10, err: stdErrors.New("down")}
	store := NewRetrying(inner, RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond}, recordSleeps(&delays))

	err := store.Store(context.Background(), "task:1", "v", nil)
	if xerrors.CodeOf(err) != xerrors.CodePersistenceFailure {
		t.Fatalf("expected persistence failure, got %v", err)
	}
	if inner.calls != 2 || len(delays) != 1 {
		t.Fatalf("unexpected calls=%d delays=%v", inner.calls, delays)
	}
}

func TestRetryingNeverRetriesNotFound(t *testing.T) {
	var delays []time.Duration
	inner := &flakyStore{Memory: NewMemory()}
	store := NewRetrying(inner, RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second}, recordSleeps(&delays))

	_, err := store.Retrieve(context.Background(), "task:none")
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if inner.calls != 1 || len(delays) != 0 {
		t.Fatalf("not-found must not be retried: calls=%d delays=%v", inner.calls, delays)
	}
}

func TestRetryingStopsOnContextCancel(t *testing.T) {
	inner := &flakyStore{Memory: NewMemory(), failures: 10, err: stdErrors.New("down")}
	store := NewRetrying(inner, RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.Store(ctx, "task:1", "v", nil)
	if xerrors.CodeOf(err) != xerrors.CodeTimeout {
		t.Fatalf("expected timeout code, got %v", err)
	}
	if inner.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", inner.calls)
	}
}

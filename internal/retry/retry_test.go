package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDo(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds after failures", func(t *testing.T) {
		calls := 0
		v, err := Do(ctx, 3, Fixed(0), func(ctx context.Context, attempt int) (string, error) {
			calls++
			if attempt < 2 {
				return "", errors.New("not ready")
			}
			return "ok", nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if v != "ok" || calls != 3 {
			t.Errorf("got %q after %d calls", v, calls)
		}
	})

	t.Run("exhausted", func(t *testing.T) {
		cause := errors.New("boom")
		calls := 0
		_, err := Do(ctx, 4, Fixed(0), func(ctx context.Context, attempt int) (int, error) {
			calls++
			return 0, cause
		})
		if !errors.Is(err, ErrExhausted) {
			t.Errorf("expected ErrExhausted, got %v", err)
		}
		if !errors.Is(err, cause) {
			t.Errorf("expected last cause to be wrapped, got %v", err)
		}
		if calls != 4 {
			t.Errorf("expected 4 calls, got %d", calls)
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		_, err := Do(ctx, 5, Fixed(time.Hour), func(ctx context.Context, attempt int) (int, error) {
			calls++
			cancel()
			return 0, errors.New("fail")
		})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
		if calls != 1 {
			t.Errorf("expected 1 call, got %d", calls)
		}
	})

	t.Run("permanent", func(t *testing.T) {
		cause := errors.New("gone")
		calls := 0
		_, err := Do(ctx, 5, Fixed(time.Hour), func(ctx context.Context, attempt int) (int, error) {
			calls++
			return 0, Permanent(cause)
		})
		if err != cause {
			t.Errorf("expected the bare cause, got %v", err)
		}
		if errors.Is(err, ErrExhausted) {
			t.Error("a permanent failure must not report exhaustion")
		}
		if calls != 1 {
			t.Errorf("expected 1 call, got %d", calls)
		}
	})
}

func TestLinear(t *testing.T) {
	b := Linear(800*time.Millisecond, 250*time.Millisecond)
	if got := b(0); got != 800*time.Millisecond {
		t.Errorf("attempt 0: got %v", got)
	}
	if got := b(2); got != 1300*time.Millisecond {
		t.Errorf("attempt 2: got %v", got)
	}
}

func TestAfterOverridesBackoff(t *testing.T) {
	start := time.Now()
	_, err := Do(context.Background(), 2, Fixed(time.Hour), func(ctx context.Context, attempt int) (int, error) {
		if attempt == 0 {
			return 0, After(errors.New("not ready"), time.Millisecond)
		}
		return 1, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if time.Since(start) > time.Minute {
		t.Error("expected the per-error delay to replace the backoff")
	}
}

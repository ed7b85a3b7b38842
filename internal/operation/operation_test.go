package operation

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWithTimeout(t *testing.T) {
	tests := []struct {
		name    string
		d       time.Duration
		fn      func(ctx context.Context) error
		wantErr bool
	}{
		{
			name: "completes before deadline",
			d:    50 * time.Millisecond,
			fn: func(ctx context.Context) error {
				return nil
			},
			wantErr: false,
		},
		{
			name: "fn error propagates",
			d:    50 * time.Millisecond,
			fn: func(ctx context.Context) error {
				return errors.New("boom")
			},
			wantErr: true,
		},
		{
			name: "deadline exceeded",
			d:    10 * time.Millisecond,
			fn: func(ctx context.Context) error {
				time.Sleep(50 * time.Millisecond)
				return nil
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := WithTimeout(context.Background(), tt.d, "test-op", tt.fn)
			if (err != nil) != tt.wantErr {
				t.Errorf("WithTimeout() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	t.Run("timeout error names the label", func(t *testing.T) {
		err := WithTimeout(context.Background(), 5*time.Millisecond, "navigate", func(ctx context.Context) error {
			time.Sleep(50 * time.Millisecond)
			return nil
		})
		var timeoutErr *TimeoutError
		if !errors.As(err, &timeoutErr) {
			t.Fatalf("error = %v, want *TimeoutError", err)
		}
		if timeoutErr.Label != "navigate" {
			t.Errorf("Label = %q, want %q", timeoutErr.Label, "navigate")
		}
	})
}

func TestWithRetry(t *testing.T) {
	t.Run("succeeds on first attempt", func(t *testing.T) {
		calls := 0
		err := WithRetry(context.Background(), RetryConfig{Retries: 3, Timeout: time.Second, Backoff: time.Millisecond}, "op", func(ctx context.Context) error {
			calls++
			return nil
		})
		if err != nil {
			t.Errorf("WithRetry() error = %v, want nil", err)
		}
		if calls != 1 {
			t.Errorf("calls = %d, want 1", calls)
		}
	})

	t.Run("succeeds after failures", func(t *testing.T) {
		calls := 0
		err := WithRetry(context.Background(), RetryConfig{Retries: 3, Timeout: time.Second, Backoff: time.Millisecond}, "op", func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})
		if err != nil {
			t.Errorf("WithRetry() error = %v, want nil", err)
		}
		if calls != 3 {
			t.Errorf("calls = %d, want 3", calls)
		}
	})

	t.Run("exhausts attempts and wraps last error", func(t *testing.T) {
		calls := 0
		wantErr := errors.New("persistent")
		err := WithRetry(context.Background(), RetryConfig{Retries: 3, Timeout: time.Second, Backoff: time.Millisecond}, "op", func(ctx context.Context) error {
			calls++
			return wantErr
		})
		var exhausted *RetryExhaustedError
		if !errors.As(err, &exhausted) {
			t.Fatalf("error = %v, want *RetryExhaustedError", err)
		}
		if !errors.Is(exhausted, wantErr) {
			t.Errorf("exhausted error does not unwrap to %v", wantErr)
		}
		if calls != 3 {
			t.Errorf("calls = %d, want 3", calls)
		}
	})

	t.Run("delay grows between attempts", func(t *testing.T) {
		var timestamps []time.Time
		_ = WithRetry(context.Background(), RetryConfig{Retries: 3, Timeout: time.Second, Backoff: 10 * time.Millisecond}, "op", func(ctx context.Context) error {
			timestamps = append(timestamps, time.Now())
			return errors.New("fail")
		})
		if len(timestamps) != 3 {
			t.Fatalf("got %d attempts, want 3", len(timestamps))
		}
		d1 := timestamps[1].Sub(timestamps[0])
		d2 := timestamps[2].Sub(timestamps[1])
		if d2 < d1 {
			t.Errorf("second delay %v should be >= first delay %v", d2, d1)
		}
	})

	t.Run("respects cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := WithRetry(ctx, RetryConfig{Retries: 3, Timeout: time.Second, Backoff: time.Millisecond}, "op", func(ctx context.Context) error {
			return errors.New("should not matter")
		})
		if err == nil {
			t.Errorf("WithRetry() error = nil, want context error")
		}
	})
}

func TestSafe(t *testing.T) {
	t.Run("returns op result on success", func(t *testing.T) {
		got := Safe(func() (int, error) {
			return 42, nil
		}, -1, nil)
		if got != 42 {
			t.Errorf("Safe() = %d, want 42", got)
		}
	})

	t.Run("returns fallback and calls onError on failure", func(t *testing.T) {
		var captured error
		got := Safe(func() (int, error) {
			return 0, errors.New("boom")
		}, -1, func(err error) {
			captured = err
		})
		if got != -1 {
			t.Errorf("Safe() = %d, want -1", got)
		}
		if captured == nil {
			t.Errorf("onError was not called")
		}
	})

	t.Run("tolerates nil onError", func(t *testing.T) {
		got := Safe(func() (int, error) {
			return 0, errors.New("boom")
		}, -1, nil)
		if got != -1 {
			t.Errorf("Safe() = %d, want -1", got)
		}
	})
}

func TestCircuitBreaker(t *testing.T) {
	t.Run("stays closed under threshold", func(t *testing.T) {
		cb := NewCircuitBreaker(3, time.Minute)
		for i := 0; i < 2; i++ {
			_ = cb.Safe(context.Background(), func(ctx context.Context) error {
				return errors.New("fail")
			})
		}
		if st := cb.State(); st.IsOpen {
			t.Errorf("State().IsOpen = true, want false")
		}
	})

	t.Run("opens after threshold consecutive failures", func(t *testing.T) {
		cb := NewCircuitBreaker(3, time.Minute)
		for i := 0; i < 3; i++ {
			_ = cb.Safe(context.Background(), func(ctx context.Context) error {
				return errors.New("fail")
			})
		}
		st := cb.State()
		if !st.IsOpen {
			t.Errorf("State().IsOpen = false, want true")
		}
		if st.Failures != 3 {
			t.Errorf("State().Failures = %d, want 3", st.Failures)
		}
	})

	t.Run("rejects calls while open", func(t *testing.T) {
		cb := NewCircuitBreaker(1, time.Minute)
		_ = cb.Safe(context.Background(), func(ctx context.Context) error {
			return errors.New("fail")
		})

		called := false
		err := cb.Safe(context.Background(), func(ctx context.Context) error {
			called = true
			return nil
		})
		if !errors.Is(err, ErrCircuitOpen) {
			t.Errorf("Safe() error = %v, want %v", err, ErrCircuitOpen)
		}
		if called {
			t.Errorf("op was called while circuit open")
		}
	})

	t.Run("resets eagerly once resetAfter elapses", func(t *testing.T) {
		cb := NewCircuitBreaker(1, time.Millisecond)
		_ = cb.Safe(context.Background(), func(ctx context.Context) error {
			return errors.New("fail")
		})

		time.Sleep(5 * time.Millisecond)

		err := cb.Safe(context.Background(), func(ctx context.Context) error {
			return nil
		})
		if err != nil {
			t.Errorf("Safe() error = %v, want nil", err)
		}
		if st := cb.State(); st.IsOpen || st.Failures != 0 {
			t.Errorf("State() = %+v, want closed with 0 failures", st)
		}
	})

	t.Run("resets failure count on success while closed", func(t *testing.T) {
		cb := NewCircuitBreaker(3, time.Minute)
		_ = cb.Safe(context.Background(), func(ctx context.Context) error {
			return errors.New("fail")
		})
		_ = cb.Safe(context.Background(), func(ctx context.Context) error {
			return nil
		})
		if st := cb.State(); st.Failures != 0 {
			t.Errorf("State().Failures = %d, want 0", st.Failures)
		}
	})
}

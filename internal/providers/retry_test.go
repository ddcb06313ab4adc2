package providers

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastRetry() RetryConfig {
	return RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"rate limit", &APIError{Provider: "openai", Status: 429}, true},
		{"server error", &APIError{Provider: "anthropic", Status: 503}, true},
		{"auth error", &APIError{Provider: "openai", Status: 401}, false},
		{"bad request", &APIError{Provider: "openai", Status: 400}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"schema error", errors.New("unknown field"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryDoRecoversAfterTransient(t *testing.T) {
	calls := 0
	got, err := RetryDo(context.Background(), fastRetry(), func() (string, error) {
		calls++
		if calls < 3 {
			return "", &APIError{Provider: "openai", Status: 500}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" || calls != 3 {
		t.Errorf("got %q after %d calls, want ok after 3", got, calls)
	}
}

func TestRetryDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	_, err := RetryDo(context.Background(), fastRetry(), func() (string, error) {
		calls++
		return "", &APIError{Provider: "openai", Status: 401}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("permanent error retried: %d calls", calls)
	}
}

func TestRetryDoExhaustsBudget(t *testing.T) {
	calls := 0
	_, err := RetryDo(context.Background(), fastRetry(), func() (int, error) {
		calls++
		return 0, &APIError{Provider: "openai", Status: 429}
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 3 {
		t.Errorf("got %d calls, want 3 (1 initial + 2 retries)", calls)
	}
}

func TestRetryDoHonorsContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := RetryDo(ctx, fastRetry(), func() (int, error) {
		return 0, &APIError{Provider: "openai", Status: 500}
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}

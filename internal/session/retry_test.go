package session

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

var testRetry = RetryConfig{MaxRetries: 3, InitialWait: time.Millisecond, MaxWait: 10 * time.Millisecond, Multiplier: 2}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"http 429", &statusError{429}, true},
		{"http 503", &statusError{503}, true},
		{"http 404", &statusError{404}, false},
		{"regular error", errors.New("something"), false},
		{"transient-wrapped", Transient(errors.New("flaky")), true},
		{"dns timeout", &net.DNSError{IsTimeout: true}, true},
		{"op error", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{"captcha blocked", ErrCaptchaBlocked, false},
		{"captcha abandoned", ErrCaptchaAbandoned, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryable(tt.err); got != tt.want {
				t.Errorf("isRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetryDoRetryThenSuccess(t *testing.T) {
	calls := 0
	got, err := RetryDo(context.Background(), testRetry, func() (string, error) {
		calls++
		if calls < 3 {
			return "", &statusError{503}
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

func TestRetryDoExhausted(t *testing.T) {
	calls := 0
	_, err := RetryDo(context.Background(), testRetry, func() (string, error) {
		calls++
		return "", &statusError{502}
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 4 { // initial + 3 retries
		t.Errorf("expected 4 calls, got %d", calls)
	}
}

func TestRetryDoNonRetryable(t *testing.T) {
	calls := 0
	_, err := RetryDo(context.Background(), testRetry, func() (string, error) {
		calls++
		return "", errors.New("permanent")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call (no retry for non-retryable), got %d", calls)
	}
}

func TestRetryDoCaptchaBlockedNotRetried(t *testing.T) {
	calls := 0
	_, err := RetryDo(context.Background(), testRetry, func() (Page, error) {
		calls++
		return Page{}, ErrCaptchaBlocked
	})
	if !errors.Is(err, ErrCaptchaBlocked) {
		t.Fatalf("expected ErrCaptchaBlocked, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetryDoContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := RetryDo(ctx, testRetry, func() (string, error) {
		return "", &statusError{503}
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

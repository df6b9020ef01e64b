package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"testing"
	"time"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts:  attempts,
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestWithBackoff_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := WithBackoff(context.Background(), fastConfig(3), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestWithBackoff_RetriesGatewayErrors(t *testing.T) {
	var calls atomic.Int32
	err := WithBackoff(context.Background(), fastConfig(3), func() error {
		switch calls.Add(1) {
		case 1:
			return &StatusError{Code: http.StatusBadGateway}
		case 2:
			return &StatusError{Code: http.StatusServiceUnavailable}
		default:
			return nil
		}
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 calls, got %d", got)
	}
}

func TestWithBackoff_StopsAfterTwoRetries(t *testing.T) {
	calls := 0
	err := WithBackoff(context.Background(), fastConfig(3), func() error {
		calls++
		return fmt.Errorf("timeout")
	})
	if err == nil || err.Error() != "timeout" {
		t.Fatalf("expected last error 'timeout', got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestWithBackoff_PermanentErrorNotRetried(t *testing.T) {
	calls := 0
	err := WithBackoff(context.Background(), fastConfig(3), func() error {
		calls++
		return &StatusError{Code: http.StatusUnauthorized}
	})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 status error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call for permanent error, got %d", calls)
	}
}

func TestWithBackoff_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	cfg := Config{MaxAttempts: 5, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	err := WithBackoff(ctx, cfg, func() error {
		calls++
		if calls == 1 {
			cancel()
		}
		return fmt.Errorf("connection reset")
	})
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	if calls != 1 {
		t.Fatalf("expected 1 call before cancellation, got %d", calls)
	}
}

func TestIndexerConfigDelays(t *testing.T) {
	cfg := IndexerConfig()
	if cfg.MaxAttempts != 3 {
		t.Fatalf("expected 3 attempts (2 retries), got %d", cfg.MaxAttempts)
	}
	first := applyJitter(cfg.InitialDelay, cfg.Jitter)
	second := applyJitter(time.Duration(float64(cfg.InitialDelay)*cfg.Multiplier), cfg.Jitter)
	if first != time.Second || second != 2*time.Second {
		t.Fatalf("expected 1s then 2s, got %v then %v", first, second)
	}
}

func TestApplyJitterBounds(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 200; i++ {
		got := applyJitter(base, 0.25)
		if got < 75*time.Millisecond || got > 125*time.Millisecond {
			t.Fatalf("jittered delay %v outside [75ms, 125ms]", got)
		}
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"502", &StatusError{Code: 502}, true},
		{"503", &StatusError{Code: 503}, true},
		{"504", &StatusError{Code: 504}, true},
		{"500", &StatusError{Code: 500}, false},
		{"404", &StatusError{Code: 404}, false},
		{"429", &StatusError{Code: 429}, true},
		{"wrapped 503", fmt.Errorf("indexer: %w", &StatusError{Code: 503}), true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"reset", errors.New("read: connection reset by peer"), true},
		{"parse", errors.New("invalid xml"), false},
		{"dns miss", &url.Error{Op: "Get", URL: "http://indexer.invalid", Err: &net.DNSError{Err: "no such host", Name: "indexer.invalid", IsNotFound: true}}, false},
		{"dial timeout", &url.Error{Op: "Get", URL: "http://indexer", Err: &net.OpError{Op: "dial", Err: &net.DNSError{Err: "i/o timeout", IsTimeout: true}}}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsTransient(tc.err); got != tc.want {
				t.Fatalf("IsTransient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

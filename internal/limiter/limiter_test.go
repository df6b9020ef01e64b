package limiter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLimiterBoundsConcurrency(t *testing.T) {
	l := New("test-bound", 3)
	var current, peak atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Do(context.Background(), func(ctx context.Context) error {
				now := current.Add(1)
				for {
					old := peak.Load()
					if now <= old || peak.CompareAndSwap(old, now) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				current.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	if peak.Load() > 3 {
		t.Fatalf("peak concurrency %d exceeds limit 3", peak.Load())
	}
	if l.InFlight() != 0 {
		t.Fatalf("expected no in-flight calls, got %d", l.InFlight())
	}
}

func TestLimiterCancelledWhileQueued(t *testing.T) {
	l := New("test-cancel", 1)
	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = l.Do(context.Background(), func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ran := false
	err := l.Do(ctx, func(ctx context.Context) error {
		ran = true
		return nil
	})
	close(release)

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if ran {
		t.Fatalf("fn must not run when the slot was never acquired")
	}
}

func TestRunReturnsValue(t *testing.T) {
	l := New("test-run", 2)
	value, err := Run(context.Background(), l, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	if err != nil || value != 42 {
		t.Fatalf("Run = %d, %v", value, err)
	}

	boom := errors.New("boom")
	_, err = Run(context.Background(), l, func(ctx context.Context) (string, error) {
		return "ignored", boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestDefaultSize(t *testing.T) {
	if New("test-default", 0).Size() != DefaultSize {
		t.Fatalf("expected default size %d", DefaultSize)
	}
}

package badlink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

const testHash = "0123456789abcdef0123456789abcdef01234567"

func TestReportCreatesFlagWithTTL(t *testing.T) {
	clock := newFakeClock()
	registry := NewRegistry(NewMemoryStore(), WithClock(clock.Now))

	flag, err := registry.Report(context.Background(), testHash, "user-1", "buffering", "indexer")
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if flag.ReportCount != 1 || len(flag.ReportedBy) != 1 {
		t.Fatalf("unexpected flag: %+v", flag)
	}
	if want := clock.Now().Add(48 * time.Hour); !flag.ExpiresAt.Equal(want) {
		t.Fatalf("ExpiresAt = %v, want %v", flag.ExpiresAt, want)
	}
}

func TestReportIdempotentPerReporter(t *testing.T) {
	registry := NewRegistry(NewMemoryStore())
	ctx := context.Background()

	if _, err := registry.Report(ctx, testHash, "user-1", "broken", ""); err != nil {
		t.Fatalf("Report: %v", err)
	}
	again, err := registry.Report(ctx, testHash, "user-1", "broken", "")
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if again.ReportCount != 1 {
		t.Fatalf("repeat report must not increment count, got %d", again.ReportCount)
	}

	other, err := registry.Report(ctx, testHash, "user-2", "", "")
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if other.ReportCount != 2 || len(other.ReportedBy) != 2 {
		t.Fatalf("new reporter should increment count: %+v", other)
	}
	if other.Reason != "broken" {
		t.Fatalf("empty reason should keep previous reason, got %q", other.Reason)
	}
}

func TestReportNormalizesHashCase(t *testing.T) {
	registry := NewRegistry(NewMemoryStore())
	ctx := context.Background()
	upper := "0123456789ABCDEF0123456789ABCDEF01234567"

	if _, err := registry.Report(ctx, upper, "user-1", "", ""); err != nil {
		t.Fatalf("Report: %v", err)
	}
	if _, ok, _ := registry.IsFlagged(ctx, testHash); !ok {
		t.Fatalf("lowercase lookup should find uppercase report")
	}
}

func TestReportRequiresIdentityAndReporter(t *testing.T) {
	registry := NewRegistry(NewMemoryStore())
	if _, err := registry.Report(context.Background(), "", "user", "", ""); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if _, err := registry.Report(context.Background(), testHash, " ", "", ""); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestIsFlaggedLazilyDeletesExpired(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()
	registry := NewRegistry(store, WithClock(clock.Now))
	ctx := context.Background()

	if _, err := registry.Report(ctx, testHash, "user-1", "", ""); err != nil {
		t.Fatalf("Report: %v", err)
	}
	if _, ok, _ := registry.IsFlagged(ctx, testHash); !ok {
		t.Fatalf("expected flagged before expiry")
	}

	clock.Advance(48 * time.Hour)
	if _, ok, _ := registry.IsFlagged(ctx, testHash); ok {
		t.Fatalf("expected not flagged after expiry")
	}
	if store.Len() != 0 {
		t.Fatalf("expired row should be deleted on read, %d rows left", store.Len())
	}
}

func TestReportAfterExpiryStartsFresh(t *testing.T) {
	clock := newFakeClock()
	registry := NewRegistry(NewMemoryStore(), WithClock(clock.Now))
	ctx := context.Background()

	_, _ = registry.Report(ctx, testHash, "user-1", "", "")
	_, _ = registry.Report(ctx, testHash, "user-2", "", "")
	clock.Advance(49 * time.Hour)

	flag, err := registry.Report(ctx, testHash, "user-1", "", "")
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if flag.ReportCount != 1 {
		t.Fatalf("expired flag should restart at 1, got %d", flag.ReportCount)
	}
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()
	registry := NewRegistry(store, WithClock(clock.Now))
	ctx := context.Background()

	_, _ = registry.Report(ctx, "old-url", "user-1", "", "")
	clock.Advance(47 * time.Hour)
	_, _ = registry.Report(ctx, "new-url", "user-1", "", "")
	clock.Advance(2 * time.Hour)

	removed, err := registry.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 1 || store.Len() != 1 {
		t.Fatalf("expected 1 removed and 1 left, got removed=%d left=%d", removed, store.Len())
	}
}

func TestConcurrentReportsDoNotLoseUpdates(t *testing.T) {
	registry := NewRegistry(NewMemoryStore())
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, _ = registry.Report(ctx, testHash, fmt.Sprintf("user-%d", n), "", "")
		}(i)
	}
	wg.Wait()

	flag, ok, err := registry.IsFlagged(ctx, testHash)
	if err != nil || !ok {
		t.Fatalf("expected flag, ok=%v err=%v", ok, err)
	}
	if flag.ReportCount != 50 {
		t.Fatalf("expected 50 reports, got %d", flag.ReportCount)
	}
}

func TestIsFlaggedReturnsCopy(t *testing.T) {
	registry := NewRegistry(NewMemoryStore())
	ctx := context.Background()
	_, _ = registry.Report(ctx, testHash, "user-1", "", "")

	flag, _, _ := registry.IsFlagged(ctx, testHash)
	flag.ReportedBy[0] = "mutated"

	again, _, _ := registry.IsFlagged(ctx, testHash)
	if again.ReportedBy[0] != "user-1" {
		t.Fatalf("store leaked internal slice")
	}
}

func TestRedisKeyPrefix(t *testing.T) {
	if got := redisKey(testHash); got != "resolver:badlink:"+testHash {
		t.Fatalf("redisKey = %q", got)
	}
}

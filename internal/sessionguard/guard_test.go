package sessionguard

import (
	"context"
	"errors"
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
	return &fakeClock{now: time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)}
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

var alice = domain.SessionUser{UserID: "u1", Username: "alice"}

func TestCheckAndStartIdempotentForSameAddress(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()
	guard := New(store, WithClock(clock.Now))
	ctx := context.Background()

	first, err := guard.CheckAndStart(ctx, "K", "10.0.0.1", alice)
	if err != nil {
		t.Fatalf("first start: %v", err)
	}
	clock.Advance(time.Second)
	second, err := guard.CheckAndStart(ctx, "K", "10.0.0.1", alice)
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if store.Len() != 1 {
		t.Fatalf("expected one row, got %d", store.Len())
	}
	if !second.StreamStartedAt.Equal(first.StreamStartedAt) {
		t.Fatalf("restart from same address should keep the original start time")
	}
	if !second.LastHeartbeatAt.Equal(clock.Now()) {
		t.Fatalf("restart should refresh the heartbeat")
	}
}

// Credential K live on A; B asks 2s later and is denied with A's metadata.
func TestCheckAndStartDeniesSecondAddressWithinWindow(t *testing.T) {
	clock := newFakeClock()
	guard := New(NewMemoryStore(), WithClock(clock.Now))
	ctx := context.Background()

	started, err := guard.CheckAndStart(ctx, "K", "A", alice)
	if err != nil {
		t.Fatalf("start on A: %v", err)
	}
	clock.Advance(2 * time.Second)

	_, err = guard.CheckAndStart(ctx, "K", "B", domain.SessionUser{UserID: "u2", Username: "bob"})
	var conflict *domain.ConcurrentSessionError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConcurrentSessionError, got %v", err)
	}
	if conflict.IPAddress != "A" || conflict.Username != "alice" || !conflict.StartedAt.Equal(started.StreamStartedAt) {
		t.Fatalf("unexpected conflict metadata: %+v", conflict)
	}
}

func TestCheckAndStartAllowsAfterLivenessWindow(t *testing.T) {
	clock := newFakeClock()
	guard := New(NewMemoryStore(), WithClock(clock.Now))
	ctx := context.Background()

	if _, err := guard.CheckAndStart(ctx, "K", "A", alice); err != nil {
		t.Fatalf("start on A: %v", err)
	}
	clock.Advance(LivenessWindow)
	if _, err := guard.CheckAndStart(ctx, "K", "B", alice); err != nil {
		t.Fatalf("A is no longer live; B should start, got %v", err)
	}
}

func TestHeartbeatKeepsSessionLive(t *testing.T) {
	clock := newFakeClock()
	guard := New(NewMemoryStore(), WithClock(clock.Now))
	ctx := context.Background()

	_, _ = guard.CheckAndStart(ctx, "K", "A", alice)
	for i := 0; i < 3; i++ {
		clock.Advance(4 * time.Second)
		if err := guard.Heartbeat(ctx, "K", "A"); err != nil {
			t.Fatalf("heartbeat: %v", err)
		}
	}
	if _, err := guard.CheckAndStart(ctx, "K", "B", alice); err == nil {
		t.Fatalf("heartbeats should keep A live")
	}
}

func TestDifferentCredentialsDoNotConflict(t *testing.T) {
	guard := New(NewMemoryStore())
	ctx := context.Background()
	_, _ = guard.CheckAndStart(ctx, "K1", "A", alice)
	if _, err := guard.CheckAndStart(ctx, "K2", "B", alice); err != nil {
		t.Fatalf("separate credentials should not conflict: %v", err)
	}
}

func TestEndReleasesCredential(t *testing.T) {
	guard := New(NewMemoryStore())
	ctx := context.Background()
	_, _ = guard.CheckAndStart(ctx, "K", "A", alice)
	if err := guard.End(ctx, "K", "A"); err != nil {
		t.Fatalf("End: %v", err)
	}
	if _, err := guard.CheckAndStart(ctx, "K", "B", alice); err != nil {
		t.Fatalf("ended session should not block: %v", err)
	}
}

func TestHeartbeatMissingSession(t *testing.T) {
	guard := New(NewMemoryStore())
	if err := guard.Heartbeat(context.Background(), "K", "A"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSweepUsesStaleWindowNotLiveness(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()
	guard := New(store, WithClock(clock.Now))
	ctx := context.Background()

	_, _ = guard.CheckAndStart(ctx, "K", "A", alice)
	clock.Advance(10 * time.Second)
	if removed, _ := guard.Sweep(ctx); removed != 0 {
		t.Fatalf("10s-silent row is not live but must survive the sweep, removed %d", removed)
	}
	clock.Advance(21 * time.Second)
	if removed, _ := guard.Sweep(ctx); removed != 1 {
		t.Fatalf("31s-silent row should be swept, removed %d", removed)
	}
	if store.Len() != 0 {
		t.Fatalf("expected empty store")
	}
}

func TestCheckAndStartRequiresCredentialAndIP(t *testing.T) {
	guard := New(NewMemoryStore())
	if _, err := guard.CheckAndStart(context.Background(), "", "A", alice); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if _, err := guard.CheckAndStart(context.Background(), "K", " ", alice); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestConcurrentStartsFromTwoAddressesOneWins(t *testing.T) {
	guard := New(NewMemoryStore())
	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, ip := range []string{"A", "B"} {
		wg.Add(1)
		go func(i int, ip string) {
			defer wg.Done()
			_, errs[i] = guard.CheckAndStart(ctx, "K", ip, alice)
		}(i, ip)
	}
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			failures++
		}
	}
	if failures != 1 {
		t.Fatalf("exactly one start should win, got errors %v", errs)
	}
}

func TestStoresHashNotCredential(t *testing.T) {
	store := NewMemoryStore()
	guard := New(store)
	session, _ := guard.CheckAndStart(context.Background(), "raw-secret", "A", alice)
	if session.CredentialHash == "raw-secret" || session.CredentialHash != domain.HashCredential("raw-secret") {
		t.Fatalf("expected hashed credential, got %q", session.CredentialHash)
	}
}

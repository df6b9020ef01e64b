package sessionguard

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/domain"
	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/metrics"
)

const (
	// LivenessWindow is how recent a heartbeat must be for a session to
	// block a start from another address.
	LivenessWindow = 5 * time.Second
	// StaleAfter is how long a silent row survives before the sweep drops it.
	StaleAfter = 30 * time.Second
)

type Store interface {
	// FindLiveElsewhere returns a session for credentialHash at an address
	// other than ip whose heartbeat is at or after since.
	FindLiveElsewhere(ctx context.Context, credentialHash, ip string, since time.Time) (domain.ActiveSession, bool, error)
	// Upsert writes the session, keeping StreamStartedAt of an existing row.
	Upsert(ctx context.Context, session domain.ActiveSession) (domain.ActiveSession, error)
	Heartbeat(ctx context.Context, credentialHash, ip string, at time.Time) (bool, error)
	Delete(ctx context.Context, credentialHash, ip string) error
	DeleteStale(ctx context.Context, before time.Time) (int, error)
}

// Guard enforces one live session per credential across addresses. The
// mutex makes check-then-upsert atomic against other starts and sweeps in
// this process.
type Guard struct {
	mu     sync.Mutex
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Guard)

func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

func New(store Store, opts ...Option) *Guard {
	if store == nil {
		store = NewMemoryStore()
	}
	g := &Guard{
		store:  store,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// CheckAndStart starts or refreshes the session for (credential, ip). It
// returns *domain.ConcurrentSessionError when the credential is live at a
// different address.
func (g *Guard) CheckAndStart(ctx context.Context, credential, ip string, user domain.SessionUser) (domain.ActiveSession, error) {
	hash, ip, err := normalizeKey(credential, ip)
	if err != nil {
		return domain.ActiveSession{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	other, found, err := g.store.FindLiveElsewhere(ctx, hash, ip, now.Add(-LivenessWindow))
	if err != nil {
		return domain.ActiveSession{}, fmt.Errorf("session lookup: %w", err)
	}
	if found && other.LiveAt(now, LivenessWindow) {
		metrics.SessionConflictsTotal.Inc()
		g.logger.Info("concurrent session denied",
			slog.String("credentialHash", hash),
			slog.String("ip", ip),
			slog.String("activeIp", other.IPAddress),
		)
		return domain.ActiveSession{}, &domain.ConcurrentSessionError{
			Username:  other.Username,
			IPAddress: other.IPAddress,
			StartedAt: other.StreamStartedAt,
		}
	}

	session, err := g.store.Upsert(ctx, domain.ActiveSession{
		CredentialHash:  hash,
		IPAddress:       ip,
		UserID:          user.UserID,
		Username:        user.Username,
		StreamStartedAt: now,
		LastHeartbeatAt: now,
	})
	if err != nil {
		return domain.ActiveSession{}, fmt.Errorf("session upsert: %w", err)
	}
	return session, nil
}

// Heartbeat refreshes the session. It returns domain.ErrNotFound when the
// row is gone, typically after a sweep.
func (g *Guard) Heartbeat(ctx context.Context, credential, ip string) error {
	hash, ip, err := normalizeKey(credential, ip)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	ok, err := g.store.Heartbeat(ctx, hash, ip, g.now())
	if err != nil {
		return fmt.Errorf("session heartbeat: %w", err)
	}
	if !ok {
		return domain.ErrNotFound
	}
	return nil
}

func (g *Guard) End(ctx context.Context, credential, ip string) error {
	hash, ip, err := normalizeKey(credential, ip)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.store.Delete(ctx, hash, ip)
}

// Sweep removes sessions silent for longer than StaleAfter.
func (g *Guard) Sweep(ctx context.Context) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	removed, err := g.store.DeleteStale(ctx, g.now().Add(-StaleAfter))
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		g.logger.Debug("session sweep", slog.Int("removed", removed))
	}
	return removed, nil
}

func normalizeKey(credential, ip string) (string, string, error) {
	hash := domain.HashCredential(credential)
	ip = strings.TrimSpace(ip)
	if hash == "" || ip == "" {
		return "", "", fmt.Errorf("%w: credential and ip are required", domain.ErrInvalidRequest)
	}
	return hash, ip, nil
}

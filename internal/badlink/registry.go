package badlink

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/domain"
	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/metrics"
)

// DefaultTTL is how long a report keeps a source flagged.
const DefaultTTL = 48 * time.Hour

type Outcome string

const (
	OutcomeNew       Outcome = "new"
	OutcomeAdded     Outcome = "added"
	OutcomeDuplicate Outcome = "duplicate"
)

// Store persists flags. Upsert must apply the report atomically per identity.
type Store interface {
	Upsert(ctx context.Context, report Report, now time.Time, ttl time.Duration) (domain.BadLinkFlag, Outcome, error)
	Get(ctx context.Context, identity string, now time.Time) (domain.BadLinkFlag, bool, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

type Report struct {
	Identity string
	Reporter string
	Reason   string
	Source   string
}

type Registry struct {
	store  Store
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Registry)

func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func NewRegistry(store Store, opts ...Option) *Registry {
	if store == nil {
		store = NewMemoryStore()
	}
	r := &Registry{
		store:  store,
		ttl:    DefaultTTL,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Report flags identity on behalf of reporter. Repeat reports from the same
// reporter leave the count unchanged.
func (r *Registry) Report(ctx context.Context, identity, reporter, reason, source string) (domain.BadLinkFlag, error) {
	report := Report{
		Identity: domain.NormalizeFlagIdentity(identity),
		Reporter: strings.TrimSpace(reporter),
		Reason:   strings.TrimSpace(reason),
		Source:   strings.TrimSpace(source),
	}
	if report.Identity == "" || report.Reporter == "" {
		return domain.BadLinkFlag{}, fmt.Errorf("%w: identity and reporter are required", domain.ErrInvalidRequest)
	}

	flag, outcome, err := r.store.Upsert(ctx, report, r.now(), r.ttl)
	if err != nil {
		return domain.BadLinkFlag{}, fmt.Errorf("record bad link report: %w", err)
	}
	metrics.BadLinkReportsTotal.WithLabelValues(string(outcome)).Inc()
	r.logger.Info("bad link reported",
		slog.String("identity", report.Identity),
		slog.String("outcome", string(outcome)),
		slog.Int("reportCount", flag.ReportCount),
	)
	return flag, nil
}

// IsFlagged returns the live flag for identity. Expired rows are removed by
// the store on read.
func (r *Registry) IsFlagged(ctx context.Context, identity string) (domain.BadLinkFlag, bool, error) {
	key := domain.NormalizeFlagIdentity(identity)
	if key == "" {
		return domain.BadLinkFlag{}, false, nil
	}
	return r.store.Get(ctx, key, r.now())
}

func (r *Registry) Sweep(ctx context.Context) (int, error) {
	removed, err := r.store.DeleteExpired(ctx, r.now())
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		r.logger.Debug("bad link sweep", slog.Int("removed", removed))
	}
	return removed, nil
}

// applyReport folds report into the existing flag (if any) and returns the
// next stored value.
func applyReport(existing domain.BadLinkFlag, found bool, report Report, now time.Time, ttl time.Duration) (domain.BadLinkFlag, Outcome) {
	if !found || existing.Expired(now) {
		return domain.BadLinkFlag{
			Identity:    report.Identity,
			ReportedAt:  now,
			ExpiresAt:   now.Add(ttl),
			ReportedBy:  []string{report.Reporter},
			ReportCount: 1,
			Reason:      report.Reason,
			Source:      report.Source,
		}, OutcomeNew
	}
	if existing.HasReporter(report.Reporter) {
		return existing.Clone(), OutcomeDuplicate
	}
	next := existing.Clone()
	next.ReportedBy = append(next.ReportedBy, report.Reporter)
	next.ReportCount++
	if report.Reason != "" {
		next.Reason = report.Reason
	}
	if next.Source == "" {
		next.Source = report.Source
	}
	return next, OutcomeAdded
}

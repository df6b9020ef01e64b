package search

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/domain"
)

const (
	DefaultCeiling = 45 * time.Second

	cacheMountProviderName = "cache-mount"
	indexerProviderName    = "indexer"
)

// FilesystemCacheProvider lists files already resident on debrid storage.
type FilesystemCacheProvider interface {
	Search(ctx context.Context, query domain.FileQuery) ([]domain.SourceCandidate, error)
}

// IndexerProvider pushes candidate batches to onBatch as query variants
// finish. The final call has complete=true.
type IndexerProvider interface {
	Search(ctx context.Context, query domain.IndexerQuery, onBatch func(batch []domain.SourceCandidate, complete bool)) error
}

// DebridAvailability reports which hashes the debrid service already holds.
type DebridAvailability interface {
	CheckCached(ctx context.Context, hashes []string, credential string) (map[string]bool, error)
}

type RuntimeLookup interface {
	RuntimeMinutes(ctx context.Context, externalID string, mediaType domain.MediaType, season, episode int) (int, error)
}

type FlagChecker interface {
	IsFlagged(ctx context.Context, identity string) (domain.BadLinkFlag, bool, error)
}

// Service runs the aggregation pipeline. Providers are optional; a missing
// provider contributes zero candidates.
type Service struct {
	mount        FilesystemCacheProvider
	indexer      IndexerProvider
	availability DebridAvailability
	runtime      RuntimeLookup
	flags        FlagChecker
	ceiling      time.Duration
	now          func() time.Time
	logger       *slog.Logger

	breakerMu sync.Mutex
	breakers  map[string]*sourceBreaker
}

type ServiceOption func(*Service)

func WithIndexer(provider IndexerProvider) ServiceOption {
	return func(s *Service) {
		s.indexer = provider
	}
}

func WithAvailability(checker DebridAvailability) ServiceOption {
	return func(s *Service) {
		s.availability = checker
	}
}

func WithRuntimeLookup(lookup RuntimeLookup) ServiceOption {
	return func(s *Service) {
		s.runtime = lookup
	}
}

func WithFlagChecker(checker FlagChecker) ServiceOption {
	return func(s *Service) {
		s.flags = checker
	}
}

func WithCeiling(ceiling time.Duration) ServiceOption {
	return func(s *Service) {
		if ceiling > 0 {
			s.ceiling = ceiling
		}
	}
}

func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewService(mount FilesystemCacheProvider, opts ...ServiceOption) *Service {
	svc := &Service{
		mount:    mount,
		ceiling:  DefaultCeiling,
		now:      time.Now,
		logger:   slog.Default(),
		breakers: make(map[string]*sourceBreaker),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

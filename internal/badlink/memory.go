package badlink

import (
	"context"
	"sync"
	"time"

	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/domain"
)

// MemoryStore keeps flags in process. One mutex covers every identity, so
// concurrent reports on the same key never lose an update.
type MemoryStore struct {
	mu    sync.Mutex
	flags map[string]domain.BadLinkFlag
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{flags: make(map[string]domain.BadLinkFlag)}
}

func (s *MemoryStore) Upsert(_ context.Context, report Report, now time.Time, ttl time.Duration) (domain.BadLinkFlag, Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, found := s.flags[report.Identity]
	next, outcome := applyReport(existing, found, report, now, ttl)
	if outcome != OutcomeDuplicate {
		s.flags[report.Identity] = next
	}
	return next.Clone(), outcome, nil
}

func (s *MemoryStore) Get(_ context.Context, identity string, now time.Time) (domain.BadLinkFlag, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flag, ok := s.flags[identity]
	if !ok {
		return domain.BadLinkFlag{}, false, nil
	}
	if flag.Expired(now) {
		delete(s.flags, identity)
		return domain.BadLinkFlag{}, false, nil
	}
	return flag.Clone(), true, nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for identity, flag := range s.flags {
		if flag.Expired(now) {
			delete(s.flags, identity)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.flags)
}

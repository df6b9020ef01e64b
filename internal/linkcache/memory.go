package linkcache

import (
	"context"
	"sync"
	"time"

	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/domain"
)

type MemoryStore struct {
	mu    sync.RWMutex
	links map[string]domain.CachedLink
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{links: make(map[string]domain.CachedLink)}
}

func (s *MemoryStore) Upsert(_ context.Context, link domain.CachedLink) (domain.CachedLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.links[link.ID]; ok {
		link.CreatedAt = existing.CreatedAt
	}
	s.links[link.ID] = link
	return link, nil
}

func (s *MemoryStore) FindValid(_ context.Context, key domain.LinkKey, now time.Time) ([]domain.CachedLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.CachedLink, 0, 2)
	for _, link := range s.links {
		if !sameIdentity(link.Key, key) || link.Expired(now) {
			continue
		}
		out = append(out, link)
	}
	return out, nil
}

func (s *MemoryStore) Touch(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	link, ok := s.links[id]
	if !ok {
		return nil
	}
	link.LastAccessedAt = at
	s.links[id] = link
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.links, id)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, link := range s.links {
		if link.Expired(now) {
			delete(s.links, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.links)
}

func sameIdentity(a, b domain.LinkKey) bool {
	return a.ContentID == b.ContentID &&
		a.Type == b.Type &&
		a.Season == b.Season &&
		a.Episode == b.Episode &&
		a.CredentialHash == b.CredentialHash
}

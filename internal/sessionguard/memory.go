package sessionguard

import (
	"context"
	"sync"
	"time"

	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/domain"
)

type sessionKey struct {
	credentialHash string
	ip             string
}

type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[sessionKey]domain.ActiveSession
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[sessionKey]domain.ActiveSession)}
}

func (s *MemoryStore) FindLiveElsewhere(_ context.Context, credentialHash, ip string, since time.Time) (domain.ActiveSession, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		best  domain.ActiveSession
		found bool
	)
	for key, session := range s.sessions {
		if key.credentialHash != credentialHash || key.ip == ip {
			continue
		}
		if session.LastHeartbeatAt.Before(since) {
			continue
		}
		if !found || session.LastHeartbeatAt.After(best.LastHeartbeatAt) {
			best = session
			found = true
		}
	}
	return best, found, nil
}

func (s *MemoryStore) Upsert(_ context.Context, session domain.ActiveSession) (domain.ActiveSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sessionKey{credentialHash: session.CredentialHash, ip: session.IPAddress}
	if existing, ok := s.sessions[key]; ok {
		session.StreamStartedAt = existing.StreamStartedAt
	}
	s.sessions[key] = session
	return session, nil
}

func (s *MemoryStore) Heartbeat(_ context.Context, credentialHash, ip string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sessionKey{credentialHash: credentialHash, ip: ip}
	session, ok := s.sessions[key]
	if !ok {
		return false, nil
	}
	session.LastHeartbeatAt = at
	s.sessions[key] = session
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, credentialHash, ip string) error {
	s.mu.Lock()
	delete(s.sessions, sessionKey{credentialHash: credentialHash, ip: ip})
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) DeleteStale(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, session := range s.sessions {
		if session.LastHeartbeatAt.Before(before) {
			delete(s.sessions, key)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

package state

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Presence and Unread in process memory. Used by tests
// and single-process deployments. The injectable clock makes TTL expiry
// testable without sleeping.
type MemoryStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	nowFn    func() time.Time
	presence map[string]time.Time
	unread   map[string]int64
}

func NewMemoryStore(presenceTTL time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:      presenceTTL,
		nowFn:    time.Now,
		presence: make(map[string]time.Time),
		unread:   make(map[string]int64),
	}
}

func (s *MemoryStore) MarkOnline(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence[presenceKey(userID)] = s.nowFn().Add(s.ttl)
	return nil
}

func (s *MemoryStore) MarkOffline(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.presence, presenceKey(userID))
	return nil
}

func (s *MemoryStore) IsOnline(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiry, ok := s.presence[presenceKey(userID)]
	if !ok {
		return false, nil
	}
	if s.nowFn().After(expiry) {
		delete(s.presence, presenceKey(userID))
		return false, nil
	}
	return true, nil
}

func (s *MemoryStore) Increment(_ context.Context, conversationID, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := unreadKey(conversationID, userID)
	s.unread[key]++
	return s.unread[key], nil
}

func (s *MemoryStore) Reset(_ context.Context, conversationID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.unread, unreadKey(conversationID, userID))
	return nil
}

func (s *MemoryStore) Get(_ context.Context, conversationID, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread[unreadKey(conversationID, userID)], nil
}

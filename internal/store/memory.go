package store

import (
	"context"
	"errors"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// MemoryStore backs tests and throwaway deployments.
type MemoryStore struct {
	mu       sync.Mutex
	nowFn    func() time.Time
	members  map[string][]string // conversationID -> member user ids, insertion order
	messages map[string]*Message
	subs     map[string][]PushSubscription // userID -> subscriptions

	createErr error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nowFn:    time.Now,
		members:  make(map[string][]string),
		messages: make(map[string]*Message),
		subs:     make(map[string][]PushSubscription),
	}
}

// AddConversation seeds a conversation with its member list.
func (s *MemoryStore) AddConversation(conversationID string, memberIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[conversationID] = append([]string(nil), memberIDs...)
}

// FailCreates forces CreateMessage to return err; nil restores normal
// behavior. Lets tests exercise the no-partial-fan-out path.
func (s *MemoryStore) FailCreates(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createErr = err
}

func (s *MemoryStore) CreateMessage(_ context.Context, conversationID, senderID string, typ MessageType, content, fileURL string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.createErr != nil {
		return nil, s.createErr
	}
	if _, ok := s.members[conversationID]; !ok {
		return nil, ErrConversationNotFound
	}

	id, err := gonanoid.New(21)
	if err != nil {
		return nil, err
	}

	msg := &Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       senderID,
		Type:           typ,
		Content:        content,
		FileURL:        fileURL,
		CreatedAt:      s.nowFn(),
	}
	s.messages[id] = msg

	copied := *msg
	return &copied, nil
}

// MessageCount reports how many messages were persisted.
func (s *MemoryStore) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *MemoryStore) GetMembers(_ context.Context, conversationID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.members[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return append([]string(nil), members...), nil
}

func (s *MemoryStore) IsMember(_ context.Context, conversationID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, member := range s.members[conversationID] {
		if member == userID {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) Save(_ context.Context, sub *PushSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub.UserID] = []PushSubscription{*sub}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, userID, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := s.subs[userID]
	for i, sub := range subs {
		if sub.Endpoint == endpoint {
			s.subs[userID] = append(subs[:i], subs[i+1:]...)
			return nil
		}
	}
	return errors.New("subscription not found")
}

func (s *MemoryStore) ListByUser(_ context.Context, userID string) ([]PushSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PushSubscription(nil), s.subs[userID]...), nil
}

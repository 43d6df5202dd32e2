package conversation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements Store using in-memory maps.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	messages      map[string][]*Message
}

// NewMemoryStore creates a new in-memory conversation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
	}
}

// Create starts a new conversation for a principal.
func (s *MemoryStore) Create(_ context.Context, principalID, title string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := &Conversation{
		ID:          uuid.NewString(),
		PrincipalID: principalID,
		Title:       title,
		CreatedAt:   time.Now(),
	}
	s.conversations[conv.ID] = conv
	cp := *conv
	return &cp, nil
}

// Get retrieves a conversation by ID. Returns nil, nil if not found.
func (s *MemoryStore) Get(_ context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, nil //nolint:nilnil // Store interface specifies nil,nil for not-found
	}
	cp := *conv
	return &cp, nil
}

// ListByPrincipal returns a principal's conversations, newest first.
func (s *MemoryStore) ListByPrincipal(_ context.Context, principalID string) ([]*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Conversation, 0)
	for _, conv := range s.conversations {
		if conv.PrincipalID == principalID {
			cp := *conv
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// Delete removes a conversation and its messages.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.conversations, id)
	delete(s.messages, id)
	return nil
}

// AppendMessage adds a message to a conversation.
func (s *MemoryStore) AppendMessage(_ context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	cp := *m
	s.messages[m.ConversationID] = append(s.messages[m.ConversationID], &cp)
	return nil
}

// ListMessages returns a conversation's messages in append order.
func (s *MemoryStore) ListMessages(_ context.Context, conversationID string) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[conversationID]
	result := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		cp := *m
		result = append(result, &cp)
	}
	return result, nil
}

// Verify MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

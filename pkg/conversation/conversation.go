// Package conversation provides the narrow read/write interface to the
// conversation history collaborator. The orchestrator appends and reads
// messages through Store; account management and retrieval logic live
// elsewhere.
package conversation

import (
	"context"
	"time"
	"unicode/utf8"
)

// maxTitleRunes bounds conversation titles derived from a question.
const maxTitleRunes = 50

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Conversation is one thread of messages owned by a principal.
type Conversation struct {
	ID          string    `json:"id"`
	PrincipalID string    `json:"-"`
	Title       string    `json:"title"`
	CreatedAt   time.Time `json:"created_at"`
}

// Message is one turn in a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Source         string    `json:"source,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store defines the conversation persistence interface.
type Store interface {
	// Create starts a new conversation for a principal.
	Create(ctx context.Context, principalID, title string) (*Conversation, error)

	// Get retrieves a conversation by ID. Returns nil, nil if not found.
	Get(ctx context.Context, id string) (*Conversation, error)

	// ListByPrincipal returns a principal's conversations, newest first.
	ListByPrincipal(ctx context.Context, principalID string) ([]*Conversation, error)

	// Delete removes a conversation and its messages.
	Delete(ctx context.Context, id string) error

	// AppendMessage adds a message to a conversation. An empty ID and
	// zero CreatedAt are assigned on m before the write.
	AppendMessage(ctx context.Context, m *Message) error

	// ListMessages returns a conversation's messages in append order.
	ListMessages(ctx context.Context, conversationID string) ([]*Message, error)
}

// TitleFor derives a conversation title from the originating question,
// truncated rune-safely.
func TitleFor(question string) string {
	if utf8.RuneCountInString(question) <= maxTitleRunes {
		return question
	}
	runes := []rune(question)
	return string(runes[:maxTitleRunes])
}

// Package postgres provides PostgreSQL storage for conversations.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/txn2/streamgate/pkg/conversation"
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// conversationColumns lists columns returned by conversation SELECT queries.
var conversationColumns = []string{"id", "principal_id", "title", "created_at"}

// messageColumns lists columns returned by message SELECT queries.
var messageColumns = []string{"id", "conversation_id", "role", "content", "source", "created_at"}

// Store implements conversation.Store using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL conversation store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create starts a new conversation for a principal.
func (s *Store) Create(ctx context.Context, principalID, title string) (*conversation.Conversation, error) {
	conv := &conversation.Conversation{
		ID:          uuid.NewString(),
		PrincipalID: principalID,
		Title:       title,
		CreatedAt:   time.Now().UTC(),
	}

	query := `
		INSERT INTO conversations (id, principal_id, title, created_at)
		VALUES ($1, $2, $3, $4)
	`
	_, err := s.db.ExecContext(ctx, query, conv.ID, conv.PrincipalID, conv.Title, conv.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting conversation: %w", err)
	}
	return conv, nil
}

// Get retrieves a conversation by ID. Returns nil, nil if not found.
func (s *Store) Get(ctx context.Context, id string) (*conversation.Conversation, error) {
	query, args, err := psq.Select(conversationColumns...).
		From("conversations").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building conversation query: %w", err)
	}

	var conv conversation.Conversation
	err = s.db.QueryRowContext(ctx, query, args...).Scan(
		&conv.ID, &conv.PrincipalID, &conv.Title, &conv.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // Store interface specifies nil,nil for not-found
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}
	return &conv, nil
}

// ListByPrincipal returns a principal's conversations, newest first.
func (s *Store) ListByPrincipal(ctx context.Context, principalID string) ([]*conversation.Conversation, error) {
	query, args, err := psq.Select(conversationColumns...).
		From("conversations").
		Where(sq.Eq{"principal_id": principalID}).
		OrderBy("created_at DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building conversation list query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	conversations := make([]*conversation.Conversation, 0)
	for rows.Next() {
		var conv conversation.Conversation
		if err := rows.Scan(&conv.ID, &conv.PrincipalID, &conv.Title, &conv.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}
		conversations = append(conversations, &conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}
	return conversations, nil
}

// Delete removes a conversation; messages cascade at the schema level.
func (s *Store) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM conversations WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}
	return nil
}

// AppendMessage adds a message to a conversation.
func (s *Store) AppendMessage(ctx context.Context, m *conversation.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO messages (id, conversation_id, role, content, source, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.db.ExecContext(ctx, query,
		m.ID, m.ConversationID, m.Role, m.Content, m.Source, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// ListMessages returns a conversation's messages in append order.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]*conversation.Message, error) {
	query, args, err := psq.Select(messageColumns...).
		From("messages").
		Where(sq.Eq{"conversation_id": conversationID}).
		OrderBy("created_at ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building message list query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	messages := make([]*conversation.Message, 0)
	for rows.Next() {
		var m conversation.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.Source, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		messages = append(messages, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}

// Verify interface compliance.
var _ conversation.Store = (*Store)(nil)

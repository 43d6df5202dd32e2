// Package postgres provides PostgreSQL storage for stream sessions and tasks.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/txn2/streamgate/pkg/stream"
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// terminalStatuses are the statuses from which no transition is permitted.
// The UPDATE guard below makes post-terminal writes atomic no-ops even when
// multiple server processes race on the same session.
var terminalStatuses = []string{
	string(stream.StatusCompleted),
	string(stream.StatusCancelled),
	string(stream.StatusError),
}

// Store implements stream.Store using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL stream store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create persists a new session.
func (s *Store) Create(ctx context.Context, sess *stream.Session) error {
	query := `
		INSERT INTO stream_sessions (request_id, principal_id, question, conversation_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.db.ExecContext(ctx, query,
		sess.ID,
		sess.PrincipalID,
		sess.Question,
		nullable(sess.ConversationID),
		string(sess.Status),
		sess.CreatedAt,
		sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting stream session: %w", err)
	}
	return nil
}

// Get retrieves a session by stream ID. Returns nil, nil if not found.
func (s *Store) Get(ctx context.Context, id string) (*stream.Session, error) {
	query := `
		SELECT request_id, principal_id, question, conversation_id, status, created_at, updated_at
		FROM stream_sessions
		WHERE request_id = $1
	`

	var sess stream.Session
	var conversationID sql.NullString
	var status string

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&sess.ID,
		&sess.PrincipalID,
		&sess.Question,
		&conversationID,
		&status,
		&sess.CreatedAt,
		&sess.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // Store interface specifies nil,nil for not-found
	}
	if err != nil {
		return nil, fmt.Errorf("scanning stream session: %w", err)
	}

	sess.ConversationID = conversationID.String
	sess.Status = stream.Status(status)
	return &sess, nil
}

// UpdateStatus transitions a session's status. The WHERE clause excludes
// terminal statuses, so a late cleanup write never masks a cancellation or
// error already recorded by another writer.
func (s *Store) UpdateStatus(ctx context.Context, id string, status stream.Status) error {
	query, args, err := psq.Update("stream_sessions").
		Set("status", string(status)).
		Set("updated_at", time.Now()).
		Where(sq.Eq{"request_id": id}).
		Where(sq.NotEq{"status": terminalStatuses}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building status update: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("updating stream session status: %w", err)
	}
	return nil
}

// Delete removes a session.
func (s *Store) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM stream_sessions WHERE request_id = $1`
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("deleting stream session: %w", err)
	}
	return nil
}

// CountActive returns the number of active sessions for a principal,
// straight from the durable store.
func (s *Store) CountActive(ctx context.Context, principalID string) (int, error) {
	query, args, err := psq.Select("COUNT(*)").
		From("stream_sessions").
		Where(sq.Eq{
			"principal_id": principalID,
			"status":       string(stream.StatusActive),
		}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("building active count query: %w", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting active sessions: %w", err)
	}
	return count, nil
}

// CreateTask persists a new task record.
func (s *Store) CreateTask(ctx context.Context, t *stream.Task) error {
	query := `
		INSERT INTO stream_tasks (task_id, request_id, task_type, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.db.ExecContext(ctx, query,
		t.ID, t.StreamID, t.Type, t.Status, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting stream task: %w", err)
	}
	return nil
}

// UpdateTaskStatus updates a task's status.
func (s *Store) UpdateTaskStatus(ctx context.Context, id, status string) error {
	query := `
		UPDATE stream_tasks
		SET status = $2, updated_at = $3
		WHERE task_id = $1
	`
	if _, err := s.db.ExecContext(ctx, query, id, status, time.Now()); err != nil {
		return fmt.Errorf("updating stream task status: %w", err)
	}
	return nil
}

// PurgeSessionsBefore deletes sessions created before cutoff.
func (s *Store) PurgeSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.purge(ctx, "stream_sessions", cutoff)
}

// PurgeTasksBefore deletes tasks created before cutoff.
func (s *Store) PurgeTasksBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.purge(ctx, "stream_tasks", cutoff)
}

// purge deletes rows created before cutoff from the given table.
func (s *Store) purge(ctx context.Context, table string, cutoff time.Time) (int64, error) {
	query, args, err := psq.Delete(table).
		Where(sq.Lt{"created_at": cutoff}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("building purge query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("purging %s: %w", table, err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting purged %s rows: %w", table, err)
	}
	return removed, nil
}

// Close is a no-op; the caller owns the *sql.DB.
func (s *Store) Close() error {
	return nil
}

// nullable maps an empty string to SQL NULL.
func nullable(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

// Verify interface compliance.
var _ stream.Store = (*Store)(nil)

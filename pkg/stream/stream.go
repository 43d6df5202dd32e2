// Package stream provides stream session tracking for the answer streaming
// orchestrator. It defines the Session and Task records, the status state
// machine, and the Store interface for durable persistence. The durable
// store is the single source of truth and may be shared by multiple server
// processes; see CachedStore for the process-private read cache.
package stream

import (
	"context"
	"time"
)

// Status is the lifecycle state of a stream session.
type Status string

// Session status values. Streaming is an in-memory sub-state used by the
// dispatcher to distinguish an opened stream from a pending one; it is never
// persisted. Completed, Cancelled, and Error are terminal.
const (
	StatusActive    Status = "active"
	StatusStreaming Status = "streaming"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

// Terminal reports whether no further status transition is permitted.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusError:
		return true
	default:
		return false
	}
}

// Session is the durable record tracking one question-to-answer streaming
// interaction, keyed by the server-generated stream ID.
type Session struct {
	// ID is the unique stream identifier (UUID).
	ID string

	// PrincipalID identifies the authenticated owner of the stream.
	PrincipalID string

	// Question is the originating question text.
	Question string

	// ConversationID is the existing conversation the stream belongs to,
	// empty when the dispatcher should create a new one.
	ConversationID string

	// Status is the current lifecycle state.
	Status Status

	// CreatedAt is when the session was created by admission.
	CreatedAt time.Time

	// UpdatedAt is the most recent status transition time.
	UpdatedAt time.Time
}

// Task correlates a dispatch execution with a stream ID, for observability
// and forced cancellation. Only the owning dispatcher mutates it.
type Task struct {
	ID        string
	StreamID  string
	Type      string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Task status values.
const (
	TaskRunning  = "running"
	TaskFinished = "finished"
)

// Store defines the interface for session and task persistence.
//
// Implementations must treat status updates on a session already in a
// terminal state as no-ops: once Completed, Cancelled, or Error is written,
// the status never changes again.
type Store interface {
	// Create persists a new session.
	Create(ctx context.Context, s *Session) error

	// Get retrieves a session by stream ID. Returns nil, nil if not found.
	Get(ctx context.Context, id string) (*Session, error)

	// UpdateStatus transitions a session's status. No-op once terminal.
	UpdateStatus(ctx context.Context, id string, status Status) error

	// Delete removes a session.
	Delete(ctx context.Context, id string) error

	// CountActive returns the number of sessions in StatusActive for a
	// principal. The count is always authoritative (never cached).
	CountActive(ctx context.Context, principalID string) (int, error)

	// CreateTask persists a new task record.
	CreateTask(ctx context.Context, t *Task) error

	// UpdateTaskStatus updates a task's status.
	UpdateTaskStatus(ctx context.Context, id, status string) error

	// PurgeSessionsBefore deletes sessions created before cutoff and
	// returns the number removed.
	PurgeSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// PurgeTasksBefore deletes tasks created before cutoff and returns the
	// number removed.
	PurgeTasksBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Close releases resources held by the store.
	Close() error
}

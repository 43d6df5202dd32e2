package stream

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store using in-memory maps. It is used for tests
// and single-process deployments without a database.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	tasks    map[string]*Task
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		tasks:    make(map[string]*Task),
	}
}

// Create persists a new session.
func (s *MemoryStore) Create(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

// Get retrieves a session by stream ID. Returns nil, nil if not found.
func (s *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil //nolint:nilnil // Store interface specifies nil,nil for not-found
	}
	cp := *sess
	return &cp, nil
}

// UpdateStatus transitions a session's status. No-op once terminal.
func (s *MemoryStore) UpdateStatus(_ context.Context, id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok || sess.Status.Terminal() {
		return nil
	}
	sess.Status = status
	sess.UpdatedAt = time.Now()
	return nil
}

// Delete removes a session.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, id)
	return nil
}

// CountActive returns the number of active sessions for a principal.
func (s *MemoryStore) CountActive(_ context.Context, principalID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, sess := range s.sessions {
		if sess.PrincipalID == principalID && sess.Status == StatusActive {
			count++
		}
	}
	return count, nil
}

// CreateTask persists a new task record.
func (s *MemoryStore) CreateTask(_ context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

// UpdateTaskStatus updates a task's status.
func (s *MemoryStore) UpdateTaskStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil
	}
	task.Status = status
	task.UpdatedAt = time.Now()
	return nil
}

// PurgeSessionsBefore deletes sessions created before cutoff.
func (s *MemoryStore) PurgeSessionsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, sess := range s.sessions {
		if sess.CreatedAt.Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed, nil
}

// PurgeTasksBefore deletes tasks created before cutoff.
func (s *MemoryStore) PurgeTasksBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, task := range s.tasks {
		if task.CreatedAt.Before(cutoff) {
			delete(s.tasks, id)
			removed++
		}
	}
	return removed, nil
}

// Close releases resources held by the store.
func (s *MemoryStore) Close() error {
	return nil
}

// Task retrieves a task record by ID, for tests and inspection.
func (s *MemoryStore) Task(id string) *Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil
	}
	cp := *task
	return &cp
}

// TasksByStream returns the task records for a stream ID, for tests and
// inspection.
func (s *MemoryStore) TasksByStream(streamID string) []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Task
	for _, task := range s.tasks {
		if task.StreamID == streamID {
			cp := *task
			out = append(out, &cp)
		}
	}
	return out
}

// Verify MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

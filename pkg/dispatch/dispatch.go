// Package dispatch drives one open stream from ticket verification to its
// terminal event. The dispatcher verifies the single-use ticket, resumes the
// admitted session, drives the generation engine, and pushes server-sent
// events until completion, cancellation, or error. Every open ends with a
// well-formed terminal event and an idempotent cleanup transition.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/txn2/streamgate/pkg/conversation"
	"github.com/txn2/streamgate/pkg/engine"
	"github.com/txn2/streamgate/pkg/stream"
	"github.com/txn2/streamgate/pkg/ticket"
)

// ErrNotFound is returned by Cancel when the stream is unknown or already
// finalized. The two cases are deliberately indistinguishable.
var ErrNotFound = errors.New("stream not found")

// DefaultStatusPollInterval is how often an open stream re-reads its session
// status to observe an external cancel.
const DefaultStatusPollInterval = time.Second

// cleanupTimeout bounds the final store writes after the client is gone.
const cleanupTimeout = 5 * time.Second

// taskTypeStreaming labels the task record created per open.
const taskTypeStreaming = "streaming"

// Config configures a Dispatcher.
type Config struct {
	// Tickets verifies stream tickets.
	Tickets *ticket.Codec

	// Sessions is the authoritative session store.
	Sessions stream.Store

	// Conversations is the conversation history collaborator.
	Conversations conversation.Store

	// Engine produces answer events.
	Engine engine.Engine

	// StatusPollInterval overrides DefaultStatusPollInterval.
	StatusPollInterval time.Duration

	// MaxStreamDuration, when set, forces an error transition on streams
	// that outlive it. Zero means no limit.
	MaxStreamDuration time.Duration

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Dispatcher owns the open/cancel operations on stream sessions.
type Dispatcher struct {
	tickets       *ticket.Codec
	sessions      stream.Store
	conversations conversation.Store
	engine        engine.Engine
	pollInterval  time.Duration
	maxDuration   time.Duration
	logger        *slog.Logger
}

// New creates a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Tickets == nil {
		return nil, fmt.Errorf("dispatch: ticket codec is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("dispatch: session store is required")
	}
	if cfg.Conversations == nil {
		return nil, fmt.Errorf("dispatch: conversation store is required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("dispatch: engine is required")
	}
	if cfg.StatusPollInterval == 0 {
		cfg.StatusPollInterval = DefaultStatusPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		tickets:       cfg.Tickets,
		sessions:      cfg.Sessions,
		conversations: cfg.Conversations,
		engine:        cfg.Engine,
		pollInterval:  cfg.StatusPollInterval,
		maxDuration:   cfg.MaxStreamDuration,
		logger:        cfg.Logger,
	}, nil
}

// freshReader is implemented by stores whose Get may serve a process-local
// mirror. Cancellation checks prefer the durable read so a cancel written
// by another server process is observed.
type freshReader interface {
	GetFresh(ctx context.Context, id string) (*stream.Session, error)
}

// readFresh loads a session, bypassing any local mirror when the store
// supports it.
func (d *Dispatcher) readFresh(ctx context.Context, id string) (*stream.Session, error) {
	if fr, ok := d.sessions.(freshReader); ok {
		return fr.GetFresh(ctx, id)
	}
	return d.sessions.Get(ctx, id)
}

// Push event payloads. Engine chunk and final_answer events are forwarded
// as-is; the rest are dispatcher-owned.
type metaEvent struct {
	Type           string `json:"type"`
	StreamID       string `json:"stream_id"`
	PrincipalID    string `json:"principal_id"`
	ConversationID string `json:"conversation_id"`
}

type completeEvent struct {
	Type           string `json:"type"`
	StreamID       string `json:"stream_id"`
	ConversationID string `json:"conversation_id"`
	Source         string `json:"source,omitempty"`
	Content        string `json:"content,omitempty"`
}

type cancelledEvent struct {
	Type     string `json:"type"`
	StreamID string `json:"stream_id"`
}

type errorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// push writes one SSE frame. Newlines inside the serialized payload are
// escaped so a payload can never terminate a frame early.
func (d *Dispatcher) push(w http.ResponseWriter, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling push event: %w", err)
	}
	frame := strings.ReplaceAll(string(b), "\n", `\n`)
	if _, err := fmt.Fprintf(w, "data: %s\n\n", frame); err != nil {
		return fmt.Errorf("writing push event: %w", err)
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// Open verifies a ticket and streams the session's answer events to w.
// All failures inside the open are converted to a terminal push event; the
// client always receives a well-formed terminal event unless the transport
// itself is gone.
func (d *Dispatcher) Open(ctx context.Context, w http.ResponseWriter, rawTicket string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	claims, err := d.tickets.Verify(rawTicket)
	if err != nil {
		_ = d.push(w, errorEvent{Type: "error", Message: "invalid or expired ticket"})
		return
	}

	sess, err := d.sessions.Get(ctx, claims.StreamID)
	if err != nil {
		d.logger.Error("dispatch: loading session", "stream_id", claims.StreamID, "error", err)
		_ = d.push(w, errorEvent{Type: "error", Message: "unexpected error"})
		return
	}
	if sess == nil || sess.Status.Terminal() || sess.PrincipalID != claims.PrincipalID {
		_ = d.push(w, errorEvent{Type: "error", Message: "invalid or already processed"})
		return
	}

	task := &stream.Task{
		ID:        uuid.NewString(),
		StreamID:  sess.ID,
		Type:      taskTypeStreaming,
		Status:    stream.TaskRunning,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := d.sessions.CreateTask(ctx, task); err != nil {
		d.logger.Error("dispatch: creating task record", "stream_id", sess.ID, "error", err)
	}

	// Completed marks "dispatcher finished handling this open"; the
	// terminal guard in the store keeps it from masking cancelled or error.
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if err := d.sessions.UpdateStatus(cctx, sess.ID, stream.StatusCompleted); err != nil {
			d.logger.Error("dispatch: final cleanup transition", "stream_id", sess.ID, "error", err)
		}
		if err := d.sessions.UpdateTaskStatus(cctx, task.ID, stream.TaskFinished); err != nil {
			d.logger.Error("dispatch: finishing task record", "task_id", task.ID, "error", err)
		}
	}()

	convID, ok := d.resolveConversation(ctx, w, sess)
	if !ok {
		return
	}

	if err := d.push(w, metaEvent{
		Type:           "meta",
		StreamID:       sess.ID,
		PrincipalID:    sess.PrincipalID,
		ConversationID: convID,
	}); err != nil {
		d.abandon(sess.ID)
		return
	}

	history, ok := d.recordQuestion(ctx, w, sess, convID)
	if !ok {
		return
	}

	events, err := d.engine.Generate(ctx, sess.Question, history)
	if err != nil {
		d.logger.Error("dispatch: starting generation", "stream_id", sess.ID, "error", err)
		d.fail(ctx, w, sess.ID, "unexpected error")
		return
	}

	d.pump(ctx, w, sess, convID, events)
}

// resolveConversation creates a new conversation or authorizes an existing
// one. An ownership mismatch is reported exactly like absence.
func (d *Dispatcher) resolveConversation(ctx context.Context, w http.ResponseWriter, sess *stream.Session) (string, bool) {
	if sess.ConversationID == "" {
		conv, err := d.conversations.Create(ctx, sess.PrincipalID, conversation.TitleFor(sess.Question))
		if err != nil {
			d.logger.Error("dispatch: creating conversation", "stream_id", sess.ID, "error", err)
			d.fail(ctx, w, sess.ID, "unexpected error")
			return "", false
		}
		return conv.ID, true
	}

	conv, err := d.conversations.Get(ctx, sess.ConversationID)
	if err != nil {
		d.logger.Error("dispatch: loading conversation", "stream_id", sess.ID, "error", err)
		d.fail(ctx, w, sess.ID, "unexpected error")
		return "", false
	}
	if conv == nil || conv.PrincipalID != sess.PrincipalID {
		d.fail(ctx, w, sess.ID, "conversation not found")
		return "", false
	}
	return conv.ID, true
}

// recordQuestion appends the question to the conversation and returns the
// model-visible history, which excludes the message just appended.
func (d *Dispatcher) recordQuestion(ctx context.Context, w http.ResponseWriter, sess *stream.Session, convID string) ([]engine.Message, bool) {
	question := &conversation.Message{
		ConversationID: convID,
		Role:           conversation.RoleUser,
		Content:        sess.Question,
	}
	if err := d.conversations.AppendMessage(ctx, question); err != nil {
		d.logger.Error("dispatch: appending question", "stream_id", sess.ID, "error", err)
		d.fail(ctx, w, sess.ID, "unexpected error")
		return nil, false
	}

	msgs, err := d.conversations.ListMessages(ctx, convID)
	if err != nil {
		d.logger.Error("dispatch: reading history", "stream_id", sess.ID, "error", err)
		d.fail(ctx, w, sess.ID, "unexpected error")
		return nil, false
	}

	history := make([]engine.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == question.ID {
			continue
		}
		history = append(history, engine.Message{Role: m.Role, Content: m.Content})
	}
	return history, true
}

// pump forwards engine events to the client until the sequence ends or a
// cancellation signal is observed at a suspension point.
func (d *Dispatcher) pump(ctx context.Context, w http.ResponseWriter, sess *stream.Session, convID string, events <-chan engine.Event) {
	var (
		answer strings.Builder
		source string
	)

	poll := time.NewTicker(d.pollInterval)
	defer poll.Stop()

	var deadline <-chan time.Time
	if d.maxDuration > 0 {
		timer := time.NewTimer(d.maxDuration)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case ev, open := <-events:
			if !open {
				d.finish(ctx, w, sess, convID, answer.String(), source)
				return
			}
			switch ev.Type {
			case engine.EventChunk:
				answer.WriteString(ev.Content)
				if err := d.push(w, ev); err != nil {
					d.abandon(sess.ID)
					return
				}
			case engine.EventFinalAnswer:
				if ev.Content != "" {
					answer.Reset()
					answer.WriteString(ev.Content)
				}
				if ev.Source != "" {
					source = ev.Source
				}
				if err := d.push(w, ev); err != nil {
					d.abandon(sess.ID)
					return
				}
			case engine.EventComplete:
				if ev.Content != "" {
					answer.Reset()
					answer.WriteString(ev.Content)
				}
				if ev.Source != "" {
					source = ev.Source
				}
				d.finish(ctx, w, sess, convID, answer.String(), source)
				return
			case engine.EventError:
				d.logger.Error("dispatch: engine failure", "stream_id", sess.ID, "message", ev.Message)
				d.fail(ctx, w, sess.ID, "unexpected error")
				return
			}

		case <-ctx.Done():
			// Consumer disconnected. Nothing can be pushed anymore.
			d.abandon(sess.ID)
			return

		case <-deadline:
			d.logger.Warn("dispatch: stream duration limit exceeded", "stream_id", sess.ID)
			d.fail(ctx, w, sess.ID, "stream duration limit exceeded")
			return

		case <-poll.C:
			current, err := d.readFresh(ctx, sess.ID)
			if err != nil {
				d.logger.Error("dispatch: polling session status", "stream_id", sess.ID, "error", err)
				continue
			}
			if current == nil {
				d.logger.Warn("dispatch: session vanished mid-stream", "stream_id", sess.ID)
				_ = d.push(w, errorEvent{Type: "error", Message: "stream no longer available"})
				return
			}
			if current.Status == stream.StatusCancelled {
				_ = d.push(w, cancelledEvent{Type: "cancelled", StreamID: sess.ID})
				d.logger.Info("dispatch: stream cancelled", "stream_id", sess.ID)
				return
			}
			if current.Status.Terminal() {
				_ = d.push(w, errorEvent{Type: "error", Message: "stream already finalized"})
				return
			}
		}
	}
}

// finish persists the accumulated answer, when there is one, and emits the
// complete event.
func (d *Dispatcher) finish(ctx context.Context, w http.ResponseWriter, sess *stream.Session, convID, answer, source string) {
	if answer != "" {
		msg := &conversation.Message{
			ConversationID: convID,
			Role:           conversation.RoleAssistant,
			Content:        answer,
			Source:         source,
		}
		if err := d.conversations.AppendMessage(ctx, msg); err != nil {
			d.logger.Error("dispatch: persisting answer", "stream_id", sess.ID, "error", err)
			d.fail(ctx, w, sess.ID, "unexpected error")
			return
		}
	}

	_ = d.push(w, completeEvent{
		Type:           "complete",
		StreamID:       sess.ID,
		ConversationID: convID,
		Source:         source,
		Content:        answer,
	})
	d.logger.Info("dispatch: stream complete", "stream_id", sess.ID, "answer_len", len(answer))
}

// fail transitions the session to error and emits a terminal error event
// carrying only a short description.
func (d *Dispatcher) fail(ctx context.Context, w http.ResponseWriter, streamID, msg string) {
	if err := d.sessions.UpdateStatus(ctx, streamID, stream.StatusError); err != nil {
		d.logger.Error("dispatch: error transition", "stream_id", streamID, "error", err)
	}
	_ = d.push(w, errorEvent{Type: "error", Message: msg})
}

// abandon marks a session cancelled after the consumer disconnected.
func (d *Dispatcher) abandon(streamID string) {
	cctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := d.sessions.UpdateStatus(cctx, streamID, stream.StatusCancelled); err != nil {
		d.logger.Error("dispatch: cancel on disconnect", "stream_id", streamID, "error", err)
	}
	d.logger.Info("dispatch: consumer disconnected", "stream_id", streamID)
}

// Cancel requests cooperative cancellation of an open stream. A stream that
// is unknown or already terminal returns ErrNotFound; "already completed"
// and "never existed" are indistinguishable.
func (d *Dispatcher) Cancel(ctx context.Context, streamID string) error {
	sess, err := d.readFresh(ctx, streamID)
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}
	if sess == nil || sess.Status.Terminal() {
		return ErrNotFound
	}
	if err := d.sessions.UpdateStatus(ctx, streamID, stream.StatusCancelled); err != nil {
		return fmt.Errorf("cancelling session: %w", err)
	}
	d.logger.Info("dispatch: cancel requested", "stream_id", streamID)
	return nil
}

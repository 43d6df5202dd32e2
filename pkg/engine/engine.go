// Package engine defines the contract with the answer generation engine.
// The orchestrator consumes the engine as a black box producing a lazy,
// finite sequence of typed events; it never looks inside the retrieval or
// reasoning pipeline.
package engine

import "context"

// EventType discriminates generation engine events. The set is closed so the
// dispatcher's accumulation policy can be checked exhaustively.
type EventType string

// Engine event types.
const (
	// EventChunk carries an incremental text fragment. Chunks accumulate
	// by concatenation.
	EventChunk EventType = "chunk"

	// EventFinalAnswer carries a complete answer that, when non-empty,
	// replaces the accumulated buffer. It also carries a source tag.
	EventFinalAnswer EventType = "final_answer"

	// EventComplete signals the end of generation with a source tag and
	// optionally a full content that replaces the buffer.
	EventComplete EventType = "complete"

	// EventError signals a failure inside the engine.
	EventError EventType = "error"
)

// Event is one element of the engine's output sequence.
type Event struct {
	Type    EventType `json:"type"`
	Content string    `json:"content,omitempty"`
	Source  string    `json:"source,omitempty"`
	Message string    `json:"message,omitempty"`
}

// Message is one prior turn of the conversation, supplied to the engine as
// model-visible history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Engine produces answer events for a question. The returned channel is
// closed when the sequence ends; the sequence is finite and non-restartable.
// Implementations must stop producing promptly when ctx is cancelled.
type Engine interface {
	Generate(ctx context.Context, question string, history []Message) (<-chan Event, error)
}

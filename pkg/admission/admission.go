// Package admission gates new stream sessions on per-principal concurrency
// quota and issues the single-stream ticket the dispatcher later verifies.
package admission

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/txn2/streamgate/pkg/stream"
	"github.com/txn2/streamgate/pkg/ticket"
)

// Defaults applied when Config leaves a field zero.
const (
	DefaultMaxConcurrent = 3
	DefaultTicketTTL     = 60 * time.Second
)

// ErrQuotaExceeded is returned when a principal already has the maximum
// number of active streams.
type ErrQuotaExceeded struct {
	Limit   int
	Current int
}

func (e *ErrQuotaExceeded) Error() string {
	return fmt.Sprintf("active stream limit reached (%d of %d)", e.Current, e.Limit)
}

// Config configures the admission controller.
type Config struct {
	// Store persists stream sessions.
	Store stream.Store

	// Tickets signs stream tickets.
	Tickets *ticket.Codec

	// MaxConcurrent is the per-principal active stream limit.
	MaxConcurrent int

	// TicketTTL is how long an issued ticket stays redeemable.
	TicketTTL time.Duration

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Controller admits new streams. The quota check and the session insert are
// not atomic; two concurrent admissions at the limit can both pass, which
// trades a rare overshoot of one stream for lock-free admission.
type Controller struct {
	store   stream.Store
	tickets *ticket.Codec
	limit   int
	ttl     time.Duration
	logger  *slog.Logger
}

// Grant is a successful admission: the stream ID to poll and the signed
// ticket that opens it.
type Grant struct {
	StreamID  string    `json:"stream_id"`
	Ticket    string    `json:"ticket"`
	ExpiresAt time.Time `json:"expires_at"`
}

// New creates an admission controller.
func New(cfg Config) (*Controller, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("admission: store is required")
	}
	if cfg.Tickets == nil {
		return nil, fmt.Errorf("admission: ticket codec is required")
	}
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.TicketTTL == 0 {
		cfg.TicketTTL = DefaultTicketTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Controller{
		store:   cfg.Store,
		tickets: cfg.Tickets,
		limit:   cfg.MaxConcurrent,
		ttl:     cfg.TicketTTL,
		logger:  cfg.Logger,
	}, nil
}

// Admit checks the principal's quota, registers a new active session, and
// issues a ticket for it. No session is left behind when ticket issuance
// fails.
func (c *Controller) Admit(ctx context.Context, principalID, question, conversationID string) (*Grant, error) {
	active, err := c.store.CountActive(ctx, principalID)
	if err != nil {
		return nil, fmt.Errorf("counting active sessions: %w", err)
	}
	if active >= c.limit {
		return nil, &ErrQuotaExceeded{Limit: c.limit, Current: active}
	}

	now := time.Now().UTC()
	sess := &stream.Session{
		ID:             uuid.NewString(),
		PrincipalID:    principalID,
		Question:       question,
		ConversationID: conversationID,
		Status:         stream.StatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := c.store.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("creating stream session: %w", err)
	}

	signed, err := c.tickets.Issue(sess.ID, principalID, c.ttl)
	if err != nil {
		if delErr := c.store.Delete(ctx, sess.ID); delErr != nil {
			c.logger.Error("admission: removing session after ticket failure",
				"stream_id", sess.ID, "error", delErr)
		}
		return nil, fmt.Errorf("issuing stream ticket: %w", err)
	}

	c.logger.Info("admission: stream admitted",
		"stream_id", sess.ID, "principal_id", principalID, "active", active+1)

	return &Grant{
		StreamID:  sess.ID,
		Ticket:    signed,
		ExpiresAt: now.Add(c.ttl),
	}, nil
}

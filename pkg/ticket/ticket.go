// Package ticket issues and verifies signed stream tickets. A ticket binds a
// stream ID and principal ID to a short expiry and authorizes exactly one
// attempt to open the corresponding stream. The codec is stateless: replay
// protection belongs to the session layer, which rejects tickets whose
// session is no longer active.
package ticket

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// payloadSep separates fields inside the signed payload.
	payloadSep = "|"

	// sigSep separates the payload from its signature. It must never appear
	// in a payload field, enforced by Issue.
	sigSep = ":"

	// payloadFields is the number of fields in a ticket payload.
	payloadFields = 3
)

// ErrInvalidTicket is returned for any malformed, tampered, or expired
// ticket. Callers must not distinguish the cause beyond "invalid or expired".
var ErrInvalidTicket = errors.New("invalid or expired ticket")

// Claims is the verified content of a ticket.
type Claims struct {
	StreamID    string
	PrincipalID string
}

// Codec signs and verifies stream tickets with HMAC-SHA-256.
type Codec struct {
	secret []byte
}

// NewCodec creates a ticket codec with the given server secret.
func NewCodec(secret []byte) (*Codec, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("ticket secret is required")
	}
	return &Codec{secret: secret}, nil
}

// Issue builds a signed ticket for streamID and principalID that expires
// after ttl. IDs containing the payload or signature separator are rejected.
func (c *Codec) Issue(streamID, principalID string, ttl time.Duration) (string, error) {
	for _, field := range []string{streamID, principalID} {
		if strings.ContainsAny(field, payloadSep+sigSep) {
			return "", fmt.Errorf("ticket field %q contains a reserved separator", field)
		}
	}
	if streamID == "" || principalID == "" {
		return "", fmt.Errorf("stream ID and principal ID are required")
	}

	expiry := time.Now().Add(ttl).Unix()
	payload := strings.Join([]string{streamID, principalID, strconv.FormatInt(expiry, 10)}, payloadSep)
	return payload + sigSep + c.sign(payload), nil
}

// Verify checks a ticket's signature and expiry and returns its claims.
// The wall clock is read once at entry so the expiry check cannot drift
// within a single call. All failures map to ErrInvalidTicket.
func (c *Codec) Verify(ticket string) (Claims, error) {
	now := time.Now()

	idx := strings.LastIndex(ticket, sigSep)
	if idx < 0 {
		return Claims{}, ErrInvalidTicket
	}
	payload, sig := ticket[:idx], ticket[idx+1:]

	expected := c.sign(payload)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return Claims{}, ErrInvalidTicket
	}

	fields := strings.Split(payload, payloadSep)
	if len(fields) != payloadFields {
		return Claims{}, ErrInvalidTicket
	}

	expiry, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return Claims{}, ErrInvalidTicket
	}
	if !now.Before(time.Unix(expiry, 0)) {
		return Claims{}, ErrInvalidTicket
	}

	return Claims{StreamID: fields[0], PrincipalID: fields[1]}, nil
}

// sign computes the hex HMAC-SHA-256 signature of payload.
func (c *Codec) sign(payload string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

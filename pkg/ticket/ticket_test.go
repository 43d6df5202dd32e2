package ticket

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testStreamID    = "9f2c1d4e-0000-4000-8000-000000000001"
	testPrincipalID = "user-42"
	testTTL         = 30 * time.Second
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec(testSecret)
	require.NoError(t, err)
	return c
}

func TestNewCodec_EmptySecret(t *testing.T) {
	c, err := NewCodec(nil)
	assert.Error(t, err)
	assert.Nil(t, c)
}

func TestIssueVerify_RoundTrip(t *testing.T) {
	c := newTestCodec(t)

	ticket, err := c.Issue(testStreamID, testPrincipalID, testTTL)
	require.NoError(t, err)

	claims, err := c.Verify(ticket)
	require.NoError(t, err)
	assert.Equal(t, testStreamID, claims.StreamID)
	assert.Equal(t, testPrincipalID, claims.PrincipalID)
}

func TestIssue_RejectsSeparatorInFields(t *testing.T) {
	c := newTestCodec(t)

	tests := []struct {
		name        string
		streamID    string
		principalID string
	}{
		{"pipe in stream id", "abc|def", testPrincipalID},
		{"colon in stream id", "abc:def", testPrincipalID},
		{"pipe in principal id", testStreamID, "user|1"},
		{"colon in principal id", testStreamID, "user:1"},
		{"empty stream id", "", testPrincipalID},
		{"empty principal id", testStreamID, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Issue(tt.streamID, tt.principalID, testTTL)
			assert.Error(t, err)
		})
	}
}

func TestVerify_Expired(t *testing.T) {
	c := newTestCodec(t)

	ticket, err := c.Issue(testStreamID, testPrincipalID, -time.Second)
	require.NoError(t, err)

	_, err = c.Verify(ticket)
	assert.ErrorIs(t, err, ErrInvalidTicket)
}

func TestVerify_ExpiryBoundary(t *testing.T) {
	c := newTestCodec(t)

	// Zero TTL places the expiry at or before "now" by the time Verify runs;
	// the boundary itself must already be rejected.
	ticket, err := c.Issue(testStreamID, testPrincipalID, 0)
	require.NoError(t, err)

	_, err = c.Verify(ticket)
	assert.ErrorIs(t, err, ErrInvalidTicket)
}

func TestVerify_TamperedSignature(t *testing.T) {
	c := newTestCodec(t)

	ticket, err := c.Issue(testStreamID, testPrincipalID, testTTL)
	require.NoError(t, err)

	sigStart := strings.LastIndex(ticket, ":") + 1

	// Flipping any single signature character must fail verification.
	for i := sigStart; i < len(ticket); i++ {
		mutated := []byte(ticket)
		if mutated[i] == 'a' {
			mutated[i] = 'b'
		} else {
			mutated[i] = 'a'
		}
		_, err := c.Verify(string(mutated))
		assert.ErrorIs(t, err, ErrInvalidTicket, "flipped signature byte at offset %d", i)
	}
}

func TestVerify_TamperedPayload(t *testing.T) {
	c := newTestCodec(t)

	ticket, err := c.Issue(testStreamID, testPrincipalID, testTTL)
	require.NoError(t, err)

	mutated := strings.Replace(ticket, testPrincipalID, "user-43", 1)
	_, err = c.Verify(mutated)
	assert.ErrorIs(t, err, ErrInvalidTicket)
}

func TestVerify_Malformed(t *testing.T) {
	c := newTestCodec(t)

	tests := []struct {
		name   string
		ticket string
	}{
		{"empty", ""},
		{"no separator", "justastring"},
		{"missing fields", "a|b:deadbeef"},
		{"bad expiry", "a|b|notanumber:deadbeef"},
		{"wrong key", "a|b|9999999999:deadbeef"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Verify(tt.ticket)
			assert.ErrorIs(t, err, ErrInvalidTicket)
		})
	}
}

func TestVerify_DifferentSecretFails(t *testing.T) {
	c := newTestCodec(t)
	other, err := NewCodec([]byte("ffffffffffffffffffffffffffffffff"))
	require.NoError(t, err)

	ticket, err := c.Issue(testStreamID, testPrincipalID, testTTL)
	require.NoError(t, err)

	_, err = other.Verify(ticket)
	assert.ErrorIs(t, err, ErrInvalidTicket)
}

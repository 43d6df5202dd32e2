// Package auth authenticates the principal behind each HTTP request. The
// orchestrator trusts an external identity collaborator; this package only
// verifies the credential it minted (an HMAC-signed JWT) or a locally
// configured API key. Stream opens authenticate by ticket alone and bypass
// this package entirely.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// ErrUnauthenticated is returned when no valid credential is presented.
var ErrUnauthenticated = errors.New("unauthenticated")

// Principal is the authenticated caller.
type Principal struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Authenticator resolves a request to a principal.
type Authenticator interface {
	Authenticate(r *http.Request) (*Principal, error)
}

// contextKey is a private type for context keys.
type contextKey int

const principalContextKey contextKey = iota

// WithPrincipal adds a principal to the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// FromContext retrieves the authenticated principal, or nil.
func FromContext(ctx context.Context) *Principal {
	if p, ok := ctx.Value(principalContextKey).(*Principal); ok {
		return p
	}
	return nil
}

// bearerToken extracts a bearer credential from the Authorization header.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return after
	}
	return ""
}

// JWTConfig configures the JWT authenticator.
type JWTConfig struct {
	// Secret is the HMAC signing secret shared with the identity issuer.
	Secret []byte
}

// JWTAuthenticator authenticates HMAC-signed bearer JWTs. The principal ID
// is the token's subject claim.
type JWTAuthenticator struct {
	secret []byte
}

// NewJWTAuthenticator creates a JWT authenticator.
func NewJWTAuthenticator(cfg JWTConfig) (*JWTAuthenticator, error) {
	if len(cfg.Secret) == 0 {
		return nil, fmt.Errorf("auth: JWT secret is required")
	}
	return &JWTAuthenticator{secret: cfg.Secret}, nil
}

// Authenticate validates the bearer JWT and returns its principal.
func (a *JWTAuthenticator) Authenticate(r *http.Request) (*Principal, error) {
	raw := bearerToken(r)
	if raw == "" {
		return nil, ErrUnauthenticated
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrUnauthenticated
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, ErrUnauthenticated
	}

	p := &Principal{ID: sub}
	if name, ok := claims["name"].(string); ok {
		p.Name = name
	}
	return p, nil
}

// APIKey is one configured API key credential. The key value is stored only
// as a bcrypt hash.
type APIKey struct {
	// Name identifies the key and becomes the principal ID.
	Name string

	// Hash is the bcrypt hash of the key value.
	Hash string
}

// APIKeyConfig configures the API key authenticator.
type APIKeyConfig struct {
	Keys []APIKey
}

// APIKeyAuthenticator authenticates bearer API keys against bcrypt hashes.
type APIKeyAuthenticator struct {
	keys []APIKey
}

// NewAPIKeyAuthenticator creates an API key authenticator.
func NewAPIKeyAuthenticator(cfg APIKeyConfig) *APIKeyAuthenticator {
	keys := make([]APIKey, len(cfg.Keys))
	copy(keys, cfg.Keys)
	return &APIKeyAuthenticator{keys: keys}
}

// Authenticate compares the presented key against every configured hash.
func (a *APIKeyAuthenticator) Authenticate(r *http.Request) (*Principal, error) {
	raw := bearerToken(r)
	if raw == "" {
		raw = r.Header.Get("X-API-Key")
	}
	if raw == "" {
		return nil, ErrUnauthenticated
	}

	for _, key := range a.keys {
		if bcrypt.CompareHashAndPassword([]byte(key.Hash), []byte(raw)) == nil {
			return &Principal{ID: "apikey:" + key.Name, Name: key.Name}, nil
		}
	}
	return nil, ErrUnauthenticated
}

// ChainedAuthenticator tries multiple authenticators in order and returns
// the first principal produced.
type ChainedAuthenticator struct {
	authenticators []Authenticator
}

// NewChainedAuthenticator creates a chained authenticator.
func NewChainedAuthenticator(authenticators ...Authenticator) *ChainedAuthenticator {
	return &ChainedAuthenticator{authenticators: authenticators}
}

// Authenticate tries each authenticator in order.
func (c *ChainedAuthenticator) Authenticate(r *http.Request) (*Principal, error) {
	for _, a := range c.authenticators {
		if p, err := a.Authenticate(r); err == nil && p != nil {
			return p, nil
		}
	}
	return nil, ErrUnauthenticated
}

// Middleware rejects unauthenticated requests with 401 and injects the
// principal into the request context for handlers downstream.
func Middleware(a Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := a.Authenticate(r)
			if err != nil || p == nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// Verify interface compliance.
var (
	_ Authenticator = (*JWTAuthenticator)(nil)
	_ Authenticator = (*APIKeyAuthenticator)(nil)
	_ Authenticator = (*ChainedAuthenticator)(nil)
)

package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
)

// ErrUnauthorized is returned when a node credential is rejected.
var ErrUnauthorized = errors.New("unauthorized node")

// Identity is the node a credential resolves to.
type Identity struct {
	NodeID   string
	TenantID string
}

// Authenticator resolves the identity behind a connect frame.
type Authenticator interface {
	Authenticate(ctx context.Context, c ConnectData) (Identity, error)
}

// TokenAuthenticator accepts a fixed set of tokens, each bound to one node.
type TokenAuthenticator struct {
	tokens map[string]Identity
}

// NewTokenAuthenticator creates an authenticator from a token to identity map.
func NewTokenAuthenticator(tokens map[string]Identity) *TokenAuthenticator {
	cp := make(map[string]Identity, len(tokens))
	for k, v := range tokens {
		cp[k] = v
	}
	return &TokenAuthenticator{tokens: cp}
}

// Authenticate looks up the token. The claimed node id, if any, must match
// the one the token is bound to.
func (a *TokenAuthenticator) Authenticate(_ context.Context, c ConnectData) (Identity, error) {
	for token, id := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(c.Token)) == 1 {
			if c.NodeID != "" && c.NodeID != id.NodeID {
				return Identity{}, ErrUnauthorized
			}
			return id, nil
		}
	}
	return Identity{}, ErrUnauthorized
}

// InsecureAuthenticator trusts the node id claimed in the connect frame. It
// is meant for local development and tests.
type InsecureAuthenticator struct{}

// Authenticate returns the claimed node id.
func (InsecureAuthenticator) Authenticate(_ context.Context, c ConnectData) (Identity, error) {
	if c.NodeID == "" {
		return Identity{}, ErrUnauthorized
	}
	return Identity{NodeID: c.NodeID}, nil
}

// Package auth provides the Gateway's token verification step. It narrows
// the teacher's Clerk-specific verifier (tier/feature claims, signed-header
// fallback) down to the single question the gateway actually needs
// answered: is this connection's bearer token valid.
package auth

import (
	"context"
	"errors"
)

// ErrMissingToken is returned when no token was supplied at all.
var ErrMissingToken = errors.New("auth: missing token")

// ErrInvalidToken is returned when a token was supplied but failed
// verification.
var ErrInvalidToken = errors.New("auth: invalid token")

// Identity is the minimal claim set the gateway cares about: who is
// connecting. Everything Clerk Commerce-specific (plan, features, org
// role) has no referent once there is no tiered feature API, so it is
// dropped.
type Identity struct {
	UserID string
}

// Authenticator verifies a bearer token extracted from a new connection
// and returns the identity it names. Implementations MUST reject an empty
// token.
type Authenticator interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// NoopAuthenticator accepts any non-empty token. cmd/gateway-server
// constructs one when JWT_ISSUER is unset or ALLOW_UNAUTHENTICATED=true;
// otherwise it uses the JWT Authenticator.
type NoopAuthenticator struct{}

// Verify implements Authenticator by accepting any non-empty token.
func (NoopAuthenticator) Verify(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrMissingToken
	}
	return Identity{UserID: "test-user"}, nil
}

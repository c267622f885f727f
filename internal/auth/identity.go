// Package auth verifies the identity credential presented on the collaboration
// handshake. Tokens are issued by an external identity provider (JWKS, RS256)
// or, in development deployments, by the gateway itself (shared secret, HS256).
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

const (
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer "
	// AccessTokenParameter carries the credential for clients that cannot set
	// headers on a websocket upgrade.
	AccessTokenParameter = "access_token"
)

var (
	// ErrMissingToken indicates that the request carried no credential.
	ErrMissingToken = errors.New("auth: token required")
	// ErrInvalidToken indicates that the credential failed verification.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrExpiredToken indicates that the credential is past its expiry.
	ErrExpiredToken = errors.New("auth: token expired")
)

// Identity is the verified subject of a credential.
type Identity struct {
	UserID    string
	Issuer    string
	ExpiresAt time.Time
}

// Verifier validates a raw credential and returns the identity it asserts.
type Verifier interface {
	Verify(ctx context.Context, rawToken string) (Identity, error)
}

// BearerToken extracts the credential from the Authorization header, falling
// back to the access_token query parameter.
func BearerToken(r *http.Request) string {
	if r == nil {
		return ""
	}
	header := strings.TrimSpace(r.Header.Get(authorizationHeader))
	if len(header) > len(bearerPrefix) && strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return strings.TrimSpace(header[len(bearerPrefix):])
	}
	return strings.TrimSpace(r.URL.Query().Get(AccessTokenParameter))
}

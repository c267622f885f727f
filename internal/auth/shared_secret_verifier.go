package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingSigningSecret = errors.New("auth: signing secret required")
	ErrMissingIssuer        = errors.New("auth: issuer required")
)

// SharedSecretVerifierConfig describes how to validate HS256 tokens.
type SharedSecretVerifierConfig struct {
	SigningSecret []byte
	Issuer        string
	Clock         func() time.Time
}

// SharedSecretVerifier validates HS256 tokens minted with a secret shared
// between the issuer and the gateway.
type SharedSecretVerifier struct {
	signingSecret []byte
	issuer        string
	clock         func() time.Time
}

// NewSharedSecretVerifier constructs a verifier with the provided configuration.
func NewSharedSecretVerifier(cfg SharedSecretVerifierConfig) (*SharedSecretVerifier, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SharedSecretVerifier{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		clock:         clock,
	}, nil
}

// Verify validates the token and returns the identity it asserts.
func (v *SharedSecretVerifier) Verify(_ context.Context, rawToken string) (Identity, error) {
	token := strings.TrimSpace(rawToken)
	if token == "" {
		return Identity{}, ErrMissingToken
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, errMissingSubject)
	}
	return Identity{
		UserID:    claims.Subject,
		Issuer:    claims.Issuer,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSigningSecret = "secret"
	testLocalIssuer   = "collab-gateway"
	testUserID        = "user-123"
)

func mustSharedSecretVerifier(t *testing.T, clock func() time.Time) *SharedSecretVerifier {
	t.Helper()
	verifier, err := NewSharedSecretVerifier(SharedSecretVerifierConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testLocalIssuer,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to construct verifier: %v", err)
	}
	return verifier
}

func signHS256(t *testing.T, secret string, claims jwt.RegisteredClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestSharedSecretVerifierAcceptsValidToken(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	verifier := mustSharedSecretVerifier(t, func() time.Time { return clockNow })

	signed := signHS256(t, testSigningSecret, jwt.RegisteredClaims{
		Issuer:    testLocalIssuer,
		Subject:   testUserID,
		IssuedAt:  jwt.NewNumericDate(clockNow.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour)),
	})

	identity, err := verifier.Verify(context.Background(), signed)
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if identity.UserID != testUserID {
		t.Fatalf("unexpected user id: %s", identity.UserID)
	}
	if !identity.ExpiresAt.Equal(clockNow.Add(time.Hour)) {
		t.Fatalf("unexpected expiry: %v", identity.ExpiresAt)
	}
}

func TestSharedSecretVerifierRejections(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	verifier := mustSharedSecretVerifier(t, func() time.Time { return clockNow })
	valid := jwt.RegisteredClaims{
		Issuer:    testLocalIssuer,
		Subject:   testUserID,
		ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour)),
	}

	testCases := []struct {
		name   string
		secret string
		mutate func(*jwt.RegisteredClaims)
		want   error
	}{
		{name: "expired", secret: testSigningSecret, mutate: func(c *jwt.RegisteredClaims) {
			c.ExpiresAt = jwt.NewNumericDate(clockNow.Add(-time.Hour))
		}, want: ErrExpiredToken},
		{name: "wrong secret", secret: "other", mutate: func(*jwt.RegisteredClaims) {}, want: ErrInvalidToken},
		{name: "wrong issuer", secret: testSigningSecret, mutate: func(c *jwt.RegisteredClaims) {
			c.Issuer = "someone-else"
		}, want: ErrInvalidToken},
		{name: "missing subject", secret: testSigningSecret, mutate: func(c *jwt.RegisteredClaims) {
			c.Subject = ""
		}, want: ErrInvalidToken},
		{name: "missing expiry", secret: testSigningSecret, mutate: func(c *jwt.RegisteredClaims) {
			c.ExpiresAt = nil
		}, want: ErrInvalidToken},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			claims := valid
			testCase.mutate(&claims)
			_, err := verifier.Verify(context.Background(), signHS256(t, testCase.secret, claims))
			if !errors.Is(err, testCase.want) {
				t.Fatalf("expected %v, got %v", testCase.want, err)
			}
		})
	}
}

func TestNewSharedSecretVerifierRequiresSecretAndIssuer(t *testing.T) {
	if _, err := NewSharedSecretVerifier(SharedSecretVerifierConfig{Issuer: testLocalIssuer}); !errors.Is(err, ErrMissingSigningSecret) {
		t.Fatalf("expected ErrMissingSigningSecret, got %v", err)
	}
	if _, err := NewSharedSecretVerifier(SharedSecretVerifierConfig{SigningSecret: []byte("x"), Issuer: " "}); !errors.Is(err, ErrMissingIssuer) {
		t.Fatalf("expected ErrMissingIssuer, got %v", err)
	}
}

func TestBearerTokenSources(t *testing.T) {
	testCases := []struct {
		name   string
		header string
		query  string
		want   string
	}{
		{name: "header", header: "Bearer abc", want: "abc"},
		{name: "header case", header: "bearer  abc ", want: "abc"},
		{name: "query fallback", query: "?access_token=xyz", want: "xyz"},
		{name: "header wins", header: "Bearer abc", query: "?access_token=xyz", want: "abc"},
		{name: "non bearer header", header: "Basic abc", want: ""},
		{name: "none", want: ""},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			request := httptest.NewRequest(http.MethodGet, "/collab"+testCase.query, http.NoBody)
			if testCase.header != "" {
				request.Header.Set("Authorization", testCase.header)
			}
			if got := BearerToken(request); got != testCase.want {
				t.Fatalf("expected %q, got %q", testCase.want, got)
			}
		})
	}
}

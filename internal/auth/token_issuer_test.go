package auth

import (
	"context"
	"testing"
	"time"
)

func TestTokenIssuerTokensPassSharedSecretVerification(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return clockNow }
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        testLocalIssuer,
		TokenTTL:      15 * time.Minute,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	token, expiresAt, err := issuer.Issue("user-321")
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if !expiresAt.Equal(clockNow.Add(15 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", expiresAt)
	}

	verifier, err := NewSharedSecretVerifier(SharedSecretVerifierConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        testLocalIssuer,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to construct verifier: %v", err)
	}
	identity, err := verifier.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("expected verification success: %v", err)
	}
	if identity.UserID != "user-321" {
		t.Fatalf("unexpected subject %s", identity.UserID)
	}
}

func TestTokenIssuerValidation(t *testing.T) {
	if _, err := NewTokenIssuer(TokenIssuerConfig{Issuer: testLocalIssuer}); err == nil {
		t.Fatalf("expected constructor error for missing secret")
	}
	if _, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("secret")}); err == nil {
		t.Fatalf("expected constructor error for missing issuer")
	}

	issuer, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("secret"), Issuer: testLocalIssuer})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, _, err := issuer.Issue("  "); err == nil {
		t.Fatalf("expected error for empty subject")
	}
}

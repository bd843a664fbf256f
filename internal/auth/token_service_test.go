package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTokenServiceRoundTrip(t *testing.T) {
	service, err := NewTokenService(TokenServiceConfig{
		SigningSecret: []byte("session-secret"),
		Issuer:        "glow-auth",
		Audience:      "glow-api",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	tokenString, expiresIn, err := service.IssueToken(context.Background(), "user-123")
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if expiresIn <= 0 {
		t.Fatalf("expected positive expiry seconds, got %d", expiresIn)
	}

	subject, err := service.VerifyBearer(context.Background(), tokenString)
	if err != nil {
		t.Fatalf("expected verification success: %v", err)
	}
	if subject != "user-123" {
		t.Fatalf("unexpected subject %s", subject)
	}
}

func TestTokenServiceRejectsExpiredTokens(t *testing.T) {
	issuedAt := time.Date(2026, 6, 20, 22, 0, 0, 0, time.UTC)
	issuerClock := func() time.Time { return issuedAt }
	service, err := NewTokenService(TokenServiceConfig{
		SigningSecret: []byte("session-secret"),
		Issuer:        "glow-auth",
		Audience:      "glow-api",
		TokenTTL:      time.Minute,
		Clock:         issuerClock,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	tokenString, _, err := service.IssueToken(context.Background(), "user-123")
	if err != nil {
		t.Fatalf("unexpected issuance error: %v", err)
	}

	lateClock := func() time.Time { return issuedAt.Add(2 * time.Minute) }
	verifier, err := NewTokenService(TokenServiceConfig{
		SigningSecret: []byte("session-secret"),
		Issuer:        "glow-auth",
		Audience:      "glow-api",
		TokenTTL:      time.Minute,
		Clock:         lateClock,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, err := verifier.VerifyBearer(context.Background(), tokenString); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected expired token error, got %v", err)
	}
}

func TestTokenServiceRejectsGarbage(t *testing.T) {
	service, err := NewTokenService(TokenServiceConfig{
		SigningSecret: []byte("session-secret"),
		Issuer:        "glow-auth",
		Audience:      "glow-api",
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	for _, tokenString := range []string{"", "not.a.token", "  "} {
		if _, err := service.VerifyBearer(context.Background(), tokenString); err == nil {
			t.Fatalf("expected verification failure for %q", tokenString)
		}
	}
}

func TestNewTokenServiceValidatesConfig(t *testing.T) {
	cases := []TokenServiceConfig{
		{Issuer: "glow-auth", Audience: "glow-api"},
		{SigningSecret: []byte("s"), Audience: "glow-api"},
		{SigningSecret: []byte("s"), Issuer: "glow-auth", Audience: " "},
	}
	for i, cfg := range cases {
		if _, err := NewTokenService(cfg); err == nil {
			t.Fatalf("case %d: expected constructor error", i)
		}
	}
}

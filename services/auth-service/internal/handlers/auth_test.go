package handlers

import (
	"testing"
	"time"

	"github.com/agendly/agendly/libs/auth"
)

func TestPasswordHashing(t *testing.T) {
	password := "pass123"
	hash, err := hashPassword(password)
	if err != nil {
		t.Fatalf("hashPassword failed: %v", err)
	}
	if hash == "" {
		t.Fatal("expected non-empty hash")
	}
	if err := verifyPassword(hash, password); err != nil {
		t.Fatalf("verifyPassword should succeed: %v", err)
	}
	if err := verifyPassword(hash, "wrong-pass"); err == nil {
		t.Fatal("verifyPassword should fail for wrong password")
	}
}

func TestHS256SignerRoundTrip(t *testing.T) {
	signer := NewHS256Signer("test-secret")
	claims := auth.Claims{
		Sub:        "user-1",
		BusinessID: "biz-1",
		Role:       "owner",
		Iat:        time.Now().Unix(),
		Exp:        time.Now().Add(time.Hour).Unix(),
	}

	token, err := signer.Sign(claims)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	parsed, err := signer.Verify(token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if parsed.Sub != claims.Sub || parsed.BusinessID != claims.BusinessID || parsed.Role != claims.Role {
		t.Fatalf("claims mismatch: got %+v", parsed)
	}

	if _, err := NewHS256Signer("other-secret").Verify(token); err == nil {
		t.Fatal("expected verification with wrong secret to fail")
	}
}

func TestNewRefreshTokenIsUnique(t *testing.T) {
	a, err := newRefreshToken()
	if err != nil {
		t.Fatalf("newRefreshToken failed: %v", err)
	}
	b, err := newRefreshToken()
	if err != nil {
		t.Fatalf("newRefreshToken failed: %v", err)
	}
	if a == b {
		t.Fatal("expected distinct refresh tokens")
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
}

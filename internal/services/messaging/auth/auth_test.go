package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gradhall/gradhall/internal/services/messaging/domain"
)

const testSecret = "test-signing-secret"

func newTestGate(t *testing.T) *Gate {
	t.Helper()

	gate, err := NewGate(testSecret)
	if err != nil {
		t.Fatalf("NewGate returned error: %v", err)
	}
	return gate
}

func TestNewGateRequiresSecret(t *testing.T) {
	if _, err := NewGate("   "); err == nil {
		t.Fatal("expected error for blank secret")
	}
}

func TestVerifyRoundTrip(t *testing.T) {
	gate := newTestGate(t)

	token, err := gate.Issue(domain.Identity{ID: "user-a", DisplayName: "Alice"}, "token-1", time.Hour)
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}

	identity, tokenID, err := gate.Verify(token)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if identity.ID != "user-a" {
		t.Fatalf("unexpected identity id %q", identity.ID)
	}
	if identity.DisplayName != "Alice" {
		t.Fatalf("unexpected display name %q", identity.DisplayName)
	}
	if tokenID != "token-1" {
		t.Fatalf("unexpected token id %q", tokenID)
	}
}

func TestVerifyAcceptsBearerPrefix(t *testing.T) {
	gate := newTestGate(t)

	token, err := gate.Issue(domain.Identity{ID: "user-a"}, "", time.Hour)
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}

	if _, _, err := gate.Verify("Bearer " + token); err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
}

func TestVerifyMissingToken(t *testing.T) {
	gate := newTestGate(t)

	if _, _, err := gate.Verify("   "); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}

func TestVerifyMalformedToken(t *testing.T) {
	gate := newTestGate(t)

	if _, _, err := gate.Verify("not-a-jwt"); !errors.Is(err, ErrMalformedToken) {
		t.Fatalf("expected ErrMalformedToken, got %v", err)
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	gate := newTestGate(t)
	other, err := NewGate("different-secret")
	if err != nil {
		t.Fatalf("NewGate returned error: %v", err)
	}

	token, err := other.Issue(domain.Identity{ID: "user-a"}, "", time.Hour)
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}

	if _, _, err := gate.Verify(token); !errors.Is(err, ErrMalformedToken) {
		t.Fatalf("expected ErrMalformedToken, got %v", err)
	}
}

func TestVerifyRejectsUnexpectedAlgorithm(t *testing.T) {
	gate := newTestGate(t)

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "user-a"})
	token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign returned error: %v", err)
	}

	if _, _, err := gate.Verify(token); !errors.Is(err, ErrMalformedToken) {
		t.Fatalf("expected ErrMalformedToken, got %v", err)
	}
}

func TestVerifyExpiredToken(t *testing.T) {
	gate := newTestGate(t)

	now := time.Now().Add(-2 * time.Hour)
	claims := jwt.RegisteredClaims{
		Subject:   "user-a",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign returned error: %v", err)
	}

	if _, _, err := gate.Verify(token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestVerifyMissingSubject(t *testing.T) {
	gate := newTestGate(t)

	claims := jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign returned error: %v", err)
	}

	if _, _, err := gate.Verify(token); !errors.Is(err, ErrMalformedToken) {
		t.Fatalf("expected ErrMalformedToken, got %v", err)
	}
}

func TestVerifyRevokedToken(t *testing.T) {
	gate := newTestGate(t)

	token, err := gate.Issue(domain.Identity{ID: "user-a"}, "token-1", time.Hour)
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}
	if _, _, err := gate.Verify(token); err != nil {
		t.Fatalf("Verify returned error before revocation: %v", err)
	}

	gate.Revoke("token-1")
	if _, _, err := gate.Verify(token); !errors.Is(err, ErrRevokedToken) {
		t.Fatalf("expected ErrRevokedToken, got %v", err)
	}
}

func TestRevokeNotifiesCallback(t *testing.T) {
	gate := newTestGate(t)

	var revoked []string
	gate.OnRevoke(func(tokenID string) {
		revoked = append(revoked, tokenID)
	})

	gate.Revoke("token-1")
	gate.Revoke("   ")

	if len(revoked) != 1 || revoked[0] != "token-1" {
		t.Fatalf("unexpected callback invocations: %v", revoked)
	}
}

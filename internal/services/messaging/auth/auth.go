// Package auth verifies bearer tokens for socket connections.
//
// Tokens are HS256 JWTs minted by the platform's account system. The
// gate distinguishes malformed, expired, and revoked tokens internally
// so operators can tell them apart in logs, while the transport layer
// reports every failure the same way to the client.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gradhall/gradhall/internal/services/messaging/domain"
)

var (
	// ErrMissingToken indicates no credential was presented.
	ErrMissingToken = errors.New("missing token")
	// ErrMalformedToken indicates the credential failed signature or shape checks.
	ErrMalformedToken = errors.New("malformed token")
	// ErrExpiredToken indicates the credential is past its expiry.
	ErrExpiredToken = errors.New("expired token")
	// ErrRevokedToken indicates the credential was explicitly invalidated.
	ErrRevokedToken = errors.New("revoked token")
)

type sessionClaims struct {
	DisplayName string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Gate validates connection credentials and resolves them to identities.
type Gate struct {
	secret []byte

	mu       sync.RWMutex
	revoked  map[string]struct{}
	onRevoke func(tokenID string)
}

// NewGate builds a gate over the shared signing secret.
func NewGate(secret string) (*Gate, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("signing secret is required")
	}
	return &Gate{
		secret:  []byte(secret),
		revoked: make(map[string]struct{}),
	}, nil
}

// Verify resolves a bearer token to the identity it was minted for,
// along with the token id carried in the jti claim.
func (g *Gate) Verify(token string) (domain.Identity, string, error) {
	if g == nil {
		return domain.Identity{}, "", fmt.Errorf("auth gate is not configured")
	}
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return domain.Identity{}, "", ErrMissingToken
	}

	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return g.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return domain.Identity{}, "", ErrExpiredToken
		}
		return domain.Identity{}, "", fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if !parsed.Valid {
		return domain.Identity{}, "", ErrMalformedToken
	}

	userID := strings.TrimSpace(claims.Subject)
	if userID == "" {
		return domain.Identity{}, "", fmt.Errorf("%w: missing subject", ErrMalformedToken)
	}
	if g.isRevoked(claims.ID) {
		return domain.Identity{}, "", ErrRevokedToken
	}

	return domain.Identity{ID: userID, DisplayName: claims.DisplayName}, claims.ID, nil
}

// OnRevoke registers a callback invoked whenever a token id is revoked.
// The transport layer uses it to evict live connections that were
// authenticated with the token.
func (g *Gate) OnRevoke(fn func(tokenID string)) {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onRevoke = fn
}

// Revoke invalidates every outstanding token carrying the given token
// id. Future Verify calls fail with ErrRevokedToken, and any registered
// OnRevoke callback fires so existing connections are torn down too.
func (g *Gate) Revoke(tokenID string) {
	if g == nil {
		return
	}
	tokenID = strings.TrimSpace(tokenID)
	if tokenID == "" {
		return
	}
	g.mu.Lock()
	g.revoked[tokenID] = struct{}{}
	onRevoke := g.onRevoke
	g.mu.Unlock()

	if onRevoke != nil {
		onRevoke(tokenID)
	}
}

func (g *Gate) isRevoked(tokenID string) bool {
	if tokenID == "" {
		return false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, revoked := g.revoked[tokenID]
	return revoked
}

// Issue mints a signed token for an identity. Used by local tooling and
// tests; production tokens come from the account system.
func (g *Gate) Issue(identity domain.Identity, tokenID string, ttl time.Duration) (string, error) {
	if g == nil {
		return "", fmt.Errorf("auth gate is not configured")
	}
	if strings.TrimSpace(identity.ID) == "" {
		return "", fmt.Errorf("identity id is required")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("token ttl must be greater than zero")
	}

	now := time.Now().UTC()
	claims := sessionClaims{
		DisplayName: identity.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        strings.TrimSpace(tokenID),
			Subject:   identity.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

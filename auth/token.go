// Package auth owns provider credentials. Tokens never leave this boundary:
// callers receive a short-lived TokenRef per call and reauth signals, nothing
// else. Raw token material is never logged; use Fingerprint for log fields.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Token is the stored credential for one (user, provider) pair.
type Token struct {
	UserID   string    `json:"user_id"`
	Provider string    `json:"provider"`
	Access   string    `json:"access"`
	Refresh  string    `json:"refresh"`
	// ExpiresAt is the authoritative expiry. Legacy "expiry_date" hints are
	// normalized into this field on load and never trusted on their own.
	ExpiresAt time.Time `json:"expires_at"`
	Scopes    []string  `json:"scope"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasScopes reports whether the token's scope set covers all requested scopes
func (t *Token) HasScopes(scopes []string) bool {
	if len(scopes) == 0 {
		return true
	}
	granted := make(map[string]struct{}, len(t.Scopes))
	for _, s := range t.Scopes {
		granted[s] = struct{}{}
	}
	for _, s := range scopes {
		if _, ok := granted[s]; !ok {
			return false
		}
	}
	return true
}

// FreshFor reports whether the token's remaining TTL exceeds the margin
func (t *Token) FreshFor(margin time.Duration, now time.Time) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return t.ExpiresAt.After(now.Add(margin))
}

// Fingerprint returns a stable, non-reversible identifier for log fields
func (t *Token) Fingerprint() string {
	sum := sha256.Sum256([]byte(t.Access))
	return hex.EncodeToString(sum[:6])
}

// TokenRef is the short-lived reference handed to the API client for a single
// call. It carries no refresh material.
type TokenRef struct {
	Provider    string
	AccessToken string
	Fingerprint string
}

// Store persists tokens keyed by (user, provider)
type Store interface {
	Get(ctx context.Context, userID, provider string) (*Token, error)
	Put(ctx context.Context, token *Token) error
	Delete(ctx context.Context, userID, provider string) error
}

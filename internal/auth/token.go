// Package auth resolves bearer tokens to principals.
//
// Real identity-token verification belongs to an external identity provider;
// this package defines the narrow interface the HTTP layer needs and a static
// implementation for development and tests.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/org/citaguard/pkg/models"
)

const tokenPrefix = "cgt_"

// ErrInvalidToken is returned for unknown or revoked tokens.
var ErrInvalidToken = errors.New("invalid token")

// Verifier maps a bearer token to the caller's identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (*models.Principal, error)
}

// StaticVerifier holds an in-memory table of token hashes. Plaintext tokens
// are never stored.
type StaticVerifier struct {
	mu     sync.RWMutex
	byHash map[string]models.Principal
	seen   map[string]bool
}

// NewStaticVerifier returns an empty verifier.
func NewStaticVerifier() *StaticVerifier {
	return &StaticVerifier{
		byHash: map[string]models.Principal{},
		seen:   map[string]bool{},
	}
}

// Add registers token for p. It reports whether p.UID was seen for the first time.
func (v *StaticVerifier) Add(token string, p models.Principal) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.byHash[hashToken(token)] = p
	first := !v.seen[p.UID]
	v.seen[p.UID] = true
	return first
}

// Issue creates a fresh random token for p. The bool is true on p's first token.
func (v *StaticVerifier) Issue(p models.Principal) (string, bool, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", false, fmt.Errorf("generating token: %w", err)
	}
	token := tokenPrefix + base64.RawURLEncoding.EncodeToString(raw)
	first := v.Add(token, p)
	return token, first, nil
}

// Verify implements Verifier.
func (v *StaticVerifier) Verify(ctx context.Context, token string) (*models.Principal, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	v.mu.RLock()
	p, ok := v.byHash[hashToken(token)]
	v.mu.RUnlock()
	if !ok {
		return nil, ErrInvalidToken
	}
	return &p, nil
}

// RevokeUser drops every token belonging to uid and returns how many were removed.
func (v *StaticVerifier) RevokeUser(uid string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := 0
	for h, p := range v.byHash {
		if p.UID == uid {
			delete(v.byHash, h)
			n++
		}
	}
	return n
}

// hashToken keys the table so plaintext tokens are never held.
func hashToken(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}

package devserver

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTokenNotFound = errors.New("refresh token not found")
	ErrTokenExpired  = errors.New("refresh token expired")
	ErrTokenReused   = errors.New("refresh token reused")
	ErrTokenRevoked  = errors.New("refresh token revoked")
)

// RefreshToken is one link of a rotation family.
type RefreshToken struct {
	Token      string
	UserID     string
	ClientID   string
	Family     string
	Generation int
	Scopes     []string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Revoked    bool
	// Rotated marks a token that was exchanged; presenting it again is reuse.
	Rotated bool
}

func (t *RefreshToken) IsExpired() bool {
	return time.Now().After(t.ExpiresAt)
}

// refreshStore keeps refresh tokens in memory, keyed by SHA-256 of the token.
type refreshStore struct {
	mu     sync.Mutex
	ttl    time.Duration
	tokens map[string]*RefreshToken
}

func newRefreshStore(ttl time.Duration) *refreshStore {
	return &refreshStore{ttl: ttl, tokens: make(map[string]*RefreshToken)}
}

func hashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// generateSecureToken generates a cryptographically secure random token
func generateSecureToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func (s *refreshStore) newTokenLocked(userID, clientID, family string, generation int, scopes []string) (*RefreshToken, error) {
	token, err := generateSecureToken()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	rt := &RefreshToken{
		Token:      token,
		UserID:     userID,
		ClientID:   clientID,
		Family:     family,
		Generation: generation,
		Scopes:     scopes,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.ttl),
	}
	s.tokens[hashToken(token)] = rt
	return rt, nil
}

// Create starts a new family for a fresh login.
func (s *refreshStore) Create(userID, clientID string, scopes []string) (*RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.newTokenLocked(userID, clientID, uuid.NewString(), 1, scopes)
}

// Rotate exchanges old for the next token of its family. Presenting a token
// that was already rotated revokes the whole family and returns ErrTokenReused.
func (s *refreshStore) Rotate(old string) (*RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rt, ok := s.tokens[hashToken(old)]
	if !ok {
		return nil, ErrTokenNotFound
	}
	if rt.Rotated {
		s.revokeFamilyLocked(rt.Family)
		return nil, ErrTokenReused
	}
	if rt.Revoked {
		return nil, ErrTokenRevoked
	}
	if rt.IsExpired() {
		return nil, ErrTokenExpired
	}

	rt.Rotated = true
	return s.newTokenLocked(rt.UserID, rt.ClientID, rt.Family, rt.Generation+1, rt.Scopes)
}

// Revoke revokes token and the rest of its family. Unknown tokens are ignored.
func (s *refreshStore) Revoke(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rt, ok := s.tokens[hashToken(token)]; ok {
		s.revokeFamilyLocked(rt.Family)
	}
}

func (s *refreshStore) revokeFamilyLocked(family string) {
	for _, rt := range s.tokens {
		if rt.Family == family {
			rt.Revoked = true
		}
	}
}

// Active counts tokens that could still be exchanged.
func (s *refreshStore) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rt := range s.tokens {
		if !rt.Revoked && !rt.Rotated && !rt.IsExpired() {
			n++
		}
	}
	return n
}

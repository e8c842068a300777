// Package client is the authenticated data-access layer of authfetch.
//
// Every outbound call goes through a Session, which attaches the current
// bearer credential, detects rejection by the backend, collapses concurrent
// refreshes into one RefreshCoordinator epoch, replays the failed call once
// and, when recovery is impossible, tears the session down through Teardown.
package client

import (
	"context"
	"time"
)

// ServerCredential holds authentication info for a single server
type ServerCredential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	UserID       string    `json:"user_id,omitempty"`
	UserEmail    string    `json:"user_email,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// IsExpired returns true if the access token has expired
func (c *ServerCredential) IsExpired() bool {
	return time.Now().After(c.ExpiresAt)
}

// IsExpiringSoon returns true if the token expires within the given duration
func (c *ServerCredential) IsExpiringSoon(within time.Duration) bool {
	return time.Now().Add(within).After(c.ExpiresAt)
}

// HasRefreshToken returns true if a refresh token is available
func (c *ServerCredential) HasRefreshToken() bool {
	return c.RefreshToken != ""
}

// CredentialStore defines the interface for storing and retrieving credentials
type CredentialStore interface {
	// GetCredential retrieves a credential for a server URL
	// Returns nil, nil if no credential exists for the server
	GetCredential(serverURL string) (*ServerCredential, error)

	// SetCredential stores a credential for a server URL
	SetCredential(serverURL string, cred *ServerCredential) error

	// RemoveCredential removes a credential for a server URL
	RemoveCredential(serverURL string) error

	// ListServers returns all server URLs with stored credentials
	ListServers() ([]string, error)

	// Save persists any pending changes (for stores that batch writes)
	Save() error
}

// CredentialSource supplies bearer credentials to a Session.
//
// GetToken is the fast path and may answer from a cache. An empty token with
// a nil error means there is no signed-in session. RefreshToken must always
// try to mint a new credential. SignOut tears the session down.
type CredentialSource interface {
	GetToken(ctx context.Context) (string, error)
	RefreshToken(ctx context.Context) (string, error)
	SignOut(ctx context.Context) error
}

// CredentialSourceFuncs adapts plain functions to a CredentialSource.
// A nil SignOutFunc is a no-op; nil token funcs report ErrAuthenticationRequired.
type CredentialSourceFuncs struct {
	GetTokenFunc     func(ctx context.Context) (string, error)
	RefreshTokenFunc func(ctx context.Context) (string, error)
	SignOutFunc      func(ctx context.Context) error
}

func (f CredentialSourceFuncs) GetToken(ctx context.Context) (string, error) {
	if f.GetTokenFunc == nil {
		return "", ErrAuthenticationRequired
	}
	return f.GetTokenFunc(ctx)
}

func (f CredentialSourceFuncs) RefreshToken(ctx context.Context) (string, error) {
	if f.RefreshTokenFunc == nil {
		return "", ErrNoRefreshToken
	}
	return f.RefreshTokenFunc(ctx)
}

func (f CredentialSourceFuncs) SignOut(ctx context.Context) error {
	if f.SignOutFunc == nil {
		return nil
	}
	return f.SignOutFunc(ctx)
}

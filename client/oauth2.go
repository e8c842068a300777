package client

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// OAuth2Source is a CredentialSource for standard OAuth2 token endpoints,
// using golang.org/x/oauth2 for the password and refresh_token grants.
// Credentials are kept in a CredentialStore under Key.
type OAuth2Source struct {
	config     *oauth2.Config
	store      CredentialStore
	key        string
	httpClient *http.Client
	onSignOut  func(ctx context.Context) error

	mu sync.Mutex
}

// OAuth2Option configures an OAuth2Source
type OAuth2Option func(*OAuth2Source)

// WithOAuth2HTTPClient sets the client used to reach the token endpoint.
func WithOAuth2HTTPClient(c *http.Client) OAuth2Option {
	return func(s *OAuth2Source) {
		s.httpClient = c
	}
}

// WithSignOutHook runs fn after the local credential has been removed.
func WithSignOutHook(fn func(ctx context.Context) error) OAuth2Option {
	return func(s *OAuth2Source) {
		s.onSignOut = fn
	}
}

// NewOAuth2Source creates a source for cfg. key names the stored credential,
// usually the server origin.
func NewOAuth2Source(cfg *oauth2.Config, store CredentialStore, key string, opts ...OAuth2Option) *OAuth2Source {
	s := &OAuth2Source{config: cfg, store: store, key: key}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *OAuth2Source) context(ctx context.Context) context.Context {
	if s.httpClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
	}
	return ctx
}

// Login runs the resource owner password grant and stores the result.
func (s *OAuth2Source) Login(ctx context.Context, username, password string) (*ServerCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, err := s.config.PasswordCredentialsToken(s.context(ctx), username, password)
	if err != nil {
		return nil, fmt.Errorf("password grant: %w", err)
	}
	cred := credentialFromToken(tok)
	cred.UserEmail = username
	if err := s.put(cred); err != nil {
		return nil, err
	}
	return cred, nil
}

// SetToken stores a token obtained elsewhere, e.g. from an authorization code exchange.
func (s *OAuth2Source) SetToken(tok *oauth2.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(credentialFromToken(tok))
}

// GetToken returns the stored access token, or "" when there is none or it
// has expired with nothing to refresh it.
func (s *OAuth2Source) GetToken(ctx context.Context) (string, error) {
	cred, err := s.store.GetCredential(s.key)
	if err != nil || cred == nil {
		return "", err
	}
	if !cred.ExpiresAt.IsZero() && cred.IsExpired() && !cred.HasRefreshToken() {
		return "", nil
	}
	return cred.AccessToken, nil
}

// RefreshToken always asks the token endpoint for a new access token.
func (s *OAuth2Source) RefreshToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, err := s.store.GetCredential(s.key)
	if err != nil {
		return "", err
	}
	if cred == nil || !cred.HasRefreshToken() {
		return "", ErrNoRefreshToken
	}

	// A token with no access token is never valid, so the source refreshes.
	tok, err := s.config.TokenSource(s.context(ctx), &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
	if err != nil {
		return "", fmt.Errorf("refresh grant: %w", err)
	}

	next := credentialFromToken(tok)
	next.UserID = cred.UserID
	next.UserEmail = cred.UserEmail
	if next.RefreshToken == "" {
		next.RefreshToken = cred.RefreshToken
	}
	if err := s.put(next); err != nil {
		return "", err
	}
	return next.AccessToken, nil
}

// SignOut removes the stored credential and runs the sign-out hook.
func (s *OAuth2Source) SignOut(ctx context.Context) error {
	s.mu.Lock()
	err := s.store.RemoveCredential(s.key)
	if err == nil {
		err = s.store.Save()
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if s.onSignOut != nil {
		return s.onSignOut(ctx)
	}
	return nil
}

func (s *OAuth2Source) put(cred *ServerCredential) error {
	if err := s.store.SetCredential(s.key, cred); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return s.store.Save()
}

func credentialFromToken(tok *oauth2.Token) *ServerCredential {
	cred := &ServerCredential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresAt:    tok.Expiry,
		CreatedAt:    time.Now(),
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		cred.Scope = scope
	}
	return cred
}

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// AuthClient is a CredentialSource backed by a CredentialStore and an
// OAuth2-style token endpoint. It owns a Session, so every request made
// through Execute or HTTPClient shares one refresh coordinator.
type AuthClient struct {
	mu               sync.Mutex
	serverURL        string // origin; credential store key
	baseURL          string // as configured; request targets resolve against it
	store            CredentialStore
	httpClient       *http.Client
	baseTransport    http.RoundTripper
	tokenEndpoint    string
	logoutEndpoint   string
	clientID         string
	refreshThreshold time.Duration
	sessionOpts      []Option

	session  *Session
	executor *Executor
}

// OAuth2TokenRequest is the request body for token endpoint
type OAuth2TokenRequest struct {
	GrantType    string `json:"grant_type"`
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
}

// OAuth2TokenResponse is the response from token endpoint
type OAuth2TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	Error        string `json:"error,omitempty"`
	ErrorDesc    string `json:"error_description,omitempty"`
}

// ClientOption configures an AuthClient
type ClientOption func(*AuthClient)

// WithTokenEndpoint sets a custom token endpoint path
func WithTokenEndpoint(path string) ClientOption {
	return func(c *AuthClient) {
		c.tokenEndpoint = path
	}
}

// WithLogoutEndpoint sets the refresh-token revocation path. Empty disables
// server-side revocation on sign-out.
func WithLogoutEndpoint(path string) ClientOption {
	return func(c *AuthClient) {
		c.logoutEndpoint = path
	}
}

// WithClientID sets the client_id sent to the token endpoint.
func WithClientID(id string) ClientOption {
	return func(c *AuthClient) {
		if id != "" {
			c.clientID = id
		}
	}
}

// WithRefreshThreshold sets how close to expiry GetToken refreshes proactively.
func WithRefreshThreshold(d time.Duration) ClientOption {
	return func(c *AuthClient) {
		c.refreshThreshold = d
	}
}

// WithSessionOptions passes options to the underlying Session.
func WithSessionOptions(opts ...Option) ClientOption {
	return func(c *AuthClient) {
		c.sessionOpts = append(c.sessionOpts, opts...)
	}
}

// WithHTTPClient sets a custom base HTTP client (for timeouts, TLS config, etc.)
// The transport from this client will be wrapped with auth handling.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *AuthClient) {
		if client != nil && client.Transport != nil {
			c.baseTransport = client.Transport
		}
		// Copy timeout and other settings
		if client != nil {
			c.httpClient.Timeout = client.Timeout
			c.httpClient.CheckRedirect = client.CheckRedirect
			c.httpClient.Jar = client.Jar
		}
	}
}

// WithTransport sets a custom base transport (for connection pooling, proxies, etc.)
func WithTransport(transport http.RoundTripper) ClientOption {
	return func(c *AuthClient) {
		c.baseTransport = transport
	}
}

// NewAuthClient creates a new authenticated HTTP client for a server.
// serverURL may carry a path; it is the base for request targets, while
// credentials and token endpoints are keyed on its origin.
func NewAuthClient(serverURL string, store CredentialStore, opts ...ClientOption) *AuthClient {
	c := &AuthClient{
		serverURL:        originOf(serverURL),
		baseURL:          strings.TrimSpace(serverURL),
		store:            store,
		httpClient:       &http.Client{},
		baseTransport:    http.DefaultTransport,
		tokenEndpoint:    DefaultTokenEndpoint,
		logoutEndpoint:   DefaultLogoutEndpoint,
		clientID:         DefaultClientID,
		refreshThreshold: RefreshThreshold,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.session = NewSession(c, c.sessionOpts...)
	c.executor = NewExecutor(c.baseURL, c.session,
		WithExecutorHTTPClient(&http.Client{Transport: c.baseTransport, Timeout: c.httpClient.Timeout}))

	// Wrap the base transport with auth handling
	c.httpClient.Transport = NewSessionTransport(c.session, c.baseTransport)

	return c
}

// NewAuthClientFromConfig creates an AuthClient from cfg. cfg.BaseURL is
// not validated here; Execute reports ErrConfiguration when it is missing.
func NewAuthClientFromConfig(cfg *Config, store CredentialStore, opts ...ClientOption) *AuthClient {
	cfg.EnsureDefaults()
	base := []ClientOption{
		WithTokenEndpoint(cfg.TokenEndpoint),
		WithLogoutEndpoint(cfg.LogoutEndpoint),
		WithClientID(cfg.ClientID),
		WithRefreshThreshold(cfg.RefreshThreshold),
		WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout}),
		WithSessionOptions(cfg.SessionOptions()...),
	}
	return NewAuthClient(cfg.BaseURL, store, append(base, opts...)...)
}

func originOf(serverURL string) string {
	serverURL = strings.TrimSpace(serverURL)
	u, err := url.Parse(serverURL)
	if err == nil && u.Scheme != "" && u.Host != "" {
		return fmt.Sprintf("%s://%s", u.Scheme, u.Host)
	}
	return serverURL
}

// HTTPClient returns the underlying HTTP client with auth handling
func (c *AuthClient) HTTPClient() *http.Client {
	return c.httpClient
}

// ServerURL returns the server URL this client is configured for
func (c *AuthClient) ServerURL() string {
	return c.serverURL
}

// Session returns the session shared by every request of this client.
func (c *AuthClient) Session() *Session {
	return c.session
}

// Execute runs req through the session. See Executor.Execute.
func (c *AuthClient) Execute(ctx context.Context, req Request) (*http.Response, error) {
	return c.executor.Execute(ctx, req)
}

// GetToken returns the current access token. A token close to expiry is
// refreshed through the session coordinator, so proactive refreshes and
// 401-driven ones share an epoch. If that refresh fails while the token is
// still valid, the token is used anyway and the session is left alone.
// Returns "" when nobody is signed in.
func (c *AuthClient) GetToken(ctx context.Context) (string, error) {
	cred, err := c.store.GetCredential(c.serverURL)
	if err != nil {
		return "", err
	}

	if cred == nil {
		return "", nil
	}

	if cred.ExpiresAt.IsZero() {
		// Unknown expiry: let the server decide.
		return cred.AccessToken, nil
	}

	// Check if we need to refresh
	if cred.IsExpiringSoon(c.refreshThreshold) && cred.HasRefreshToken() {
		refreshed, err := c.session.Coordinator().Prefetch(ctx)
		if err == nil {
			return refreshed.Credential, nil
		}
		// If refresh fails but token isn't actually expired yet, use it anyway
		if !cred.IsExpired() {
			c.session.Logger().Warn("proactive refresh failed, using current token", "server", c.serverURL, "err", err)
			return cred.AccessToken, nil
		}
		var rerr *RefreshError
		if errors.As(err, &rerr) {
			err = rerr.Err
		}
		return "", fmt.Errorf("token expired and refresh failed: %w", err)
	}

	if cred.IsExpired() {
		return "", nil
	}

	return cred.AccessToken, nil
}

// GetCredential returns the stored credential for this server
func (c *AuthClient) GetCredential() (*ServerCredential, error) {
	return c.store.GetCredential(c.serverURL)
}

// Login authenticates with username/password and stores the credential
func (c *AuthClient) Login(ctx context.Context, username, password, scope string) (*ServerCredential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req := OAuth2TokenRequest{
		GrantType: "password",
		Username:  username,
		Password:  password,
		Scope:     scope,
		ClientID:  c.clientID,
	}

	cred, err := c.requestToken(ctx, req)
	if err != nil {
		return nil, err
	}

	cred.UserEmail = username

	if err := c.store.SetCredential(c.serverURL, cred); err != nil {
		return nil, fmt.Errorf("failed to store credential: %w", err)
	}

	if err := c.store.Save(); err != nil {
		return nil, fmt.Errorf("failed to save credentials: %w", err)
	}

	return cred, nil
}

// RefreshToken exchanges the stored refresh token for a new credential.
// It is the refresh primitive of the session; call sites should go through
// the coordinator instead of calling it directly.
func (c *AuthClient) RefreshToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cred, err := c.store.GetCredential(c.serverURL)
	if err != nil {
		return "", err
	}
	if cred == nil || !cred.HasRefreshToken() {
		return "", ErrNoRefreshToken
	}

	req := OAuth2TokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: cred.RefreshToken,
		ClientID:     c.clientID,
	}

	newCred, err := c.requestToken(ctx, req)
	if err != nil {
		return "", err
	}

	// Preserve user info from old credential
	newCred.UserID = cred.UserID
	newCred.UserEmail = cred.UserEmail

	// Use new refresh token if provided, otherwise keep the old one
	if newCred.RefreshToken == "" {
		newCred.RefreshToken = cred.RefreshToken
	}

	if err := c.store.SetCredential(c.serverURL, newCred); err != nil {
		return "", fmt.Errorf("failed to store refreshed credential: %w", err)
	}

	if err := c.store.Save(); err != nil {
		return "", fmt.Errorf("failed to save credentials: %w", err)
	}

	return newCred.AccessToken, nil
}

// SignOut revokes the refresh token on the server (best effort) and removes
// the local credential.
func (c *AuthClient) SignOut(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cred, err := c.store.GetCredential(c.serverURL)
	if err == nil && cred != nil && cred.HasRefreshToken() && c.logoutEndpoint != "" {
		if err := c.revoke(ctx, cred.RefreshToken); err != nil {
			c.session.Logger().Warn("refresh token revocation failed", "server", c.serverURL, "err", err)
		}
	}

	if err := c.store.RemoveCredential(c.serverURL); err != nil {
		return err
	}

	return c.store.Save()
}

// Logout removes the credential for this server
func (c *AuthClient) Logout(ctx context.Context) error {
	return c.SignOut(ctx)
}

// IsLoggedIn returns true if there is a valid (non-expired) credential
func (c *AuthClient) IsLoggedIn() bool {
	cred, err := c.store.GetCredential(c.serverURL)
	if err != nil || cred == nil {
		return false
	}
	return cred.ExpiresAt.IsZero() || !cred.IsExpired()
}

// tokenClient sends to the auth endpoints on the base transport directly,
// avoiding the auth loop.
func (c *AuthClient) tokenClient() *http.Client {
	return &http.Client{Transport: c.baseTransport, Timeout: c.httpClient.Timeout}
}

// requestToken makes a token request to the server
func (c *AuthClient) requestToken(ctx context.Context, req OAuth2TokenRequest) (*ServerCredential, error) {
	if c.serverURL == "" {
		return nil, ErrConfiguration
	}
	tokenURL := c.serverURL + c.tokenEndpoint

	jsonBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")

	resp, err := c.tokenClient().Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var tokenResp OAuth2TokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("authentication failed: HTTP %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("invalid response from server: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if tokenResp.ErrorDesc != "" {
			return nil, fmt.Errorf("authentication failed: %s", tokenResp.ErrorDesc)
		}
		if tokenResp.Error != "" {
			return nil, fmt.Errorf("authentication failed: %s", tokenResp.Error)
		}
		return nil, fmt.Errorf("authentication failed: HTTP %d", resp.StatusCode)
	}

	now := time.Now()
	cred := &ServerCredential{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		TokenType:    tokenResp.TokenType,
		Scope:        tokenResp.Scope,
		CreatedAt:    now,
	}
	if tokenResp.ExpiresIn > 0 {
		cred.ExpiresAt = now.Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	}
	return cred, nil
}

// revoke asks the server to revoke a refresh token.
func (c *AuthClient) revoke(ctx context.Context, refreshToken string) error {
	jsonBody, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return err
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+c.logoutEndpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return err
	}
	hreq.Header.Set("Content-Type", "application/json")

	resp, err := c.tokenClient().Do(hreq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("logout: HTTP %d", resp.StatusCode)
	}
	return nil
}

// Package devserver is a small backend for exercising authfetch clients: it
// issues short-lived JWT access tokens with rotating refresh tokens and
// serves a few protected endpoints.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"
)

// Default endpoint paths and lifetimes.
const (
	TokenPath  = "/auth/cli/token"
	LogoutPath = "/auth/cli/logout"

	DefaultAccessTokenTTL  = 15 * time.Minute
	DefaultRefreshTokenTTL = 24 * time.Hour
	DefaultIssuer          = "authfetch-devserver"

	maxBodyBytes = 1 << 20
)

// Config configures a Server.
type Config struct {
	// Secret signs access tokens. A random secret is generated when empty.
	Secret []byte
	Issuer string

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	Logger *slog.Logger
}

// Server is the development backend.
type Server struct {
	secret    []byte
	issuer    string
	accessTTL time.Duration
	logger    *slog.Logger

	mu    sync.RWMutex
	users map[string][]byte // username -> bcrypt hash

	refresh      *refreshStore
	generation   atomic.Int64
	refreshCount atomic.Int64

	router *mux.Router
}

// New creates a server with no users.
func New(cfg Config) (*Server, error) {
	s := &Server{
		secret:    cfg.Secret,
		issuer:    cfg.Issuer,
		accessTTL: cfg.AccessTokenTTL,
		logger:    cfg.Logger,
		users:     make(map[string][]byte),
	}
	if len(s.secret) == 0 {
		secret, err := generateSecureToken()
		if err != nil {
			return nil, err
		}
		s.secret = []byte(secret)
	}
	if s.issuer == "" {
		s.issuer = DefaultIssuer
	}
	if s.accessTTL <= 0 {
		s.accessTTL = DefaultAccessTokenTTL
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	refreshTTL := cfg.RefreshTokenTTL
	if refreshTTL <= 0 {
		refreshTTL = DefaultRefreshTokenTTL
	}
	s.refresh = newRefreshStore(refreshTTL)
	s.router = s.routes()
	return s, nil
}

// AddUser registers a user with a bcrypt-hashed password.
func (s *Server) AddUser(username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	s.mu.Lock()
	s.users[strings.ToLower(username)] = hash
	s.mu.Unlock()
	return nil
}

func (s *Server) checkPassword(username, password string) bool {
	s.mu.RLock()
	hash, ok := s.users[strings.ToLower(username)]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
}

// RefreshCount returns how many refresh_token grants have succeeded.
func (s *Server) RefreshCount() int64 {
	return s.refreshCount.Load()
}

// ActiveRefreshTokens returns the number of refresh tokens that can still be exchanged.
func (s *Server) ActiveRefreshTokens() int {
	return s.refresh.Active()
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)
	r.HandleFunc(TokenPath, s.handleToken).Methods(http.MethodPost)
	r.HandleFunc(LogoutPath, s.handleLogout).Methods(http.MethodPost)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.requireBearer)
	api.HandleFunc("/whoami", s.handleWhoami).Methods(http.MethodGet)
	api.HandleFunc("/echo", s.handleEcho)
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "request_id", r.Header.Get("X-Request-ID"))
		next.ServeHTTP(w, r)
	})
}

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
	ClientID     string `json:"client_id"`
}

// decodeTokenRequest accepts JSON bodies and RFC 6749 form bodies.
func decodeTokenRequest(w http.ResponseWriter, r *http.Request) (*tokenRequest, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	var req tokenRequest
	if mediaType == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, err
		}
		return &req, nil
	}
	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	req = tokenRequest{
		GrantType:    r.PostForm.Get("grant_type"),
		Username:     r.PostForm.Get("username"),
		Password:     r.PostForm.Get("password"),
		RefreshToken: r.PostForm.Get("refresh_token"),
		Scope:        r.PostForm.Get("scope"),
		ClientID:     r.PostForm.Get("client_id"),
	}
	return &req, nil
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	req, err := decodeTokenRequest(w, r)
	if err != nil {
		s.errorResponse(w, "invalid_request", "Invalid request body", http.StatusBadRequest)
		return
	}

	switch req.GrantType {
	case "password":
		s.handlePasswordGrant(w, req)
	case "refresh_token":
		s.handleRefreshTokenGrant(w, req)
	default:
		s.errorResponse(w, "unsupported_grant_type", "Grant type not supported", http.StatusBadRequest)
	}
}

func (s *Server) handlePasswordGrant(w http.ResponseWriter, req *tokenRequest) {
	if !s.checkPassword(req.Username, req.Password) {
		s.logger.Info("login failed", "username", req.Username)
		s.errorResponse(w, "invalid_grant", "Invalid credentials", http.StatusUnauthorized)
		return
	}

	requested := ParseScopes(req.Scope)
	if len(requested) == 0 {
		requested = DefaultScopes
	}
	granted := IntersectScopes(requested, DefaultScopes)
	userID := strings.ToLower(req.Username)

	var refreshToken string
	if ContainsScope(granted, ScopeOffline) {
		rt, err := s.refresh.Create(userID, req.ClientID, granted)
		if err != nil {
			s.logger.Error("create refresh token", "err", err)
			s.errorResponse(w, "server_error", "Failed to create session", http.StatusInternalServerError)
			return
		}
		refreshToken = rt.Token
	}

	accessToken, expiresIn, err := s.IssueAccessToken(userID, granted)
	if err != nil {
		s.logger.Error("create access token", "err", err)
		s.errorResponse(w, "server_error", "Failed to create token", http.StatusInternalServerError)
		return
	}

	s.logger.Info("login", "user", userID, "scopes", JoinScopes(granted))
	s.tokenResponse(w, accessToken, expiresIn, refreshToken, granted)
}

func (s *Server) handleRefreshTokenGrant(w http.ResponseWriter, req *tokenRequest) {
	if req.RefreshToken == "" {
		s.errorResponse(w, "invalid_request", "Refresh token required", http.StatusBadRequest)
		return
	}

	next, err := s.refresh.Rotate(req.RefreshToken)
	switch {
	case errors.Is(err, ErrTokenReused):
		s.logger.Warn("refresh token reuse detected, family revoked")
		s.errorResponse(w, "invalid_grant", "Token reuse detected, all sessions revoked", http.StatusUnauthorized)
		return
	case errors.Is(err, ErrTokenNotFound):
		s.errorResponse(w, "invalid_grant", "Invalid refresh token", http.StatusUnauthorized)
		return
	case errors.Is(err, ErrTokenRevoked):
		s.errorResponse(w, "invalid_grant", "Token has been revoked", http.StatusUnauthorized)
		return
	case errors.Is(err, ErrTokenExpired):
		s.errorResponse(w, "invalid_grant", "Token has expired", http.StatusUnauthorized)
		return
	case err != nil:
		s.logger.Error("rotate refresh token", "err", err)
		s.errorResponse(w, "server_error", "Failed to refresh session", http.StatusInternalServerError)
		return
	}

	accessToken, expiresIn, err := s.IssueAccessToken(next.UserID, next.Scopes)
	if err != nil {
		s.logger.Error("create access token", "err", err)
		s.errorResponse(w, "server_error", "Failed to create token", http.StatusInternalServerError)
		return
	}

	s.refreshCount.Add(1)
	s.logger.Debug("refreshed", "user", next.UserID, "generation", next.Generation)
	s.tokenResponse(w, accessToken, expiresIn, next.Token, next.Scopes)
}

// handleLogout revokes a refresh token. It never reveals whether the token existed.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	req, err := decodeTokenRequest(w, r)
	if err != nil || req.RefreshToken == "" {
		s.errorResponse(w, "invalid_request", "Refresh token required", http.StatusBadRequest)
		return
	}
	s.refresh.Revoke(req.RefreshToken)
	w.WriteHeader(http.StatusNoContent)
}

type principalKey struct{}

type principal struct {
	UserID string
	Scopes []string
}

// requireBearer rejects requests without a valid access token with 401.
func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scheme, token, _ := strings.Cut(r.Header.Get("Authorization"), " ")
		if !strings.EqualFold(scheme, "bearer") || token == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="authfetch"`)
			s.errorResponse(w, "invalid_token", "Authentication required", http.StatusUnauthorized)
			return
		}
		userID, scopes, err := s.ValidateAccessToken(strings.TrimSpace(token))
		if err != nil {
			s.logger.Debug("rejected access token", "err", err)
			w.Header().Set("WWW-Authenticate", `Bearer realm="authfetch", error="invalid_token"`)
			s.errorResponse(w, "invalid_token", "Invalid or expired token", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, principal{UserID: userID, Scopes: scopes})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func principalFrom(ctx context.Context) principal {
	p, _ := ctx.Value(principalKey{}).(principal)
	return p
}

func (s *Server) handleWhoami(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": p.UserID,
		"scopes":  p.Scopes,
	})
}

// EchoResponse is the body returned by /api/echo.
type EchoResponse struct {
	UserID    string `json:"user_id"`
	Method    string `json:"method"`
	RequestID string `json:"request_id,omitempty"`
	Body      string `json:"body,omitempty"`
}

func (s *Server) handleEcho(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.errorResponse(w, "invalid_request", "Body too large", http.StatusRequestEntityTooLarge)
		return
	}
	writeJSON(w, http.StatusOK, EchoResponse{
		UserID:    principalFrom(r.Context()).UserID,
		Method:    r.Method,
		RequestID: r.Header.Get("X-Request-ID"),
		Body:      string(body),
	})
}

type tokenPair struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// tokenResponse sends a successful token response
func (s *Server) tokenResponse(w http.ResponseWriter, accessToken string, expiresIn int64, refreshToken string, scopes []string) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, tokenPair{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    expiresIn,
		RefreshToken: refreshToken,
		Scope:        JoinScopes(scopes),
	})
}

// errorResponse sends an OAuth 2.0 compliant error response
func (s *Server) errorResponse(w http.ResponseWriter, errorCode, description string, statusCode int) {
	writeJSON(w, statusCode, map[string]string{
		"error":             errorCode,
		"error_description": description,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

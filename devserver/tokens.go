package devserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid access token")

// accessClaims are the claims of an issued access token. Gen ties the token
// to the key generation that ExpireAccessTokens bumps.
type accessClaims struct {
	Type   string   `json:"type"`
	Scopes []string `json:"scopes,omitempty"`
	Gen    int64    `json:"gen"`
	jwt.RegisteredClaims
}

// IssueAccessToken creates a signed HS256 access token for userID.
func (s *Server) IssueAccessToken(userID string, scopes []string) (string, int64, error) {
	now := time.Now()
	claims := accessClaims{
		Type:   "access",
		Scopes: scopes,
		Gen:    s.generation.Load(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.secret)
	if err != nil {
		return "", 0, fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, int64(s.accessTTL.Seconds()), nil
}

// ValidateAccessToken validates a JWT access token and returns its subject and scopes.
func (s *Server) ValidateAccessToken(tokenString string) (userID string, scopes []string, err error) {
	var claims accessClaims
	_, err = jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.Type != "access" {
		return "", nil, fmt.Errorf("%w: wrong token type", ErrInvalidToken)
	}
	if claims.Gen != s.generation.Load() {
		return "", nil, fmt.Errorf("%w: token generation expired", ErrInvalidToken)
	}
	if claims.Subject == "" {
		return "", nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims.Subject, claims.Scopes, nil
}

// VerifyAccessToken has the shape of a gRPC TokenVerifier.
func (s *Server) VerifyAccessToken(ctx context.Context, token string) (string, error) {
	userID, _, err := s.ValidateAccessToken(token)
	return userID, err
}

// ExpireAccessTokens invalidates every access token issued so far. Refresh
// tokens stay valid, so clients recover through a refresh.
func (s *Server) ExpireAccessTokens() {
	s.generation.Add(1)
}

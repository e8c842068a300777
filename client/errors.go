package client

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is returned before any network or credential activity
	// when the client has no usable base URL.
	ErrConfiguration = errors.New("authfetch: base URL not configured")

	// ErrAuthenticationRequired means there is no signed-in session to take a
	// credential from. Nothing was sent.
	ErrAuthenticationRequired = errors.New("authfetch: authentication required")

	// ErrUnauthorizedAfterRefresh is returned when the replayed attempt was
	// rejected again. The session is being torn down.
	ErrUnauthorizedAfterRefresh = errors.New("authfetch: unauthorized after refresh")

	// ErrRefreshFailed is matched by every *RefreshError.
	ErrRefreshFailed = errors.New("authfetch: credential refresh failed")

	// ErrNoRefreshToken signals the source has nothing to refresh with.
	ErrNoRefreshToken = errors.New("no refresh token available")

	// ErrEmptyCredential is the cause recorded when a refresh "succeeds" with an empty token.
	ErrEmptyCredential = errors.New("refresh returned an empty credential")
)

// RefreshError is the outcome shared by every waiter of a failed refresh epoch.
type RefreshError struct {
	Epoch uint64
	Err   error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("%v (epoch %d): %v", ErrRefreshFailed, e.Epoch, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrRefreshFailed) hold for any RefreshError.
func (e *RefreshError) Is(target error) bool {
	return target == ErrRefreshFailed
}

// TransportError wraps a network-level failure. Responses with a status code
// are never wrapped; callers interpret those themselves.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsSessionTerminated reports whether err means the session is being torn
// down, so the UI should treat it as a sign-out rather than a local failure.
func IsSessionTerminated(err error) bool {
	return errors.Is(err, ErrRefreshFailed) || errors.Is(err, ErrUnauthorizedAfterRefresh)
}

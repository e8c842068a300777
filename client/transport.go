package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
)

// AuthTransport wraps an http.RoundTripper to add a fixed Authorization header.
// It never refreshes; use a Session-backed transport for that.
type AuthTransport struct {
	Base  http.RoundTripper
	Token string
}

// RoundTrip implements http.RoundTripper
func (t *AuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Token != "" {
		// Clone the request to avoid mutating the original
		req2 := req.Clone(req.Context())
		req2.Header.Set(headerAuthorization, "Bearer "+t.Token)
		req = req2
	}

	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	return base.RoundTrip(req)
}

// NewAuthTransport creates an AuthTransport with the given token
func NewAuthTransport(token string) *AuthTransport {
	return &AuthTransport{
		Base:  http.DefaultTransport,
		Token: token,
	}
}

// NewAuthTransportWithBase creates an AuthTransport with a custom base transport
func NewAuthTransportWithBase(base http.RoundTripper, token string) *AuthTransport {
	return &AuthTransport{
		Base:  base,
		Token: token,
	}
}

// SessionTransport is an http.RoundTripper that runs every request through a
// Session: credential attached, 401 refreshed once, replayed once.
type SessionTransport struct {
	Session *Session
	Base    http.RoundTripper
}

// NewSessionTransport wraps base (http.DefaultTransport when nil).
func NewSessionTransport(session *Session, base http.RoundTripper) *SessionTransport {
	return &SessionTransport{Session: session, Base: base}
}

// RoundTrip implements http.RoundTripper
func (t *SessionTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	getBody, err := replayableBody(req)
	if err != nil {
		return nil, err
	}

	return Invoke[*http.Response](req.Context(), t.Session, func(ctx context.Context, a Attempt) (*http.Response, bool, error) {
		out := req.Clone(ctx)
		if getBody != nil {
			body, err := getBody()
			if err != nil {
				return nil, false, fmt.Errorf("rewind request body: %w", err)
			}
			out.Body = body
		}
		out.Header = attemptHeaders(t.Session, a, req.Header)

		resp, err := base.RoundTrip(out)
		if err != nil {
			return nil, false, &TransportError{Method: req.Method, URL: req.URL.String(), Err: err}
		}
		if resp.StatusCode == http.StatusUnauthorized {
			discard(resp)
			return nil, true, nil
		}
		return resp, false, nil
	})
}

// replayableBody returns a body factory for req, buffering the body when the
// request cannot rewind it by itself. A nil factory means there is no body.
func replayableBody(req *http.Request) (func() (io.ReadCloser, error), error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	if req.GetBody != nil {
		req.Body.Close()
		return req.GetBody, nil
	}
	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("buffer request body: %w", err)
	}
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}, nil
}

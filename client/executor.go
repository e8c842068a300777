package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// maxDrainBytes bounds how much of a rejected response body is read before closing it.
const maxDrainBytes = 64 << 10

// Request describes one call through an Executor. Body is held in memory so
// the call can be replayed after a refresh.
type Request struct {
	Method string
	// Target is a path relative to the executor's base URL, or an absolute URL.
	Target string
	Header http.Header
	Body   []byte
}

// Executor runs HTTP requests through a Session.
type Executor struct {
	baseURL    string
	session    *Session
	httpClient *http.Client
}

// ExecutorOption configures an Executor
type ExecutorOption func(*Executor)

// WithExecutorHTTPClient sets the client used to send. Its transport must not
// itself add credentials.
func WithExecutorHTTPClient(client *http.Client) ExecutorOption {
	return func(e *Executor) {
		if client != nil {
			e.httpClient = client
		}
	}
}

// NewExecutor creates an executor for baseURL. An empty baseURL is accepted
// here and reported as ErrConfiguration on every Execute.
func NewExecutor(baseURL string, session *Session, opts ...ExecutorOption) *Executor {
	e := &Executor{
		baseURL:    strings.TrimSpace(baseURL),
		session:    session,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Session returns the executor's session.
func (e *Executor) Session() *Session {
	return e.session
}

// Execute sends req with the session's credential. Responses other than 401
// are returned untouched, whatever their status; the caller closes the body.
func (e *Executor) Execute(ctx context.Context, req Request) (*http.Response, error) {
	target, err := e.resolve(req.Target)
	if err != nil {
		return nil, err
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	return Invoke[*http.Response](ctx, e.session, func(ctx context.Context, a Attempt) (*http.Response, bool, error) {
		var body io.Reader
		if req.Body != nil {
			body = bytes.NewReader(req.Body)
		}
		hreq, err := http.NewRequestWithContext(ctx, method, target, body)
		if err != nil {
			return nil, false, fmt.Errorf("build request: %w", err)
		}
		hreq.Header = attemptHeaders(e.session, a, req.Header)

		resp, err := e.httpClient.Do(hreq)
		if err != nil {
			return nil, false, &TransportError{Method: method, URL: target, Err: err}
		}
		if resp.StatusCode == http.StatusUnauthorized {
			discard(resp)
			return nil, true, nil
		}
		return resp, false, nil
	})
}

// Get is a convenience for Execute with GET.
func (e *Executor) Get(ctx context.Context, target string) (*http.Response, error) {
	return e.Execute(ctx, Request{Method: http.MethodGet, Target: target})
}

// resolve turns a request target into an absolute URL, failing fast with
// ErrConfiguration when there is no usable base URL.
func (e *Executor) resolve(target string) (string, error) {
	if e.baseURL == "" {
		return "", ErrConfiguration
	}
	base, err := url.Parse(e.baseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return "", fmt.Errorf("%w: invalid base URL %q", ErrConfiguration, e.baseURL)
	}
	if target == "" {
		return base.String(), nil
	}
	ref, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid target %q: %w", target, err)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	// Targets are relative to the base path, not the host root.
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	ref.Path = strings.TrimPrefix(ref.Path, "/")
	return base.ResolveReference(ref).String(), nil
}

// attemptHeaders builds the header set for one attempt.
func attemptHeaders(s *Session, a Attempt, caller http.Header) http.Header {
	composed := s.Headers(a.Credential).Clone()
	if composed == nil {
		composed = make(http.Header)
	}
	if a.RequestID != "" {
		composed.Set(headerRequestID, a.RequestID)
	}
	return mergeHeaders(composed, caller)
}

func discard(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))
	resp.Body.Close()
}

package client

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSource is a scriptable CredentialSource.
type fakeSource struct {
	mu         sync.Mutex
	token      string
	next       []string // tokens handed out by successive refreshes
	refreshErr error
	signOutErr error
	gate       chan struct{} // when set, RefreshToken blocks until it is closed

	getCalls     atomic.Int32
	refreshCalls atomic.Int32
	signOutCalls atomic.Int32
}

func newFakeSource(token string, next ...string) *fakeSource {
	return &fakeSource{token: token, next: next}
}

func (f *fakeSource) GetToken(ctx context.Context) (string, error) {
	f.getCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token, nil
}

func (f *fakeSource) RefreshToken(ctx context.Context) (string, error) {
	f.refreshCalls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refreshErr != nil {
		return "", f.refreshErr
	}
	if len(f.next) == 0 {
		return "", ErrNoRefreshToken
	}
	f.token, f.next = f.next[0], f.next[1:]
	return f.token, nil
}

func (f *fakeSource) SignOut(ctx context.Context) error {
	f.signOutCalls.Add(1)
	f.mu.Lock()
	f.token = ""
	f.mu.Unlock()
	return f.signOutErr
}

func (f *fakeSource) current() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

// fakeBackend accepts only "Bearer <valid>" and records what it saw.
type fakeBackend struct {
	*httptest.Server

	mu       sync.Mutex
	valid    string
	status   int // response status for accepted requests; 200 when zero
	requests []*http.Request
	rejected atomic.Int32
}

func newFakeBackend(t *testing.T, valid string) *fakeBackend {
	b := &fakeBackend{valid: valid}
	b.Server = httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(b.Close)
	return b
}

func (b *fakeBackend) serve(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.requests = append(b.requests, r.Clone(context.Background()))
	valid, status := b.valid, b.status
	b.mu.Unlock()

	if r.Header.Get("Authorization") != "Bearer "+valid {
		b.rejected.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":"invalid_token"}`)
		return
	}
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	io.WriteString(w, "ok "+strings.TrimPrefix(r.URL.Path, "/"))
}

func (b *fakeBackend) setValid(token string) {
	b.mu.Lock()
	b.valid = token
	b.mu.Unlock()
}

func (b *fakeBackend) setStatus(status int) {
	b.mu.Lock()
	b.status = status
	b.mu.Unlock()
}

func (b *fakeBackend) seen() []*http.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*http.Request(nil), b.requests...)
}

package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(t *testing.T, src CredentialSource, baseURL string, opts ...Option) *Executor {
	t.Helper()
	opts = append([]Option{WithLogger(discardLogger())}, opts...)
	return NewExecutor(baseURL, NewSession(src, opts...))
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestExecutor_ValidCredential(t *testing.T) {
	backend := newFakeBackend(t, "good")
	src := newFakeSource("good")
	e := newTestExecutor(t, src, backend.URL)

	resp, err := e.Get(context.Background(), "/items")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok items", readBody(t, resp))

	assert.Len(t, backend.seen(), 1)
	assert.Zero(t, src.refreshCalls.Load())
	assert.Zero(t, src.signOutCalls.Load())
}

func TestExecutor_RefreshAndReplay(t *testing.T) {
	backend := newFakeBackend(t, "fresh")
	src := newFakeSource("stale", "fresh")
	e := newTestExecutor(t, src, backend.URL)

	resp, err := e.Execute(context.Background(), Request{Method: http.MethodPost, Target: "/items", Body: []byte(`{"n":1}`)})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	seen := backend.seen()
	require.Len(t, seen, 2)
	assert.Equal(t, "Bearer stale", seen[0].Header.Get("Authorization"))
	assert.Equal(t, "Bearer fresh", seen[1].Header.Get("Authorization"))
	assert.NotEmpty(t, seen[0].Header.Get("X-Request-ID"))
	assert.Equal(t, seen[0].Header.Get("X-Request-ID"), seen[1].Header.Get("X-Request-ID"))
	assert.EqualValues(t, 1, src.refreshCalls.Load())
	assert.Zero(t, src.signOutCalls.Load())
}

func TestExecutor_ConcurrentRejectionsShareOneRefresh(t *testing.T) {
	backend := newFakeBackend(t, "fresh")
	src := newFakeSource("stale", "fresh")
	src.gate = make(chan struct{})
	e := newTestExecutor(t, src, backend.URL)

	const callers = 10
	var wg sync.WaitGroup
	statuses := make([]int, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := e.Get(context.Background(), "/items")
			errs[i] = err
			if resp != nil {
				statuses[i] = resp.StatusCode
				resp.Body.Close()
			}
		}(i)
	}

	c := e.Session().Coordinator()
	require.Eventually(t, func() bool { return c.Waiters() == callers }, 2*time.Second, time.Millisecond)
	close(src.gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, http.StatusOK, statuses[i])
	}
	assert.EqualValues(t, 1, src.refreshCalls.Load())
	assert.Len(t, backend.seen(), 2*callers)
	assert.Zero(t, src.signOutCalls.Load())
}

func TestExecutor_RefreshFailureSignsOutOnce(t *testing.T) {
	backend := newFakeBackend(t, "fresh")
	src := newFakeSource("stale")
	src.refreshErr = errors.New("refresh token revoked")
	src.gate = make(chan struct{})
	e := newTestExecutor(t, src, backend.URL)

	const callers = 5
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.Get(context.Background(), "/items")
		}(i)
	}
	c := e.Session().Coordinator()
	require.Eventually(t, func() bool { return c.Waiters() == callers }, 2*time.Second, time.Millisecond)
	close(src.gate)
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, ErrRefreshFailed)
		assert.True(t, IsSessionTerminated(err))
	}
	e.Session().Teardown().Wait()
	assert.EqualValues(t, 1, src.refreshCalls.Load())
	assert.EqualValues(t, 1, src.signOutCalls.Load())
	// No replays.
	assert.Len(t, backend.seen(), callers)
}

func TestExecutor_ReplayRejectedSignsOutOnce(t *testing.T) {
	backend := newFakeBackend(t, "never-issued")
	src := newFakeSource("stale", "also-bad")
	src.gate = make(chan struct{})
	e := newTestExecutor(t, src, backend.URL)

	const callers = 5
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.Get(context.Background(), "/items")
		}(i)
	}
	c := e.Session().Coordinator()
	require.Eventually(t, func() bool { return c.Waiters() == callers }, 2*time.Second, time.Millisecond)
	close(src.gate)
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, ErrUnauthorizedAfterRefresh)
		assert.True(t, IsSessionTerminated(err))
	}
	e.Session().Teardown().Wait()
	assert.EqualValues(t, 1, src.refreshCalls.Load())
	assert.EqualValues(t, 1, src.signOutCalls.Load())
	// Each caller sends at most twice.
	assert.Len(t, backend.seen(), 2*callers)
}

func TestExecutor_AlreadyRetriedRequestIsTerminal(t *testing.T) {
	backend := newFakeBackend(t, "fresh")
	src := newFakeSource("stale", "fresh")
	e := newTestExecutor(t, src, backend.URL)

	_, err := e.Get(ContextWithRetried(context.Background()), "/items")
	assert.ErrorIs(t, err, ErrUnauthorizedAfterRefresh)

	e.Session().Teardown().Wait()
	assert.Zero(t, src.refreshCalls.Load())
	assert.EqualValues(t, 1, src.signOutCalls.Load())
	assert.Len(t, backend.seen(), 1)
}

func TestExecutor_MissingBaseURL(t *testing.T) {
	for _, base := range []string{"", "   ", "not a url", "/relative/only"} {
		src := newFakeSource("good")
		e := newTestExecutor(t, src, base)

		_, err := e.Get(context.Background(), "/items")
		assert.ErrorIs(t, err, ErrConfiguration, "base %q", base)
		assert.Zero(t, src.getCalls.Load(), "base %q", base)
	}
}

func TestExecutor_NoCredential(t *testing.T) {
	backend := newFakeBackend(t, "good")
	src := newFakeSource("")
	e := newTestExecutor(t, src, backend.URL)

	_, err := e.Get(context.Background(), "/items")
	assert.ErrorIs(t, err, ErrAuthenticationRequired)
	assert.Empty(t, backend.seen())
	assert.False(t, IsSessionTerminated(err))
}

func TestExecutor_NonAuthErrorsPassThrough(t *testing.T) {
	backend := newFakeBackend(t, "good")
	backend.setStatus(http.StatusInternalServerError)
	src := newFakeSource("good", "other")
	e := newTestExecutor(t, src, backend.URL)

	resp, err := e.Get(context.Background(), "/items")
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	resp.Body.Close()

	backend.setStatus(http.StatusForbidden)
	resp, err = e.Get(context.Background(), "/items")
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	assert.Zero(t, src.refreshCalls.Load())
	assert.Zero(t, src.signOutCalls.Load())
}

func TestExecutor_TransportError(t *testing.T) {
	backend := newFakeBackend(t, "good")
	url := backend.URL
	backend.Close()

	src := newFakeSource("good")
	e := newTestExecutor(t, src, url)

	_, err := e.Get(context.Background(), "/items")
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, http.MethodGet, terr.Method)
	assert.Zero(t, src.refreshCalls.Load())
	assert.Zero(t, src.signOutCalls.Load())
}

func TestExecutor_HeaderMerge(t *testing.T) {
	backend := newFakeBackend(t, "good")
	src := newFakeSource("good")
	compose := func(cred string) http.Header {
		h := BearerHeaders(cred)
		h.Set("X-Client", "composer")
		h.Set("X-Api-Version", "2")
		return h
	}
	e := newTestExecutor(t, src, backend.URL, WithHeaderComposer(compose))

	resp, err := e.Execute(context.Background(), Request{
		Target: "/items",
		Header: http.Header{
			"Authorization": {"Bearer forged"},
			"X-Client":      {"caller"},
			"X-Trace":       {"abc"},
		},
	})
	require.NoError(t, err)
	resp.Body.Close()

	seen := backend.seen()
	require.Len(t, seen, 1)
	h := seen[0].Header
	assert.Equal(t, "Bearer good", h.Get("Authorization"))
	assert.Equal(t, "caller", h.Get("X-Client"))
	assert.Equal(t, "2", h.Get("X-Api-Version"))
	assert.Equal(t, "abc", h.Get("X-Trace"))
}

func TestExecutor_EpochsAdvance(t *testing.T) {
	backend := newFakeBackend(t, "t1")
	src := newFakeSource("t0", "t1", "t2")
	e := newTestExecutor(t, src, backend.URL)

	resp, err := e.Get(context.Background(), "/a")
	require.NoError(t, err)
	resp.Body.Close()

	// Backend rotates its key; the next rejection starts a new epoch.
	backend.setValid("t2")
	resp, err = e.Get(context.Background(), "/b")
	require.NoError(t, err)
	resp.Body.Close()

	assert.EqualValues(t, 2, src.refreshCalls.Load())
	assert.EqualValues(t, 2, e.Session().Coordinator().Epoch())
	assert.Equal(t, "t2", src.current())
	assert.Zero(t, src.signOutCalls.Load())
}

func TestExecutor_ResolveTargets(t *testing.T) {
	tests := []struct {
		base, target, want string
	}{
		{"https://api.example.com", "/users", "https://api.example.com/users"},
		{"https://api.example.com/v1", "/users", "https://api.example.com/v1/users"},
		{"https://api.example.com/v1/", "users?x=1", "https://api.example.com/v1/users?x=1"},
		{"https://api.example.com/v1", "", "https://api.example.com/v1"},
		{"https://api.example.com/v1", "https://other.example.com/x", "https://other.example.com/x"},
	}
	for _, tt := range tests {
		e := NewExecutor(tt.base, nil)
		got, err := e.resolve(tt.target)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

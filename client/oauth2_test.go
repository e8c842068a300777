package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

// newTokenServer serves the password and refresh_token grants. Refreshes
// rotate the refresh token only when rotate is set.
func newTokenServer(t *testing.T, rotate bool) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var refreshes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		resp := map[string]any{"token_type": "Bearer", "expires_in": 3600}
		switch r.PostForm.Get("grant_type") {
		case "password":
			if r.PostForm.Get("password") != "secret" {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
				return
			}
			resp["access_token"] = "access-0"
			resp["refresh_token"] = "refresh-0"
			resp["scope"] = "read"
		case "refresh_token":
			n := refreshes.Add(1)
			resp["access_token"] = "access-" + string(rune('0'+n))
			if rotate {
				resp["refresh_token"] = "refresh-" + string(rune('0'+n))
			}
		default:
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, &refreshes
}

func testOAuth2Config(srv *httptest.Server) *oauth2.Config {
	return &oauth2.Config{
		ClientID: "cli",
		Endpoint: oauth2.Endpoint{
			TokenURL:  srv.URL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func TestOAuth2Source_LoginAndRefresh(t *testing.T) {
	srv, refreshes := newTokenServer(t, true)
	store := NewMemoryCredentialStore()
	src := NewOAuth2Source(testOAuth2Config(srv), store, srv.URL)
	ctx := context.Background()

	cred, err := src.Login(ctx, "user@example.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, "access-0", cred.AccessToken)
	assert.Equal(t, "read", cred.Scope)

	token, err := src.GetToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "access-0", token)

	token, err = src.RefreshToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "access-1", token)
	assert.EqualValues(t, 1, refreshes.Load())

	stored, err := store.GetCredential(srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "refresh-1", stored.RefreshToken)
	assert.Equal(t, "user@example.com", stored.UserEmail)
	assert.WithinDuration(t, time.Now().Add(time.Hour), stored.ExpiresAt, time.Minute)
}

func TestOAuth2Source_RefreshKeepsRefreshToken(t *testing.T) {
	srv, _ := newTokenServer(t, false)
	store := NewMemoryCredentialStore()
	src := NewOAuth2Source(testOAuth2Config(srv), store, "k")
	require.NoError(t, src.SetToken(&oauth2.Token{AccessToken: "a", RefreshToken: "keep-me"}))

	_, err := src.RefreshToken(context.Background())
	require.NoError(t, err)

	stored, _ := store.GetCredential("k")
	assert.Equal(t, "keep-me", stored.RefreshToken)
}

func TestOAuth2Source_LoginRejected(t *testing.T) {
	srv, _ := newTokenServer(t, true)
	src := NewOAuth2Source(testOAuth2Config(srv), NewMemoryCredentialStore(), srv.URL)

	_, err := src.Login(context.Background(), "user@example.com", "wrong")
	var rerr *oauth2.RetrieveError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "invalid_grant", rerr.ErrorCode)
}

func TestOAuth2Source_NoRefreshToken(t *testing.T) {
	store := NewMemoryCredentialStore()
	src := NewOAuth2Source(&oauth2.Config{}, store, "k")

	_, err := src.RefreshToken(context.Background())
	assert.ErrorIs(t, err, ErrNoRefreshToken)

	require.NoError(t, store.SetCredential("k", &ServerCredential{
		AccessToken: "expired",
		ExpiresAt:   time.Now().Add(-time.Minute),
	}))
	token, err := src.GetToken(context.Background())
	require.NoError(t, err)
	assert.Empty(t, token)
}

func TestOAuth2Source_SignOut(t *testing.T) {
	store := NewMemoryCredentialStore()
	var hooked bool
	src := NewOAuth2Source(&oauth2.Config{}, store, "k", WithSignOutHook(func(ctx context.Context) error {
		hooked = true
		return nil
	}))
	require.NoError(t, src.SetToken(&oauth2.Token{AccessToken: "a"}))

	require.NoError(t, src.SignOut(context.Background()))
	assert.True(t, hooked)
	cred, _ := store.GetCredential("k")
	assert.Nil(t, cred)
}

func TestOAuth2Source_ThroughSession(t *testing.T) {
	srv, _ := newTokenServer(t, true)
	backend := newFakeBackend(t, "access-1")
	store := NewMemoryCredentialStore()
	src := NewOAuth2Source(testOAuth2Config(srv), store, srv.URL, WithOAuth2HTTPClient(srv.Client()))
	_, err := src.Login(context.Background(), "user@example.com", "secret")
	require.NoError(t, err)

	e := newTestExecutor(t, src, backend.URL)
	resp, err := e.Get(context.Background(), "/me")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, uint64(1), e.Session().Coordinator().Calls())
}

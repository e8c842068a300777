// Package authfetch is the root of a client library for calling backends
// with short-lived bearer credentials that are refreshed on demand.
//
// # Architecture
//
// Session: binds a CredentialSource (get, refresh and sign out) to one
// RefreshCoordinator and one Teardown. Everything that sends a request for
// the same signed-in user shares one Session.
//
// RefreshCoordinator: when a request is rejected as unauthenticated, the
// first caller starts a refresh and every concurrent caller waits on that
// same refresh epoch. Each waiter replays its request exactly once with the
// refreshed credential.
//
// Teardown: a failed refresh, or a replay that is rejected again, signs the
// user out once per epoch no matter how many requests observed it.
//
// # Basic Usage
//
//	import (
//	    "github.com/panyam/authfetch/client"
//	    "github.com/panyam/authfetch/client/stores/fs"
//	)
//
//	store, _ := fs.NewFSCredentialStore("", "myapp")
//	c := client.NewAuthClient("https://api.example.com/v1", store)
//	if _, err := c.Login(ctx, "alice@example.com", "secret", ""); err != nil {
//	    return err
//	}
//
//	resp, err := c.Execute(ctx, client.Request{Method: "GET", Target: "users/me"})
//	if client.IsSessionTerminated(err) {
//	    // the user has been signed out
//	}
//
// c.HTTPClient() returns an *http.Client whose transport does the same, for
// code that already speaks net/http.
//
// # Packages
//
//   - client: Session, coordinator, executor, AuthClient, OAuth2Source, config
//   - client/stores/fs: credentials file store
//   - client/stores/redisstore: Redis store for sessions shared across processes
//   - grpc: client interceptors that refresh and replay, server interceptors that verify
//   - devserver: a backend issuing rotating tokens, for tests and local development
package authfetch

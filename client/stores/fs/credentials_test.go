package fs

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/panyam/authfetch/client"
)

func newTestStore(t *testing.T) (*FSCredentialStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credentials.json")
	store, err := NewFSCredentialStore(path, "")
	if err != nil {
		t.Fatalf("NewFSCredentialStore() error = %v", err)
	}
	return store, path
}

func TestFSCredentialStore_Keys(t *testing.T) {
	tests := []struct {
		name      string
		setURL    string
		getURL    string
		wantFound bool
	}{
		{"same origin", "http://localhost:8080", "http://localhost:8080", true},
		{"path is ignored", "http://localhost:8080/api/v1", "http://localhost:8080", true},
		{"different path", "http://localhost:8080/api/v1", "http://localhost:8080/other/path", true},
		{"query is ignored", "https://example.com/?tenant=a", "https://example.com", true},
		{"different port", "http://localhost:8080", "http://localhost:9090", false},
		{"different scheme", "http://example.com", "https://example.com", false},
		{"different host", "https://a.example.com", "https://b.example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, _ := newTestStore(t)
			if err := store.SetCredential(tt.setURL, &client.ServerCredential{AccessToken: "token"}); err != nil {
				t.Fatalf("SetCredential() error = %v", err)
			}
			cred, err := store.GetCredential(tt.getURL)
			if err != nil {
				t.Fatalf("GetCredential() error = %v", err)
			}
			if found := cred != nil; found != tt.wantFound {
				t.Errorf("found = %v, want %v", found, tt.wantFound)
			}
		})
	}
}

func TestFSCredentialStore_InvalidURL(t *testing.T) {
	store, _ := newTestStore(t)

	for _, serverURL := range []string{"not-a-server", "://bad", ""} {
		if _, err := store.GetCredential(serverURL); err == nil {
			t.Errorf("GetCredential(%q) error = nil, want error", serverURL)
		}
		if err := store.SetCredential(serverURL, &client.ServerCredential{}); err == nil {
			t.Errorf("SetCredential(%q) error = nil, want error", serverURL)
		}
		if err := store.RemoveCredential(serverURL); err == nil {
			t.Errorf("RemoveCredential(%q) error = nil, want error", serverURL)
		}
	}
}

// Save only touches the disk when something changed.
func TestFSCredentialStore_Save(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(s *FSCredentialStore)
		wantFile    bool
		wantServers []string
	}{
		{
			name:     "nothing changed",
			mutate:   func(s *FSCredentialStore) {},
			wantFile: false,
		},
		{
			name: "removing an unknown server is not a change",
			mutate: func(s *FSCredentialStore) {
				s.RemoveCredential("http://localhost:8080")
			},
			wantFile: false,
		},
		{
			name: "set",
			mutate: func(s *FSCredentialStore) {
				s.SetCredential("http://localhost:8080", &client.ServerCredential{AccessToken: "a"})
				s.SetCredential("https://example.com", &client.ServerCredential{AccessToken: "b"})
			},
			wantFile:    true,
			wantServers: []string{"http://localhost:8080", "https://example.com"},
		},
		{
			name: "nil set removes",
			mutate: func(s *FSCredentialStore) {
				s.SetCredential("http://localhost:8080", &client.ServerCredential{AccessToken: "a"})
				s.SetCredential("http://localhost:9090", &client.ServerCredential{AccessToken: "b"})
				s.SetCredential("http://localhost:8080", nil)
			},
			wantFile:    true,
			wantServers: []string{"http://localhost:9090"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, path := newTestStore(t)
			tt.mutate(store)
			if err := store.Save(); err != nil {
				t.Fatalf("Save() error = %v", err)
			}

			_, err := os.Stat(path)
			if exists := err == nil; exists != tt.wantFile {
				t.Fatalf("file exists = %v, want %v", exists, tt.wantFile)
			}
			if !tt.wantFile {
				return
			}

			reloaded, err := NewFSCredentialStore(path, "")
			if err != nil {
				t.Fatalf("NewFSCredentialStore() error = %v", err)
			}
			servers, _ := reloaded.ListServers()
			sort.Strings(servers)
			if len(servers) != len(tt.wantServers) {
				t.Fatalf("servers = %v, want %v", servers, tt.wantServers)
			}
			for i := range servers {
				if servers[i] != tt.wantServers[i] {
					t.Errorf("servers[%d] = %v, want %v", i, servers[i], tt.wantServers[i])
				}
			}
		})
	}
}

func TestFSCredentialStore_SaveFile(t *testing.T) {
	store, path := newTestStore(t)
	expires := time.Now().Add(time.Hour).Truncate(time.Second)
	store.SetCredential("http://localhost:8080", &client.ServerCredential{
		AccessToken:  "persisted-token",
		RefreshToken: "refresh-token",
		UserEmail:    "user@example.com",
		ExpiresAt:    expires,
	})
	if err := store.Save(); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		t.Errorf("file permissions = %o, want 0600", mode)
	}
	// The temp file used for the atomic replace is gone.
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("directory has %d entries, want 1", len(entries))
	}

	reloaded, err := NewFSCredentialStore(path, "")
	if err != nil {
		t.Fatalf("NewFSCredentialStore() error = %v", err)
	}
	cred, _ := reloaded.GetCredential("http://localhost:8080/anything")
	if cred == nil {
		t.Fatal("expected credential to be persisted")
	}
	if cred.AccessToken != "persisted-token" || cred.RefreshToken != "refresh-token" || cred.UserEmail != "user@example.com" {
		t.Errorf("credential = %+v", cred)
	}
	if !cred.ExpiresAt.Equal(expires) {
		t.Errorf("ExpiresAt = %v, want %v", cred.ExpiresAt, expires)
	}
}

func TestFSCredentialStore_ReturnsCopies(t *testing.T) {
	store, _ := newTestStore(t)

	testCred := &client.ServerCredential{AccessToken: "original"}
	store.SetCredential("http://localhost:8080", testCred)
	testCred.AccessToken = "mutated-by-caller"

	cred, _ := store.GetCredential("http://localhost:8080")
	if cred.AccessToken != "original" {
		t.Errorf("AccessToken = %v, want original", cred.AccessToken)
	}
	cred.AccessToken = "mutated-by-reader"

	cred, _ = store.GetCredential("http://localhost:8080")
	if cred.AccessToken != "original" {
		t.Errorf("AccessToken = %v, want original", cred.AccessToken)
	}
}

func TestFSCredentialStore_Reload(t *testing.T) {
	writer, path := newTestStore(t)
	reader, _ := NewFSCredentialStore(path, "")

	writer.SetCredential("http://localhost:8080", &client.ServerCredential{AccessToken: "from-writer"})
	if err := writer.Save(); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if cred, _ := reader.GetCredential("http://localhost:8080"); cred != nil {
		t.Fatal("reader should not see the credential before Reload")
	}
	// Unsaved changes are discarded.
	reader.SetCredential("http://localhost:9090", &client.ServerCredential{AccessToken: "unsaved"})
	if err := reader.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	cred, _ := reader.GetCredential("http://localhost:8080")
	if cred == nil || cred.AccessToken != "from-writer" {
		t.Errorf("credential after Reload = %+v, want from-writer", cred)
	}
	if cred, _ := reader.GetCredential("http://localhost:9090"); cred != nil {
		t.Errorf("unsaved credential survived Reload: %+v", cred)
	}

	// A deleted file reloads as empty.
	os.Remove(path)
	if err := reader.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if servers, _ := reader.ListServers(); len(servers) != 0 {
		t.Errorf("servers = %v, want none", servers)
	}
}

func TestFSCredentialStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	os.WriteFile(path, []byte("{not json"), 0600)

	if _, err := NewFSCredentialStore(path, ""); err == nil {
		t.Error("NewFSCredentialStore() should fail on a corrupt file")
	}
}

func TestDefaultPath(t *testing.T) {
	tests := []struct {
		appName string
		wantDir string
	}{
		{"testapp", "testapp"},
		{"", client.DefaultAppName},
	}
	for _, tt := range tests {
		path, err := DefaultPath(tt.appName)
		if err != nil {
			t.Fatalf("DefaultPath(%q) error = %v", tt.appName, err)
		}
		if filepath.Base(path) != "credentials.json" {
			t.Errorf("DefaultPath(%q) = %s, want credentials.json file", tt.appName, path)
		}
		if dir := filepath.Base(filepath.Dir(path)); dir != tt.wantDir {
			t.Errorf("DefaultPath(%q) dir = %s, want %s", tt.appName, dir, tt.wantDir)
		}
	}
}

func TestFSCredentialStore_WithAuthClient(t *testing.T) {
	store, path := newTestStore(t)
	store.SetCredential("http://localhost:8080", &client.ServerCredential{
		AccessToken: "token",
		ExpiresAt:   time.Now().Add(1 * time.Hour),
	})

	c := client.NewAuthClient("http://localhost:8080/api", store)
	if !c.IsLoggedIn() {
		t.Error("IsLoggedIn() = false, want true")
	}
	if err := c.Logout(context.Background()); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if c.IsLoggedIn() {
		t.Error("IsLoggedIn() = true after Logout")
	}

	// Logout saved the removal.
	reloaded, _ := NewFSCredentialStore(path, "")
	if servers, _ := reloaded.ListServers(); len(servers) != 0 {
		t.Errorf("servers on disk = %v, want none", servers)
	}
}

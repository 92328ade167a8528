package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
)

func TestFileBackend_SaveAndLoad(t *testing.T) {
	tests := []struct {
		name  string
		creds map[string]Credential
	}{
		{
			name: "single user",
			creds: map[string]Credential{
				"alice": {AccessToken: "access-a", RefreshToken: "refresh-a"},
			},
		},
		{
			name: "user without refresh token",
			creds: map[string]Credential{
				"bob": {AccessToken: "access-only"},
			},
		},
		{
			name: "several users",
			creds: map[string]Credential{
				"alice": {AccessToken: "access-a", RefreshToken: "refresh-a"},
				"bob":   {AccessToken: "access-b", RefreshToken: "refresh-b"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "tokens.json")
			backend := NewFileBackend(path)

			if err := backend.Save(context.Background(), tt.creds); err != nil {
				t.Fatalf("Save() error = %v", err)
			}

			loaded, err := backend.Load(context.Background())
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}

			if len(loaded) != len(tt.creds) {
				t.Fatalf("Load() returned %d users, want %d", len(loaded), len(tt.creds))
			}

			for id, want := range tt.creds {
				got, ok := loaded[id]
				if !ok {
					t.Fatalf("Load() missing user %q", id)
				}
				if got.UserID != id {
					t.Errorf("UserID = %q, want %q", got.UserID, id)
				}
				if got.AccessToken != want.AccessToken {
					t.Errorf("AccessToken = %q, want %q", got.AccessToken, want.AccessToken)
				}
				if got.RefreshToken != want.RefreshToken {
					t.Errorf("RefreshToken = %q, want %q", got.RefreshToken, want.RefreshToken)
				}
			}
		})
	}
}

func TestFileBackend_LoadNonExistent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nonexistent", "tokens.json")
	backend := NewFileBackend(path)

	creds, err := backend.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v, want nil", err)
	}
	if len(creds) != 0 {
		t.Errorf("Load() = %v, want empty for non-existent file", creds)
	}
}

func TestFileBackend_LoadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := NewFileBackend(path).Load(context.Background()); err == nil {
		t.Error("Load() expected error for corrupt file")
	}
}

func TestFileBackend_SaveCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeply", "tokens.json")
	backend := NewFileBackend(path)

	if err := backend.Save(context.Background(), map[string]Credential{"u": {AccessToken: "a"}}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("Save() did not create token file")
	}

	// No temp files should be left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("directory has %d entries, want 1", len(entries))
	}
}

func TestFileBackend_SaveNil(t *testing.T) {
	backend := NewFileBackend(filepath.Join(t.TempDir(), "tokens.json"))

	if err := backend.Save(context.Background(), nil); err == nil {
		t.Error("Save(nil) should return error")
	}
}

func TestFileBackend_FilePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	backend := NewFileBackend(path)

	if err := backend.Save(context.Background(), map[string]Credential{"u": {AccessToken: "secret"}}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}

	// Check file is not world-readable (0600)
	if mode := info.Mode().Perm(); mode&0077 != 0 {
		t.Errorf("File permissions = %o, want 0600 (no group/other access)", mode)
	}
}

func TestFileBackend_Delete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	backend := NewFileBackend(path)

	if err := backend.Save(context.Background(), map[string]Credential{"u": {AccessToken: "a"}}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := backend.Delete(); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Delete() did not remove token file")
	}

	// Should not error when file doesn't exist
	if err := backend.Delete(); err != nil {
		t.Errorf("Delete() error = %v, want nil for non-existent file", err)
	}
}

func TestFileBackend_DefaultPath(t *testing.T) {
	if got := NewFileBackend("").Path(); got != DefaultTokenFile {
		t.Errorf("Path() = %q, want %q", got, DefaultTokenFile)
	}
}

func TestNew_MissingCredentials(t *testing.T) {
	tests := []struct {
		name   string
		id     string
		secret string
	}{
		{"both missing", "", ""},
		{"id missing", "", "secret"},
		{"secret missing", "id", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(Config{ClientID: tt.id, ClientSecret: tt.secret})
			if !errors.Is(err, ErrMissingCredentials) {
				t.Errorf("New() error = %v, want ErrMissingCredentials", err)
			}
		})
	}
}

func TestAuthenticator_AuthURL(t *testing.T) {
	a, err := New(Config{
		ClientID:     "test-client-id",
		ClientSecret: "test-client-secret",
		RedirectURI:  "http://127.0.0.1:5000/callback",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	u := a.AuthURL("state-123")
	for _, want := range []string{"client_id=test-client-id", "state=state-123", "user-modify-playback-state"} {
		if !strings.Contains(u, want) {
			t.Errorf("AuthURL() = %q, missing %q", u, want)
		}
	}
}

func TestAuthenticator_Refresh(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm() error = %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q, want refresh_token", got)
		}
		if got := r.PostForm.Get("client_id"); got != "cid" {
			t.Errorf("client_id = %q, want cid", got)
		}
		if got := r.PostForm.Get("client_secret"); got != "secret" {
			t.Errorf("client_secret = %q, want secret", got)
		}

		if r.PostForm.Get("refresh_token") != "good-refresh" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"invalid_grant","error_description":"Invalid refresh token"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"fresh-access","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	a, err := New(Config{ClientID: "cid", ClientSecret: "secret", TokenURL: srv.URL})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	got, err := a.Refresh(context.Background(), "good-refresh")
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if got != "fresh-access" {
		t.Errorf("Refresh() = %q, want fresh-access", got)
	}

	if _, err := a.Refresh(context.Background(), "revoked"); err == nil {
		t.Error("Refresh() expected error for rejected refresh token")
	}

	if _, err := a.Refresh(context.Background(), ""); !errors.Is(err, ErrNoRefreshToken) {
		t.Errorf("Refresh(\"\") error = %v, want ErrNoRefreshToken", err)
	}

	if calls.Load() != 2 {
		t.Errorf("token endpoint called %d times, want 2", calls.Load())
	}
}

func TestGenerateState(t *testing.T) {
	state1, err := GenerateState()
	if err != nil {
		t.Fatalf("GenerateState() error = %v", err)
	}

	if len(state1) != 32 { // 16 bytes = 32 hex chars
		t.Errorf("GenerateState() length = %d, want 32", len(state1))
	}

	state2, err := GenerateState()
	if err != nil {
		t.Fatalf("GenerateState() error = %v", err)
	}

	if state1 == state2 {
		t.Error("GenerateState() returned same value twice")
	}
}

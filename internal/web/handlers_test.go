package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/justestif/bugbeats/internal/events"
)

type playCall struct {
	userID  string
	kind    events.Kind
	subcode string
}

// mockService implements Service for testing.
type mockService struct {
	plays    []playCall
	stops    []string
	result   events.Result
	login    events.LoginStatus
	known    map[string]bool
	now      events.NowPlaying
	loginErr error
	codes    []string
}

func (m *mockService) HandlePlayEvent(_ context.Context, userID string, kind events.Kind, subcode string) events.Result {
	m.plays = append(m.plays, playCall{userID, kind, subcode})
	if userID == "" {
		return events.Result{Kind: events.BadRequest, Message: "User ID is missing"}
	}
	return m.result
}

func (m *mockService) HandleStop(_ context.Context, userID string) events.Result {
	m.stops = append(m.stops, userID)
	return m.result
}

func (m *mockService) HandleManualRefresh(context.Context, string) events.Result {
	return m.result
}

func (m *mockService) HandleLogout(context.Context, string) events.Result {
	return m.result
}

func (m *mockService) HandleCheckLoginStatus(userID string) events.LoginStatus {
	if m.known != nil {
		if !m.known[userID] {
			return events.LoginStatus{}
		}
		return events.LoginStatus{LoggedIn: true, UserID: userID}
	}
	return m.login
}

func (m *mockService) HandleNowPlaying() events.NowPlaying {
	return m.now
}

func (m *mockService) CompleteLogin(_ context.Context, code string) (string, error) {
	m.codes = append(m.codes, code)
	if code == "" {
		return "", events.ErrMissingCode
	}
	if m.loginErr != nil {
		return "", m.loginErr
	}
	return "alice", nil
}

type fakeAuth struct{}

func (fakeAuth) AuthURL(state string) string {
	return "https://accounts.example.com/authorize?state=" + state
}

func newTestServer(t *testing.T, svc *mockService, throttle float64) *Server {
	t.Helper()
	s, err := NewServer(ServerConfig{
		Service:           svc,
		Auth:              fakeAuth{},
		Logger:            log.New(io.Discard),
		ThrottlePerSecond: throttle,
		ThrottleBurst:     1,
	})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	return s
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatalf("decoding response %q: %v", w.Body.String(), err)
	}
	return out
}

func TestNewServer_Validation(t *testing.T) {
	if _, err := NewServer(ServerConfig{Auth: fakeAuth{}}); err == nil {
		t.Error("NewServer() without service should fail")
	}
	if _, err := NewServer(ServerConfig{Service: &mockService{}}); err == nil {
		t.Error("NewServer() without authenticator should fail")
	}
}

func TestHome(t *testing.T) {
	s := newTestServer(t, &mockService{}, 0)
	w := do(t, s.Handler(), http.MethodGet, "/", "")

	if w.Code != http.StatusOK {
		t.Errorf("GET / status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "bugbeats") {
		t.Errorf("GET / body = %q", w.Body.String())
	}
}

func TestPlayRoutes(t *testing.T) {
	tests := []struct {
		name        string
		target      string
		body        string
		result      events.Result
		wantStatus  int
		wantKind    events.Kind
		wantSubcode string
		wantUser    string
	}{
		{
			name:       "success",
			target:     "/vscode/success",
			body:       `{"user_id":"alice"}`,
			result:     events.Result{OK: true, Message: "Success track playing for user alice"},
			wantStatus: http.StatusOK,
			wantKind:   events.KindSuccess,
			wantUser:   "alice",
		},
		{
			name:        "error code",
			target:      "/vscode/error/key_error",
			body:        `{"user_id":"alice"}`,
			result:      events.Result{OK: true, Message: "ok"},
			wantStatus:  http.StatusOK,
			wantKind:    events.KindError,
			wantSubcode: "key_error",
			wantUser:    "alice",
		},
		{
			name:       "user id from query",
			target:     "/vscode/success?user_id=bob",
			result:     events.Result{OK: true, Message: "ok"},
			wantStatus: http.StatusOK,
			wantKind:   events.KindSuccess,
			wantUser:   "bob",
		},
		{
			name:       "missing user",
			target:     "/vscode/success",
			body:       `{}`,
			wantStatus: http.StatusBadRequest,
			wantKind:   events.KindSuccess,
		},
		{
			name:       "no credential",
			target:     "/vscode/success",
			body:       `{"user_id":"ghost"}`,
			result:     events.Result{Kind: events.NoCredential, Message: "No tokens found for user ghost"},
			wantStatus: http.StatusUnauthorized,
			wantKind:   events.KindSuccess,
			wantUser:   "ghost",
		},
		{
			name:        "no active device",
			target:      "/vscode/error/name_error",
			body:        `{"user_id":"alice"}`,
			result:      events.Result{Kind: events.NoActiveDevice, Message: "No active devices found for the user"},
			wantStatus:  http.StatusNotFound,
			wantKind:    events.KindError,
			wantSubcode: "name_error",
			wantUser:    "alice",
		},
		{
			name:       "provider rejected",
			target:     "/vscode/success",
			body:       `{"user_id":"alice"}`,
			result:     events.Result{Kind: events.ProviderRejected, Message: "rejected", Status: 403, Details: "Premium required"},
			wantStatus: http.StatusBadGateway,
			wantKind:   events.KindSuccess,
			wantUser:   "alice",
		},
		{
			name:       "internal",
			target:     "/vscode/success",
			body:       `{"user_id":"alice"}`,
			result:     events.Result{Kind: events.Internal, Message: "Internal error"},
			wantStatus: http.StatusInternalServerError,
			wantKind:   events.KindSuccess,
			wantUser:   "alice",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockService{result: tt.result}
			s := newTestServer(t, svc, 0)

			w := do(t, s.Handler(), http.MethodPost, tt.target, tt.body)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if len(svc.plays) != 1 {
				t.Fatalf("HandlePlayEvent called %d times, want 1", len(svc.plays))
			}
			call := svc.plays[0]
			if call.kind != tt.wantKind || call.subcode != tt.wantSubcode || call.userID != tt.wantUser {
				t.Errorf("HandlePlayEvent(%q, %q, %q), want (%q, %q, %q)",
					call.userID, call.kind, call.subcode, tt.wantUser, tt.wantKind, tt.wantSubcode)
			}

			body := decode(t, w)
			if tt.wantStatus == http.StatusOK {
				if body["message"] == "" {
					t.Errorf("response = %v, want message", body)
				}
				return
			}
			if body["error"] == nil {
				t.Errorf("response = %v, want error", body)
			}
		})
	}
}

func TestProviderRejectedCarriesDetails(t *testing.T) {
	svc := &mockService{result: events.Result{Kind: events.ProviderRejected, Message: "rejected", Status: 403, Details: "Premium required"}}
	s := newTestServer(t, svc, 0)

	w := do(t, s.Handler(), http.MethodPost, "/vscode/success", `{"user_id":"alice"}`)
	body := decode(t, w)

	if body["kind"] != "provider_rejected" {
		t.Errorf("kind = %v, want provider_rejected", body["kind"])
	}
	if body["status"] != float64(403) {
		t.Errorf("status = %v, want 403", body["status"])
	}
	if body["details"] != "Premium required" {
		t.Errorf("details = %v, want Premium required", body["details"])
	}
}

func TestStop(t *testing.T) {
	svc := &mockService{result: events.Result{OK: true, Message: "Playback stopped for user alice"}}
	s := newTestServer(t, svc, 0)

	w := do(t, s.Handler(), http.MethodPost, "/vscode/stop", `{"user_id":"alice"}`)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if len(svc.stops) != 1 || svc.stops[0] != "alice" {
		t.Errorf("HandleStop calls = %v, want [alice]", svc.stops)
	}
}

func TestRefreshAndLogout(t *testing.T) {
	tests := []struct {
		name       string
		target     string
		result     events.Result
		wantStatus int
	}{
		{"refresh ok", "/vscode/refresh_token", events.Result{OK: true, Message: "Access token refreshed successfully!"}, http.StatusOK},
		{"refresh failed", "/vscode/refresh_token", events.Result{Kind: events.RefreshFailed, Message: "Failed"}, http.StatusUnauthorized},
		{"logout ok", "/vscode/logout", events.Result{OK: true, Message: "Logged out"}, http.StatusOK},
		{"logout unknown", "/vscode/logout", events.Result{Kind: events.NoCredential, Message: "No tokens"}, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, &mockService{result: tt.result}, 0)
			w := do(t, s.Handler(), http.MethodPost, tt.target, `{"user_id":"alice"}`)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestCheckLoginStatus(t *testing.T) {
	tests := []struct {
		name   string
		status events.LoginStatus
		want   map[string]any
	}{
		{"logged in", events.LoginStatus{LoggedIn: true, UserID: "alice"}, map[string]any{"logged_in": true, "user_id": "alice"}},
		{"logged out", events.LoginStatus{}, map[string]any{"logged_in": false}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, &mockService{login: tt.status}, 0)
			w := do(t, s.Handler(), http.MethodGet, "/vscode/check_login_status?user_id=alice", "")

			if w.Code != http.StatusOK {
				t.Errorf("status = %d, want 200", w.Code)
			}
			body := decode(t, w)
			if len(body) != len(tt.want) {
				t.Errorf("response = %v, want %v", body, tt.want)
			}
			for k, v := range tt.want {
				if body[k] != v {
					t.Errorf("%s = %v, want %v", k, body[k], v)
				}
			}
		})
	}
}

func TestNowPlaying(t *testing.T) {
	fires := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	svc := &mockService{now: events.NowPlaying{Active: true, UserID: "alice", TrackURI: "spotify:track:x", FiresAt: fires}}
	s := newTestServer(t, svc, 0)

	w := do(t, s.Handler(), http.MethodGet, "/vscode/now_playing", "")
	body := decode(t, w)

	if body["active"] != true || body["track_uri"] != "spotify:track:x" {
		t.Errorf("response = %v", body)
	}
	if body["fires_at"] != "2026-01-02T03:04:05Z" {
		t.Errorf("fires_at = %v", body["fires_at"])
	}

	svc.now = events.NowPlaying{}
	body = decode(t, do(t, s.Handler(), http.MethodGet, "/vscode/now_playing", ""))
	if body["active"] != false {
		t.Errorf("idle response = %v", body)
	}
	if _, ok := body["fires_at"]; ok {
		t.Errorf("idle response has fires_at: %v", body)
	}
}

func TestLogin(t *testing.T) {
	s := newTestServer(t, &mockService{}, 0)
	w := do(t, s.Handler(), http.MethodGet, "/login", "")

	if w.Code != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, want 307", w.Code)
	}

	var state string
	for _, c := range w.Result().Cookies() {
		if c.Name == stateCookie {
			state = c.Value
		}
	}
	if state == "" {
		t.Fatal("no state cookie set")
	}
	if loc := w.Header().Get("Location"); !strings.HasSuffix(loc, "state="+state) {
		t.Errorf("Location = %q, want state %q", loc, state)
	}
}

func TestCallback(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		cookie     string
		loginErr   error
		wantStatus int
		wantCalls  int
	}{
		{"success", "?code=abc&state=s1", "s1", nil, http.StatusOK, 1},
		{"missing cookie", "?code=abc&state=s1", "", nil, http.StatusBadRequest, 0},
		{"state mismatch", "?code=abc&state=s2", "s1", nil, http.StatusBadRequest, 0},
		{"provider error", "?error=access_denied&state=s1", "s1", nil, http.StatusBadRequest, 0},
		{"missing code", "?state=s1", "s1", nil, http.StatusBadRequest, 1},
		{"exchange fails", "?code=abc&state=s1", "s1", errors.New("invalid_grant"), http.StatusInternalServerError, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockService{loginErr: tt.loginErr}
			s := newTestServer(t, svc, 0)

			req := httptest.NewRequest(http.MethodGet, "/callback"+tt.query, nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: stateCookie, Value: tt.cookie})
			}
			w := httptest.NewRecorder()
			s.Handler().ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if len(svc.codes) != tt.wantCalls {
				t.Errorf("CompleteLogin called %d times, want %d", len(svc.codes), tt.wantCalls)
			}
			if tt.wantStatus == http.StatusOK {
				body := decode(t, w)
				if body["user_id"] != "alice" {
					t.Errorf("user_id = %v, want alice", body["user_id"])
				}
			}
		})
	}
}

func TestThrottledTrigger(t *testing.T) {
	svc := &mockService{
		result: events.Result{OK: true, Message: "ok"},
		known:  map[string]bool{"alice": true, "bob": true},
	}
	s := newTestServer(t, svc, 0.001)

	first := do(t, s.Handler(), http.MethodPost, "/vscode/success", `{"user_id":"alice"}`)
	if first.Code != http.StatusOK {
		t.Fatalf("first trigger status = %d, want 200", first.Code)
	}

	second := do(t, s.Handler(), http.MethodPost, "/vscode/error/type_error", `{"user_id":"alice"}`)
	if second.Code != http.StatusTooManyRequests {
		t.Errorf("second trigger status = %d, want 429", second.Code)
	}

	other := do(t, s.Handler(), http.MethodPost, "/vscode/success", `{"user_id":"bob"}`)
	if other.Code != http.StatusOK {
		t.Errorf("other user status = %d, want 200", other.Code)
	}

	// Stop is never throttled.
	stop := do(t, s.Handler(), http.MethodPost, "/vscode/stop", `{"user_id":"alice"}`)
	if stop.Code != http.StatusOK {
		t.Errorf("stop status = %d, want 200", stop.Code)
	}

	if len(svc.plays) != 2 {
		t.Errorf("HandlePlayEvent called %d times, want 2", len(svc.plays))
	}
}

func TestThrottleSkipsUnknownUsers(t *testing.T) {
	svc := &mockService{
		result: events.Result{Kind: events.NoCredential, Message: "No tokens"},
		known:  map[string]bool{"alice": true},
	}
	s := newTestServer(t, svc, 0.001)

	for _, id := range []string{"ghost-1", "ghost-2", "ghost-2", "ghost-3"} {
		w := do(t, s.Handler(), http.MethodPost, "/vscode/success", `{"user_id":"`+id+`"}`)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s status = %d, want 401", id, w.Code)
		}
	}
	if n := s.handlers.throttle.Len(); n != 0 {
		t.Errorf("throttle tracks %d users, want 0", n)
	}

	do(t, s.Handler(), http.MethodPost, "/vscode/success", `{"user_id":"alice"}`)
	if n := s.handlers.throttle.Len(); n != 1 {
		t.Errorf("throttle tracks %d users, want 1", n)
	}
}

func TestLogoutForgetsThrottle(t *testing.T) {
	svc := &mockService{
		result: events.Result{OK: true, Message: "ok"},
		known:  map[string]bool{"alice": true},
	}
	s := newTestServer(t, svc, 0.001)

	do(t, s.Handler(), http.MethodPost, "/vscode/success", `{"user_id":"alice"}`)
	if n := s.handlers.throttle.Len(); n != 1 {
		t.Fatalf("throttle tracks %d users, want 1", n)
	}

	w := do(t, s.Handler(), http.MethodPost, "/vscode/logout", `{"user_id":"alice"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("logout status = %d, want 200", w.Code)
	}
	if n := s.handlers.throttle.Len(); n != 0 {
		t.Errorf("throttle tracks %d users after logout, want 0", n)
	}
}

func TestShutdownRunsHook(t *testing.T) {
	called := false
	s, err := NewServer(ServerConfig{
		Service:    &mockService{},
		Auth:       fakeAuth{},
		Logger:     log.New(io.Discard),
		OnShutdown: func() { called = true },
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
	if !called {
		t.Error("OnShutdown hook not called")
	}
	if s.Addr() != DefaultAddr {
		t.Errorf("Addr() = %q, want %q", s.Addr(), DefaultAddr)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind events.Failure
		want int
	}{
		{events.BadRequest, http.StatusBadRequest},
		{events.NoCredential, http.StatusUnauthorized},
		{events.RefreshFailed, http.StatusUnauthorized},
		{events.NoActiveDevice, http.StatusNotFound},
		{events.ProviderRejected, http.StatusBadGateway},
		{events.Internal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := statusFor(tt.kind); got != tt.want {
			t.Errorf("statusFor(%q) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

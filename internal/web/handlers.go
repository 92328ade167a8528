package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"

	"github.com/justestif/bugbeats/internal/auth"
	"github.com/justestif/bugbeats/internal/events"
)

const stateCookie = "oauth_state"

// Service is the set of operations the handlers call.
type Service interface {
	HandlePlayEvent(ctx context.Context, userID string, kind events.Kind, subcode string) events.Result
	HandleStop(ctx context.Context, userID string) events.Result
	HandleManualRefresh(ctx context.Context, userID string) events.Result
	HandleLogout(ctx context.Context, userID string) events.Result
	HandleCheckLoginStatus(userID string) events.LoginStatus
	HandleNowPlaying() events.NowPlaying
	CompleteLogin(ctx context.Context, code string) (string, error)
}

// LoginURLer builds the provider authorization URL.
type LoginURLer interface {
	AuthURL(state string) string
}

// Handlers contains HTTP handlers for the API.
type Handlers struct {
	svc      Service
	auth     LoginURLer
	throttle *Throttle
	logger   *log.Logger
}

// NewHandlers creates a new Handlers instance. A nil throttle disables
// rate limiting.
func NewHandlers(svc Service, login LoginURLer, throttle *Throttle, logger *log.Logger) *Handlers {
	return &Handlers{
		svc:      svc,
		auth:     login,
		throttle: throttle,
		logger:   logger,
	}
}

type userRequest struct {
	UserID string `json:"user_id"`
}

type messageResponse struct {
	Message string `json:"message"`
	UserID  string `json:"user_id,omitempty"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Status  int    `json:"status,omitempty"`
	Details string `json:"details,omitempty"`
}

type loginStatusResponse struct {
	LoggedIn bool   `json:"logged_in"`
	UserID   string `json:"user_id,omitempty"`
}

type nowPlayingResponse struct {
	Active   bool       `json:"active"`
	UserID   string     `json:"user_id,omitempty"`
	TrackURI string     `json:"track_uri,omitempty"`
	DeviceID string     `json:"device_id,omitempty"`
	FiresAt  *time.Time `json:"fires_at,omitempty"`
}

// Home handles GET /.
func (h *Handlers) Home(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, "bugbeats is running. Visit /login to connect Spotify.\n")
}

// Login initiates the Spotify OAuth flow (GET /login).
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	// Generate state for CSRF protection
	state, err := auth.GenerateState()
	if err != nil {
		writeError(w, http.StatusInternalServerError, errorResponse{Error: "Failed to generate state"})
		return
	}

	// Store state in cookie for validation on callback
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   300, // 5 minutes
	})

	http.Redirect(w, r, h.auth.AuthURL(state), http.StatusTemporaryRedirect)
}

// Callback handles the OAuth callback from Spotify (GET /callback).
func (h *Handlers) Callback(w http.ResponseWriter, r *http.Request) {
	// Verify state
	cookie, err := r.Cookie(stateCookie)
	if err != nil {
		writeError(w, http.StatusBadRequest, errorResponse{Error: "Missing state cookie"})
		return
	}
	if r.URL.Query().Get("state") != cookie.Value {
		writeError(w, http.StatusBadRequest, errorResponse{Error: "State mismatch"})
		return
	}

	// Clear state cookie
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})

	// Check for error from Spotify
	if errMsg := r.URL.Query().Get("error"); errMsg != "" {
		writeError(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("Spotify auth error: %s", errMsg)})
		return
	}

	userID, err := h.svc.CompleteLogin(r.Context(), r.URL.Query().Get("code"))
	if errors.Is(err, events.ErrMissingCode) {
		writeError(w, http.StatusBadRequest, errorResponse{Error: "Missing authorization code"})
		return
	}
	if err != nil {
		h.logger.Error("login failed", "err", err)
		writeError(w, http.StatusInternalServerError, errorResponse{Error: "Failed to get token", Details: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: "Logged in successfully!", UserID: userID})
}

// CheckLoginStatus handles GET /vscode/check_login_status.
func (h *Handlers) CheckLoginStatus(w http.ResponseWriter, r *http.Request) {
	status := h.svc.HandleCheckLoginStatus(r.URL.Query().Get("user_id"))
	writeJSON(w, http.StatusOK, loginStatusResponse{LoggedIn: status.LoggedIn, UserID: status.UserID})
}

// NowPlaying handles GET /vscode/now_playing.
func (h *Handlers) NowPlaying(w http.ResponseWriter, r *http.Request) {
	np := h.svc.HandleNowPlaying()
	resp := nowPlayingResponse{
		Active:   np.Active,
		UserID:   np.UserID,
		TrackURI: np.TrackURI,
		DeviceID: np.DeviceID,
	}
	if np.Active {
		resp.FiresAt = &np.FiresAt
	}
	writeJSON(w, http.StatusOK, resp)
}

// RefreshToken handles POST /vscode/refresh_token.
func (h *Handlers) RefreshToken(w http.ResponseWriter, r *http.Request) {
	userID := readUserID(r)
	writeResult(w, h.svc.HandleManualRefresh(r.Context(), userID))
}

// Success handles POST /vscode/success.
func (h *Handlers) Success(w http.ResponseWriter, r *http.Request) {
	h.play(w, r, events.KindSuccess, "")
}

// Error handles POST /vscode/error/{code}.
func (h *Handlers) Error(w http.ResponseWriter, r *http.Request) {
	h.play(w, r, events.KindError, chi.URLParam(r, "code"))
}

// Stop handles POST /vscode/stop.
func (h *Handlers) Stop(w http.ResponseWriter, r *http.Request) {
	userID := readUserID(r)
	writeResult(w, h.svc.HandleStop(r.Context(), userID))
}

// Logout handles POST /vscode/logout.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	userID := readUserID(r)
	res := h.svc.HandleLogout(r.Context(), userID)
	if res.OK && h.throttle != nil {
		h.throttle.Forget(userID)
	}
	writeResult(w, res)
}

func (h *Handlers) play(w http.ResponseWriter, r *http.Request, kind events.Kind, code string) {
	userID := readUserID(r)
	if h.throttled(userID) {
		h.logger.Debug("trigger throttled", "user", userID, "kind", kind)
		writeError(w, http.StatusTooManyRequests, errorResponse{Error: "Too many requests", Kind: "throttled"})
		return
	}
	writeResult(w, h.svc.HandlePlayEvent(r.Context(), userID, kind, code))
}

// throttled reports whether a trigger from userID exceeds its rate. Users
// without a stored credential are not tracked; the service rejects them.
func (h *Handlers) throttled(userID string) bool {
	if userID == "" || h.throttle == nil {
		return false
	}
	if !h.svc.HandleCheckLoginStatus(userID).LoggedIn {
		return false
	}
	return !h.throttle.Allow(userID)
}

// readUserID takes user_id from the JSON body, falling back to the query string.
func readUserID(r *http.Request) string {
	var req userRequest
	if r.Body != nil {
		// An empty or malformed body leaves UserID empty.
		_ = json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req)
	}
	if req.UserID == "" {
		req.UserID = r.URL.Query().Get("user_id")
	}
	return req.UserID
}

// statusFor maps a failure kind to an HTTP status.
func statusFor(kind events.Failure) int {
	switch kind {
	case events.BadRequest:
		return http.StatusBadRequest
	case events.NoCredential, events.RefreshFailed:
		return http.StatusUnauthorized
	case events.NoActiveDevice:
		return http.StatusNotFound
	case events.ProviderRejected:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeResult(w http.ResponseWriter, res events.Result) {
	if res.OK {
		writeJSON(w, http.StatusOK, messageResponse{Message: res.Message})
		return
	}
	writeError(w, statusFor(res.Kind), errorResponse{
		Error:   res.Message,
		Kind:    string(res.Kind),
		Status:  res.Status,
		Details: res.Details,
	})
}

func writeError(w http.ResponseWriter, status int, resp errorResponse) {
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

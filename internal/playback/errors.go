package playback

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/justestif/bugbeats/internal/auth"
)

var (
	// ErrNoCredential is returned for users who never completed authorization.
	ErrNoCredential = auth.ErrNoCredential

	// ErrRefreshFailed is returned when an access token could not be refreshed.
	ErrRefreshFailed = auth.ErrRefreshFailed

	// ErrNoActiveDevice is returned when device targeting is required and the
	// user has no devices.
	ErrNoActiveDevice = errors.New("no active device found for user")
)

// RejectedError is a non-2xx response from the playback provider.
type RejectedError struct {
	Status  int
	Details string
}

func (e *RejectedError) Error() string {
	if e.Details == "" {
		return fmt.Sprintf("provider rejected request: HTTP %d", e.Status)
	}
	return fmt.Sprintf("provider rejected request: HTTP %d: %s", e.Status, e.Details)
}

// Expired reports whether the provider rejected the access token.
func (e *RejectedError) Expired() bool {
	return e.Status == http.StatusUnauthorized
}

// benignPause reports whether a pause rejection means playback is already
// stopped: 403 is the provider's restriction response for pausing a paused
// player and 404 means there is no active player session.
func benignPause(err error) bool {
	var rej *RejectedError
	if !errors.As(err, &rej) {
		return false
	}
	return rej.Status == http.StatusForbidden || rej.Status == http.StatusNotFound
}

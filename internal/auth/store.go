// Package auth provides Spotify OAuth2 authentication and the per-user
// credential store backing playback requests.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"
)

// refreshTimeout bounds one shared token refresh.
const refreshTimeout = 15 * time.Second

var (
	// ErrNoCredential is returned when a user has never completed authorization.
	ErrNoCredential = errors.New("no credential stored for user")

	// ErrNoRefreshToken is returned when the stored credential has no refresh token.
	ErrNoRefreshToken = errors.New("no refresh token available")

	// ErrRefreshFailed is returned when the token endpoint rejects a refresh.
	ErrRefreshFailed = errors.New("token refresh failed")
)

// Credential is the token pair stored for one user.
type Credential struct {
	UserID       string `json:"-"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Backend persists full credential snapshots.
type Backend interface {
	Load(ctx context.Context) (map[string]Credential, error)
	Save(ctx context.Context, creds map[string]Credential) error
}

// Refresher mints a new access token from a refresh token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (string, error)
}

// CredentialStore maps user IDs to credentials. The in-memory map is
// authoritative; every mutation writes the whole map to the backend.
type CredentialStore struct {
	backend   Backend
	refresher Refresher
	logger    *log.Logger

	mu    sync.RWMutex
	creds map[string]Credential

	refreshes singleflight.Group
}

// NewCredentialStore creates an empty store. Call Load to populate it.
func NewCredentialStore(backend Backend, refresher Refresher, logger *log.Logger) *CredentialStore {
	if logger == nil {
		logger = log.Default()
	}
	return &CredentialStore{
		backend:   backend,
		refresher: refresher,
		logger:    logger.WithPrefix("credentials"),
		creds:     make(map[string]Credential),
	}
}

// Load replaces the in-memory map with the backend snapshot.
// A backend with nothing stored yields an empty store.
func (s *CredentialStore) Load(ctx context.Context) error {
	creds, err := s.backend.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading credentials: %w", err)
	}
	if creds == nil {
		creds = make(map[string]Credential)
	}

	s.mu.Lock()
	s.creds = creds
	s.mu.Unlock()

	s.logger.Info("credentials loaded", "users", len(creds))
	return nil
}

// Get returns the credential for userID.
func (s *CredentialStore) Get(userID string) (Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.creds[userID]
	if ok {
		c.UserID = userID
	}
	return c, ok
}

// Put inserts or fully replaces the credential for userID and persists the store.
func (s *CredentialStore) Put(ctx context.Context, userID string, cred Credential) error {
	if userID == "" {
		return errors.New("empty user id")
	}
	cred.UserID = userID

	s.mu.Lock()
	defer s.mu.Unlock()

	s.creds[userID] = cred
	return s.save(ctx)
}

// Delete removes the credential for userID and persists the store.
// Deleting an unknown user is a no-op.
func (s *CredentialStore) Delete(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.creds[userID]; !ok {
		return nil
	}
	delete(s.creds, userID)
	return s.save(ctx)
}

// Users returns the stored user IDs in sorted order.
func (s *CredentialStore) Users() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.creds))
	for id := range s.creds {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Refresh exchanges the stored refresh token for a new access token,
// replacing only the access token. On failure the stored record is left
// untouched. Concurrent refreshes for the same user share one token request,
// which outlives any single caller's cancellation but is bounded by
// refreshTimeout.
func (s *CredentialStore) Refresh(ctx context.Context, userID string) (string, error) {
	ch := s.refreshes.DoChan(userID, func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return s.refresh(shared, userID)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (s *CredentialStore) refresh(ctx context.Context, userID string) (string, error) {
	cred, ok := s.Get(userID)
	if !ok {
		return "", ErrNoCredential
	}
	if cred.RefreshToken == "" {
		return "", ErrNoRefreshToken
	}

	accessToken, err := s.refresher.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		s.logger.Warn("refresh rejected", "user", userID, "err", err)
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.creds[userID]
	if !ok {
		// Logged out while the request was in flight.
		return "", ErrNoCredential
	}
	current.AccessToken = accessToken
	s.creds[userID] = current

	// The new access token is usable even if persisting it failed.
	if err := s.save(ctx); err != nil {
		s.logger.Error("persisting refreshed token", "user", userID, "err", err)
	}

	s.logger.Debug("access token refreshed", "user", userID)
	return accessToken, nil
}

// save writes the full snapshot. Callers must hold s.mu.
func (s *CredentialStore) save(ctx context.Context) error {
	snapshot := make(map[string]Credential, len(s.creds))
	for id, c := range s.creds {
		snapshot[id] = c
	}
	if err := s.backend.Save(ctx, snapshot); err != nil {
		return fmt.Errorf("saving credentials: %w", err)
	}
	return nil
}

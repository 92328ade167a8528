package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/oauth2"

	"github.com/justestif/bugbeats/internal/auth"
	"github.com/justestif/bugbeats/internal/playback"
)

// Failure classifies an unsuccessful Result.
type Failure string

const (
	NoCredential     Failure = "no_credential"
	RefreshFailed    Failure = "refresh_failed"
	NoActiveDevice   Failure = "no_active_device"
	ProviderRejected Failure = "provider_rejected"
	BadRequest       Failure = "bad_request"
	Internal         Failure = "internal"
)

// ErrMissingCode is returned by CompleteLogin when the callback carried no code.
var ErrMissingCode = errors.New("missing authorization code")

// Result is the outcome of a service operation. Failures carry the provider
// status and raw details when the provider rejected the call.
type Result struct {
	OK      bool
	Message string
	Kind    Failure
	Status  int
	Details string
}

// LoginStatus reports whether a user has completed authorization.
type LoginStatus struct {
	LoggedIn bool
	UserID   string
}

// NowPlaying describes the pending scheduled stop.
type NowPlaying struct {
	Active   bool
	UserID   string
	TrackURI string
	DeviceID string
	FiresAt  time.Time
}

// Credentials abstracts the credential store for testing.
type Credentials interface {
	Get(userID string) (auth.Credential, bool)
	Put(ctx context.Context, userID string, cred auth.Credential) error
	Refresh(ctx context.Context, userID string) (string, error)
	Delete(ctx context.Context, userID string) error
	Users() []string
}

// Player abstracts the playback controller for testing.
type Player interface {
	PlayAndScheduleStop(ctx context.Context, req playback.PlayRequest) (playback.ScheduledStop, error)
	StopNow(ctx context.Context, userID string) error
	Current() (playback.ScheduledStop, bool)
}

// Authorizer exchanges an authorization code for tokens.
type Authorizer interface {
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
}

// ProfileFetcher resolves the owner of an access token.
type ProfileFetcher interface {
	UserID(ctx context.Context, accessToken string) (string, error)
}

// Service turns editor events into playback operations.
type Service struct {
	creds   Credentials
	player  Player
	authz   Authorizer
	profile ProfileFetcher
	logger  *log.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService creates a Service.
func NewService(creds Credentials, player Player, authz Authorizer, profile ProfileFetcher, opts ...Option) *Service {
	s := &Service{
		creds:   creds,
		player:  player,
		authz:   authz,
		profile: profile,
		logger:  log.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithPrefix("events")
	return s
}

// HandlePlayEvent plays the cue for an event and schedules its pause.
func (s *Service) HandlePlayEvent(ctx context.Context, userID string, kind Kind, subcode string) Result {
	if userID == "" {
		return failure(BadRequest, "User ID is missing")
	}

	cue, err := Resolve(kind, subcode)
	if err != nil {
		return failure(BadRequest, err.Error())
	}

	_, err = s.player.PlayAndScheduleStop(ctx, playback.PlayRequest{
		UserID:    userID,
		TrackURI:  cue.TrackURI,
		Position:  cue.StartPosition,
		StopAfter: cue.StopAfter,
	})
	if err != nil {
		s.logger.Warn("play event failed", "user", userID, "kind", kind, "code", subcode, "err", err)
		return s.classify(userID, err)
	}

	if kind == KindSuccess {
		return ok(fmt.Sprintf("Success track playing for user %s", userID))
	}
	return ok(fmt.Sprintf("Error track playing for user %s and error %s", userID, subcode))
}

// HandleStop cancels any pending stop and pauses now.
func (s *Service) HandleStop(ctx context.Context, userID string) Result {
	if userID == "" {
		return failure(BadRequest, "User ID is missing")
	}

	if err := s.player.StopNow(ctx, userID); err != nil {
		s.logger.Warn("stop failed", "user", userID, "err", err)
		return s.classify(userID, err)
	}
	return ok(fmt.Sprintf("Playback stopped for user %s", userID))
}

// HandleManualRefresh refreshes the user's access token.
func (s *Service) HandleManualRefresh(ctx context.Context, userID string) Result {
	if userID == "" {
		return failure(BadRequest, "User ID is missing")
	}

	if _, err := s.creds.Refresh(ctx, userID); err != nil {
		s.logger.Warn("manual refresh failed", "user", userID, "err", err)
		return s.classify(userID, err)
	}
	return ok("Access token refreshed successfully!")
}

// HandleLogout forgets the user's credential. The pending stop, if any, is
// left to fire.
func (s *Service) HandleLogout(ctx context.Context, userID string) Result {
	if userID == "" {
		return failure(BadRequest, "User ID is missing")
	}
	if _, found := s.creds.Get(userID); !found {
		return s.classify(userID, playback.ErrNoCredential)
	}

	if err := s.creds.Delete(ctx, userID); err != nil {
		s.logger.Error("logout failed", "user", userID, "err", err)
		return s.classify(userID, err)
	}
	s.logger.Info("user logged out", "user", userID)
	return ok(fmt.Sprintf("Logged out user %s", userID))
}

// HandleCheckLoginStatus reports whether userID has a credential. Without a
// user id it reports the first stored user, if any.
func (s *Service) HandleCheckLoginStatus(userID string) LoginStatus {
	if userID != "" {
		_, found := s.creds.Get(userID)
		if !found {
			return LoginStatus{}
		}
		return LoginStatus{LoggedIn: true, UserID: userID}
	}

	users := s.creds.Users()
	if len(users) == 0 {
		return LoginStatus{}
	}
	return LoginStatus{LoggedIn: true, UserID: users[0]}
}

// HandleNowPlaying reports the pending scheduled stop.
func (s *Service) HandleNowPlaying() NowPlaying {
	stop, active := s.player.Current()
	if !active {
		return NowPlaying{}
	}
	return NowPlaying{
		Active:   true,
		UserID:   stop.UserID,
		TrackURI: stop.TrackURI,
		DeviceID: stop.DeviceID,
		FiresAt:  stop.FiresAt(),
	}
}

// CompleteLogin exchanges an authorization code, identifies the account and
// stores its credential. It returns the account's user id.
func (s *Service) CompleteLogin(ctx context.Context, code string) (string, error) {
	if code == "" {
		return "", ErrMissingCode
	}

	token, err := s.authz.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("exchanging code: %w", err)
	}

	userID, err := s.profile.UserID(ctx, token.AccessToken)
	if err != nil {
		return "", fmt.Errorf("fetching user info: %w", err)
	}

	cred := auth.Credential{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
	}
	if err := s.creds.Put(ctx, userID, cred); err != nil {
		return "", fmt.Errorf("storing credential: %w", err)
	}

	s.logger.Info("user logged in", "user", userID)
	return userID, nil
}

// classify converts a controller or credential error into a failed Result.
func (s *Service) classify(userID string, err error) Result {
	var rej *playback.RejectedError
	switch {
	case errors.Is(err, playback.ErrNoCredential):
		return failure(NoCredential, fmt.Sprintf("No tokens found for user %s", userID))
	case errors.Is(err, playback.ErrRefreshFailed), errors.Is(err, auth.ErrNoRefreshToken):
		return failure(RefreshFailed, "Failed to refresh access token")
	case errors.Is(err, playback.ErrNoActiveDevice):
		return failure(NoActiveDevice, "No active devices found for the user")
	case errors.As(err, &rej):
		r := failure(ProviderRejected, "Spotify rejected the request")
		r.Status = rej.Status
		r.Details = rej.Details
		return r
	default:
		r := failure(Internal, "Internal error")
		r.Details = err.Error()
		return r
	}
}

func ok(msg string) Result {
	return Result{OK: true, Message: msg}
}

func failure(kind Failure, msg string) Result {
	return Result{Kind: kind, Message: msg}
}

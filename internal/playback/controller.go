// Package playback starts tracks on a user's player and pauses them again
// after a fixed duration. At most one scheduled pause is pending at a time;
// a newer track supersedes the pending pause of an older one.
package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/justestif/bugbeats/internal/auth"
)

// DefaultCallTimeout bounds every outbound provider call.
const DefaultCallTimeout = 5 * time.Second

// Device is a playback endpoint on the provider side.
type Device struct {
	ID     string
	Name   string
	Type   string
	Active bool
}

// PlayCommand is a single-track play request sent to the provider.
type PlayCommand struct {
	TrackURI string
	Position time.Duration
	DeviceID string // empty targets the provider's default device
}

// Provider is the remote playback API.
type Provider interface {
	Play(ctx context.Context, accessToken string, cmd PlayCommand) error
	Pause(ctx context.Context, accessToken, deviceID string) error
	Devices(ctx context.Context, accessToken string) ([]Device, error)
}

// Credentials resolves and refreshes per-user access tokens.
type Credentials interface {
	Get(userID string) (auth.Credential, bool)
	Refresh(ctx context.Context, userID string) (string, error)
}

// PlayRequest describes a track to start and when to pause it.
type PlayRequest struct {
	UserID    string
	TrackURI  string
	Position  time.Duration
	StopAfter time.Duration
	DeviceID  string
}

// ScheduledStop is a pending pause bound to the track that armed it.
type ScheduledStop struct {
	ID        string
	UserID    string
	TrackURI  string
	DeviceID  string
	FireAfter time.Duration
	ArmedAt   time.Time

	timer *time.Timer
}

// FiresAt returns when the pause is due.
func (s ScheduledStop) FiresAt() time.Time {
	return s.ArmedAt.Add(s.FireAfter)
}

// Config configures a Controller.
type Config struct {
	// RequireDevice makes play resolve an explicit device from the user's
	// device list instead of relying on the provider's default.
	RequireDevice bool

	// CallTimeout bounds each provider call. Defaults to DefaultCallTimeout.
	CallTimeout time.Duration

	Logger *log.Logger
}

// Controller owns the single scheduled-stop slot.
//
// mu serializes every playback-changing provider call (play, scheduled pause,
// explicit stop) together with the slot transition that accompanies it, so a
// timer that fires while a newer track is being started either pauses before
// the new play is issued or observes that it was superseded.
type Controller struct {
	creds         Credentials
	provider      Provider
	requireDevice bool
	callTimeout   time.Duration
	logger        *log.Logger

	mu      sync.Mutex
	current *ScheduledStop
}

// NewController creates a Controller with an empty slot.
func NewController(creds Credentials, provider Provider, cfg Config) *Controller {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Controller{
		creds:         creds,
		provider:      provider,
		requireDevice: cfg.RequireDevice,
		callTimeout:   cfg.CallTimeout,
		logger:        cfg.Logger.WithPrefix("playback"),
	}
}

// PlayAndScheduleStop starts req.TrackURI and, once the provider accepts it,
// replaces any pending pause with one that fires after req.StopAfter.
func (c *Controller) PlayAndScheduleStop(ctx context.Context, req PlayRequest) (ScheduledStop, error) {
	if req.TrackURI == "" {
		return ScheduledStop{}, errors.New("missing track uri")
	}
	if req.StopAfter <= 0 {
		return ScheduledStop{}, fmt.Errorf("invalid stop duration %s", req.StopAfter)
	}

	sess, err := c.open(ctx, req.UserID)
	if err != nil {
		return ScheduledStop{}, err
	}

	deviceID, err := c.resolveDevice(ctx, sess, req.DeviceID)
	if err != nil {
		return ScheduledStop{}, err
	}

	cmd := PlayCommand{TrackURI: req.TrackURI, Position: req.Position, DeviceID: deviceID}

	c.mu.Lock()
	defer c.mu.Unlock()

	err = sess.do(ctx, func(ctx context.Context, token string) error {
		return c.provider.Play(ctx, token, cmd)
	})
	if err != nil {
		return ScheduledStop{}, fmt.Errorf("playing %s: %w", req.TrackURI, err)
	}

	stop := &ScheduledStop{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		TrackURI:  req.TrackURI,
		DeviceID:  deviceID,
		FireAfter: req.StopAfter,
		ArmedAt:   time.Now(),
	}
	c.replace(stop)
	stop.timer = time.AfterFunc(req.StopAfter, func() { c.fire(stop) })

	c.logger.Info("track started", "user", req.UserID, "track", req.TrackURI, "stop", stop.ID, "after", req.StopAfter)
	return *stop, nil
}

// StopNow cancels the pending pause, if any, and pauses immediately.
// A provider response meaning nothing is playing counts as success.
func (c *Controller) StopNow(ctx context.Context, userID string) error {
	sess, err := c.open(ctx, userID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var deviceID string
	if c.current != nil && c.current.UserID == userID {
		deviceID = c.current.DeviceID
	}
	c.replace(nil)

	if err := c.pause(ctx, sess, deviceID); err != nil {
		return fmt.Errorf("pausing playback: %w", err)
	}
	c.logger.Info("playback stopped", "user", userID)
	return nil
}

// Current returns a copy of the pending stop.
func (c *Controller) Current() (ScheduledStop, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return ScheduledStop{}, false
	}
	return *c.current, true
}

// Shutdown cancels the pending stop without pausing.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replace(nil)
}

// replace cancels the pending stop and installs next. Callers must hold c.mu.
// A canceled timer whose callback is already waiting on c.mu sees that it is
// no longer current and returns without pausing.
func (c *Controller) replace(next *ScheduledStop) {
	if prev := c.current; prev != nil {
		if prev.timer != nil {
			prev.timer.Stop()
		}
		c.logger.Debug("scheduled stop canceled", "stop", prev.ID, "track", prev.TrackURI)
	}
	c.current = next
}

// fire runs on the timer goroutine.
func (c *Controller) fire(stop *ScheduledStop) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != stop {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*c.callTimeout)
	defer cancel()

	sess, err := c.open(ctx, stop.UserID)
	if err == nil {
		err = c.pause(ctx, sess, stop.DeviceID)
	}
	c.current = nil

	if err != nil {
		c.logger.Error("scheduled pause failed", "user", stop.UserID, "track", stop.TrackURI, "stop", stop.ID, "err", err)
		return
	}
	c.logger.Info("scheduled pause fired", "user", stop.UserID, "track", stop.TrackURI, "stop", stop.ID)
}

func (c *Controller) pause(ctx context.Context, sess *session, deviceID string) error {
	err := sess.do(ctx, func(ctx context.Context, token string) error {
		return c.provider.Pause(ctx, token, deviceID)
	})
	if benignPause(err) {
		c.logger.Debug("nothing to pause", "user", sess.userID, "err", err)
		return nil
	}
	return err
}

// resolveDevice returns the device to target. An explicit id wins; without
// RequireDevice an empty id leaves the choice to the provider. Otherwise the
// active device is preferred, then the first listed.
func (c *Controller) resolveDevice(ctx context.Context, sess *session, deviceID string) (string, error) {
	if deviceID != "" || !c.requireDevice {
		return deviceID, nil
	}

	var devices []Device
	err := sess.do(ctx, func(ctx context.Context, token string) error {
		var err error
		devices, err = c.provider.Devices(ctx, token)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("listing devices: %w", err)
	}
	if len(devices) == 0 {
		return "", ErrNoActiveDevice
	}

	for _, d := range devices {
		if d.Active {
			return d.ID, nil
		}
	}
	return devices[0].ID, nil
}

// session carries one operation's access token and whether it has already
// spent its single refresh.
type session struct {
	c         *Controller
	userID    string
	token     string
	refreshed bool
}

func (c *Controller) open(ctx context.Context, userID string) (*session, error) {
	cred, ok := c.creds.Get(userID)
	if !ok {
		return nil, ErrNoCredential
	}

	s := &session{c: c, userID: userID, token: cred.AccessToken}
	if s.token == "" {
		if err := s.refresh(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *session) refresh(ctx context.Context) error {
	s.refreshed = true

	token, err := s.c.creds.Refresh(ctx, s.userID)
	if err != nil {
		if errors.Is(err, ErrNoCredential) {
			return err
		}
		if !errors.Is(err, ErrRefreshFailed) {
			err = fmt.Errorf("%w: %w", ErrRefreshFailed, err)
		}
		return err
	}
	s.token = token
	return nil
}

// do runs op with a bounded timeout. If the provider reports an expired token
// and this session has not refreshed yet, it refreshes once and retries once.
func (s *session) do(ctx context.Context, op func(ctx context.Context, token string) error) error {
	err := s.call(ctx, op)

	var rej *RejectedError
	if !errors.As(err, &rej) || !rej.Expired() || s.refreshed {
		return err
	}

	s.c.logger.Debug("access token rejected, refreshing", "user", s.userID)
	if rerr := s.refresh(ctx); rerr != nil {
		return rerr
	}
	return s.call(ctx, op)
}

func (s *session) call(ctx context.Context, op func(ctx context.Context, token string) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.c.callTimeout)
	defer cancel()
	return op(ctx, s.token)
}

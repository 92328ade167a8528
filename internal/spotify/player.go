package spotify

import (
	"context"
	"fmt"

	"github.com/zmb3/spotify/v2"

	"github.com/justestif/bugbeats/internal/playback"
)

// Play starts a single track at cmd.Position.
// An empty cmd.DeviceID targets the user's currently active device.
func (c *Client) Play(ctx context.Context, accessToken string, cmd playback.PlayCommand) error {
	opts := &spotify.PlayOptions{
		URIs:       []spotify.URI{spotify.URI(cmd.TrackURI)},
		PositionMs: spotify.Numeric(cmd.Position.Milliseconds()),
	}
	if cmd.DeviceID != "" {
		id := spotify.ID(cmd.DeviceID)
		opts.DeviceID = &id
	}

	api, rec := c.api(accessToken)
	if err := api.PlayOpt(ctx, opts); err != nil {
		return fmt.Errorf("starting playback: %w", convertError(err, rec.Status()))
	}
	return nil
}

// Pause pauses playback on deviceID, or on the active device when empty.
func (c *Client) Pause(ctx context.Context, accessToken, deviceID string) error {
	api, rec := c.api(accessToken)

	var err error
	if deviceID != "" {
		id := spotify.ID(deviceID)
		err = api.PauseOpt(ctx, &spotify.PlayOptions{DeviceID: &id})
	} else {
		err = api.Pause(ctx)
	}
	if err != nil {
		return fmt.Errorf("pausing playback: %w", convertError(err, rec.Status()))
	}
	return nil
}

// Devices lists the user's available Spotify Connect devices.
func (c *Client) Devices(ctx context.Context, accessToken string) ([]playback.Device, error) {
	api, rec := c.api(accessToken)
	devices, err := api.PlayerDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", convertError(err, rec.Status()))
	}

	result := make([]playback.Device, 0, len(devices))
	for _, d := range devices {
		result = append(result, convertDevice(d))
	}
	return result, nil
}

// convertDevice converts a Spotify PlayerDevice to our Device type.
func convertDevice(d spotify.PlayerDevice) playback.Device {
	return playback.Device{
		ID:     d.ID.String(),
		Name:   d.Name,
		Type:   d.Type,
		Active: d.Active,
	}
}

// Package spotify implements the playback provider on top of the Spotify Web API.
package spotify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/zmb3/spotify/v2"
	"golang.org/x/oauth2"

	"github.com/justestif/bugbeats/internal/playback"
)

// DefaultTimeout bounds each HTTP round trip to the Web API.
const DefaultTimeout = 10 * time.Second

// Options configures a Client.
type Options struct {
	// BaseURL overrides the Web API root. Used by tests.
	BaseURL string

	Timeout   time.Duration
	Transport http.RoundTripper
}

// Client issues Web API calls with caller-supplied access tokens.
// It never refreshes tokens itself; a 401 surfaces as an expired
// playback.RejectedError so the controller can decide whether to refresh.
type Client struct {
	baseURL   string
	timeout   time.Duration
	transport http.RoundTripper
}

var _ playback.Provider = (*Client)(nil)

// New creates a Client.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Transport == nil {
		opts.Transport = http.DefaultTransport
	}
	if opts.BaseURL != "" && !strings.HasSuffix(opts.BaseURL, "/") {
		opts.BaseURL += "/"
	}
	return &Client{
		baseURL:   opts.BaseURL,
		timeout:   opts.Timeout,
		transport: opts.Transport,
	}
}

// api returns a Web API client bound to a fixed access token, and the
// recorder that sees its responses.
func (c *Client) api(accessToken string) (*spotify.Client, *statusRecorder) {
	rec := &statusRecorder{base: c.transport}
	httpClient := &http.Client{
		Timeout: c.timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}),
			Base:   rec,
		},
	}

	var opts []spotify.ClientOption
	if c.baseURL != "" {
		opts = append(opts, spotify.WithBaseURL(c.baseURL))
	}
	return spotify.New(httpClient, opts...), rec
}

// UserID returns the Spotify ID of the token's owner.
func (c *Client) UserID(ctx context.Context, accessToken string) (string, error) {
	api, rec := c.api(accessToken)
	user, err := api.CurrentUser(ctx)
	if err != nil {
		return "", fmt.Errorf("getting current user: %w", convertError(err, rec.Status()))
	}
	return user.ID, nil
}

// statusRecorder keeps the status of the last non-2xx response. The Web API
// client only decodes JSON error bodies, so an empty or HTML body would
// otherwise lose the status.
type statusRecorder struct {
	base http.RoundTripper

	mu     sync.Mutex
	status int
}

func (r *statusRecorder) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := r.base.RoundTrip(req)
	if err == nil && (resp.StatusCode < 200 || resp.StatusCode > 299) {
		r.mu.Lock()
		r.status = resp.StatusCode
		r.mu.Unlock()
	}
	return resp, err
}

// Status returns the last non-2xx status, or 0.
func (r *statusRecorder) Status() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// convertError turns Web API error responses into playback.RejectedError.
// status is the HTTP status seen on the wire, used when the response body
// was not a Web API error object. Transport failures pass through unchanged.
func convertError(err error, status int) error {
	if err == nil {
		return nil
	}

	var apiErr spotify.Error
	if errors.As(err, &apiErr) {
		return &playback.RejectedError{Status: apiErr.Status, Details: apiErr.Message}
	}
	var apiErrPtr *spotify.Error
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return &playback.RejectedError{Status: apiErrPtr.Status, Details: apiErrPtr.Message}
	}
	if status != 0 {
		return &playback.RejectedError{Status: status, Details: err.Error()}
	}
	return err
}

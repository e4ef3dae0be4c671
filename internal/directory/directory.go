// Package directory implements DeviceDirectory: the HTTP client to the
// external device-profile API (mode/character/listening-mode lookups) and
// the media back-end bot-control API. Grounded on the pack's
// go-resty/resty/v2 usage for bearer-authenticated JSON HTTP clients.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const requestTimeout = 5 * time.Second

// envelope is the {code, data} response shape every profile-API endpoint
// uses.
type envelope struct {
	Code int             `json:"code"`
	Data json.RawMessage `json:"data"`
}

// Client talks to both the device-profile API and the media back-end.
type Client struct {
	http         *resty.Client
	managerBase  string
	mediaBase    string
	log          *zap.SugaredLogger
}

// New builds a Client. bearer is the CEREBRIUM_API_TOKEN sent on every
// media back-end request.
func New(managerBaseURL, mediaBaseURL, bearer string, log *zap.SugaredLogger) *Client {
	http := resty.New().
		SetTimeout(requestTimeout).
		SetHeader("Authorization", "Bearer "+bearer)
	return &Client{http: http, managerBase: managerBaseURL, mediaBase: mediaBaseURL, log: log.Named("directory")}
}

// CycleModeResult is the payload POST /toy/device/<mac>/cycle-mode returns.
type CycleModeResult struct {
	Success bool   `json:"success"`
	NewMode string `json:"newMode"`
	OldMode string `json:"oldMode"`
}

// Mode returns the device's current mode, falling back to "conversation" on
// any error (per spec.md §4.9's hello-time fallback policy).
func (c *Client) Mode(ctx context.Context, mac string) string {
	var env envelope
	resp, err := c.http.R().SetContext(ctx).SetResult(&env).
		Get(fmt.Sprintf("%s/toy/device/%s/mode", c.managerBase, mac))
	if err != nil || resp.IsError() {
		c.log.Warnw("mode lookup failed, defaulting to conversation", "mac", mac, "error", err)
		return "conversation"
	}
	var mode string
	if jsonErr := json.Unmarshal(env.Data, &mode); jsonErr != nil {
		c.log.Warnw("mode lookup returned unexpected shape, defaulting to conversation", "mac", mac)
		return "conversation"
	}
	return mode
}

// ListeningMode returns the device's listening mode.
func (c *Client) ListeningMode(ctx context.Context, mac string) (string, error) {
	var mode string
	if err := c.getString(ctx, fmt.Sprintf("%s/toy/device/%s/device-mode", c.managerBase, mac), &mode); err != nil {
		return "", err
	}
	return mode, nil
}

// CurrentCharacter returns the device's current character.
func (c *Client) CurrentCharacter(ctx context.Context, mac string) (string, error) {
	var character string
	if err := c.getString(ctx, fmt.Sprintf("%s/toy/agent/device/%s/current-character", c.managerBase, mac), &character); err != nil {
		return "", err
	}
	return character, nil
}

// CycleMode asks the profile API to cycle the device to its next mode.
func (c *Client) CycleMode(ctx context.Context, mac string) (CycleModeResult, error) {
	var env envelope
	resp, err := c.http.R().SetContext(ctx).SetResult(&env).
		Post(fmt.Sprintf("%s/toy/device/%s/cycle-mode", c.managerBase, mac))
	if err != nil || resp.IsError() {
		return CycleModeResult{}, fmt.Errorf("directory: cycle mode for %s: %w", mac, firstNonNil(err, errHTTPStatus(resp)))
	}
	var result CycleModeResult
	if err := json.Unmarshal(env.Data, &result); err != nil {
		return CycleModeResult{}, fmt.Errorf("directory: decode cycle-mode response: %w", err)
	}
	return result, nil
}

// CycleCharacter asks the profile API to cycle, or explicitly set, the
// device's character. An empty characterName cycles; a non-empty one sets.
func (c *Client) CycleCharacter(ctx context.Context, mac, characterName string) error {
	path := fmt.Sprintf("%s/toy/agent/device/%s/cycle-character", c.managerBase, mac)
	req := c.http.R().SetContext(ctx)
	if characterName != "" {
		path = fmt.Sprintf("%s/toy/agent/device/%s/set-character", c.managerBase, mac)
		req = req.SetBody(map[string]string{"character": characterName})
	}
	resp, err := req.Post(path)
	if err != nil || resp.IsError() {
		return fmt.Errorf("directory: set/cycle character for %s: %w", mac, firstNonNil(err, errHTTPStatus(resp)))
	}
	return nil
}

// Playlist fetches the track list for mac's current mode.
func (c *Client) Playlist(ctx context.Context, mac, mode string) ([]string, error) {
	var env envelope
	resp, err := c.http.R().SetContext(ctx).SetResult(&env).
		Get(fmt.Sprintf("%s/toy/device/%s/playlist/%s", c.managerBase, mac, mode))
	if err != nil || resp.IsError() {
		return nil, fmt.Errorf("directory: playlist for %s/%s: %w", mac, mode, firstNonNil(err, errHTTPStatus(resp)))
	}
	var playlist []string
	if err := json.Unmarshal(env.Data, &playlist); err != nil {
		return nil, fmt.Errorf("directory: decode playlist response: %w", err)
	}
	return playlist, nil
}

func (c *Client) getString(ctx context.Context, url string, out *string) error {
	var env envelope
	resp, err := c.http.R().SetContext(ctx).SetResult(&env).Get(url)
	if err != nil || resp.IsError() {
		return fmt.Errorf("directory: GET %s: %w", url, firstNonNil(err, errHTTPStatus(resp)))
	}
	return json.Unmarshal(env.Data, out)
}

func errHTTPStatus(resp *resty.Response) error {
	if resp == nil {
		return fmt.Errorf("directory: nil response")
	}
	return fmt.Errorf("directory: unexpected status %s", resp.Status())
}

func firstNonNil(errs ...error) error {
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}

package directory

import (
	"context"
	"fmt"
)

// BotMode selects which bot family a playback-control action targets.
type BotMode string

const (
	BotMusic BotMode = "music"
	BotStory BotMode = "story"
)

// StartMusicBot starts a music bot in roomName for deviceMac.
func (c *Client) StartMusicBot(ctx context.Context, roomName, deviceMac, language string, playlist []string) error {
	return c.postMedia(ctx, "/start-music-bot", map[string]interface{}{
		"room_name": roomName, "device_mac": deviceMac, "language": language, "playlist": playlist,
	})
}

// StartStoryBot starts a story bot in roomName for deviceMac.
func (c *Client) StartStoryBot(ctx context.Context, roomName, deviceMac, ageGroup string, playlist []string) error {
	return c.postMedia(ctx, "/start-story-bot", map[string]interface{}{
		"room_name": roomName, "device_mac": deviceMac, "age_group": ageGroup, "playlist": playlist,
	})
}

// BotAction issues a transport control (start/next/previous/stop/pause/resume)
// to the bot owning roomName.
func (c *Client) BotAction(ctx context.Context, mode BotMode, roomName, action string) error {
	return c.postMedia(ctx, fmt.Sprintf("/%s-bot/%s/%s", mode, roomName, action), nil)
}

// StopBot tears down whichever bot owns roomName.
func (c *Client) StopBot(ctx context.Context, roomName string) error {
	return c.postMedia(ctx, "/stop-bot", map[string]interface{}{"room_name": roomName})
}

func (c *Client) postMedia(ctx context.Context, path string, body interface{}) error {
	req := c.http.R().SetContext(ctx)
	if body != nil {
		req = req.SetBody(body)
	}
	resp, err := req.Post(c.mediaBase + path)
	if err != nil || resp.IsError() {
		return fmt.Errorf("directory: media backend %s: %w", path, firstNonNil(err, errHTTPStatus(resp)))
	}
	return nil
}

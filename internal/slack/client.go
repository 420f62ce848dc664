// Package slack delivers queued notifications to Slack channels via
// chat.postMessage. The notification payload is opaque to the queue and
// interpreted here: message fields (text, blocks) pass through as-is and the
// channel is taken from the queue row, never from the payload.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/advancedAgritek-BB/Harvestry-App-sub003/internal/notify"
)

// TokenSource resolves the bot token for a workspace. Implemented by the
// store against the workspace table.
type TokenSource interface {
	BotToken(ctx context.Context, workspaceID string) (string, error)
}

type Client struct {
	httpClient *http.Client
	apiBase    string
	tokens     TokenSource
}

func NewClient(apiBase string, tokens TokenSource) *Client {
	if apiBase == "" {
		apiBase = "https://slack.com/api"
	}
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		apiBase:    apiBase,
		tokens:     tokens,
	}
}

type postMessageResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// Deliver implements notify.Deliverer.
func (c *Client) Deliver(ctx context.Context, r *notify.Request) error {
	token, err := c.tokens.BotToken(ctx, r.WorkspaceID)
	if err != nil {
		// A missing or deactivated workspace will not heal by retrying.
		return notify.Permanent(err)
	}

	var body map[string]any
	if err := json.Unmarshal(r.Payload, &body); err != nil {
		return notify.Permanent(fmt.Errorf("malformed payload: %w", err))
	}
	if _, ok := body["text"]; !ok {
		if _, hasBlocks := body["blocks"]; !hasBlocks {
			body["text"] = fmt.Sprintf("Harvestry: %s", r.Type)
		}
	}
	body["channel"] = r.ChannelID

	buf, err := json.Marshal(body)
	if err != nil {
		return notify.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/chat.postMessage", bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("slack rate limited (429)")
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("slack server error (%d)", resp.StatusCode)
	}

	var out postMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode slack response: %w", err)
	}
	if !out.OK {
		if permanentSlackError(out.Error) {
			return notify.Permanent(fmt.Errorf("slack: %s", out.Error))
		}
		return fmt.Errorf("slack: %s", out.Error)
	}
	return nil
}

// Errors that retrying cannot fix.
func permanentSlackError(code string) bool {
	switch code {
	case "channel_not_found", "is_archived", "invalid_auth", "account_inactive",
		"token_revoked", "not_in_channel", "msg_too_long", "invalid_blocks":
		return true
	}
	return false
}

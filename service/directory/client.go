// Package directory adapts the collaboration app's HTTP API, which owns
// users, devices and workspace membership. The gateway only reads from it
// at connect time and treats any failure as "nothing found".
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/spoonbobo/onlysaid/logger"

	"go.uber.org/zap"
)

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type deviceRecord struct {
	DeviceID string `json:"device_id"`
}

type workspaceRecord struct {
	ID string `json:"id"`
}

type listEnvelope[T any] struct {
	Data []T `json:"data"`
}

// DevicesOf returns every device id known for the user, active or not.
// Errors degrade to an empty list: the gateway keeps working, it just
// cannot queue for devices it cannot see.
func (c *Client) DevicesOf(ctx context.Context, userID, token string) []string {
	var env listEnvelope[deviceRecord]
	if err := c.get(ctx, "/api/v2/user/devices", userID, token, &env); err != nil {
		logger.Warn("directory devices lookup failed", zap.String("user", userID), zap.Error(err))
		return nil
	}
	out := make([]string, 0, len(env.Data))
	for _, d := range env.Data {
		if d.DeviceID != "" {
			out = append(out, d.DeviceID)
		}
	}
	return out
}

// WorkspacesOf returns the workspaces the user is a member of.
func (c *Client) WorkspacesOf(ctx context.Context, userID, token string) []string {
	var env listEnvelope[workspaceRecord]
	if err := c.get(ctx, "/api/v2/workspace", userID, token, &env); err != nil {
		logger.Warn("directory workspaces lookup failed", zap.String("user", userID), zap.Error(err))
		return nil
	}
	out := make([]string, 0, len(env.Data))
	for _, w := range env.Data {
		if w.ID != "" {
			out = append(out, w.ID)
		}
	}
	return out
}

func (c *Client) get(ctx context.Context, path, userID, token string, out any) error {
	u := c.baseURL + path + "?userId=" + url.QueryEscape(userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("directory responded %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

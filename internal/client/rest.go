package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/Tyrowin/launchchat/internal/hub"
	"github.com/Tyrowin/launchchat/internal/store"
)

// Stats mirrors the admin stats response.
type Stats struct {
	OnlineUsers              int   `json:"onlineUsers"`
	TotalMessages            int64 `json:"totalMessages"`
	Connections              int   `json:"connections"`
	AuthenticatedConnections int   `json:"authenticatedConnections"`
}

// Send posts a chat message and returns it as stored.
func (c *Client) Send(ctx context.Context, body string) (store.Message, error) {
	var msg store.Message
	err := c.do(ctx, http.MethodPost, "/api/chat/send", map[string]string{"message": body}, &msg)
	return msg, err
}

// History returns up to limit recent messages, oldest first. A non-positive
// limit uses the server default.
func (c *Client) History(ctx context.Context, limit int) ([]store.Message, error) {
	path := "/api/chat/messages"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var msgs []store.Message
	err := c.do(ctx, http.MethodGet, path, nil, &msgs)
	return msgs, err
}

// OnlineUsers lists identities the server reports online.
func (c *Client) OnlineUsers(ctx context.Context) ([]hub.PresenceData, error) {
	var users []hub.PresenceData
	err := c.do(ctx, http.MethodGet, "/api/chat/online-users", nil, &users)
	return users, err
}

// Stats returns server counters. It requires an admin token.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := c.do(ctx, http.MethodGet, "/api/admin/stats", nil, &s)
	return s, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader = http.NoBody
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

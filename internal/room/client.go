// Package room is a thin REST client for the vendor backend's room
// lifecycle: create, inspect, join, leave, end. Unlike the socket layer,
// these calls back user-initiated actions, so errors are returned to the
// caller and surfaced, not swallowed.
package room

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Room describes one vendor-backend room as returned by the REST API.
type Room struct {
	ID           string   `json:"roomId"`
	Name         string   `json:"name,omitempty"`
	CreatedBy    string   `json:"createdBy,omitempty"`
	Participants []string `json:"participants,omitempty"`
	Active       bool     `json:"active"`
	CreatedAt    int64    `json:"createdAt,omitempty"`
}

// JoinGrant is the backend's answer to a join request: the media token and
// the server the client must attach to.
type JoinGrant struct {
	RoomID    string `json:"roomId"`
	Token     string `json:"token"`
	ServerURL string `json:"serverUrl"`
}

// Client talks to the vendor backend's room endpoints.
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

// NewClient creates a room client. baseURL is the backend's REST root.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

// CreateRoom asks the backend for a new room scoped to one call.
func (c *Client) CreateRoom(ctx context.Context, roomID, createdBy string) (*Room, error) {
	var out Room
	err := c.postJSON(ctx, "/rooms/create", map[string]any{
		"roomId":    roomID,
		"createdBy": createdBy,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("create room %s: %w", roomID, err)
	}
	return &out, nil
}

// RoomDetails fetches the current state of a room.
func (c *Client) RoomDetails(ctx context.Context, roomID string) (*Room, error) {
	var out Room
	if err := c.getJSON(ctx, "/rooms/"+roomID, &out); err != nil {
		return nil, fmt.Errorf("room details %s: %w", roomID, err)
	}
	return &out, nil
}

// JoinRoom requests a media token for the given participant. A room pushed
// without a token in the incoming-call event fails here, not earlier — the
// notification layer surfaces the call regardless and lets the join be the
// authoritative gate.
func (c *Client) JoinRoom(ctx context.Context, roomID, userID string) (*JoinGrant, error) {
	var out JoinGrant
	err := c.postJSON(ctx, "/rooms/"+roomID+"/join", map[string]any{
		"userId": userID,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("join room %s: %w", roomID, err)
	}
	return &out, nil
}

// LeaveRoom removes a participant from a room.
func (c *Client) LeaveRoom(ctx context.Context, roomID, userID string) error {
	err := c.postJSON(ctx, "/rooms/"+roomID+"/leave", map[string]any{
		"userId": userID,
	}, nil)
	if err != nil {
		return fmt.Errorf("leave room %s: %w", roomID, err)
	}
	return nil
}

// EndRoom terminates a room for all participants.
func (c *Client) EndRoom(ctx context.Context, roomID string) error {
	if err := c.postJSON(ctx, "/rooms/"+roomID+"/end", map[string]any{}, nil); err != nil {
		return fmt.Errorf("end room %s: %w", roomID, err)
	}
	return nil
}

// getJSON performs a GET, drains the body, and decodes JSON into v.
func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, v)
}

// postJSON performs a POST with a JSON body and decodes the response into v
// unless v is nil.
func (c *Client) postJSON(ctx context.Context, path string, body, v any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, v)
}

func (c *Client) do(req *http.Request, v any) error {
	req.Header.Set("X-Api-Key", c.APIKey)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s %s: status %s", req.Method, req.URL.Path, resp.Status)
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

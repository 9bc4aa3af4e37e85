// Package boardclient provides an HTTP client for the board server's room API.
// Drawing itself goes over WebSocket; see internal/channel.Remote.
package boardclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultURL is used when no base URL is given.
const DefaultURL = "http://localhost:8080"

// Client is a board API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a new board client.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is returned for error responses.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("board error %d: %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		json.Unmarshal(body, &errResp)
		if errResp.Error == "" {
			errResp.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: errResp.Error}
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

// HealthResponse is the server health report.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Checks  map[string]struct {
		Status  string `json:"status"`
		Latency string `json:"latency,omitempty"`
	} `json:"checks"`
}

// Health checks server health. A degraded server is reported in the
// response, not as an error.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", &resp)
	if apiErr, ok := err.(*APIError); ok && apiErr.Status == http.StatusServiceUnavailable {
		return &HealthResponse{Status: "degraded"}, nil
	}
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateRoomResponse is the response from creating a room.
type CreateRoomResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CreateRoom asks the server for a fresh room ID.
func (c *Client) CreateRoom(ctx context.Context) (*CreateRoomResponse, error) {
	var resp CreateRoomResponse
	if err := c.do(ctx, http.MethodPost, "/room", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Player is a participant listed in a room.
type Player struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	JoinedAt int64  `json:"joined_at"`
}

// RoomInfo is the live state of a room.
type RoomInfo struct {
	ID          string   `json:"id"`
	Players     []Player `json:"players"`
	StrokeCount int      `json:"stroke_count"`
	Drawing     int      `json:"drawing"`
	TotalDrawn  int64    `json:"total_drawn,omitempty"`
	CreatedAt   string   `json:"created_at,omitempty"`
	LastActive  string   `json:"last_active,omitempty"`
}

// GetRoom retrieves a room's players and stroke counts.
func (c *Client) GetRoom(ctx context.Context, roomID string) (*RoomInfo, error) {
	var resp RoomInfo
	if err := c.do(ctx, http.MethodGet, "/room/"+url.PathEscape(roomID), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ClearRoom clears a room's board for everyone in it.
func (c *Client) ClearRoom(ctx context.Context, roomID string) error {
	return c.do(ctx, http.MethodDelete, "/room/"+url.PathEscape(roomID)+"/strokes", nil)
}

// RoomSummary is one entry of the active rooms list.
type RoomSummary struct {
	ID      string `json:"id"`
	Players int    `json:"players"`
}

// RoomsResponse is the response from listing rooms.
type RoomsResponse struct {
	Rooms []RoomSummary `json:"rooms"`
	Total int           `json:"total"`
}

// ListRooms lists rooms with players connected.
func (c *Client) ListRooms(ctx context.Context, limit, offset int) (*RoomsResponse, error) {
	var resp RoomsResponse
	path := fmt.Sprintf("/rooms?limit=%d&offset=%d", limit, offset)
	if err := c.do(ctx, http.MethodGet, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StatsResponse holds server-wide counts.
type StatsResponse struct {
	ActiveRooms  int   `json:"active_rooms"`
	TotalRooms   int64 `json:"total_rooms,omitempty"`
	TotalStrokes int64 `json:"total_strokes,omitempty"`
}

// Stats retrieves server statistics.
func (c *Client) Stats(ctx context.Context) (*StatsResponse, error) {
	var resp StatsResponse
	if err := c.do(ctx, http.MethodGet, "/stats", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

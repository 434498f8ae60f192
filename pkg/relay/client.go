// Package relay talks to the room broker: a REST surface for room
// lifecycle plus a websocket proxy between host and observers. The
// package holds both the client the engine consumes and a small
// self-hostable server implementing the same surface.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Room is the broker's record of a share, as returned by create/list.
type Room struct {
	ID             string     `json:"id"`
	Code           string     `json:"code"`
	URL            string     `json:"url"`
	SocketEndpoint string     `json:"ws_endpoint"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	HasPassword    bool       `json:"has_password"`
	HostConnected  bool       `json:"host_connected"`
}

// ResolvedRoom is what an observer learns from a share code.
type ResolvedRoom struct {
	ID               string `json:"id"`
	SocketEndpoint   string `json:"ws_endpoint"`
	PasswordRequired bool   `json:"password_required"`
	SessionName      string `json:"session_name,omitempty"`
}

// CreateRoomRequest asks the broker for a new room.
type CreateRoomRequest struct {
	SessionName string `json:"session_name,omitempty"`
	Password    string `json:"password,omitempty"`
	ExpiresInMs int64  `json:"expires_in_ms,omitempty"`
}

// Service is the broker surface the sharing engine consumes.
type Service interface {
	CreateRoom(ctx context.Context, req CreateRoomRequest) (Room, error)
	ResolveCode(ctx context.Context, code string) (ResolvedRoom, error)
	DeleteRoom(ctx context.Context, roomID string) error
	KickObserver(ctx context.Context, roomID, observerID string) error
	ListRooms(ctx context.Context) ([]Room, error)
}

// Sentinel errors the engine maps onto its failure taxonomy.
var (
	ErrNoAPIKey      = errors.New("relay: no API key configured")
	ErrInvalidAPIKey = errors.New("relay: API key rejected")
	ErrInvalidCode   = errors.New("relay: unknown share code")
	ErrExpired       = errors.New("relay: share expired")
)

// StatusError is any other non-2xx broker response.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("relay: status %d: %s", e.Status, e.Message)
}

// IsRoomLimit reports whether err is the broker refusing a room
// because the account already holds its concurrent-room quota. The
// engine treats this as a predicate rather than hard-coding broker
// prose; this default recognizes the 409 the reference broker sends.
func IsRoomLimit(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == http.StatusConflict
}

// Client is the REST client for a broker at baseURL.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient returns a broker client. token is the opaque bearer token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// CreateRoom implements Service.
func (c *Client) CreateRoom(ctx context.Context, req CreateRoomRequest) (Room, error) {
	var room Room
	err := c.do(ctx, http.MethodPost, "/api/rooms", req, &room)
	return room, err
}

// ResolveCode implements Service.
func (c *Client) ResolveCode(ctx context.Context, code string) (ResolvedRoom, error) {
	var resolved ResolvedRoom
	err := c.do(ctx, http.MethodGet, "/api/rooms/"+code, nil, &resolved)
	return resolved, err
}

// DeleteRoom implements Service.
func (c *Client) DeleteRoom(ctx context.Context, roomID string) error {
	return c.do(ctx, http.MethodDelete, "/api/rooms/"+roomID, nil, nil)
}

// KickObserver implements Service.
func (c *Client) KickObserver(ctx context.Context, roomID, observerID string) error {
	body := struct {
		ObserverID string `json:"observer_id"`
	}{ObserverID: observerID}
	return c.do(ctx, http.MethodPost, "/api/rooms/"+roomID+"/kick", body, nil)
}

// ListRooms implements Service.
func (c *Client) ListRooms(ctx context.Context) ([]Room, error) {
	var payload struct {
		Rooms []Room `json:"rooms"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/rooms", nil, &payload); err != nil {
		return nil, err
	}
	return payload.Rooms, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	if c.token == "" {
		return ErrNoAPIKey
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrInvalidAPIKey
	case resp.StatusCode == http.StatusNotFound:
		return ErrInvalidCode
	case resp.StatusCode == http.StatusGone:
		return ErrExpired
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Status: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

var ErrNoCredential = errors.New("no credential")

// Gate holds the opaque bearer credential for the room channel. A rejected
// session means the credential is bad: callers clear the gate and send the
// user back through login rather than retrying.
type Gate struct {
	token string
}

func NewGate(token string) *Gate {
	return &Gate{token: token}
}

// Credential returns the stored token; ok is false when the user is not
// authenticated, in which case no room session may be opened.
func (g *Gate) Credential() (string, bool) {
	return g.token, g.token != ""
}

func (g *Gate) SetCredential(token string) { g.token = token }

func (g *Gate) Clear() { g.token = "" }

// Client talks to the REST side of the backend: credential acquisition and
// room creation. Everything real-time goes over the websocket channels
// instead.
type Client struct {
	base string
	http *http.Client
	log  *zap.Logger
}

func NewClient(base string, log *zap.Logger) *Client {
	return &Client{
		base: base,
		http: &http.Client{Timeout: 10 * time.Second},
		log:  log,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	Msg         string `json:"msg,omitempty"`
}

// Login exchanges username/password for a bearer token.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	var out tokenResponse
	err := c.postJSON(ctx, "/auth/login", "", map[string]string{
		"username": username,
		"password": password,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.AccessToken, nil
}

// GuestLogin obtains a throwaway credential for the given display name.
func (c *Client) GuestLogin(ctx context.Context, username string) (string, error) {
	var out tokenResponse
	err := c.postJSON(ctx, "/auth/guest_login", "", map[string]string{
		"username": username,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.AccessToken, nil
}

type CreatedRoom struct {
	RoomID   int    `json:"room_id"`
	RoomCode string `json:"room_code"`
	Status   string `json:"status"`
}

// CreateRoom asks the backend for a fresh room. Joining it still goes
// through the room channel handshake.
func (c *Client) CreateRoom(ctx context.Context, token string) (CreatedRoom, error) {
	var out struct {
		Msg  string      `json:"msg"`
		Room CreatedRoom `json:"room"`
	}
	if err := c.postJSON(ctx, "/api/rooms", token, struct{}{}, &out); err != nil {
		return CreatedRoom{}, err
	}
	return out.Room, nil
}

func (c *Client) postJSON(ctx context.Context, path, token string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("post %s: %w", path, ErrNoCredential)
	}
	if resp.StatusCode >= 400 {
		var fail struct {
			Msg string `json:"msg"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&fail)
		if fail.Msg != "" {
			return fmt.Errorf("post %s: %s", path, fail.Msg)
		}
		return fmt.Errorf("post %s: status %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	c.log.Debug("rest call ok", zap.String("path", path))
	return nil
}

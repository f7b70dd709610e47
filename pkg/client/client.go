// Package client is a Go client for the wadm HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opensandbox/wadm/pkg/types"
)

// Client is an HTTP client for the wadm API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a new API client. token may be empty for the public
// auth endpoints.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SetToken replaces the bearer token, e.g. after Login.
func (c *Client) SetToken(token string) {
	c.token = token
}

// doRequest performs an HTTP request with bearer authentication.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}

	return resp, nil
}

// call runs a request, checks the status and decodes the body into out.
func (c *Client) call(ctx context.Context, method, path string, body, out interface{}, okStatus int) error {
	resp, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != okStatus {
		return apiError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// APIError is returned for any unexpected status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
}

func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	msg := strings.TrimSpace(string(body))
	var er types.ErrorResponse
	if json.Unmarshal(body, &er) == nil && er.Error != "" {
		msg = er.Error
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}

// Status reports whether first-run setup is still pending.
func (c *Client) Status(ctx context.Context) (*types.AuthStatus, error) {
	var st types.AuthStatus
	if err := c.call(ctx, http.MethodGet, "/api/auth/status", nil, &st, http.StatusOK); err != nil {
		return nil, err
	}
	return &st, nil
}

// SetupInit asks the server for a fresh TOTP enrollment.
func (c *Client) SetupInit(ctx context.Context) (*types.SetupInitResponse, error) {
	var enr types.SetupInitResponse
	if err := c.call(ctx, http.MethodPost, "/api/auth/setup/init", nil, &enr, http.StatusOK); err != nil {
		return nil, err
	}
	return &enr, nil
}

// SetupConfirm completes first-run setup and stores the returned token.
func (c *Client) SetupConfirm(ctx context.Context, req types.SetupConfirmRequest) (string, error) {
	var tok types.TokenResponse
	if err := c.call(ctx, http.MethodPost, "/api/auth/setup/confirm", req, &tok, http.StatusOK); err != nil {
		return "", err
	}
	c.token = tok.Token
	return tok.Token, nil
}

// Login exchanges a password and one-time code for a token and stores it.
func (c *Client) Login(ctx context.Context, password, code string) (string, error) {
	var tok types.TokenResponse
	req := types.LoginRequest{Password: password, Code: code}
	if err := c.call(ctx, http.MethodPost, "/api/auth/login", req, &tok, http.StatusOK); err != nil {
		return "", err
	}
	c.token = tok.Token
	return tok.Token, nil
}

// GetConfig returns the runtime configuration.
func (c *Client) GetConfig(ctx context.Context) (*types.Config, error) {
	var cfg types.Config
	if err := c.call(ctx, http.MethodGet, "/api/config", nil, &cfg, http.StatusOK); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDeveloperMode switches terminal access on or off.
func (c *Client) SetDeveloperMode(ctx context.Context, on bool) (*types.Config, error) {
	var cfg types.Config
	req := types.ConfigUpdateRequest{DeveloperMode: &on}
	if err := c.call(ctx, http.MethodPost, "/api/config", req, &cfg, http.StatusOK); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ListSessions lists live terminal sessions.
func (c *Client) ListSessions(ctx context.Context) ([]types.TerminalSession, error) {
	var sessions []types.TerminalSession
	if err := c.call(ctx, http.MethodGet, "/api/terminal/sessions", nil, &sessions, http.StatusOK); err != nil {
		return nil, err
	}
	return sessions, nil
}

// KillSession terminates a live terminal session.
func (c *Client) KillSession(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, "/api/terminal/sessions/"+url.PathEscape(id), nil, nil, http.StatusNoContent)
}

// History returns the most recent terminal sessions, newest first. A limit
// of zero uses the server default.
func (c *Client) History(ctx context.Context, limit int) ([]types.TerminalHistoryEntry, error) {
	path := "/api/terminal/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var entries []types.TerminalHistoryEntry
	if err := c.call(ctx, http.MethodGet, path, nil, &entries, http.StatusOK); err != nil {
		return nil, err
	}
	return entries, nil
}

// TerminalURL returns the websocket URL for a terminal session.
func (c *Client) TerminalURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/terminal/ws"
	q := u.Query()
	q.Set("token", c.token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// DialTerminal opens a terminal websocket. Output arrives as binary
// messages; input is sent as binary messages and resizes as text
// "RESIZE:<cols>x<rows>".
func (c *Client) DialTerminal(ctx context.Context) (*websocket.Conn, error) {
	target, err := c.TerminalURL()
	if err != nil {
		return nil, err
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, apiError(resp)
		}
		return nil, fmt.Errorf("dial terminal: %w", err)
	}
	return ws, nil
}

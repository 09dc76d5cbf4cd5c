// Package client provides an HTTP client for the policychat API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/policychat/internal/conversation"
	"github.com/raphaelgruber/policychat/internal/models"
	"github.com/raphaelgruber/policychat/internal/sqlguard"
	"github.com/raphaelgruber/policychat/internal/text2sql"
)

// ErrUnauthorized is returned for 401 responses.
var ErrUnauthorized = errors.New("unauthorized")

// ErrNotFound is returned for 404 responses.
var ErrNotFound = errors.New("not found")

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server error: %d %s", e.Status, e.Message)
}

// Unwrap maps well-known statuses to sentinel errors.
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	}
	return nil
}

// Client talks to a policychat server. It is safe for concurrent use once
// logged in.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// New creates a client.
// If baseURL is empty, uses POLICYCHAT_SERVER_URL or defaults to localhost:8585.
// Timeout can be configured via POLICYCHAT_CLIENT_TIMEOUT (default 2m; agent
// calls with retries are slow).
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = os.Getenv("POLICYCHAT_SERVER_URL")
	}
	if baseURL == "" {
		baseURL = "http://localhost:8585"
	}

	timeout := 2 * time.Minute
	if t := os.Getenv("POLICYCHAT_CLIENT_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// SetToken sets the bearer token, e.g. one saved from an earlier Login.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// do sends a JSON request and decodes a 2xx JSON response into result.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	status, data, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	if status < 200 || status > 299 {
		return newAPIError(status, data)
	}
	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// newAPIError decodes an error body of the form {"error": "..."}.
func newAPIError(status int, data []byte) *APIError {
	var e struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		msg = e.Error
	}
	return &APIError{Status: status, Message: msg}
}

func (c *Client) send(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

// =============================================================================
// AUTH
// =============================================================================

// Identity is what the server returns on login.
type Identity struct {
	AccessToken  string `json:"access_token"`
	Username     string `json:"username"`
	PolicyNumber string `json:"policy_number,omitempty"`
}

// Login authenticates and keeps the access token for later calls.
func (c *Client) Login(ctx context.Context, username, password string) (*Identity, error) {
	var id Identity
	err := c.do(ctx, http.MethodPost, "/api/login", map[string]string{
		"username": username,
		"password": password,
	}, &id)
	if err != nil {
		return nil, err
	}
	c.SetToken(id.AccessToken)
	return &id, nil
}

// Logout revokes the token server-side and forgets it.
func (c *Client) Logout(ctx context.Context) error {
	err := c.do(ctx, http.MethodPost, "/api/logout", nil, nil)
	c.SetToken("")
	return err
}

// =============================================================================
// SESSIONS
// =============================================================================

// CreateSession starts a session. Welcome is set when the server seeded one.
func (c *Client) CreateSession(ctx context.Context) (string, *models.Message, error) {
	var resp struct {
		SessionID string          `json:"session_id"`
		Welcome   *models.Message `json:"welcome,omitempty"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/sessions", nil, &resp); err != nil {
		return "", nil, err
	}
	return resp.SessionID, resp.Welcome, nil
}

// ListSessions returns the caller's sessions, newest first.
func (c *Client) ListSessions(ctx context.Context) ([]models.SessionSummary, error) {
	var resp struct {
		Sessions []models.SessionSummary `json:"sessions"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/sessions", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// GetSession loads one session with its messages.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	var sess models.Session
	if err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(sessionID), nil, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// SendTurn sends one prompt and waits for the agent's reply.
func (c *Client) SendTurn(ctx context.Context, sessionID, prompt string) (*conversation.TurnResult, error) {
	var res conversation.TurnResult
	path := "/api/sessions/" + url.PathEscape(sessionID) + "/turns"
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"prompt": prompt}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// =============================================================================
// DATA
// =============================================================================

// CheckSQL runs the server's safety filter on a statement.
func (c *Client) CheckSQL(ctx context.Context, sql string) (*sqlguard.Verdict, error) {
	var v sqlguard.Verdict
	if err := c.do(ctx, http.MethodPost, "/api/sql/check", map[string]string{"sql": sql}, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// AskSQL asks a data question. A refused query comes back as an answer with
// Message set, not as an error.
func (c *Client) AskSQL(ctx context.Context, question string) (*text2sql.Answer, error) {
	status, data, err := c.send(ctx, http.MethodPost, "/api/sql", map[string]string{"question": question})
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusUnprocessableEntity {
		return nil, newAPIError(status, data)
	}
	var ans text2sql.Answer
	if err := json.Unmarshal(data, &ans); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &ans, nil
}

// =============================================================================
// WEBSOCKET
// =============================================================================

// ChatEvent is one message from the chat socket.
type ChatEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Persisted bool   `json:"persisted,omitempty"`
}

// ChatConn is an open chat socket for one session.
type ChatConn struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

// Dial opens the chat socket of a session and waits for the server's
// "connected" event.
func (c *Client) Dial(ctx context.Context, sessionID string) (*ChatConn, error) {
	wsURL := c.baseURL
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)

	u, err := url.Parse(wsURL + "/api/sessions/" + url.PathEscape(sessionID) + "/ws")
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}

	header := http.Header{}
	if token := c.Token(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, &APIError{Status: resp.StatusCode, Message: "websocket connect failed"}
		}
		return nil, fmt.Errorf("websocket connect: %w", err)
	}

	cc := &ChatConn{conn: conn}
	var hello ChatEvent
	if err := conn.ReadJSON(&hello); err != nil {
		cc.Close()
		return nil, fmt.Errorf("read connected event: %w", err)
	}
	if hello.Type != "connected" {
		cc.Close()
		return nil, fmt.Errorf("expected connected event, got %s", hello.Type)
	}
	return cc, nil
}

// Send sends a prompt and waits for the turn result or an error event.
func (cc *ChatConn) Send(ctx context.Context, prompt string) (*ChatEvent, error) {
	// Unblock the read when ctx ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			cc.Close()
		case <-done:
		}
	}()

	if err := cc.conn.WriteJSON(map[string]string{"prompt": prompt}); err != nil {
		return nil, fmt.Errorf("send prompt: %w", err)
	}

	for {
		var ev ChatEvent
		if err := cc.conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("read message: %w", err)
		}
		switch ev.Type {
		case "turn":
			return &ev, nil
		case "error":
			return nil, fmt.Errorf("chat error: %s", ev.Text)
		default:
			// Ignore unknown message types
			continue
		}
	}
}

// Close closes the socket. It is safe to call more than once.
func (cc *ChatConn) Close() error {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.closed {
		return nil
	}
	cc.closed = true
	_ = cc.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return cc.conn.Close()
}

// Package chatsync is a Go client for the team dashboard chat backend.
//
// It keeps a local view of the open conversation consistent with the server
// while messages arrive over the realtime socket and are sent optimistically.
//
// Example:
//
//	client := chatsync.NewClient(token, chatsync.WithBaseURL("https://chat.example.com/api"))
//	conn, _ := client.Dial(ctx, chatsync.RealtimeConfig{AutoReconnect: true})
//	session := chatsync.NewSession(client, conn, identity)
//
//	session.Open(ctx, roomID)
//	session.Send(ctx, roomID, "Hello!")
//	session.Messages(roomID)
package chatsync

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "http://localhost:5000/api"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the REST API. Sub-clients group the endpoints the chat
// features consume.
type Client struct {
	mu         sync.RWMutex
	token      string
	baseURL    string
	socketURL  string
	httpClient *http.Client
	log        *zap.Logger
	normalizer *Normalizer

	Auth     *AuthClient
	Messages *MessagesClient
	Rooms    *RoomsClient
	Friends  *FriendsClient
	Comments *CommentsClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithSocketURL sets the realtime origin. By default it is the base URL
// without its trailing /api segment.
func WithSocketURL(url string) ClientOption {
	return func(c *Client) { c.socketURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(log *zap.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

func WithSanitizer(s Sanitizer) ClientOption {
	return func(c *Client) { c.normalizer = NewNormalizer(s) }
}

// NewClient creates a REST client. token may be "" before login.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.normalizer == nil {
		c.normalizer = NewNormalizer(nil)
	}

	c.Auth = &AuthClient{c: c}
	c.Messages = &MessagesClient{c: c}
	c.Rooms = &RoomsClient{c: c}
	c.Friends = &FriendsClient{c: c}
	c.Comments = &CommentsClient{c: c}
	return c
}

// SetToken replaces the bearer token, e.g. after login or refresh.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) SocketURL() string {
	if c.socketURL != "" {
		return c.socketURL
	}
	return strings.TrimSuffix(c.baseURL, "/api")
}

// Normalizer returns the normalizer shared by the client's sub-clients.
func (c *Client) Normalizer() *Normalizer { return c.normalizer }

// Dial opens the realtime connection for this client's backend and token.
// Fields left empty in config are filled from the client.
func (c *Client) Dial(ctx context.Context, config RealtimeConfig) (*Conn, error) {
	if config.URL == "" {
		config.URL = c.SocketURL()
	}
	if config.Token == "" {
		config.Token = c.Token()
	}
	if config.Logger == nil {
		config.Logger = c.log
	}
	conn := NewConn(config)
	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s %s: %w", method, path, ErrTimeout)
		}
		return nil, fmt.Errorf("%s %s: %v: %w", method, path, err, ErrNetwork)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %v: %w", method, path, err, ErrNetwork)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := parseAPIError(resp.StatusCode, data)
		c.log.Debug("api_error", zap.String("method", method), zap.String("path", path), zap.Int("status", resp.StatusCode), zap.String("message", apiErr.Message))
		return nil, apiErr
	}
	return data, nil
}

func parseAPIError(status int, data []byte) *APIError {
	e := &APIError{Status: status}
	var body map[string]any
	if json.Unmarshal(data, &body) == nil {
		e.Code = strOr(body, "code", "")
		e.Message = firstString(body, "message", "error", "msg")
	} else if len(data) > 0 && len(data) < 256 {
		e.Message = strings.TrimSpace(string(data))
	}
	return e
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// unwrapRecord returns the object under the first present key, or the
// response itself when none is present.
func unwrapRecord(data []byte, keys ...string) (map[string]any, error) {
	m, err := decodeJSON[map[string]any](data)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		if inner, ok := (*m)[k].(map[string]any); ok {
			return inner, nil
		}
	}
	return *m, nil
}

// ============================================================================
// Auth
// ============================================================================

type AuthClient struct{ c *Client }

// Login exchanges credentials for a token and stores it on the client.
func (a *AuthClient) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	if email == "" || password == "" {
		return nil, validationErr("email and password are required")
	}
	data, err := a.c.doRequest(ctx, http.MethodPost, "/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[struct {
		Token string `json:"token"`
		Role  string `json:"role"`
		Name  string `json:"name"`
		ID    string `json:"id"`
	}](data)
	if err != nil {
		return nil, err
	}
	if resp.Token == "" {
		return nil, fmt.Errorf("login: token not received: %w", ErrUnauthorized)
	}
	a.c.SetToken(resp.Token)
	return &LoginResult{
		Token:    resp.Token,
		Identity: Identity{ID: resp.ID, Name: resp.Name, Role: resp.Role},
	}, nil
}

// Refresh trades the current token for a new one.
func (a *AuthClient) Refresh(ctx context.Context) (string, error) {
	data, err := a.c.doRequest(ctx, http.MethodPost, "/auth/refresh", map[string]string{"token": a.c.Token()}, nil)
	if err != nil {
		return "", err
	}
	resp, err := decodeJSON[struct {
		Token string `json:"token"`
	}](data)
	if err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", fmt.Errorf("refresh: token not received: %w", ErrUnauthorized)
	}
	a.c.SetToken(resp.Token)
	return resp.Token, nil
}

// Profile returns the identity behind the current token.
func (a *AuthClient) Profile(ctx context.Context) (*Identity, error) {
	data, err := a.c.doRequest(ctx, http.MethodGet, "/auth/get-profile", nil, nil)
	if err != nil {
		return nil, err
	}
	rec, err := unwrapRecord(data, "employee", "user", "data")
	if err != nil {
		return nil, err
	}
	return &Identity{
		ID:   firstID(rec, "_id", "id"),
		Name: strOr(rec, "name", ""),
		Role: strOr(rec, "role", ""),
	}, nil
}

// TokenExpired reports whether a JWT's exp claim is in the past. Tokens
// without an exp claim never expire.
func TokenExpired(token string, now time.Time) (bool, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return false, validationErr("token is not a JWT")
	}
	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return false, validationErr("token payload: %v", err)
	}
	var claims struct {
		Exp *float64 `json:"exp"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return false, validationErr("token claims: %v", err)
	}
	if claims.Exp == nil {
		return false, nil
	}
	return !now.Before(time.Unix(int64(*claims.Exp), 0)), nil
}

// ============================================================================
// Messages
// ============================================================================

type MessagesClient struct{ c *Client }

// History returns the stored messages of a room, normalized, in server
// order.
func (m *MessagesClient) History(ctx context.Context, roomID string) ([]Message, error) {
	if roomID == "" {
		return nil, validationErr("room id is required")
	}
	data, err := m.c.doRequest(ctx, http.MethodGet, "/messages/"+url.PathEscape(roomID), nil, nil)
	if err != nil {
		return nil, err
	}
	return m.c.normalizer.Messages(data, roomID)
}

// Direct returns the direct messages exchanged by two users, attributed to
// DirectConversationID(userA, userB).
func (m *MessagesClient) Direct(ctx context.Context, userA, userB string) ([]Message, error) {
	if userA == "" || userB == "" {
		return nil, validationErr("both user ids are required")
	}
	data, err := m.c.doRequest(ctx, http.MethodGet, "/messages/direct", nil, map[string]string{
		"user1": userA,
		"user2": userB,
	})
	if err != nil {
		return nil, err
	}
	return m.c.normalizer.Messages(data, DirectConversationID(userA, userB))
}

// Send stores a message through the REST API and returns the server copy.
func (m *MessagesClient) Send(ctx context.Context, p SendMessagePayload) (Message, error) {
	data, err := m.c.doRequest(ctx, http.MethodPost, "/messages/send", p, nil)
	if err != nil {
		return Message{}, err
	}
	rec, err := unwrapRecord(data, "message", "data")
	if err != nil {
		return Message{}, err
	}
	return m.c.normalizer.Message(rec, p.Room), nil
}

// MarkRead records that userID has read a message.
func (m *MessagesClient) MarkRead(ctx context.Context, messageID, userID string) error {
	_, err := m.c.doRequest(ctx, http.MethodPut, "/messages/mark-read/"+url.PathEscape(messageID), map[string]string{
		"userId": userID,
	}, nil)
	return err
}

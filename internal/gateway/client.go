// Package gateway talks to the signaling gateway over HTTP and WebSocket.
// Its Client is a drop-in room registry and signal channel for peers that
// cannot reach the relay store directly.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	applog "github.com/mossy-p/webrtc-chat/internal/log"
	"github.com/mossy-p/webrtc-chat/internal/models"
	"github.com/mossy-p/webrtc-chat/internal/registry"
	"github.com/mossy-p/webrtc-chat/internal/signal"
)

const requestTimeout = 10 * time.Second

var ErrNoIdentity = errors.New("gateway identity not established")

// APIError is a non-2xx gateway response. It unwraps to the registry
// sentinel matching its status so callers can use errors.Is either way.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway: %d %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return registry.ErrRoomNotFound
	case http.StatusGone:
		return registry.ErrRoomExpired
	case http.StatusConflict:
		return registry.ErrRoomExists
	}
	return nil
}

type subKey struct {
	RoomID string
	UserID string
}

// Client is a gateway session bound to one identity token.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	dialer  *websocket.Dialer
	log     *zerolog.Logger

	mu     sync.Mutex
	token  string
	userID string
	subs   map[subKey]*signal.Subscription
}

// New creates a client for the gateway at baseURL (http or https).
func New(baseURL string, logger *zerolog.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid gateway URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid gateway URL %q: scheme must be http or https", baseURL)
	}

	return &Client{
		baseURL: u,
		http:    &http.Client{Timeout: requestTimeout},
		dialer:  &websocket.Dialer{HandshakeTimeout: requestTimeout},
		log:     applog.Component(logger, "gateway"),
		subs:    make(map[subKey]*signal.Subscription),
	}, nil
}

// Identify obtains a token for userID (generated by the gateway when
// empty) and uses it for every later call. It returns the bound user ID.
func (c *Client) Identify(ctx context.Context, userID string) (string, error) {
	var resp models.IdentityResponse
	if err := c.do(ctx, http.MethodPost, "/api/identity", models.IdentityRequest{UserID: userID}, &resp, false); err != nil {
		return "", fmt.Errorf("identify: %w", err)
	}

	c.mu.Lock()
	c.token = resp.Token
	c.userID = resp.UserID
	c.mu.Unlock()

	c.log.Debug().Str("user", resp.UserID).Msg("identity established")
	return resp.UserID, nil
}

// UserID returns the identity the token is bound to.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// CreateRoom registers roomID. The gateway records the token's user as the
// creator, so creatorID must be that user.
func (c *Client) CreateRoom(ctx context.Context, roomID, creatorID string) error {
	if err := c.checkUser(creatorID); err != nil {
		return err
	}
	var resp models.CreateRoomResponse
	if err := c.do(ctx, http.MethodPost, "/api/rooms", models.CreateRoomRequest{RoomID: roomID}, &resp, true); err != nil {
		return fmt.Errorf("create room %s: %w", roomID, err)
	}
	return nil
}

func (c *Client) JoinRoom(ctx context.Context, roomID, userID string) error {
	if err := c.checkUser(userID); err != nil {
		return err
	}
	if err := c.do(ctx, http.MethodPost, roomPath(roomID, "join"), nil, nil, true); err != nil {
		return fmt.Errorf("join room %s: %w", roomID, err)
	}
	return nil
}

func (c *Client) LeaveRoom(ctx context.Context, roomID, userID string) error {
	if err := c.checkUser(userID); err != nil {
		return err
	}
	if err := c.do(ctx, http.MethodPost, roomPath(roomID, "leave"), nil, nil, true); err != nil {
		return fmt.Errorf("leave room %s: %w", roomID, err)
	}
	return nil
}

// IsActive reports whether the room exists and still accepts joins.
func (c *Client) IsActive(ctx context.Context, roomID string) (bool, error) {
	status, err := c.Get(ctx, roomID)
	if errors.Is(err, registry.ErrRoomNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return status.Active, nil
}

// Get reads the room record as the gateway sees it.
func (c *Client) Get(ctx context.Context, roomID string) (*models.RoomStatus, error) {
	var status models.RoomStatus
	if err := c.do(ctx, http.MethodGet, roomPath(roomID, ""), nil, &status, false); err != nil {
		return nil, fmt.Errorf("get room %s: %w", roomID, err)
	}
	return &status, nil
}

// Delete removes a room this identity created.
func (c *Client) Delete(ctx context.Context, roomID string) error {
	if err := c.do(ctx, http.MethodDelete, roomPath(roomID, ""), nil, nil, true); err != nil {
		return fmt.Errorf("delete room %s: %w", roomID, err)
	}
	return nil
}

// Send posts a negotiation message to the room's feed.
func (c *Client) Send(ctx context.Context, roomID string, msg models.SignalMessage) error {
	if err := c.do(ctx, http.MethodPost, roomPath(roomID, "signals"), msg, nil, true); err != nil {
		return fmt.Errorf("send %s to room %s: %w", msg.Kind, roomID, err)
	}
	return nil
}

// Close ends every open feed.
func (c *Client) Close() error {
	c.mu.Lock()
	subs := make([]*signal.Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		if sub != nil {
			subs = append(subs, sub)
		}
	}
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

func (c *Client) checkUser(userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" {
		return ErrNoIdentity
	}
	if userID != c.userID {
		return fmt.Errorf("user %q does not match gateway identity %q", userID, c.userID)
	}
	return nil
}

func (c *Client) authToken() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" {
		return "", ErrNoIdentity
	}
	return c.token, nil
}

// do sends a JSON request and decodes a JSON reply into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, in, out any, auth bool) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		token, err := c.authToken()
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e)
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

func roomPath(roomID, action string) string {
	p := "/api/rooms/" + url.PathEscape(roomID)
	if action != "" {
		p += "/" + action
	}
	return p
}

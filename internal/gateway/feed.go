package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mossy-p/webrtc-chat/internal/models"
	"github.com/mossy-p/webrtc-chat/internal/signal"
)

const (
	closeWait      = time.Second
	maxMessageSize = 64 * 1024
)

// Subscribe opens the room's WebSocket feed. The gateway replays the room's
// signals and then follows it; this side drops selfID's messages and
// repeated IDs, as the relay-store channel does.
func (c *Client) Subscribe(ctx context.Context, roomID, selfID string) (*signal.Subscription, error) {
	token, err := c.authToken()
	if err != nil {
		return nil, err
	}
	key := subKey{RoomID: roomID, UserID: selfID}

	c.mu.Lock()
	if _, exists := c.subs[key]; exists {
		c.mu.Unlock()
		return nil, signal.ErrAlreadySubscribed
	}
	// Reserve the key while dialing
	c.subs[key] = nil
	c.mu.Unlock()

	conn, resp, err := c.dialer.DialContext(ctx, c.feedURL(roomID, token), nil)
	if err != nil {
		c.remove(key, nil)
		if resp != nil {
			return nil, fmt.Errorf("subscribe to room %s: %w", roomID, &APIError{Status: resp.StatusCode, Message: resp.Status})
		}
		return nil, fmt.Errorf("subscribe to room %s: %w", roomID, err)
	}
	conn.SetReadLimit(maxMessageSize)

	sub := signal.NewSubscription(roomID, selfID, func() {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeWait))
		conn.Close()
	})

	c.mu.Lock()
	c.subs[key] = sub
	c.mu.Unlock()

	go c.follow(ctx, key, conn, sub)

	c.log.Info().Str("room", roomID).Str("user", selfID).Msg("subscribed to gateway feed")
	return sub, nil
}

// Unsubscribe closes the (room, user) feed if there is one.
func (c *Client) Unsubscribe(roomID, selfID string) {
	c.mu.Lock()
	sub := c.subs[subKey{RoomID: roomID, UserID: selfID}]
	c.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
}

func (c *Client) remove(key subKey, sub *signal.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs[key] == sub {
		delete(c.subs, key)
	}
}

func (c *Client) follow(ctx context.Context, key subKey, conn *websocket.Conn, sub *signal.Subscription) {
	stopWatch := context.AfterFunc(ctx, func() { conn.Close() })

	var ferr error
	defer func() {
		stopWatch()
		conn.Close()
		c.remove(key, sub)
		sub.Finish(ferr)
	}()

	filter := signal.NewFilter(key.UserID)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-sub.Done():
				return
			default:
			}
			if ctx.Err() != nil {
				return
			}
			c.log.Error().Err(err).Str("room", key.RoomID).Msg("gateway feed failed")
			ferr = fmt.Errorf("read room %s feed: %w", key.RoomID, err)
			return
		}

		var msg models.SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil || !msg.Valid() {
			c.log.Warn().Str("room", key.RoomID).Msg("dropping malformed signal")
			continue
		}
		if !filter.Accept(msg) {
			continue
		}
		if !sub.Deliver(msg) {
			return
		}
	}
}

func (c *Client) feedURL(roomID, token string) string {
	u := *c.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path += "/ws/signal/" + roomID
	u.RawQuery = url.Values{"token": {token}}.Encode()
	return u.String()
}

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mossy-p/webrtc-chat/internal/middleware"
	"github.com/mossy-p/webrtc-chat/internal/models"
	"github.com/mossy-p/webrtc-chat/internal/signal"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// wsPeer is one WebSocket connection following a room's signal feed.
type wsPeer struct {
	roomID string
	userID string
	conn   *websocket.Conn
	sub    *signal.Subscription
	log    zerolog.Logger
}

// HandleSignaling upgrades to a WebSocket that streams the room's signals
// (minus the caller's own) and accepts signals written back on it.
func (h *Handlers) HandleSignaling(c *gin.Context) {
	roomID := c.Param("roomId")
	userID := c.GetString(middleware.UserIDKey)

	active, err := h.registry.IsActive(c.Request.Context(), roomID)
	if err != nil {
		h.roomError(c, roomID, err)
		return
	}
	if !active {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}

	// The feed outlives this handler once the connection is hijacked.
	feedCtx := context.WithoutCancel(c.Request.Context())
	sub, err := h.signals.Subscribe(feedCtx, roomID, userID)
	if errors.Is(err, signal.ErrAlreadySubscribed) {
		c.JSON(http.StatusConflict, gin.H{"error": "Already connected to this room"})
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("room", roomID).Msg("failed to subscribe")
		c.JSON(http.StatusBadGateway, gin.H{"error": "Relay unavailable"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("room", roomID).Msg("failed to upgrade connection")
		sub.Close()
		return
	}

	peer := &wsPeer{
		roomID: roomID,
		userID: userID,
		conn:   conn,
		sub:    sub,
		log:    h.log.With().Str("room", roomID).Str("user", userID).Logger(),
	}
	peer.log.Info().Msg("peer connected")

	go peer.writePump()
	go peer.readPump(feedCtx, h.signals)
}

// readPump relays signals the peer writes on the socket. It owns teardown
// of the subscription.
func (p *wsPeer) readPump(ctx context.Context, signals *signal.Channel) {
	defer func() {
		p.sub.Close()
		p.conn.Close()
		p.log.Info().Msg("peer disconnected")
	}()

	p.conn.SetReadLimit(maxMessageSize)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				p.log.Warn().Err(err).Msg("websocket error")
			}
			return
		}

		var msg models.SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			p.log.Warn().Err(err).Msg("failed to parse signal")
			continue
		}
		msg.SenderID = p.userID
		msg.RoomID = p.roomID
		if !msg.Valid() {
			p.log.Warn().Str("type", string(msg.Kind)).Msg("dropping invalid signal")
			continue
		}

		if err := signals.Send(ctx, p.roomID, msg); err != nil {
			p.log.Error().Err(err).Msg("failed to relay signal")
		}
	}
}

// writePump forwards the feed to the socket and keeps it alive with pings.
func (p *wsPeer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-p.sub.C():
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := p.conn.WriteJSON(msg); err != nil {
				p.log.Warn().Err(err).Msg("failed to write signal")
				return
			}

		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

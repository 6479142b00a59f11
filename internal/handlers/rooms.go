package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	applog "github.com/mossy-p/webrtc-chat/internal/log"
	"github.com/mossy-p/webrtc-chat/internal/middleware"
	"github.com/mossy-p/webrtc-chat/internal/models"
	"github.com/mossy-p/webrtc-chat/internal/registry"
	"github.com/mossy-p/webrtc-chat/internal/signal"
)

// createAttempts bounds retries when a generated code is already taken.
const createAttempts = 5

// Handlers serves the room registry and signal feed to clients that cannot
// reach the relay store themselves.
type Handlers struct {
	registry *registry.Registry
	signals  *signal.Channel
	now      func() time.Time
	log      *zerolog.Logger
}

func New(reg *registry.Registry, signals *signal.Channel, logger *zerolog.Logger) *Handlers {
	return &Handlers{
		registry: reg,
		signals:  signals,
		now:      time.Now,
		log:      applog.Component(logger, "gateway"),
	}
}

// CreateRoom creates a room owned by the caller. The code is generated
// unless the body names one.
func (h *Handlers) CreateRoom(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)

	var req models.CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	var (
		roomID string
		err    error
	)
	if req.RoomID != "" {
		if !models.IsValidRoomCode(req.RoomID) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid room code"})
			return
		}
		roomID = req.RoomID
		err = h.registry.CreateRoom(ctx, roomID, userID)
	} else {
		for attempt := 0; attempt < createAttempts; attempt++ {
			roomID = models.GenerateRoomCode()
			err = h.registry.CreateRoom(ctx, roomID, userID)
			if !errors.Is(err, registry.ErrRoomExists) {
				break
			}
		}
	}
	if err != nil {
		h.roomError(c, roomID, err)
		return
	}

	room, err := h.registry.Get(ctx, roomID)
	if err != nil {
		h.roomError(c, roomID, err)
		return
	}

	h.log.Info().Str("room", roomID).Str("user", userID).Msg("room created")

	c.JSON(http.StatusCreated, models.CreateRoomResponse{
		RoomID: roomID,
		Expiry: room.Expiry,
	})
}

// GetRoom reports a room's record and whether it still accepts joins (public)
func (h *Handlers) GetRoom(c *gin.Context) {
	roomID := c.Param("roomId")

	room, err := h.registry.Get(c.Request.Context(), roomID)
	if err != nil {
		h.roomError(c, roomID, err)
		return
	}

	c.JSON(http.StatusOK, models.RoomStatus{
		Room:   *room,
		Active: !room.Expired(h.now()),
	})
}

// JoinRoom adds the caller to the room's member count.
func (h *Handlers) JoinRoom(c *gin.Context) {
	roomID := c.Param("roomId")
	userID := c.GetString(middleware.UserIDKey)

	if err := h.registry.JoinRoom(c.Request.Context(), roomID, userID); err != nil {
		h.roomError(c, roomID, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Joined room"})
}

// LeaveRoom drops the caller from the room; the last one out removes it.
func (h *Handlers) LeaveRoom(c *gin.Context) {
	roomID := c.Param("roomId")
	userID := c.GetString(middleware.UserIDKey)

	if err := h.registry.LeaveRoom(c.Request.Context(), roomID, userID); err != nil {
		h.roomError(c, roomID, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Left room"})
}

// DeleteRoom deletes a room (requires authentication and creator)
func (h *Handlers) DeleteRoom(c *gin.Context) {
	roomID := c.Param("roomId")
	userID := c.GetString(middleware.UserIDKey)
	ctx := c.Request.Context()

	room, err := h.registry.Get(ctx, roomID)
	if err != nil {
		h.roomError(c, roomID, err)
		return
	}

	if room.CreatorID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the room creator can delete the room"})
		return
	}

	if err := h.registry.Delete(ctx, roomID); err != nil {
		h.roomError(c, roomID, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Room deleted"})
}

// PostSignal appends a negotiation message to the room's feed. The sender
// is always the authenticated user, whatever the body claims.
func (h *Handlers) PostSignal(c *gin.Context) {
	roomID := c.Param("roomId")
	userID := c.GetString(middleware.UserIDKey)
	ctx := c.Request.Context()

	var msg models.SignalMessage
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid signal message"})
		return
	}
	msg.SenderID = userID
	msg.RoomID = roomID
	if !msg.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid signal message"})
		return
	}

	if _, err := h.registry.Get(ctx, roomID); err != nil {
		h.roomError(c, roomID, err)
		return
	}

	if err := h.signals.Send(ctx, roomID, msg); err != nil {
		h.log.Error().Err(err).Str("room", roomID).Msg("failed to relay signal")
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to relay signal"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "Signal queued"})
}

// roomError maps registry failures onto HTTP statuses.
func (h *Handlers) roomError(c *gin.Context, roomID string, err error) {
	switch {
	case errors.Is(err, registry.ErrRoomNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
	case errors.Is(err, registry.ErrRoomExpired):
		c.JSON(http.StatusGone, gin.H{"error": "Room expired"})
	case errors.Is(err, registry.ErrRoomExists):
		c.JSON(http.StatusConflict, gin.H{"error": "Room already exists"})
	default:
		h.log.Error().Err(err).Str("room", roomID).Msg("registry request failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "Relay unavailable"})
	}
}

// Package chat is the façade a user interface drives: create or join a
// room, exchange messages with the peer, and leave.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mossy-p/webrtc-chat/config"
	applog "github.com/mossy-p/webrtc-chat/internal/log"
	"github.com/mossy-p/webrtc-chat/internal/models"
	"github.com/mossy-p/webrtc-chat/internal/peer"
	"github.com/mossy-p/webrtc-chat/internal/ratelimit"
	"github.com/mossy-p/webrtc-chat/internal/registry"
	"github.com/mossy-p/webrtc-chat/internal/tracker"
	"github.com/mossy-p/webrtc-chat/internal/wire"
)

// createAttempts bounds how many fresh codes CreateRoom tries when a
// generated code is already taken.
const createAttempts = 5

// TransportFactory builds a new peer transport for each session.
type TransportFactory func() (peer.Transport, error)

// Deps are the collaborators a Client is built from.
type Deps struct {
	UserID       string
	Registry     Registry
	Signals      SignalChannel
	Tracker      *tracker.Tracker
	NewTransport TransportFactory
	Config       config.ChatConfig
	Logger       *zerolog.Logger
}

// Client runs at most one room at a time for one user.
type Client struct {
	userID       string
	cfg          config.ChatConfig
	registry     Registry
	signals      SignalChannel
	tracker      *tracker.Tracker
	newTransport TransportFactory
	limits       *ratelimit.Set
	logger       *zerolog.Logger
	log          *zerolog.Logger
	now          func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	events chan Event
	emitMu sync.Mutex

	mu      sync.Mutex
	epoch   uint64
	busy    bool // create or join in flight
	roomID  string
	session *peer.Session
	closed  bool
}

// New builds a Client. A user ID is generated when d.UserID is empty.
func New(d Deps) *Client {
	userID := d.UserID
	if userID == "" {
		userID = uuid.New().String()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		userID:       userID,
		cfg:          d.Config,
		registry:     d.Registry,
		signals:      d.Signals,
		tracker:      d.Tracker,
		newTransport: d.NewTransport,
		limits:       ratelimit.NewSet(d.Config.RateWindow, d.Config.MaxMessagesPerWindow),
		logger:       d.Logger,
		log:          applog.Component(d.Logger, "chat"),
		now:          time.Now,
		ctx:          ctx,
		cancel:       cancel,
		events:       make(chan Event, eventBuffer),
	}
}

// Events delivers state changes, received messages and background errors.
// The channel is never closed; stop reading once Close returns.
//
// The channel is buffered. When a slow reader lets it fill, new messages
// and errors are dropped, while a state change evicts the oldest buffered
// event so the latest connection state always reaches the reader.
// Dropped messages remain readable through Messages.
func (c *Client) Events() <-chan Event {
	return c.events
}

func (c *Client) UserID() string {
	return c.userID
}

// RoomID returns the current room, or "" when not in one.
func (c *Client) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// State returns the peer connection state of the current room.
func (c *Client) State() models.ConnectionState {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()

	if session == nil {
		return models.Idle()
	}
	return session.State()
}

// CreateRoom registers a new room, starts listening for the peer and sends
// the offer. It returns the room code to share.
func (c *Client) CreateRoom(ctx context.Context) (string, error) {
	epoch, err := c.begin()
	if err != nil {
		return "", NewError("create room", err)
	}
	defer c.finish(epoch)

	var roomID string
	for attempt := 0; ; attempt++ {
		roomID = models.GenerateRoomCode()
		err = c.registry.CreateRoom(ctx, roomID, c.userID)
		if !errors.Is(err, registry.ErrRoomExists) || attempt == createAttempts-1 {
			break
		}
		c.log.Debug().Str("room", roomID).Msg("room code taken, generating another")
	}
	if err != nil {
		return "", NewError("create room", err)
	}

	session, err := c.startSession(epoch, roomID, peer.RoleCaller)
	if err != nil {
		c.leaveRegistry(roomID)
		return "", WrapError("create room", err, roomID)
	}

	if err := session.CreateOffer(ctx); err != nil {
		return roomID, WrapError("create offer", err, roomID)
	}

	c.log.Info().Str("room", roomID).Msg("room created, waiting for peer")
	return roomID, nil
}

// JoinRoom enters an existing room as the answering peer.
func (c *Client) JoinRoom(ctx context.Context, roomID string) error {
	if !models.IsValidRoomCode(roomID) {
		return WrapError("join room", ErrInvalidRoomCode, roomID)
	}

	epoch, err := c.begin()
	if err != nil {
		return NewError("join room", err)
	}
	defer c.finish(epoch)

	active, err := c.registry.IsActive(ctx, roomID)
	if err != nil {
		return WrapError("join room", err, roomID)
	}
	if !active {
		return WrapError("join room", ErrRoomUnavailable, roomID)
	}

	if err := c.registry.JoinRoom(ctx, roomID, c.userID); err != nil {
		if errors.Is(err, registry.ErrRoomNotFound) || errors.Is(err, registry.ErrRoomExpired) {
			return WrapError("join room", fmt.Errorf("%w: %v", ErrRoomUnavailable, err), roomID)
		}
		return WrapError("join room", err, roomID)
	}

	if _, err := c.startSession(epoch, roomID, peer.RoleCallee); err != nil {
		c.leaveRegistry(roomID)
		return WrapError("join room", err, roomID)
	}

	c.log.Info().Str("room", roomID).Msg("joined room, waiting for offer")
	return nil
}

// begin claims the single room slot for a create or join.
func (c *Client) begin() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, ErrClosed
	}
	if c.busy || c.roomID != "" {
		return 0, ErrAlreadyInRoom
	}
	c.busy = true
	return c.epoch, nil
}

func (c *Client) finish(epoch uint64) {
	c.mu.Lock()
	if c.epoch == epoch {
		c.busy = false
	}
	c.mu.Unlock()
}

// startSession subscribes to the room's signals and starts a peer session.
// If Leave ran since begin, everything is undone and ErrCancelled returned.
func (c *Client) startSession(epoch uint64, roomID string, role peer.Role) (*peer.Session, error) {
	sub, err := c.signals.Subscribe(c.ctx, roomID, c.userID)
	if err != nil {
		return nil, fmt.Errorf("subscribe to signals: %w", err)
	}

	transport, err := c.newTransport()
	if err != nil {
		sub.Close()
		return nil, fmt.Errorf("create transport: %w", err)
	}

	session := peer.NewSession(transport, &roomSignaling{roomID: roomID, channel: c.signals, incoming: sub}, peer.Options{
		Role:   role,
		SelfID: c.userID,
		RoomID: roomID,

		ChannelLabel: c.cfg.ChannelLabel,
		ChannelOptions: peer.ChannelOptions{
			Ordered:        c.cfg.ChannelOrdered,
			MaxRetransmits: c.cfg.ChannelMaxRetransmits,
		},
		ReconnectTimeout: c.cfg.ReconnectTimeout,
		MaxRestarts:      c.cfg.MaxRestarts,
		Logger:           c.logger,
	}, c.handlers(roomID))

	c.mu.Lock()
	if c.epoch != epoch || c.closed {
		c.mu.Unlock()
		session.Close()
		return nil, ErrCancelled
	}
	c.roomID = roomID
	c.session = session
	c.mu.Unlock()

	return session, nil
}

func (c *Client) handlers(roomID string) peer.Handlers {
	return peer.Handlers{
		OnStateChange: func(_, to models.ConnectionState) {
			c.emit(Event{Kind: EventStateChanged, RoomID: roomID, State: to})
		},
		OnMessage: func(data []byte) {
			c.receive(roomID, data)
		},
		OnError: func(err error) {
			c.log.Warn().Err(err).Str("room", roomID).Msg("peer session error")
			c.emit(Event{Kind: EventError, RoomID: roomID, Err: err})
		},
	}
}

// receive records one inbound frame. Frames that are not valid chat
// messages are dropped.
func (c *Client) receive(roomID string, data []byte) {
	payload, err := wire.DecodeChat(data)
	if err != nil {
		c.log.Warn().Err(err).Str("room", roomID).Msg("dropping undecodable frame")
		return
	}
	if !models.ValidMessage(payload.Content, c.cfg.MaxMessageLength) {
		c.log.Warn().Str("room", roomID).Int("length", len(payload.Content)).Msg("dropping invalid message")
		return
	}

	msg := models.ChatMessage{
		ID:        payload.ID,
		Content:   payload.Content,
		SenderID:  payload.Sender,
		RoomID:    roomID,
		Timestamp: c.now(),
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if payload.Timestamp > 0 {
		msg.Timestamp = time.UnixMilli(payload.Timestamp)
	}

	msg, err = c.tracker.RecordIncoming(c.ctx, msg)
	if errors.Is(err, tracker.ErrDuplicateMessage) {
		c.log.Debug().Str("room", roomID).Str("message", msg.ID).Msg("dropping repeated message")
		return
	}
	c.emit(Event{Kind: EventMessageReceived, RoomID: roomID, Message: &msg})
}

// Send validates text, applies the rate limit and sends it to the peer.
// A message that could not be written is returned with status Failed
// together with ErrSendFailed.
func (c *Client) Send(ctx context.Context, text string) (models.ChatMessage, error) {
	if !models.ValidMessage(text, c.cfg.MaxMessageLength) {
		return models.ChatMessage{}, NewError("send", ErrInvalidMessage)
	}

	c.mu.Lock()
	roomID, session := c.roomID, c.session
	c.mu.Unlock()
	if session == nil {
		return models.ChatMessage{}, NewError("send", ErrNotInRoom)
	}

	now := c.now()
	limiter := c.limits.Get(roomID, c.userID)
	if !limiter.TryAdmit(now) {
		return models.ChatMessage{}, &RateLimitError{RetryAfter: limiter.RetryAfter(now)}
	}

	msg := c.tracker.RecordOutgoing(ctx, models.ChatMessage{
		ID:        uuid.New().String(),
		Content:   strings.TrimSpace(text),
		SenderID:  c.userID,
		RoomID:    roomID,
		Timestamp: now,
	})

	frame, err := wire.EncodeChat(wire.ChatPayload{
		ID:        msg.ID,
		Sender:    msg.SenderID,
		Content:   msg.Content,
		Timestamp: msg.Timestamp.UnixMilli(),
	})
	sent := err == nil && session.SendBytes(frame)

	msg.Status = models.StatusSent
	if !sent {
		msg.Status = models.StatusFailed
	}
	if err := c.tracker.UpdateStatus(ctx, msg.ID, msg.Status); err != nil {
		c.log.Warn().Err(err).Str("message", msg.ID).Msg("could not record delivery status")
	}

	if !sent {
		if err == nil {
			err = ErrSendFailed
		}
		return msg, WrapError("send", err, msg.ID)
	}
	return msg, nil
}

// Resend sends the content of a failed local message again as a new message.
func (c *Client) Resend(ctx context.Context, messageID string) (models.ChatMessage, error) {
	orig, err := c.tracker.Get(ctx, messageID)
	if err != nil {
		return models.ChatMessage{}, WrapError("resend", err, messageID)
	}
	if !orig.Local || orig.Status != models.StatusFailed {
		return models.ChatMessage{}, WrapError("resend", ErrNotResendable, messageID)
	}
	return c.Send(ctx, orig.Content)
}

// Leave closes the peer session and leaves the room. Calling it when not
// in a room does nothing.
func (c *Client) Leave(ctx context.Context) error {
	c.mu.Lock()
	c.epoch++
	c.busy = false
	roomID, session := c.roomID, c.session
	c.roomID, c.session = "", nil
	c.mu.Unlock()

	if session == nil {
		return nil
	}

	session.Close()
	c.limits.Reset(roomID, c.userID)

	if err := c.registry.LeaveRoom(ctx, roomID, c.userID); err != nil && !errors.Is(err, registry.ErrRoomNotFound) {
		return WrapError("leave room", err, roomID)
	}
	c.log.Info().Str("room", roomID).Msg("left room")
	return nil
}

// leaveRegistry undoes a registry create or join after a failed setup.
func (c *Client) leaveRegistry(roomID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.registry.LeaveRoom(ctx, roomID, c.userID); err != nil && !errors.Is(err, registry.ErrRoomNotFound) {
		c.log.Warn().Err(err).Str("room", roomID).Msg("failed to release room after setup error")
	}
}

// Messages streams the history of roomID; see tracker.QueryByRoom.
func (c *Client) Messages(ctx context.Context, roomID string) <-chan []models.ChatMessage {
	return c.tracker.QueryByRoom(ctx, roomID)
}

// ClearHistory deletes the stored messages of roomID.
func (c *Client) ClearHistory(ctx context.Context, roomID string) error {
	if _, err := c.tracker.ClearRoom(ctx, roomID); err != nil {
		return WrapError("clear history", err, roomID)
	}
	return nil
}

// Stats summarises a room's stored history.
type Stats struct {
	Total        int
	SentInWindow int
	Last         *models.ChatMessage
}

// Stats reports message counts for roomID, including how many this user
// sent within the current rate window.
func (c *Client) Stats(ctx context.Context, roomID string) (Stats, error) {
	var st Stats
	var err error

	if st.Total, err = c.tracker.Count(ctx, roomID); err != nil {
		return st, WrapError("stats", err, roomID)
	}
	if st.SentInWindow, err = c.tracker.CountSince(ctx, roomID, c.userID, c.now().Add(-c.cfg.RateWindow)); err != nil {
		return st, WrapError("stats", err, roomID)
	}
	if st.Last, err = c.tracker.LastMessage(ctx, roomID); err != nil {
		return st, WrapError("stats", err, roomID)
	}
	return st, nil
}

// Close leaves the current room and stops background work.
func (c *Client) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := c.Leave(ctx)

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	return err
}

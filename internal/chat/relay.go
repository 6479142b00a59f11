package chat

import (
	"context"

	"github.com/mossy-p/webrtc-chat/internal/models"
	"github.com/mossy-p/webrtc-chat/internal/signal"
)

// Registry is the room registry the chat talks to: Redis directly or the
// signaling gateway.
type Registry interface {
	CreateRoom(ctx context.Context, roomID, creatorID string) error
	JoinRoom(ctx context.Context, roomID, userID string) error
	LeaveRoom(ctx context.Context, roomID, userID string) error
	IsActive(ctx context.Context, roomID string) (bool, error)
}

// SignalChannel moves negotiation messages through the relay.
type SignalChannel interface {
	Send(ctx context.Context, roomID string, msg models.SignalMessage) error
	Subscribe(ctx context.Context, roomID, selfID string) (*signal.Subscription, error)
}

// roomSignaling binds a signal channel and one subscription to a room for
// a single peer session.
type roomSignaling struct {
	roomID   string
	channel  SignalChannel
	incoming *signal.Subscription
}

func (r *roomSignaling) Publish(ctx context.Context, msg models.SignalMessage) error {
	return r.channel.Send(ctx, r.roomID, msg)
}

func (r *roomSignaling) Incoming() <-chan models.SignalMessage {
	return r.incoming.C()
}

func (r *roomSignaling) Close() error {
	return r.incoming.Close()
}

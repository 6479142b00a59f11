package store

import (
	"context"
	"errors"
	"time"

	"github.com/mossy-p/webrtc-chat/internal/models"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate message id")
)

// MessageStore persists chat messages per room.
type MessageStore interface {
	// Insert adds msg. An existing row with the same id is left untouched
	// and ErrDuplicate returned.
	Insert(ctx context.Context, msg models.ChatMessage) error
	// UpdateDeliveryStatus moves message id from status from to status to.
	// ErrNotFound is returned when no message with that id is in status from.
	UpdateDeliveryStatus(ctx context.Context, id string, from, to models.DeliveryStatus) error
	Get(ctx context.Context, id string) (*models.ChatMessage, error)
	// ListByRoom returns the room's messages, oldest first.
	ListByRoom(ctx context.Context, roomID string) ([]models.ChatMessage, error)
	// Watch signals after every insert, update or delete in roomID until ctx ends.
	Watch(ctx context.Context, roomID string) <-chan struct{}
	DeleteByRoom(ctx context.Context, roomID string) (int64, error)
	CountSince(ctx context.Context, roomID, senderID string, since time.Time) (int, error)
	LastMessage(ctx context.Context, roomID string) (*models.ChatMessage, error)
	Count(ctx context.Context, roomID string) (int, error)
	Close() error
}

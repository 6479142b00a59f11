// Package tracker records chat messages and their delivery status.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	applog "github.com/mossy-p/webrtc-chat/internal/log"
	"github.com/mossy-p/webrtc-chat/internal/models"
	"github.com/mossy-p/webrtc-chat/internal/store"
)

var (
	ErrInvalidTransition = errors.New("invalid delivery status transition")
	ErrUnknownMessage    = errors.New("unknown message")
	ErrDuplicateMessage  = errors.New("message already received")
)

// Tracker is the only writer of message delivery status. Locally authored
// messages go Sending -> Sent or Sending -> Failed and nowhere else;
// received messages are Delivered from the start.
type Tracker struct {
	store store.MessageStore
	log   *zerolog.Logger
}

func New(s store.MessageStore, logger *zerolog.Logger) *Tracker {
	return &Tracker{store: s, log: applog.Component(logger, "tracker")}
}

// RecordOutgoing stores msg as a local message in Sending.
func (t *Tracker) RecordOutgoing(ctx context.Context, msg models.ChatMessage) models.ChatMessage {
	msg.Status = models.StatusSending
	msg.Local = true
	t.insert(ctx, msg)
	return msg
}

// RecordIncoming stores msg as a received message in Delivered. A repeat of
// an already received message returns the stored copy and
// ErrDuplicateMessage. An id that collides with a local message is replaced
// with a fresh one so the local record is never touched.
func (t *Tracker) RecordIncoming(ctx context.Context, msg models.ChatMessage) (models.ChatMessage, error) {
	msg.Status = models.StatusDelivered
	msg.Local = false

	err := t.store.Insert(ctx, msg)
	if errors.Is(err, store.ErrDuplicate) {
		existing, gerr := t.store.Get(ctx, msg.ID)
		if gerr == nil && !existing.Local {
			return *existing, ErrDuplicateMessage
		}
		t.log.Warn().Str("message", msg.ID).Str("room", msg.RoomID).Msg("received id collides with a local message, reassigning")
		msg.ID = uuid.New().String()
		err = t.store.Insert(ctx, msg)
	}
	if err != nil {
		t.log.Error().Err(err).Str("message", msg.ID).Str("room", msg.RoomID).Msg("failed to persist message")
	}
	return msg, nil
}

func (t *Tracker) insert(ctx context.Context, msg models.ChatMessage) {
	if err := t.store.Insert(ctx, msg); err != nil {
		t.log.Error().Err(err).Str("message", msg.ID).Str("room", msg.RoomID).Msg("failed to persist message")
	}
}

// UpdateStatus moves a local message out of Sending. Storage failures are
// logged, not returned.
func (t *Tracker) UpdateStatus(ctx context.Context, id string, status models.DeliveryStatus) error {
	if status != models.StatusSent && status != models.StatusFailed {
		return fmt.Errorf("%w: to %s", ErrInvalidTransition, status)
	}

	msg, err := t.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return ErrUnknownMessage
	}
	if err != nil {
		t.log.Error().Err(err).Str("message", id).Msg("failed to load message")
		return nil
	}
	if !msg.Local || msg.Status != models.StatusSending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, msg.Status, status)
	}

	err = t.store.UpdateDeliveryStatus(ctx, id, models.StatusSending, status)
	if errors.Is(err, store.ErrNotFound) {
		// Someone else moved it first.
		return fmt.Errorf("%w: no longer sending", ErrInvalidTransition)
	}
	if err != nil {
		t.log.Error().Err(err).Str("message", id).Str("status", string(status)).Msg("failed to update message status")
	}
	return nil
}

// Get returns one stored message.
func (t *Tracker) Get(ctx context.Context, id string) (*models.ChatMessage, error) {
	msg, err := t.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownMessage
	}
	return msg, err
}

// QueryByRoom streams the room's messages, oldest first: one snapshot now
// and another after every change in the room. Each call is independent;
// the channel closes when ctx ends.
func (t *Tracker) QueryByRoom(ctx context.Context, roomID string) <-chan []models.ChatMessage {
	out := make(chan []models.ChatMessage, 1)
	changes := t.store.Watch(ctx, roomID)

	go func() {
		defer close(out)

		for {
			snapshot, err := t.store.ListByRoom(ctx, roomID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				t.log.Error().Err(err).Str("room", roomID).Msg("failed to query messages")
			} else {
				select {
				case out <- snapshot:
				case <-ctx.Done():
					return
				}
			}

			if _, ok := <-changes; !ok {
				return
			}
		}
	}()

	return out
}

// ClearRoom deletes every stored message of roomID.
func (t *Tracker) ClearRoom(ctx context.Context, roomID string) (int64, error) {
	n, err := t.store.DeleteByRoom(ctx, roomID)
	if err != nil {
		return 0, err
	}
	t.log.Info().Str("room", roomID).Int64("deleted", n).Msg("cleared room history")
	return n, nil
}

// LastMessage returns the newest message of roomID, or nil when there is none.
func (t *Tracker) LastMessage(ctx context.Context, roomID string) (*models.ChatMessage, error) {
	msg, err := t.store.LastMessage(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return msg, err
}

// CountSince counts what senderID wrote in roomID since the given instant.
func (t *Tracker) CountSince(ctx context.Context, roomID, senderID string, since time.Time) (int, error) {
	return t.store.CountSince(ctx, roomID, senderID, since)
}

// Count returns how many messages roomID holds.
func (t *Tracker) Count(ctx context.Context, roomID string) (int, error) {
	return t.store.Count(ctx, roomID)
}

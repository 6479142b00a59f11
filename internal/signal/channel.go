// Package signal carries negotiation messages between the two peers of a
// room through a Redis Stream per room.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	applog "github.com/mossy-p/webrtc-chat/internal/log"
	"github.com/mossy-p/webrtc-chat/internal/models"
	rediskeys "github.com/mossy-p/webrtc-chat/internal/redis"
)

// ErrAlreadySubscribed is returned when (room, user) already has a live feed.
var ErrAlreadySubscribed = errors.New("already subscribed to room signals")

const (
	streamMaxLen = 500
	readBatch    = 100
	dataField    = "data"
)

type subKey struct {
	RoomID string
	UserID string
}

// Channel publishes to and follows the per-room signal streams.
type Channel struct {
	client *redis.Client
	block  time.Duration
	ttl    time.Duration
	log    *zerolog.Logger

	mu   sync.Mutex
	subs map[subKey]*Subscription
}

// NewChannel creates a signal channel. block bounds each XREAD wait; ttl is
// how long a stream outlives its last write.
func NewChannel(client *redis.Client, block, ttl time.Duration, logger *zerolog.Logger) *Channel {
	return &Channel{
		client: client,
		block:  block,
		ttl:    ttl,
		log:    applog.Component(logger, "signal"),
		subs:   make(map[subKey]*Subscription),
	}
}

// Send appends msg to the room's stream, filling in ID and Timestamp when unset.
func (c *Channel) Send(ctx context.Context, roomID string, msg models.SignalMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	msg.RoomID = roomID

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}

	key := rediskeys.SignalsKey(roomID)
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: key,
			MaxLen: streamMaxLen,
			Approx: true,
			Values: map[string]interface{}{dataField: data},
		})
		pipe.Expire(ctx, key, c.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("send %s signal to room %s: %w", msg.Kind, roomID, err)
	}

	c.log.Debug().Str("room", roomID).Str("type", string(msg.Kind)).Str("id", msg.ID).Msg("signal sent")
	return nil
}

// Subscribe replays the room's stream from the start and then follows it.
// Messages sent by selfID and repeated IDs are skipped.
func (c *Channel) Subscribe(ctx context.Context, roomID, selfID string) (*Subscription, error) {
	key := subKey{RoomID: roomID, UserID: selfID}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.subs[key]; exists {
		return nil, ErrAlreadySubscribed
	}

	readCtx, cancel := context.WithCancel(ctx)
	var sub *Subscription
	sub = NewSubscription(roomID, selfID, func() {
		cancel()
		c.remove(key, sub)
	})
	c.subs[key] = sub

	go c.follow(readCtx, key, sub)

	c.log.Info().Str("room", roomID).Str("user", selfID).Msg("subscribed to room signals")
	return sub, nil
}

// Unsubscribe closes the (room, user) feed if there is one.
func (c *Channel) Unsubscribe(roomID, selfID string) {
	c.mu.Lock()
	sub := c.subs[subKey{RoomID: roomID, UserID: selfID}]
	c.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
}

// Close ends every live subscription.
func (c *Channel) Close() error {
	c.mu.Lock()
	subs := make([]*Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

func (c *Channel) remove(key subKey, sub *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs[key] == sub {
		delete(c.subs, key)
	}
}

func (c *Channel) follow(ctx context.Context, key subKey, sub *Subscription) {
	var ferr error
	defer func() {
		c.remove(key, sub)
		sub.Finish(ferr)
	}()

	stream := rediskeys.SignalsKey(key.RoomID)
	filter := NewFilter(key.UserID)
	lastID := "0"

	for {
		res, err := c.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{stream, lastID},
			Count:   readBatch,
			Block:   c.block,
		}).Result()

		select {
		case <-sub.Done():
			return
		default:
		}
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Error().Err(err).Str("room", key.RoomID).Msg("signal feed failed")
			ferr = fmt.Errorf("read room %s signals: %w", key.RoomID, err)
			return
		}

		for _, s := range res {
			for _, entry := range s.Messages {
				lastID = entry.ID

				msg, ok := decodeEntry(entry)
				if !ok {
					c.log.Warn().Str("room", key.RoomID).Str("entry", entry.ID).Msg("dropping malformed signal")
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
	}
}

func decodeEntry(entry redis.XMessage) (models.SignalMessage, bool) {
	var msg models.SignalMessage

	raw, ok := entry.Values[dataField].(string)
	if !ok {
		return msg, false
	}
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return msg, false
	}
	return msg, msg.Valid()
}

// Package registry keeps room records in the relay store: create, join,
// leave and expiry checks over a Redis hash per room.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	applog "github.com/mossy-p/webrtc-chat/internal/log"
	"github.com/mossy-p/webrtc-chat/internal/models"
	rediskeys "github.com/mossy-p/webrtc-chat/internal/redis"
)

var (
	ErrRoomExists   = errors.New("room already exists")
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomExpired  = errors.New("room expired")
)

// Script results shared with the Lua side.
const (
	resultNotFound = -1
	resultExpired  = -2
	resultExists   = -3
)

// createScript writes a fresh room document unless an unexpired one exists.
// KEYS[1] meta, KEYS[2] signals; ARGV: now, expiry, creator.
var createScript = redis.NewScript(`
local expiry = redis.call('HGET', KEYS[1], 'expiry')
if expiry and tonumber(expiry) > tonumber(ARGV[1]) then
	return -3
end
redis.call('DEL', KEYS[1], KEYS[2])
redis.call('HSET', KEYS[1], 'createdAt', ARGV[1], 'expiry', ARGV[2], 'activeUsers', 1, 'creator', ARGV[3])
redis.call('PEXPIREAT', KEYS[1], ARGV[2])
return 1
`)

// joinScript increments activeUsers of an existing, unexpired room.
// KEYS[1] meta; ARGV: now.
var joinScript = redis.NewScript(`
local expiry = redis.call('HGET', KEYS[1], 'expiry')
if not expiry then
	return -1
end
if tonumber(expiry) <= tonumber(ARGV[1]) then
	return -2
end
return redis.call('HINCRBY', KEYS[1], 'activeUsers', 1)
`)

// leaveScript decrements activeUsers and drops the room once it is empty.
// KEYS[1] meta, KEYS[2] signals.
var leaveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local n = redis.call('HINCRBY', KEYS[1], 'activeUsers', -1)
if n <= 0 then
	redis.call('DEL', KEYS[1], KEYS[2])
	return 0
end
return n
`)

// Registry is the Redis-backed room registry client. It never retries:
// relay failures are returned to the caller.
type Registry struct {
	client *redis.Client
	expiry time.Duration
	now    func() time.Time
	log    *zerolog.Logger
}

// New creates a registry whose rooms live for expiry after creation.
func New(client *redis.Client, expiry time.Duration, logger *zerolog.Logger) *Registry {
	return &Registry{
		client: client,
		expiry: expiry,
		now:    time.Now,
		log:    applog.Component(logger, "registry"),
	}
}

// WithClock replaces the time source; used by tests.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// CreateRoom stores a new room record with the creator counted as its first member.
func (r *Registry) CreateRoom(ctx context.Context, roomID, creatorID string) error {
	now := r.now()
	expiry := now.Add(r.expiry)

	keys := []string{rediskeys.RoomKey(roomID), rediskeys.SignalsKey(roomID)}
	res, err := createScript.Run(ctx, r.client, keys, now.UnixMilli(), expiry.UnixMilli(), creatorID).Int64()
	if err != nil {
		return fmt.Errorf("create room %s: %w", roomID, err)
	}
	if res == resultExists {
		return ErrRoomExists
	}

	r.log.Info().Str("room", roomID).Str("creator", creatorID).Time("expiry", expiry).Msg("room created")
	return nil
}

// JoinRoom admits a member into an existing, unexpired room.
// Absent or expired rooms are refused without touching the record.
func (r *Registry) JoinRoom(ctx context.Context, roomID, userID string) error {
	res, err := joinScript.Run(ctx, r.client, []string{rediskeys.RoomKey(roomID)}, r.now().UnixMilli()).Int64()
	if err != nil {
		return fmt.Errorf("join room %s: %w", roomID, err)
	}

	switch res {
	case resultNotFound:
		r.log.Warn().Str("room", roomID).Msg("room does not exist")
		return ErrRoomNotFound
	case resultExpired:
		r.log.Warn().Str("room", roomID).Msg("room has expired")
		return ErrRoomExpired
	}

	r.log.Info().Str("room", roomID).Str("user", userID).Int64("active_users", res).Msg("joined room")
	return nil
}

// LeaveRoom removes a member; the room record is deleted once nobody is left.
func (r *Registry) LeaveRoom(ctx context.Context, roomID, userID string) error {
	keys := []string{rediskeys.RoomKey(roomID), rediskeys.SignalsKey(roomID)}
	res, err := leaveScript.Run(ctx, r.client, keys).Int64()
	if err != nil {
		return fmt.Errorf("leave room %s: %w", roomID, err)
	}
	if res == resultNotFound {
		return ErrRoomNotFound
	}

	if res == 0 {
		r.log.Info().Str("room", roomID).Str("user", userID).Msg("last member left, room removed")
	} else {
		r.log.Info().Str("room", roomID).Str("user", userID).Int64("active_users", res).Msg("left room")
	}
	return nil
}

// IsActive reports whether the room exists and has not expired.
func (r *Registry) IsActive(ctx context.Context, roomID string) (bool, error) {
	room, err := r.Get(ctx, roomID)
	if errors.Is(err, ErrRoomNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !room.Expired(r.now()), nil
}

// Get reads the room document.
func (r *Registry) Get(ctx context.Context, roomID string) (*models.Room, error) {
	fields, err := r.client.HGetAll(ctx, rediskeys.RoomKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get room %s: %w", roomID, err)
	}
	if len(fields) == 0 {
		return nil, ErrRoomNotFound
	}
	return parseRoom(roomID, fields)
}

// Delete removes the room and its signal stream regardless of members.
func (r *Registry) Delete(ctx context.Context, roomID string) error {
	n, err := r.client.Del(ctx, rediskeys.RoomKey(roomID), rediskeys.SignalsKey(roomID)).Result()
	if err != nil {
		return fmt.Errorf("delete room %s: %w", roomID, err)
	}
	if n == 0 {
		return ErrRoomNotFound
	}
	r.log.Info().Str("room", roomID).Msg("room deleted")
	return nil
}

// CleanupExpired deletes every room whose expiry has passed and returns how many went.
func (r *Registry) CleanupExpired(ctx context.Context) (int, error) {
	now := r.now()
	removed := 0

	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, rediskeys.RoomKeyPattern, 100).Result()
		if err != nil {
			return removed, fmt.Errorf("scan rooms: %w", err)
		}

		for _, key := range keys {
			roomID, ok := rediskeys.RoomIDFromKey(key)
			if !ok {
				continue
			}
			room, err := r.Get(ctx, roomID)
			if errors.Is(err, ErrRoomNotFound) {
				continue
			}
			if err != nil {
				r.log.Warn().Err(err).Str("room", roomID).Msg("skipping unreadable room")
				continue
			}
			if !room.Expired(now) {
				continue
			}
			if err := r.Delete(ctx, roomID); err != nil && !errors.Is(err, ErrRoomNotFound) {
				return removed, err
			}
			removed++
			r.log.Debug().Str("room", roomID).Msg("cleaned up expired room")
		}

		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

func parseRoom(roomID string, fields map[string]string) (*models.Room, error) {
	createdAt, err := strconv.ParseInt(fields["createdAt"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse room %s createdAt: %w", roomID, err)
	}
	expiry, err := strconv.ParseInt(fields["expiry"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse room %s expiry: %w", roomID, err)
	}
	active, err := strconv.Atoi(fields["activeUsers"])
	if err != nil {
		return nil, fmt.Errorf("parse room %s activeUsers: %w", roomID, err)
	}

	return &models.Room{
		ID:          roomID,
		CreatorID:   fields["creator"],
		CreatedAt:   time.UnixMilli(createdAt),
		Expiry:      time.UnixMilli(expiry),
		ActiveUsers: active,
	}, nil
}

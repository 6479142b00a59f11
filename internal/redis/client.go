package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/mossy-p/webrtc-chat/config"
	"github.com/redis/go-redis/v9"
)

const pingTimeout = 5 * time.Second

// Connect opens a client to the relay store and verifies it answers.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	// Test connection
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr(), err)
	}

	return client, nil
}

// RoomKey is the hash holding a room's metadata document.
func RoomKey(roomID string) string {
	return "room:" + roomID + ":meta"
}

// SignalsKey is the stream holding a room's negotiation messages.
func SignalsKey(roomID string) string {
	return "room:" + roomID + ":signals"
}

// RoomKeyPattern matches every room metadata key for SCAN.
const RoomKeyPattern = "room:*:meta"

// RoomIDFromKey extracts the room ID from a metadata key.
func RoomIDFromKey(key string) (string, bool) {
	const prefix, suffix = "room:", ":meta"
	if len(key) <= len(prefix)+len(suffix) || key[:len(prefix)] != prefix || key[len(key)-len(suffix):] != suffix {
		return "", false
	}
	return key[len(prefix) : len(key)-len(suffix)], true
}

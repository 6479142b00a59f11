package models

import "time"

// Room is the relay-side record two peers use to find each other.
type Room struct {
	ID          string    `json:"id"`        // 6-char room code, e.g. "K3Q9ZT"
	CreatorID   string    `json:"creatorId"` // User ID of the peer that created the room
	CreatedAt   time.Time `json:"createdAt"`
	Expiry      time.Time `json:"expiry"`      // Joins are refused after this instant
	ActiveUsers int       `json:"activeUsers"` // Members currently in the room
}

// Expired reports whether the room is past its expiry at now.
func (r *Room) Expired(now time.Time) bool {
	return !now.Before(r.Expiry)
}

// CreateRoomRequest is the request body for creating a room through the gateway
type CreateRoomRequest struct {
	RoomID string `json:"roomId,omitempty"` // Optional; a code is generated when empty
}

// CreateRoomResponse is the response for creating a room
type CreateRoomResponse struct {
	RoomID string    `json:"roomId"`
	Expiry time.Time `json:"expiry"`
}

// IdentityRequest asks the gateway for a token bound to a user ID
type IdentityRequest struct {
	UserID string `json:"userId,omitempty"` // Optional; generated when empty
}

// IdentityResponse carries the issued token
type IdentityResponse struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}

// RoomStatus is the gateway's view of a room, with activity decided by the server clock
type RoomStatus struct {
	Room
	Active bool `json:"active"`
}

package models

import "time"

// DeliveryStatus tracks what the transport reported for a message
type DeliveryStatus string

const (
	StatusSending   DeliveryStatus = "sending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed"
)

// ChatMessage is one text message in a room's history.
type ChatMessage struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	SenderID  string         `json:"senderId"`
	RoomID    string         `json:"roomId"`
	Timestamp time.Time      `json:"timestamp"`
	Status    DeliveryStatus `json:"status"`
	Local     bool           `json:"local"` // Authored on this device
}

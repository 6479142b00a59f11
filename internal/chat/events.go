package chat

import "github.com/mossy-p/webrtc-chat/internal/models"

type EventKind int

const (
	EventStateChanged EventKind = iota
	EventMessageReceived
	EventError
)

// Event is what observers of a Client receive.
type Event struct {
	Kind    EventKind
	RoomID  string
	State   models.ConnectionState // EventStateChanged
	Message *models.ChatMessage    // EventMessageReceived
	Err     error                  // EventError
}

const eventBuffer = 128

func (c *Client) emit(ev Event) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	for {
		select {
		case c.events <- ev:
			return
		default:
		}

		if ev.Kind != EventStateChanged {
			c.log.Warn().Int("kind", int(ev.Kind)).Str("room", ev.RoomID).Msg("event buffer full, dropping event")
			return
		}

		select {
		case old := <-c.events:
			c.log.Warn().Int("kind", int(old.Kind)).Str("room", old.RoomID).Msg("event buffer full, evicting oldest event")
		default:
		}
	}
}

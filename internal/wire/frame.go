// Package wire encodes chat payloads carried over the peer data channel.
package wire

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/vmihailenco/msgpack/v5"
)

// MessageTypeChat is the only frame type peers exchange today.
const MessageTypeChat = "chat"

var ErrInvalidFrame = errors.New("invalid frame")

// Frame is the envelope of every data-channel message.
type Frame struct {
	Type    string             `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// ChatPayload is one chat message as sent to the peer.
type ChatPayload struct {
	ID        string `msgpack:"id"`
	Sender    string `msgpack:"sender"`
	Content   string `msgpack:"content"`
	Timestamp int64  `msgpack:"timestamp"` // Unix millis
}

// EncodeChat packs a chat payload into a frame.
func EncodeChat(p ChatPayload) ([]byte, error) {
	body, err := msgpack.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal chat payload: %w", err)
	}
	data, err := msgpack.Marshal(Frame{Type: MessageTypeChat, Payload: body})
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	return data, nil
}

// DecodeChat unpacks a chat frame. Data that is not a frame but is valid
// UTF-8 is taken as the content of a bare text message, with the other
// fields left for the caller to fill.
func DecodeChat(data []byte) (ChatPayload, error) {
	var frame Frame
	if err := msgpack.Unmarshal(data, &frame); err == nil && frame.Type != "" {
		if frame.Type != MessageTypeChat {
			return ChatPayload{}, fmt.Errorf("%w: unknown type %q", ErrInvalidFrame, frame.Type)
		}
		var p ChatPayload
		if err := msgpack.Unmarshal(frame.Payload, &p); err != nil {
			return ChatPayload{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
		return p, nil
	}

	if len(data) == 0 || !utf8.Valid(data) {
		return ChatPayload{}, ErrInvalidFrame
	}
	return ChatPayload{Content: string(data)}, nil
}

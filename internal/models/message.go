package models

// SignalKind discriminates negotiation messages exchanged through the relay
type SignalKind string

const (
	SignalKindOffer     SignalKind = "offer"
	SignalKindAnswer    SignalKind = "answer"
	SignalKindCandidate SignalKind = "ice_candidate"
)

// ICECandidate is the mid / line-index / candidate triple of a network path
type ICECandidate struct {
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
	Candidate     string `json:"candidate"`
}

// SignalMessage represents a WebRTC signaling message in transit through the relay.
// Exactly one of SDP (offer, answer) or Candidate (ice_candidate) is set.
type SignalMessage struct {
	ID        string        `json:"id"`
	Kind      SignalKind    `json:"type"`
	SenderID  string        `json:"senderId"`
	RoomID    string        `json:"roomId"`
	SDP       string        `json:"sdp,omitempty"`
	Candidate *ICECandidate `json:"candidate,omitempty"`
	Timestamp int64         `json:"timestamp"` // Unix millis
}

// Valid reports whether the message carries the payload its kind requires.
func (m *SignalMessage) Valid() bool {
	switch m.Kind {
	case SignalKindOffer, SignalKindAnswer:
		return m.SDP != ""
	case SignalKindCandidate:
		return m.Candidate != nil && m.Candidate.Candidate != ""
	default:
		return false
	}
}

package peer

import "github.com/mossy-p/webrtc-chat/internal/models"

// DescriptionType is the role of a session description in negotiation.
type DescriptionType string

const (
	DescriptionOffer  DescriptionType = "offer"
	DescriptionAnswer DescriptionType = "answer"
)

// Description is a local or remote session description.
type Description struct {
	Type DescriptionType
	SDP  string
}

// TransportState is the connectivity reported by the peer transport.
type TransportState int

const (
	TransportNew TransportState = iota
	TransportChecking
	TransportConnected
	TransportDisconnected
	TransportFailed
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportNew:
		return "new"
	case TransportChecking:
		return "checking"
	case TransportConnected:
		return "connected"
	case TransportDisconnected:
		return "disconnected"
	case TransportFailed:
		return "failed"
	case TransportClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ChannelOptions is the delivery policy of a data channel.
type ChannelOptions struct {
	Ordered        bool
	MaxRetransmits uint16
}

// Transport is the native peer connection a Session drives. Callbacks may
// fire on any goroutine.
type Transport interface {
	CreateOffer(iceRestart bool) (Description, error)
	CreateAnswer() (Description, error)
	SetLocalDescription(Description) error
	SetRemoteDescription(Description) error
	AddICECandidate(models.ICECandidate) error
	CreateDataChannel(label string, opts ChannelOptions) (DataChannel, error)

	OnICECandidate(func(models.ICECandidate))
	OnStateChange(func(TransportState))
	OnDataChannel(func(DataChannel))

	Close() error
}

// DataChannel carries chat frames between the peers.
type DataChannel interface {
	Label() string
	Send([]byte) error
	IsOpen() bool

	OnOpen(func())
	OnClose(func())
	OnMessage(func([]byte))

	Close() error
}

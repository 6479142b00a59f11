package chat

import (
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/mossy-p/webrtc-chat/internal/models"
	"github.com/mossy-p/webrtc-chat/internal/peer"
)

// memNetwork links memTransports by the IDs carried in their descriptions,
// so two chat clients can connect without a real network.
type memNetwork struct {
	mu         sync.Mutex
	transports map[string]*memTransport
}

func newMemNetwork() *memNetwork {
	return &memNetwork{transports: make(map[string]*memTransport)}
}

func (n *memNetwork) factory() TransportFactory {
	return func() (peer.Transport, error) {
		t := &memTransport{id: uuid.New().String(), net: n}
		n.mu.Lock()
		n.transports[t.id] = t
		n.mu.Unlock()
		return t, nil
	}
}

func (n *memNetwork) lookup(sdp string) *memTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.transports[strings.TrimPrefix(sdp, "mem:")]
}

type memTransport struct {
	id  string
	net *memNetwork

	mu        sync.Mutex
	remote    *memTransport
	hasRemote bool
	channel   *memChannel
	closed    bool

	onState   func(peer.TransportState)
	onChannel func(peer.DataChannel)
}

func (t *memTransport) CreateOffer(bool) (peer.Description, error) {
	return peer.Description{Type: peer.DescriptionOffer, SDP: "mem:" + t.id}, nil
}

func (t *memTransport) CreateAnswer() (peer.Description, error) {
	return peer.Description{Type: peer.DescriptionAnswer, SDP: "mem:" + t.id}, nil
}

func (t *memTransport) SetLocalDescription(peer.Description) error { return nil }

func (t *memTransport) SetRemoteDescription(d peer.Description) error {
	other := t.net.lookup(d.SDP)
	if other == nil {
		return errors.New("unknown remote description")
	}

	t.mu.Lock()
	t.remote = other
	t.hasRemote = true
	t.mu.Unlock()

	other.mu.Lock()
	ready := other.hasRemote
	other.mu.Unlock()

	if ready {
		connect(t, other)
	}
	return nil
}

// connect opens the channel created by one side towards the other and
// reports both sides connected.
func connect(a, b *memTransport) {
	caller, callee := a, b
	caller.mu.Lock()
	local := caller.channel
	caller.mu.Unlock()
	if local == nil {
		caller, callee = b, a
		caller.mu.Lock()
		local = caller.channel
		caller.mu.Unlock()
	}

	if local != nil {
		remote := &memChannel{label: local.label}
		local.link(remote)
		remote.link(local)
		local.open()
		remote.open()
		callee.onChannel(remote)
	}
	caller.onState(peer.TransportConnected)
	callee.onState(peer.TransportConnected)
}

func (t *memTransport) AddICECandidate(models.ICECandidate) error { return nil }

func (t *memTransport) CreateDataChannel(label string, _ peer.ChannelOptions) (peer.DataChannel, error) {
	ch := &memChannel{label: label}
	t.mu.Lock()
	t.channel = ch
	t.mu.Unlock()
	return ch, nil
}

func (t *memTransport) OnICECandidate(func(models.ICECandidate))   {}
func (t *memTransport) OnStateChange(fn func(peer.TransportState)) { t.onState = fn }
func (t *memTransport) OnDataChannel(fn func(peer.DataChannel))    { t.onChannel = fn }

func (t *memTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

type memChannel struct {
	label string

	mu        sync.Mutex
	peer      *memChannel
	isOpen    bool
	onMessage func([]byte)
}

func (c *memChannel) link(p *memChannel) {
	c.mu.Lock()
	c.peer = p
	c.mu.Unlock()
}

func (c *memChannel) open() {
	c.mu.Lock()
	c.isOpen = true
	c.mu.Unlock()
}

func (c *memChannel) Label() string  { return c.label }
func (c *memChannel) OnOpen(func())  {}
func (c *memChannel) OnClose(func()) {}

func (c *memChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isOpen
}

func (c *memChannel) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

func (c *memChannel) Send(p []byte) error {
	c.mu.Lock()
	other, open := c.peer, c.isOpen
	c.mu.Unlock()
	if !open || other == nil {
		return errors.New("channel closed")
	}

	other.mu.Lock()
	fn := other.onMessage
	other.mu.Unlock()
	if fn != nil {
		fn(append([]byte(nil), p...))
	}
	return nil
}

func (c *memChannel) Close() error {
	c.mu.Lock()
	c.isOpen = false
	c.mu.Unlock()
	return nil
}

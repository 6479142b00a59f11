package peer

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/webrtc-chat/config"
	"github.com/mossy-p/webrtc-chat/internal/models"
)

// PionConfig lists the ICE servers handed to pion.
type PionConfig struct {
	ICEServers   []string
	TURNServers  []string
	TURNUsername string
	TURNPassword string

	// IncludeLoopback gathers 127.0.0.1 candidates so two peers on one
	// host can connect without a network.
	IncludeLoopback bool
}

// PionConfigFrom picks the ICE settings out of the chat configuration.
func PionConfigFrom(cfg config.ChatConfig) PionConfig {
	return PionConfig{
		ICEServers:   cfg.ICEServers,
		TURNServers:  cfg.TURNServers,
		TURNUsername: cfg.TURNUsername,
		TURNPassword: cfg.TURNPassword,
	}
}

func (c PionConfig) iceServers() []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if len(c.ICEServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: c.ICEServers})
	}
	if len(c.TURNServers) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:       c.TURNServers,
			Username:   c.TURNUsername,
			Credential: c.TURNPassword,
		})
	}
	return servers
}

// PionTransport adapts a pion PeerConnection to Transport.
type PionTransport struct {
	pc *webrtc.PeerConnection
}

// NewPionTransport creates a peer connection with the configured ICE servers.
func NewPionTransport(cfg PionConfig) (*PionTransport, error) {
	settingEngine := webrtc.SettingEngine{}
	if cfg.IncludeLoopback {
		settingEngine.SetIncludeLoopbackCandidate(true)
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: cfg.iceServers(),
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return &PionTransport{pc: pc}, nil
}

func (t *PionTransport) CreateOffer(iceRestart bool) (Description, error) {
	offer, err := t.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return Description{}, err
	}
	return Description{Type: DescriptionOffer, SDP: offer.SDP}, nil
}

func (t *PionTransport) CreateAnswer() (Description, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return Description{}, err
	}
	return Description{Type: DescriptionAnswer, SDP: answer.SDP}, nil
}

func (t *PionTransport) SetLocalDescription(d Description) error {
	return t.pc.SetLocalDescription(toPion(d))
}

func (t *PionTransport) SetRemoteDescription(d Description) error {
	return t.pc.SetRemoteDescription(toPion(d))
}

func (t *PionTransport) AddICECandidate(c models.ICECandidate) error {
	mid := c.SDPMid
	index := c.SDPMLineIndex
	return t.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &index,
	})
}

func (t *PionTransport) CreateDataChannel(label string, opts ChannelOptions) (DataChannel, error) {
	ordered := opts.Ordered
	maxRetransmits := opts.MaxRetransmits

	dc, err := t.pc.CreateDataChannel(label, &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &maxRetransmits,
	})
	if err != nil {
		return nil, err
	}
	return &pionChannel{dc: dc}, nil
}

func (t *PionTransport) OnICECandidate(fn func(models.ICECandidate)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering complete
		}
		init := c.ToJSON()
		candidate := models.ICECandidate{Candidate: init.Candidate}
		if init.SDPMid != nil {
			candidate.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			candidate.SDPMLineIndex = *init.SDPMLineIndex
		}
		fn(candidate)
	})
}

func (t *PionTransport) OnStateChange(fn func(TransportState)) {
	t.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		fn(fromPionState(state))
	})
}

func (t *PionTransport) OnDataChannel(fn func(DataChannel)) {
	t.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		fn(&pionChannel{dc: dc})
	})
}

func (t *PionTransport) Close() error {
	return t.pc.Close()
}

func toPion(d Description) webrtc.SessionDescription {
	sdpType := webrtc.SDPTypeOffer
	if d.Type == DescriptionAnswer {
		sdpType = webrtc.SDPTypeAnswer
	}
	return webrtc.SessionDescription{Type: sdpType, SDP: d.SDP}
}

func fromPionState(state webrtc.PeerConnectionState) TransportState {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return TransportChecking
	case webrtc.PeerConnectionStateConnected:
		return TransportConnected
	case webrtc.PeerConnectionStateDisconnected:
		return TransportDisconnected
	case webrtc.PeerConnectionStateFailed:
		return TransportFailed
	case webrtc.PeerConnectionStateClosed:
		return TransportClosed
	default:
		return TransportNew
	}
}

type pionChannel struct {
	dc *webrtc.DataChannel
}

func (c *pionChannel) Label() string       { return c.dc.Label() }
func (c *pionChannel) Send(p []byte) error { return c.dc.Send(p) }
func (c *pionChannel) IsOpen() bool        { return c.dc.ReadyState() == webrtc.DataChannelStateOpen }
func (c *pionChannel) OnOpen(fn func())    { c.dc.OnOpen(fn) }
func (c *pionChannel) OnClose(fn func())   { c.dc.OnClose(fn) }
func (c *pionChannel) Close() error        { return c.dc.Close() }
func (c *pionChannel) OnMessage(fn func([]byte)) {
	c.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(msg.Data)
	})
}

var _ Transport = (*PionTransport)(nil)

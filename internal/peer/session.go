// Package peer drives one peer connection through negotiation, ICE
// recovery and teardown, and carries chat frames over its data channel.
package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	applog "github.com/mossy-p/webrtc-chat/internal/log"
	"github.com/mossy-p/webrtc-chat/internal/models"
)

var (
	ErrClosed             = errors.New("peer session closed")
	ErrNegotiationPending = errors.New("negotiation already in progress")
	ErrNotCaller          = errors.New("only the caller creates offers")
	ErrSignalingLost      = errors.New("signaling feed ended")
)

// Role decides who makes the offer.
type Role int

const (
	RoleCaller Role = iota
	RoleCallee
)

func (r Role) String() string {
	if r == RoleCaller {
		return "caller"
	}
	return "callee"
}

// Signaling is the session's private link to the relay. The session owns
// it and closes it on Close.
type Signaling interface {
	Publish(ctx context.Context, msg models.SignalMessage) error
	Incoming() <-chan models.SignalMessage
	Close() error
}

// Handlers receive session output. They run on session goroutines and
// must not block or call Close.
type Handlers struct {
	OnStateChange func(from, to models.ConnectionState)
	OnMessage     func(data []byte)
	OnError       func(err error)
}

// Options configures a Session.
type Options struct {
	Role   Role
	SelfID string
	RoomID string

	ChannelLabel   string
	ChannelOptions ChannelOptions

	// ReconnectTimeout bounds how long Reconnecting may last.
	ReconnectTimeout time.Duration
	// MaxRestarts is the number of ICE restarts allowed per failure.
	MaxRestarts int

	Logger *zerolog.Logger
}

// Session is one side of a two-party peer connection. All state changes
// happen on a single event loop; exported methods only queue work for it.
type Session struct {
	transport Transport
	signaling Signaling
	opts      Options
	handlers  Handlers
	log       *zerolog.Logger

	loop   *executor
	outbox *executor
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once

	stateMu sync.RWMutex
	current models.ConnectionState

	// Owned by the event loop.
	state          models.ConnectionState
	closed         bool
	channel        DataChannel
	hasRemote      bool
	awaitingAnswer bool
	remoteOffer    string
	pending        []models.ICECandidate
	restartsLeft   int
	timer          *time.Timer
	timerGen       int
}

// NewSession wires the transport and signaling callbacks and starts the
// event loop. The session starts Idle.
func NewSession(transport Transport, signaling Signaling, opts Options, handlers Handlers) *Session {
	if opts.MaxRestarts < 0 {
		opts.MaxRestarts = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		transport:    transport,
		signaling:    signaling,
		opts:         opts,
		handlers:     handlers,
		loop:         newExecutor(),
		outbox:       newExecutor(),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		current:      models.Idle(),
		state:        models.Idle(),
		restartsLeft: opts.MaxRestarts,
	}

	logger := applog.Component(opts.Logger, "peer").With().
		Str("room", opts.RoomID).
		Str("role", opts.Role.String()).
		Logger()
	s.log = &logger

	transport.OnICECandidate(func(c models.ICECandidate) {
		s.loop.push(func() { s.publishCandidate(c) })
	})
	transport.OnStateChange(func(state TransportState) {
		s.loop.push(func() { s.handleTransportState(state) })
	})
	transport.OnDataChannel(func(dc DataChannel) {
		s.loop.push(func() { s.attachChannel(dc) })
	})

	go s.pump()
	return s
}

// State returns the current connection state.
func (s *Session) State() models.ConnectionState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.current
}

// Role returns the session's negotiation role.
func (s *Session) Role() Role {
	return s.opts.Role
}

// Done is closed once the session has been closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// CreateOffer opens the data channel and publishes the initial offer.
// Only a caller in Idle may do this.
func (s *Session) CreateOffer(ctx context.Context) error {
	if s.opts.Role != RoleCaller {
		return ErrNotCaller
	}

	result := make(chan error, 1)
	if !s.loop.push(func() { result <- s.startOffer() }) {
		return ErrClosed
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
}

// SendBytes writes one frame to the data channel. It reports false when
// there is no open channel or the write fails.
func (s *Session) SendBytes(p []byte) bool {
	result := make(chan bool, 1)
	if !s.loop.push(func() { result <- s.send(p) }) {
		return false
	}

	select {
	case ok := <-result:
		return ok
	case <-s.done:
		return false
	}
}

// Close tears the session down from any state. Only the first call does
// anything.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		finished := make(chan struct{})
		if s.loop.push(func() {
			s.shutdown()
			close(finished)
		}) {
			<-finished
		}
	})
	return nil
}

func (s *Session) pump() {
	incoming := s.signaling.Incoming()
	for {
		select {
		case msg, ok := <-incoming:
			if !ok {
				s.loop.push(func() {
					if !s.closed {
						s.reportError(ErrSignalingLost)
					}
				})
				return
			}
			s.loop.push(func() { s.handleSignal(msg) })
		case <-s.done:
			return
		}
	}
}

func (s *Session) startOffer() error {
	if s.closed {
		return ErrClosed
	}
	if s.state.Kind != models.StateIdle {
		return ErrNegotiationPending
	}

	dc, err := s.transport.CreateDataChannel(s.opts.ChannelLabel, s.opts.ChannelOptions)
	if err != nil {
		s.fail("create data channel: " + err.Error())
		return fmt.Errorf("create data channel: %w", err)
	}
	s.attachChannel(dc)

	if err := s.offer(false); err != nil {
		s.fail(err.Error())
		return err
	}

	s.setState(models.ConnectionState{Kind: models.StateNegotiating})
	return nil
}

// offer creates, applies and publishes a local offer.
func (s *Session) offer(iceRestart bool) error {
	desc, err := s.transport.CreateOffer(iceRestart)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := s.transport.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}

	s.awaitingAnswer = true
	s.publish(models.SignalMessage{Kind: models.SignalKindOffer, SDP: desc.SDP})
	s.log.Debug().Bool("ice_restart", iceRestart).Msg("offer sent")
	return nil
}

func (s *Session) handleSignal(msg models.SignalMessage) {
	if s.closed {
		return
	}

	switch msg.Kind {
	case models.SignalKindOffer:
		s.handleOffer(msg.SDP)
	case models.SignalKindAnswer:
		s.handleAnswer(msg.SDP)
	case models.SignalKindCandidate:
		if msg.Candidate != nil {
			s.handleCandidate(*msg.Candidate)
		}
	default:
		s.log.Warn().Str("type", string(msg.Kind)).Msg("ignoring unknown signal")
	}
}

func (s *Session) handleOffer(sdp string) {
	if s.opts.Role == RoleCaller {
		s.log.Debug().Msg("caller ignoring remote offer")
		return
	}
	if s.state.Terminal() {
		return
	}
	if sdp == s.remoteOffer {
		s.log.Debug().Msg("ignoring duplicate offer")
		return
	}

	if err := s.transport.SetRemoteDescription(Description{Type: DescriptionOffer, SDP: sdp}); err != nil {
		s.recover("remote offer rejected: " + err.Error())
		return
	}
	restart := s.hasRemote
	s.hasRemote = true
	s.remoteOffer = sdp
	s.flushCandidates()

	answer, err := s.transport.CreateAnswer()
	if err != nil {
		s.recover("create answer: " + err.Error())
		return
	}
	if err := s.transport.SetLocalDescription(answer); err != nil {
		s.recover("set local answer: " + err.Error())
		return
	}
	s.publish(models.SignalMessage{Kind: models.SignalKindAnswer, SDP: answer.SDP})
	s.log.Debug().Bool("ice_restart", restart).Msg("answer sent")

	if s.state.Kind == models.StateIdle {
		s.setState(models.ConnectionState{Kind: models.StateNegotiating})
	}
}

func (s *Session) handleAnswer(sdp string) {
	if s.opts.Role != RoleCaller {
		return
	}
	if !s.awaitingAnswer || s.state.Terminal() {
		s.log.Debug().Msg("ignoring unexpected answer")
		return
	}

	s.awaitingAnswer = false
	if err := s.transport.SetRemoteDescription(Description{Type: DescriptionAnswer, SDP: sdp}); err != nil {
		s.recover("remote answer rejected: " + err.Error())
		return
	}
	s.hasRemote = true
	s.flushCandidates()
}

// handleCandidate applies a remote candidate, or queues it until the
// matching remote description is in place.
func (s *Session) handleCandidate(c models.ICECandidate) {
	if !s.hasRemote || s.awaitingAnswer {
		s.pending = append(s.pending, c)
		return
	}
	s.addCandidate(c)
}

func (s *Session) flushCandidates() {
	pending := s.pending
	s.pending = nil
	for _, c := range pending {
		s.addCandidate(c)
	}
}

func (s *Session) addCandidate(c models.ICECandidate) {
	if err := s.transport.AddICECandidate(c); err != nil {
		s.log.Warn().Err(err).Str("candidate", c.Candidate).Msg("failed to add ICE candidate")
	}
}

func (s *Session) publishCandidate(c models.ICECandidate) {
	if s.closed {
		return
	}
	s.publish(models.SignalMessage{Kind: models.SignalKindCandidate, Candidate: &c})
}

func (s *Session) handleTransportState(ts TransportState) {
	if s.closed {
		return
	}
	s.log.Debug().Stringer("transport", ts).Stringer("state", s.state).Msg("transport state changed")

	switch ts {
	case TransportConnected:
		switch s.state.Kind {
		case models.StateNegotiating, models.StateReconnecting:
			s.stopTimer()
			s.restartsLeft = s.opts.MaxRestarts
			s.setState(models.ConnectionState{Kind: models.StateConnected})
		}
	case TransportChecking, TransportDisconnected:
		if s.state.Kind == models.StateConnected {
			s.setState(models.ConnectionState{Kind: models.StateReconnecting})
		}
	case TransportFailed:
		s.recover("ice connection failed")
	case TransportClosed:
		if !s.state.Terminal() {
			s.fail("transport closed")
		}
	}
}

// recover spends one restart from the budget, or fails when none is left.
// The caller re-gathers with an ICE restart offer; the callee waits for it.
// A session still in Idle has nothing to restart and fails at once.
func (s *Session) recover(reason string) {
	if s.state.Terminal() {
		return
	}
	if s.state.Kind == models.StateIdle || s.restartsLeft <= 0 {
		s.fail(reason)
		return
	}
	s.restartsLeft--

	s.log.Warn().Str("reason", reason).Int("restarts_left", s.restartsLeft).Msg("attempting ICE restart")
	s.setState(models.ConnectionState{Kind: models.StateReconnecting})
	s.armTimer(reason)

	if s.opts.Role == RoleCaller {
		if err := s.offer(true); err != nil {
			s.fail(reason + "; restart: " + err.Error())
		}
	}
}

func (s *Session) fail(reason string) {
	s.stopTimer()
	s.log.Error().Str("reason", reason).Msg("peer connection failed")
	s.setState(models.Failed(reason))
}

func (s *Session) armTimer(reason string) {
	s.stopTimer()
	s.timerGen++
	gen := s.timerGen

	s.timer = time.AfterFunc(s.opts.ReconnectTimeout, func() {
		s.loop.push(func() {
			if s.closed || gen != s.timerGen || s.state.Kind != models.StateReconnecting {
				return
			}
			s.fail("reconnect timed out after " + reason)
		})
	})
}

func (s *Session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerGen++
}

func (s *Session) attachChannel(dc DataChannel) {
	if s.closed {
		dc.Close()
		return
	}
	if s.channel != nil && s.channel != dc {
		s.channel.Close()
	}
	s.channel = dc

	label := dc.Label()
	dc.OnOpen(func() {
		s.log.Info().Str("label", label).Msg("data channel open")
	})
	dc.OnClose(func() {
		s.log.Info().Str("label", label).Msg("data channel closed")
	})
	dc.OnMessage(s.deliver)
}

// deliver hands an inbound frame to the handler; frames after Close are dropped.
func (s *Session) deliver(p []byte) {
	select {
	case <-s.done:
		return
	default:
	}
	if s.handlers.OnMessage != nil {
		s.handlers.OnMessage(p)
	}
}

func (s *Session) send(p []byte) bool {
	if s.closed || s.channel == nil || !s.channel.IsOpen() {
		return false
	}
	if err := s.channel.Send(p); err != nil {
		s.log.Warn().Err(err).Msg("data channel send failed")
		return false
	}
	return true
}

// publish queues msg on the outbox so signals leave in creation order
// without blocking the loop.
func (s *Session) publish(msg models.SignalMessage) {
	msg.ID = uuid.New().String()
	msg.SenderID = s.opts.SelfID
	msg.RoomID = s.opts.RoomID
	msg.Timestamp = time.Now().UnixMilli()

	s.outbox.push(func() {
		if err := s.signaling.Publish(s.ctx, msg); err != nil && s.ctx.Err() == nil {
			s.reportError(fmt.Errorf("publish %s: %w", msg.Kind, err))
		}
	})
}

func (s *Session) reportError(err error) {
	if s.handlers.OnError != nil {
		s.handlers.OnError(err)
	}
}

func (s *Session) setState(to models.ConnectionState) {
	from := s.state
	if from == to {
		return
	}
	s.state = to

	s.stateMu.Lock()
	s.current = to
	s.stateMu.Unlock()

	s.log.Info().Stringer("from", from).Stringer("to", to).Msg("connection state changed")
	if s.handlers.OnStateChange != nil {
		s.handlers.OnStateChange(from, to)
	}
}

func (s *Session) shutdown() {
	if s.closed {
		return
	}
	s.closed = true
	s.stopTimer()
	s.setState(models.ConnectionState{Kind: models.StateClosed})

	close(s.done)
	s.cancel()
	s.outbox.stop()

	if s.channel != nil {
		if err := s.channel.Close(); err != nil {
			s.log.Debug().Err(err).Msg("close data channel")
		}
	}
	if err := s.transport.Close(); err != nil {
		s.log.Debug().Err(err).Msg("close transport")
	}
	if err := s.signaling.Close(); err != nil {
		s.log.Debug().Err(err).Msg("close signaling")
	}

	s.loop.stop()
}

package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mossy-p/webrtc-chat/internal/log"
	"github.com/mossy-p/webrtc-chat/internal/models"
)

type fakeChannel struct {
	mu        sync.Mutex
	label     string
	open      bool
	sent      [][]byte
	closes    int
	onMessage func([]byte)
}

func (c *fakeChannel) Label() string  { return c.label }
func (c *fakeChannel) OnOpen(func())  {}
func (c *fakeChannel) OnClose(func()) {}

func (c *fakeChannel) Send(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return errors.New("channel not open")
	}
	c.sent = append(c.sent, append([]byte(nil), p...))
	return nil
}

func (c *fakeChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeChannel) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closes++
	c.open = false
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) setOpen(open bool) {
	c.mu.Lock()
	c.open = open
	c.mu.Unlock()
}

func (c *fakeChannel) receive(p []byte) {
	c.mu.Lock()
	fn := c.onMessage
	c.mu.Unlock()
	fn(p)
}

// fakeTransport records every call and enforces that candidates only
// follow a remote description.
type fakeTransport struct {
	mu sync.Mutex

	offers      []bool // iceRestart flag per CreateOffer
	answers     int
	locals      []Description
	remotes     []Description
	candidates  []string
	violations  []string
	channels    []*fakeChannel
	channelOpts []ChannelOptions
	closes      int

	rejectRemote bool

	onCandidate func(models.ICECandidate)
	onState     func(TransportState)
	onChannel   func(DataChannel)
}

func (f *fakeTransport) CreateOffer(iceRestart bool) (Description, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers = append(f.offers, iceRestart)
	return Description{Type: DescriptionOffer, SDP: fmt.Sprintf("offer-%d", len(f.offers))}, nil
}

func (f *fakeTransport) CreateAnswer() (Description, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers++
	return Description{Type: DescriptionAnswer, SDP: fmt.Sprintf("answer-%d", f.answers)}, nil
}

func (f *fakeTransport) SetLocalDescription(d Description) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locals = append(f.locals, d)
	return nil
}

func (f *fakeTransport) SetRemoteDescription(d Description) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejectRemote {
		return errors.New("malformed sdp")
	}
	f.remotes = append(f.remotes, d)
	return nil
}

func (f *fakeTransport) AddICECandidate(c models.ICECandidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.remotes) == 0 {
		f.violations = append(f.violations, c.Candidate)
		return errors.New("no remote description")
	}
	f.candidates = append(f.candidates, c.Candidate)
	return nil
}

func (f *fakeTransport) CreateDataChannel(label string, opts ChannelOptions) (DataChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dc := &fakeChannel{label: label}
	f.channels = append(f.channels, dc)
	f.channelOpts = append(f.channelOpts, opts)
	return dc, nil
}

func (f *fakeTransport) OnICECandidate(fn func(models.ICECandidate)) { f.onCandidate = fn }
func (f *fakeTransport) OnStateChange(fn func(TransportState))       { f.onState = fn }
func (f *fakeTransport) OnDataChannel(fn func(DataChannel))          { f.onChannel = fn }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) snapshot() fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fakeTransport{
		offers:     append([]bool(nil), f.offers...),
		answers:    f.answers,
		remotes:    append([]Description(nil), f.remotes...),
		candidates: append([]string(nil), f.candidates...),
		violations: append([]string(nil), f.violations...),
		channels:   append([]*fakeChannel(nil), f.channels...),
		closes:     f.closes,
	}
}

type fakeSignaling struct {
	in        chan models.SignalMessage
	published chan models.SignalMessage

	mu     sync.Mutex
	closes int
}

func newFakeSignaling() *fakeSignaling {
	return &fakeSignaling{
		in:        make(chan models.SignalMessage),
		published: make(chan models.SignalMessage, 64),
	}
}

func (f *fakeSignaling) Publish(_ context.Context, msg models.SignalMessage) error {
	f.published <- msg
	return nil
}

func (f *fakeSignaling) Incoming() <-chan models.SignalMessage { return f.in }

func (f *fakeSignaling) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	return nil
}

type recorder struct {
	states   chan models.ConnectionState
	messages chan []byte
	errs     chan error
}

func newRecorder() *recorder {
	return &recorder{
		states:   make(chan models.ConnectionState, 32),
		messages: make(chan []byte, 32),
		errs:     make(chan error, 32),
	}
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnStateChange: func(_, to models.ConnectionState) { r.states <- to },
		OnMessage:     func(p []byte) { r.messages <- p },
		OnError:       func(err error) { r.errs <- err },
	}
}

func newTestSession(t *testing.T, role Role) (*Session, *fakeTransport, *fakeSignaling, *recorder) {
	t.Helper()
	tr := &fakeTransport{}
	sig := newFakeSignaling()
	rec := newRecorder()

	s := NewSession(tr, sig, Options{
		Role:             role,
		SelfID:           "self",
		RoomID:           "ROOM01",
		ChannelLabel:     "messages",
		ChannelOptions:   ChannelOptions{Ordered: true, MaxRetransmits: 3},
		ReconnectTimeout: 100 * time.Millisecond,
		MaxRestarts:      1,
		Logger:           log.Nop(),
	}, rec.handlers())
	t.Cleanup(func() { s.Close() })
	return s, tr, sig, rec
}

func mustState(t *testing.T, rec *recorder, want models.StateKind) models.ConnectionState {
	t.Helper()
	select {
	case got := <-rec.states:
		if got.Kind != want {
			t.Fatalf("state = %s, want %s", got, want)
		}
		return got
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for state %s", want)
	}
	return models.ConnectionState{}
}

func mustPublished(t *testing.T, sig *fakeSignaling, want models.SignalKind) models.SignalMessage {
	t.Helper()
	select {
	case msg := <-sig.published:
		if msg.Kind != want {
			t.Fatalf("published %s, want %s", msg.Kind, want)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for published %s", want)
	}
	return models.SignalMessage{}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func candidate(name string) models.SignalMessage {
	return models.SignalMessage{
		ID:        name,
		Kind:      models.SignalKindCandidate,
		SenderID:  "remote",
		Candidate: &models.ICECandidate{SDPMid: "0", Candidate: name},
	}
}

func remoteOffer(sdp string) models.SignalMessage {
	return models.SignalMessage{ID: sdp, Kind: models.SignalKindOffer, SenderID: "remote", SDP: sdp}
}

func remoteAnswer(sdp string) models.SignalMessage {
	return models.SignalMessage{ID: sdp, Kind: models.SignalKindAnswer, SenderID: "remote", SDP: sdp}
}

func TestCallerCreateOffer(t *testing.T) {
	s, tr, sig, rec := newTestSession(t, RoleCaller)
	ctx := context.Background()

	if err := s.CreateOffer(ctx); err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	mustState(t, rec, models.StateNegotiating)

	msg := mustPublished(t, sig, models.SignalKindOffer)
	if msg.SenderID != "self" || msg.RoomID != "ROOM01" || msg.ID == "" || msg.SDP != "offer-1" {
		t.Errorf("unexpected offer message: %+v", msg)
	}

	snap := tr.snapshot()
	if len(snap.channels) != 1 || snap.channels[0].label != "messages" {
		t.Fatalf("expected one data channel labelled messages, got %d", len(snap.channels))
	}
	if opts := tr.channelOpts[0]; !opts.Ordered || opts.MaxRetransmits != 3 {
		t.Errorf("channel options = %+v", opts)
	}

	if err := s.CreateOffer(ctx); !errors.Is(err, ErrNegotiationPending) {
		t.Errorf("second CreateOffer: got %v, want ErrNegotiationPending", err)
	}
}

func TestCalleeCannotOffer(t *testing.T) {
	s, _, _, _ := newTestSession(t, RoleCallee)
	if err := s.CreateOffer(context.Background()); !errors.Is(err, ErrNotCaller) {
		t.Fatalf("got %v, want ErrNotCaller", err)
	}
}

func TestCalleeBuffersCandidatesUntilOffer(t *testing.T) {
	s, tr, sig, rec := newTestSession(t, RoleCallee)

	sig.in <- candidate("c1")
	sig.in <- candidate("c2")
	sig.in <- candidate("c3")
	sig.in <- remoteOffer("offer-A")

	mustPublished(t, sig, models.SignalKindAnswer)
	mustState(t, rec, models.StateNegotiating)

	snap := tr.snapshot()
	if len(snap.violations) != 0 {
		t.Fatalf("candidates applied before remote description: %v", snap.violations)
	}
	want := []string{"c1", "c2", "c3"}
	if fmt.Sprint(snap.candidates) != fmt.Sprint(want) {
		t.Fatalf("applied candidates = %v, want %v", snap.candidates, want)
	}

	sig.in <- candidate("c4")
	eventually(t, "late candidate applied", func() bool {
		return len(tr.snapshot().candidates) == 4
	})
	if s.State().Kind != models.StateNegotiating {
		t.Errorf("state = %s", s.State())
	}
}

func TestCallerBuffersCandidatesUntilAnswer(t *testing.T) {
	s, tr, sig, rec := newTestSession(t, RoleCaller)

	if err := s.CreateOffer(context.Background()); err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	mustState(t, rec, models.StateNegotiating)
	mustPublished(t, sig, models.SignalKindOffer)

	sig.in <- candidate("c1")
	sig.in <- candidate("c2")
	sig.in <- remoteAnswer("answer-A")

	eventually(t, "buffered candidates flushed", func() bool {
		return len(tr.snapshot().candidates) == 2
	})
	snap := tr.snapshot()
	if len(snap.violations) != 0 {
		t.Fatalf("candidates applied before answer: %v", snap.violations)
	}
	if snap.candidates[0] != "c1" || snap.candidates[1] != "c2" {
		t.Errorf("order = %v", snap.candidates)
	}
	if s.State().Kind != models.StateNegotiating {
		t.Errorf("answer must not change state by itself, got %s", s.State())
	}

	// A second answer is stale.
	sig.in <- remoteAnswer("answer-B")
	sig.in <- candidate("c3")
	eventually(t, "c3 applied", func() bool { return len(tr.snapshot().candidates) == 3 })
	if n := len(tr.snapshot().remotes); n != 1 {
		t.Errorf("remote descriptions = %d, want 1", n)
	}
}

func TestDuplicateOfferIgnored(t *testing.T) {
	_, tr, sig, rec := newTestSession(t, RoleCallee)

	sig.in <- remoteOffer("offer-A")
	mustPublished(t, sig, models.SignalKindAnswer)
	mustState(t, rec, models.StateNegotiating)

	sig.in <- remoteOffer("offer-A")
	sig.in <- candidate("after")
	eventually(t, "candidate after duplicate", func() bool { return len(tr.snapshot().candidates) == 1 })

	if n := tr.snapshot().answers; n != 1 {
		t.Errorf("answers created = %d, want 1", n)
	}
	select {
	case msg := <-sig.published:
		t.Errorf("unexpected publish after duplicate offer: %+v", msg)
	default:
	}
}

func TestCallerIgnoresOffers(t *testing.T) {
	_, tr, sig, _ := newTestSession(t, RoleCaller)

	sig.in <- remoteOffer("offer-X")
	sig.in <- candidate("c1")

	time.Sleep(50 * time.Millisecond)
	snap := tr.snapshot()
	if len(snap.remotes) != 0 || snap.answers != 0 {
		t.Errorf("caller reacted to an offer: %+v", snap)
	}
}

func connectCaller(t *testing.T) (*Session, *fakeTransport, *fakeSignaling, *recorder) {
	t.Helper()
	s, tr, sig, rec := newTestSession(t, RoleCaller)
	if err := s.CreateOffer(context.Background()); err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	mustState(t, rec, models.StateNegotiating)
	mustPublished(t, sig, models.SignalKindOffer)

	sig.in <- remoteAnswer("answer-A")
	eventually(t, "answer applied", func() bool { return len(tr.snapshot().remotes) == 1 })

	tr.onState(TransportConnected)
	mustState(t, rec, models.StateConnected)
	return s, tr, sig, rec
}

func TestTransientDisconnectRecovers(t *testing.T) {
	_, tr, _, rec := connectCaller(t)

	tr.onState(TransportDisconnected)
	mustState(t, rec, models.StateReconnecting)
	tr.onState(TransportConnected)
	mustState(t, rec, models.StateConnected)
}

func TestICEFailureRestartsOnceThenFails(t *testing.T) {
	s, tr, sig, rec := connectCaller(t)

	tr.onState(TransportFailed)
	mustState(t, rec, models.StateReconnecting)
	restart := mustPublished(t, sig, models.SignalKindOffer)
	if restart.SDP != "offer-2" {
		t.Errorf("restart offer sdp = %q", restart.SDP)
	}
	if offers := tr.snapshot().offers; len(offers) != 2 || !offers[1] {
		t.Fatalf("expected an ICE restart offer, got %v", offers)
	}

	tr.onState(TransportFailed)
	failed := mustState(t, rec, models.StateFailed)
	if failed.Reason == "" {
		t.Error("failed state without reason")
	}
	if s.State().Kind != models.StateFailed {
		t.Errorf("State() = %s", s.State())
	}
}

func TestRestartBudgetRestoredAfterReconnect(t *testing.T) {
	_, tr, sig, rec := connectCaller(t)

	tr.onState(TransportFailed)
	mustState(t, rec, models.StateReconnecting)
	mustPublished(t, sig, models.SignalKindOffer)
	sig.in <- remoteAnswer("answer-B")
	eventually(t, "restart answer applied", func() bool { return len(tr.snapshot().remotes) == 2 })
	tr.onState(TransportConnected)
	mustState(t, rec, models.StateConnected)

	tr.onState(TransportFailed)
	mustState(t, rec, models.StateReconnecting)
}

func TestCalleeReconnectTimesOut(t *testing.T) {
	_, tr, sig, rec := newTestSession(t, RoleCallee)

	sig.in <- remoteOffer("offer-A")
	mustPublished(t, sig, models.SignalKindAnswer)
	mustState(t, rec, models.StateNegotiating)
	tr.onState(TransportConnected)
	mustState(t, rec, models.StateConnected)

	tr.onState(TransportFailed)
	mustState(t, rec, models.StateReconnecting)
	if n := len(tr.snapshot().offers); n != 0 {
		t.Fatalf("callee must not create restart offers, created %d", n)
	}

	failed := mustState(t, rec, models.StateFailed)
	if failed.Reason == "" {
		t.Error("failed state without reason")
	}
}

func TestRejectedAnswerTriggersRecovery(t *testing.T) {
	s, tr, sig, rec := newTestSession(t, RoleCaller)
	if err := s.CreateOffer(context.Background()); err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	mustState(t, rec, models.StateNegotiating)
	mustPublished(t, sig, models.SignalKindOffer)

	tr.mu.Lock()
	tr.rejectRemote = true
	tr.mu.Unlock()

	sig.in <- remoteAnswer("garbage")
	mustState(t, rec, models.StateReconnecting)
	mustPublished(t, sig, models.SignalKindOffer)

	sig.in <- remoteAnswer("garbage-again")
	mustState(t, rec, models.StateFailed)
}

func TestCalleeRejectedFirstOfferFails(t *testing.T) {
	s, tr, sig, rec := newTestSession(t, RoleCallee)
	tr.mu.Lock()
	tr.rejectRemote = true
	tr.mu.Unlock()

	sig.in <- remoteOffer("malformed")

	// Straight to Failed: no Reconnecting while waiting for a restart offer
	failed := mustState(t, rec, models.StateFailed)
	if failed.Reason == "" {
		t.Error("failed state without reason")
	}
	select {
	case msg := <-sig.published:
		t.Errorf("unexpected publish %s after a rejected offer", msg.Kind)
	default:
	}
	if s.State().Kind != models.StateFailed {
		t.Errorf("state = %s", s.State())
	}
}

func TestLocalCandidatesPublishedInOrder(t *testing.T) {
	s, tr, sig, rec := newTestSession(t, RoleCaller)
	if err := s.CreateOffer(context.Background()); err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	mustState(t, rec, models.StateNegotiating)
	mustPublished(t, sig, models.SignalKindOffer)

	for i := 0; i < 5; i++ {
		tr.onCandidate(models.ICECandidate{SDPMid: "0", Candidate: fmt.Sprintf("local-%d", i)})
	}
	for i := 0; i < 5; i++ {
		msg := mustPublished(t, sig, models.SignalKindCandidate)
		if want := fmt.Sprintf("local-%d", i); msg.Candidate.Candidate != want {
			t.Fatalf("candidate %d = %s, want %s", i, msg.Candidate.Candidate, want)
		}
	}
}

func TestSendBytes(t *testing.T) {
	s, tr, _, _ := newTestSession(t, RoleCaller)

	if s.SendBytes([]byte("early")) {
		t.Fatal("send without a channel must fail")
	}
	if err := s.CreateOffer(context.Background()); err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	dc := tr.snapshot().channels[0]

	if s.SendBytes([]byte("not open yet")) {
		t.Fatal("send on a closed channel must fail")
	}
	dc.setOpen(true)
	if !s.SendBytes([]byte("hello")) {
		t.Fatal("send on an open channel failed")
	}

	s.Close()
	if s.SendBytes([]byte("after close")) {
		t.Fatal("send after close must fail")
	}
	if len(dc.sent) != 1 || string(dc.sent[0]) != "hello" {
		t.Errorf("sent = %q", dc.sent)
	}
}

func TestInboundFramesInOrder(t *testing.T) {
	_, tr, _, rec := newTestSession(t, RoleCallee)

	dc := &fakeChannel{label: "messages", open: true}
	tr.onChannel(dc)
	eventually(t, "channel attached", func() bool {
		dc.mu.Lock()
		defer dc.mu.Unlock()
		return dc.onMessage != nil
	})

	for i := 0; i < 3; i++ {
		dc.receive([]byte(fmt.Sprintf("frame-%d", i)))
	}
	for i := 0; i < 3; i++ {
		select {
		case p := <-rec.messages:
			if want := fmt.Sprintf("frame-%d", i); string(p) != want {
				t.Fatalf("frame %d = %s, want %s", i, p, want)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for frame")
		}
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	s, tr, sig, rec := newTestSession(t, RoleCaller)
	if err := s.CreateOffer(context.Background()); err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	mustState(t, rec, models.StateNegotiating)

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	mustState(t, rec, models.StateClosed)
	select {
	case st := <-rec.states:
		t.Fatalf("unexpected state after close: %s", st)
	case <-time.After(50 * time.Millisecond):
	}

	snap := tr.snapshot()
	if snap.closes != 1 {
		t.Errorf("transport closed %d times", snap.closes)
	}
	if snap.channels[0].closes != 1 {
		t.Errorf("data channel closed %d times", snap.channels[0].closes)
	}
	sig.mu.Lock()
	if sig.closes != 1 {
		t.Errorf("signaling closed %d times", sig.closes)
	}
	sig.mu.Unlock()

	if err := s.CreateOffer(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("CreateOffer after close: %v", err)
	}
	select {
	case <-s.Done():
	default:
		t.Error("Done not closed")
	}

	// Late transport events must not resurrect the session.
	tr.onState(TransportConnected)
	time.Sleep(20 * time.Millisecond)
	if s.State().Kind != models.StateClosed {
		t.Errorf("state after late event = %s", s.State())
	}
}

func TestCloseFromFailed(t *testing.T) {
	s, tr, sig, rec := newTestSession(t, RoleCallee)
	sig.in <- remoteOffer("offer-A")
	mustState(t, rec, models.StateNegotiating)

	tr.onState(TransportFailed)
	mustState(t, rec, models.StateReconnecting)
	tr.onState(TransportFailed)
	mustState(t, rec, models.StateFailed)

	s.Close()
	mustState(t, rec, models.StateClosed)
}

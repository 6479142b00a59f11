package signal

import (
	"sync"

	"github.com/mossy-p/webrtc-chat/internal/models"
)

const subscriptionBuffer = 64

// Subscription is a live feed of negotiation messages for one (room, user).
// Messages arrive on C() until Close is called or the feed fails; Err
// reports why a feed ended on its own.
type Subscription struct {
	RoomID string
	UserID string

	msgs     chan models.SignalMessage
	done     chan struct{}
	finished chan struct{}
	once     sync.Once
	stop     func()

	mu  sync.Mutex
	err error
}

// NewSubscription creates a subscription whose producer calls Deliver and,
// exactly once when it stops, Finish. stop is invoked on the first Close.
func NewSubscription(roomID, userID string, stop func()) *Subscription {
	return &Subscription{
		RoomID:   roomID,
		UserID:   userID,
		msgs:     make(chan models.SignalMessage, subscriptionBuffer),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		stop:     stop,
	}
}

// C returns the message feed. It is closed once the producer finishes.
func (s *Subscription) C() <-chan models.SignalMessage {
	return s.msgs
}

// Done is closed when Close has been called.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Deliver hands msg to the consumer, blocking until it is taken or the
// subscription is closed. It returns false once closed.
func (s *Subscription) Deliver(msg models.SignalMessage) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.msgs <- msg:
		return true
	case <-s.done:
		return false
	}
}

// Finish is called by the producer when it exits.
func (s *Subscription) Finish(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()

	close(s.msgs)
	close(s.finished)
}

// Err returns the error that ended the feed, if any.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the feed and waits for the producer to exit. Safe to call
// more than once.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		if s.stop != nil {
			s.stop()
		}
	})
	<-s.finished
	return nil
}

// Filter drops a subscriber's own messages and anything already seen.
type Filter struct {
	selfID string
	seen   map[string]struct{}
}

func NewFilter(selfID string) *Filter {
	return &Filter{selfID: selfID, seen: make(map[string]struct{})}
}

// Accept reports whether msg should be delivered, remembering its ID.
func (f *Filter) Accept(msg models.SignalMessage) bool {
	if msg.SenderID == f.selfID {
		return false
	}
	if msg.ID == "" {
		return true
	}
	if _, dup := f.seen[msg.ID]; dup {
		return false
	}
	f.seen[msg.ID] = struct{}{}
	return true
}

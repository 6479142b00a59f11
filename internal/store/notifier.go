package store

import (
	"context"
	"sync"
)

// Notifier fans out "room changed" pings. Pings coalesce: a watcher that
// has not drained its channel sees one ping for any number of changes.
type Notifier struct {
	mu       sync.Mutex
	watchers map[string]map[chan struct{}]struct{}
}

func NewNotifier() *Notifier {
	return &Notifier{watchers: make(map[string]map[chan struct{}]struct{})}
}

// Watch registers a watcher for roomID. The channel closes when ctx ends.
func (n *Notifier) Watch(ctx context.Context, roomID string) <-chan struct{} {
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	if n.watchers[roomID] == nil {
		n.watchers[roomID] = make(map[chan struct{}]struct{})
	}
	n.watchers[roomID][ch] = struct{}{}
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		delete(n.watchers[roomID], ch)
		if len(n.watchers[roomID]) == 0 {
			delete(n.watchers, roomID)
		}
		close(ch)
		n.mu.Unlock()
	}()

	return ch
}

// Notify pings every watcher of roomID without blocking.
func (n *Notifier) Notify(roomID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for ch := range n.watchers[roomID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

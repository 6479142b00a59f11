package peer

import "sync"

// executor runs queued tasks one at a time, in push order, on its own
// goroutine. Pushing never blocks.
type executor struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool
	wake    chan struct{}
}

func newExecutor() *executor {
	e := &executor{wake: make(chan struct{}, 1)}
	go e.run()
	return e
}

// push queues fn and reports whether it was accepted.
func (e *executor) push(fn func()) bool {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return false
	}
	e.queue = append(e.queue, fn)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return true
}

// stop drops pending tasks; the task currently running, if any, completes.
func (e *executor) stop() {
	e.mu.Lock()
	e.stopped = true
	e.queue = nil
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *executor) run() {
	for range e.wake {
		for {
			e.mu.Lock()
			if e.stopped {
				e.mu.Unlock()
				return
			}
			if len(e.queue) == 0 {
				e.mu.Unlock()
				break
			}
			fn := e.queue[0]
			e.queue[0] = nil
			e.queue = e.queue[1:]
			e.mu.Unlock()

			fn()
		}
	}
}

// Package ratelimit enforces a sliding-window cap on sends per sender.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter admits at most ceiling events in any trailing window.
type Limiter struct {
	window  time.Duration
	ceiling int

	mu    sync.Mutex
	times []time.Time // admitted events, oldest first
}

func NewLimiter(window time.Duration, ceiling int) *Limiter {
	return &Limiter{window: window, ceiling: ceiling}
}

// TryAdmit prunes events older than the window and, if room remains,
// records now and returns true. Rejections are not recorded.
func (l *Limiter) TryAdmit(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(now)
	if len(l.times) >= l.ceiling {
		return false
	}
	l.times = append(l.times, now)
	return true
}

// RetryAfter is how long until the next event would be admitted; zero if now.
func (l *Limiter) RetryAfter(now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(now)
	if len(l.times) < l.ceiling {
		return 0
	}
	return l.times[0].Add(l.window).Sub(now)
}

// Count is the number of events currently inside the window.
func (l *Limiter) Count(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(now)
	return len(l.times)
}

func (l *Limiter) Reset() {
	l.mu.Lock()
	l.times = nil
	l.mu.Unlock()
}

func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.times) && !l.times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.times = append(l.times[:0], l.times[i:]...)
	}
}

// Key identifies one sender inside one room.
type Key struct {
	RoomID   string
	SenderID string
}

// Set holds one Limiter per Key, created on first use.
type Set struct {
	window  time.Duration
	ceiling int

	mu       sync.Mutex
	limiters map[Key]*Limiter
}

func NewSet(window time.Duration, ceiling int) *Set {
	return &Set{
		window:   window,
		ceiling:  ceiling,
		limiters: make(map[Key]*Limiter),
	}
}

// Get returns the limiter for roomID and senderID.
func (s *Set) Get(roomID, senderID string) *Limiter {
	key := Key{RoomID: roomID, SenderID: senderID}

	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.limiters[key]
	if !ok {
		l = NewLimiter(s.window, s.ceiling)
		s.limiters[key] = l
	}
	return l
}

// TryAdmit is Get(roomID, senderID).TryAdmit(now).
func (s *Set) TryAdmit(roomID, senderID string, now time.Time) bool {
	return s.Get(roomID, senderID).TryAdmit(now)
}

// Reset forgets the window of one sender in one room.
func (s *Set) Reset(roomID, senderID string) {
	s.mu.Lock()
	delete(s.limiters, Key{RoomID: roomID, SenderID: senderID})
	s.mu.Unlock()
}

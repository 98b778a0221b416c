package internal

import (
	"sync"
	"time"
)

// SendLimiter throttles outgoing publishes with a sliding window so a stuck
// key or a paste flood cannot spam the room.
type SendLimiter struct {
	mu     sync.Mutex
	hits   []time.Time
	limit  int
	window time.Duration
}

func NewSendLimiter(limit int, window time.Duration) *SendLimiter {
	return &SendLimiter{limit: limit, window: window}
}

func (l *SendLimiter) Allow() bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	windowStart := now.Add(-l.window)
	idx := 0
	for _, ts := range l.hits {
		if ts.After(windowStart) {
			l.hits[idx] = ts
			idx++
		}
	}
	l.hits = l.hits[:idx]
	if len(l.hits) >= l.limit {
		return false
	}
	l.hits = append(l.hits, now)
	return true
}

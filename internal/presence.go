package internal

import (
	"sort"
	"sync"
	"time"
)

// PresenceTracker records which room members have been seen this session
// and when they last acted. Membership is observed, not authoritative: a
// member appears when a message or enter event from them arrives.
type PresenceTracker struct {
	mu       sync.Mutex
	lastSeen map[string]time.Time
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{lastSeen: make(map[string]time.Time)}
}

func (p *PresenceTracker) MarkActive(userID string) {
	if userID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastSeen[userID] = time.Now()
}

func (p *PresenceTracker) LastSeen(userID string) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	at, ok := p.lastSeen[userID]
	return at, ok
}

// Members returns every observed member, sorted for stable display.
func (p *PresenceTracker) Members() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	members := make([]string, 0, len(p.lastSeen))
	for userID := range p.lastSeen {
		members = append(members, userID)
	}
	sort.Strings(members)
	return members
}

func (p *PresenceTracker) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.lastSeen)
}

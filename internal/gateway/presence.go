package gateway

import (
	"sort"
	"sync"
	"time"
)

// PresenceEntry records one online user. At most one entry exists per user:
// a later authentication supersedes the earlier connection's slot.
type PresenceEntry struct {
	UserID      string
	TenantID    string
	ConnID      string
	ConnectedAt time.Time
}

// Presence is the process-local registry of connected users. It is not
// persisted and does not survive restart; with multiple gateway instances
// each instance sees only its own connections.
type Presence struct {
	mu      sync.RWMutex
	entries map[string]PresenceEntry
	clock   func() time.Time
}

// NewPresence constructs an empty presence tracker.
func NewPresence(clock func() time.Time) *Presence {
	if clock == nil {
		clock = time.Now
	}
	return &Presence{
		entries: make(map[string]PresenceEntry),
		clock:   clock,
	}
}

// Track records the user as online on the given connection, replacing any
// earlier session (last connection wins). Returns true if the user was not
// already online, i.e. the caller should broadcast user_online.
func (p *Presence) Track(userID, tenantID, connID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, existed := p.entries[userID]
	p.entries[userID] = PresenceEntry{
		UserID:      userID,
		TenantID:    tenantID,
		ConnID:      connID,
		ConnectedAt: p.clock().UTC(),
	}
	return !existed
}

// Remove deletes the user's entry only if the disconnecting connection is
// the one recorded, guarding against stale removal from a superseded
// session. Returns the entry and whether it was removed.
func (p *Presence) Remove(userID, connID string) (PresenceEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[userID]
	if !ok || entry.ConnID != connID {
		return PresenceEntry{}, false
	}
	delete(p.entries, userID)
	return entry, true
}

// IsOnline reports whether the user currently holds an authenticated connection.
func (p *Presence) IsOnline(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.entries[userID]
	return ok
}

// OnlineUsers lists the ids of users online for one tenant, sorted for
// stable output. Answered purely from memory.
func (p *Presence) OnlineUsers(tenantID string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	users := make([]string, 0)
	for _, entry := range p.entries {
		if entry.TenantID == tenantID {
			users = append(users, entry.UserID)
		}
	}
	sort.Strings(users)
	return users
}

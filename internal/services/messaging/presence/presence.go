// Package presence tracks which users are currently reachable.
//
// Presence is ephemeral: a user holds their reported status while
// heartbeats keep arriving within the TTL and reads offline the moment
// the last heartbeat ages out, whether or not the sweeper has removed
// the entry yet.
package presence

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Status is a user's reported reachability.
type Status string

const (
	// StatusOnline marks a user actively connected and attentive.
	StatusOnline Status = "online"
	// StatusAway marks a connected but idle user.
	StatusAway Status = "away"
	// StatusOffline is the implied status of absent or expired entries.
	// It is never stored.
	StatusOffline Status = "offline"
)

// ValidHeartbeatStatus reports whether clients may report this status.
func ValidHeartbeatStatus(status Status) bool {
	return status == StatusOnline || status == StatusAway
}

type entry struct {
	status Status
	last   time.Time
}

// Cache holds reported statuses and last-heartbeat timestamps keyed by
// user id.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]entry
}

// NewCache builds a presence cache with the given heartbeat TTL.
func NewCache(ttl time.Duration) (*Cache, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("presence ttl must be greater than zero")
	}
	return &Cache{
		ttl:     ttl,
		now:     func() time.Time { return time.Now().UTC() },
		entries: make(map[string]entry),
	}, nil
}

// SetClock overrides the cache clock. Intended for tests.
func (c *Cache) SetClock(now func() time.Time) {
	if c == nil || now == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Heartbeat records activity and the reported status for a user. It
// reports whether the user's visible status changed: a transition from
// offline, or a switch between online and away. Refreshing the same
// status returns false.
func (c *Cache) Heartbeat(userID string, status Status) bool {
	if c == nil || userID == "" || !ValidHeartbeatStatus(status) {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	previous, ok := c.entries[userID]
	c.entries[userID] = entry{status: status, last: now}
	if !ok || now.Sub(previous.last) > c.ttl {
		return true
	}
	return previous.status != status
}

// Get returns the user's visible status. An absent or expired entry
// reads offline regardless of the stored status, even before the
// sweeper removes it.
func (c *Cache) Get(userID string) Status {
	if c == nil {
		return StatusOffline
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	stored, ok := c.entries[userID]
	if !ok || c.now().Sub(stored.last) > c.ttl {
		return StatusOffline
	}
	return stored.status
}

// LiveUsers returns the sorted ids of all users within the TTL.
func (c *Cache) LiveUsers() []string {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var userIDs []string
	for userID, stored := range c.entries {
		if now.Sub(stored.last) <= c.ttl {
			userIDs = append(userIDs, userID)
		}
	}
	sort.Strings(userIDs)
	return userIDs
}

// Drop removes a user immediately, such as on deliberate disconnect.
// It reports whether the user was live at the time.
func (c *Cache) Drop(userID string) bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	stored, ok := c.entries[userID]
	if !ok {
		return false
	}
	delete(c.entries, userID)
	return c.now().Sub(stored.last) <= c.ttl
}

// Sweep removes entries whose heartbeat aged past the TTL and returns the
// ids that expired. Entries refreshed concurrently keep their new
// timestamp; only stale ones are removed.
func (c *Cache) Sweep() []string {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var expired []string
	for userID, stored := range c.entries {
		if now.Sub(stored.last) > c.ttl {
			delete(c.entries, userID)
			expired = append(expired, userID)
		}
	}
	sort.Strings(expired)
	return expired
}

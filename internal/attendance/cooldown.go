// Package attendance turns accepted identity matches into attendance events.
//
// Cooldown is the only gate that creates an event: it remembers when each
// identity was last marked and refuses a second mark inside the cooldown
// window. Accepted events are handed to a Recorder, which persists them in the
// background without ever blocking the recognition loop.
package attendance

import (
	"sync"
	"time"
)

// DefaultCooldown is the minimum interval between two marks of one identity.
const DefaultCooldown = 3 * time.Second

// Cooldown tracks the last accepted mark per identity.
type Cooldown struct {
	mu       sync.Mutex
	period   time.Duration
	lastSeen map[string]time.Time
}

// NewCooldown returns an empty Cooldown with the given period.
func NewCooldown(period time.Duration) *Cooldown {
	return &Cooldown{
		period:   period,
		lastSeen: make(map[string]time.Time),
	}
}

// Period returns the configured cooldown window.
func (c *Cooldown) Period() time.Duration {
	return c.period
}

// ShouldMark reports whether id may be marked at now, and records now as the
// identity's last mark when it may. Check and update happen under one lock,
// so two concurrent sightings of the same identity cannot both pass.
func (c *Cooldown) ShouldMark(id string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if last, ok := c.lastSeen[id]; ok && now.Sub(last) < c.period {
		return false
	}
	c.lastSeen[id] = now
	return true
}

// LastSeen returns the time of the last accepted mark for id.
func (c *Cooldown) LastSeen(id string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.lastSeen[id]
	return t, ok
}

// Forget drops the cooldown entry of a single identity.
func (c *Cooldown) Forget(id string) {
	c.mu.Lock()
	delete(c.lastSeen, id)
	c.mu.Unlock()
}

// Reset clears all cooldown state.
func (c *Cooldown) Reset() {
	c.mu.Lock()
	c.lastSeen = make(map[string]time.Time)
	c.mu.Unlock()
}

// Snapshot returns a copy of the last-mark table.
func (c *Cooldown) Snapshot() map[string]time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]time.Time, len(c.lastSeen))
	for k, v := range c.lastSeen {
		out[k] = v
	}
	return out
}

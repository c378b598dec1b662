package arbitrage

import (
	"sync"
	"time"
)

// Cooldown suppresses repeat signals for a market within a time window. It
// is safe for concurrent use by the incremental and full-scan paths.
type Cooldown struct {
	until      map[string]time.Time // marketID -> end of cooldown
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
	mu         sync.Mutex
}

// NewCooldown creates a Cooldown. maxEntries bounds the map; zero means
// unbounded.
func NewCooldown(ttl time.Duration, maxEntries int) *Cooldown {
	return &Cooldown{
		until:      make(map[string]time.Time),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Allow reports whether marketID is outside its cooldown. When it is, a
// new cooldown is started and true is returned.
func (c *Cooldown) Allow(marketID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if end, ok := c.until[marketID]; ok && now.Before(end) {
		return false
	}
	c.until[marketID] = now.Add(c.ttl)
	if c.maxEntries > 0 && len(c.until) > c.maxEntries {
		c.evictLocked(now)
	}
	return true
}

// Active reports whether marketID is cooling down, without recording.
func (c *Cooldown) Active(marketID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	end, ok := c.until[marketID]
	return ok && c.now().Before(end)
}

// Cleanup removes expired entries and returns how many were removed.
func (c *Cooldown) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for id, end := range c.until {
		if !now.Before(end) {
			delete(c.until, id)
			n++
		}
	}
	return n
}

// Reset clears every cooldown.
func (c *Cooldown) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.until = make(map[string]time.Time)
}

// Len returns the number of tracked markets.
func (c *Cooldown) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.until)
}

// evictLocked drops expired entries, then the soonest-expiring ones until
// the map is back under its bound.
func (c *Cooldown) evictLocked(now time.Time) {
	for id, end := range c.until {
		if !now.Before(end) {
			delete(c.until, id)
		}
	}
	for len(c.until) > c.maxEntries {
		var oldest string
		var oldestEnd time.Time
		for id, end := range c.until {
			if oldest == "" || end.Before(oldestEnd) {
				oldest, oldestEnd = id, end
			}
		}
		delete(c.until, oldest)
	}
}

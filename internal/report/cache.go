package report

import (
	"sync"
	"time"
)

// Cache
// ------------------------------------------------------------
// Process-wide set of recently reported IPs (ip → expiry). It only saves
// store round-trips and closes the race between concurrent first-sight
// connections; the durable store stays authoritative across restarts.
//
// Size policy: when an insert finds the map at max, expired entries are
// purged; if it is still full the whole map is cleared. Clearing is an
// approximation (a cleared IP falls back to the durable check) and runs
// under the same lock as every insert.
type Cache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
	max     int
	now     func() time.Time
}

// NewCache returns a cache whose entries live for ttl.
func NewCache(ttl time.Duration, max int) *Cache {
	if max < 1 {
		max = 1
	}
	return &Cache{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		max:     max,
		now:     time.Now,
	}
}

// Reserve atomically checks ip and, when it is not present (or expired),
// inserts it. It returns false when ip was already present, meaning some
// other caller reported or is reporting it.
func (c *Cache) Reserve(ip string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if exp, ok := c.entries[ip]; ok && now.Before(exp) {
		return false
	}
	c.makeRoomLocked(now)
	c.entries[ip] = now.Add(c.ttl)
	return true
}

// Seen reports whether ip holds an unexpired entry.
func (c *Cache) Seen(ip string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	exp, ok := c.entries[ip]
	return ok && c.now().Before(exp)
}

// Release drops ip, used when a reservation turns out not to be a report.
func (c *Cache) Release(ip string) {
	c.mu.Lock()
	delete(c.entries, ip)
	c.mu.Unlock()
}

// Len returns the number of entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) makeRoomLocked(now time.Time) {
	if len(c.entries) < c.max {
		return
	}
	for ip, exp := range c.entries {
		if !now.Before(exp) {
			delete(c.entries, ip)
		}
	}
	if len(c.entries) >= c.max {
		clear(c.entries)
	}
}

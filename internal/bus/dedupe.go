package bus

import (
	"sync"
	"time"
)

// DedupeCache is a TTL cache used to drop duplicate inbound messages
// (webhook retries, Telegram double-taps). Entries expire after ttl;
// the cache is capped so a flood cannot grow it without bound.
type DedupeCache struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	ttl     time.Duration
	maxSize int
}

func NewDedupeCache(ttl time.Duration, maxSize int) *DedupeCache {
	return &DedupeCache{
		seen:    make(map[string]time.Time),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// IsDuplicate reports whether key was seen within the TTL and records it.
func (c *DedupeCache) IsDuplicate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if ts, ok := c.seen[key]; ok && now.Sub(ts) < c.ttl {
		return true
	}

	// Lazy eviction: sweep expired entries when the cap is reached.
	if len(c.seen) >= c.maxSize {
		for k, ts := range c.seen {
			if now.Sub(ts) >= c.ttl {
				delete(c.seen, k)
			}
		}
		// Still full after the sweep: drop everything rather than grow.
		if len(c.seen) >= c.maxSize {
			c.seen = make(map[string]time.Time)
		}
	}

	c.seen[key] = now
	return false
}

package watcher

import (
	"sync"
	"time"
)

// dedupTTL bounds how long emitted-item keys are remembered.
const dedupTTL = 24 * time.Hour

// dedupCache remembers which items a watcher has already emitted, keyed
// by workspace hash plus item id. Entries expire after the TTL so the
// cache stays bounded across long-lived sessions.
type dedupCache struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	ttl     time.Duration
	lastGC  time.Time
	gcEvery time.Duration
}

func newDedupCache(ttl time.Duration) *dedupCache {
	return &dedupCache{
		seen:    make(map[string]time.Time),
		ttl:     ttl,
		gcEvery: time.Hour,
		lastGC:  time.Now(),
	}
}

// Seen records the key and reports whether it had already been seen
// within the TTL.
func (c *dedupCache) Seen(workspaceHash, itemID string) bool {
	key := workspaceHash + "\x00" + itemID
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if now.Sub(c.lastGC) > c.gcEvery {
		for k, at := range c.seen {
			if now.Sub(at) > c.ttl {
				delete(c.seen, k)
			}
		}
		c.lastGC = now
	}

	if at, ok := c.seen[key]; ok && now.Sub(at) <= c.ttl {
		return true
	}
	c.seen[key] = now
	return false
}

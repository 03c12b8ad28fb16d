package tier

import (
	"sync"
	"time"
)

// rehydrationEntry is one cached cold-fetch result.
type rehydrationEntry struct {
	payload   []byte
	expiresAt time.Time
}

// rehydrationCache bounds repeated remote fetches of the same frame behind
// a TTL and a fixed entry count, evicting the oldest entry once full.
type rehydrationCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	order   []string
	entries map[string]rehydrationEntry
	now     func() time.Time
}

func newRehydrationCache(ttl time.Duration, maxSize int) *rehydrationCache {
	return &rehydrationCache{
		ttl:     ttl,
		maxSize: maxSize,
		entries: map[string]rehydrationEntry{},
		now:     time.Now,
	}
}

func (c *rehydrationCache) get(frameID string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[frameID]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, frameID)
		return nil, false
	}
	return e.payload, true
}

func (c *rehydrationCache) put(frameID string, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[frameID]; !exists {
		c.order = append(c.order, frameID)
	}
	c.entries[frameID] = rehydrationEntry{payload: payload, expiresAt: c.now().Add(c.ttl)}

	if c.maxSize > 0 {
		for len(c.order) > c.maxSize {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
	}
}

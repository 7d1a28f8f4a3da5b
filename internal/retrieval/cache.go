package retrieval

import (
	"sync"
	"time"

	"codepilot/internal/types"
)

// queryCache is a short-lived cache keyed by normalized query + filters.
// It avoids redundant embedding calls within a session and is dropped
// wholesale on index-update notification.
type queryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
}

type cacheEntry struct {
	chunks  []types.RetrievedChunk
	expires time.Time
}

func newQueryCache(ttl time.Duration) *queryCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &queryCache{ttl: ttl, entries: make(map[string]cacheEntry)}
}

func (c *queryCache) get(key string) ([]types.RetrievedChunk, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.chunks, true
}

func (c *queryCache) put(key string, chunks []types.RetrievedChunk) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{chunks: chunks, expires: time.Now().Add(c.ttl)}
}

func (c *queryCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}

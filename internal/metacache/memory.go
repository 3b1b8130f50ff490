package metacache

import (
	"context"
	"sync"
	"time"

	"github.com/ytget/ytmux/types"
)

// MemoryCache is an in-memory cache for resolved metadata.
type MemoryCache struct {
	mu   sync.RWMutex
	ttl  time.Duration
	now  func() time.Time
	data map[string]entry
}

// NewMemoryCache creates a new in-memory cache
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryCache{ttl: ttl, now: time.Now, data: make(map[string]entry)}
}

// Get retrieves a cached entry by key
func (c *MemoryCache) Get(_ context.Context, key string) (*types.MediaInfo, bool) {
	c.mu.RLock()
	e, ok := c.data[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if e.expired(c.now()) {
		c.mu.Lock()
		delete(c.data, key)
		c.mu.Unlock()
		return nil, false
	}
	return e.Info, true
}

// Set stores a value in the cache
func (c *MemoryCache) Set(_ context.Context, key string, info *types.MediaInfo) {
	c.mu.Lock()
	c.data[key] = entry{Info: info, ExpiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// Len returns the number of stored entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

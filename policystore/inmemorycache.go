package policystore

import (
	"context"
	"sync"
	"time"
)

type cacheEntry struct {
	policy   *AirlinePolicy
	cachedAt time.Time
}

// InMemoryPolicyCache is a process-local PolicyCache.
// Thread-safe for concurrent access.
type InMemoryPolicyCache struct {
	entries map[string]cacheEntry
	config  CacheConfig
	now     func() time.Time
	mu      sync.RWMutex
}

// NewInMemoryPolicyCache creates a new in-memory policy cache
func NewInMemoryPolicyCache(config CacheConfig) *InMemoryPolicyCache {
	return &InMemoryPolicyCache{
		entries: make(map[string]cacheEntry),
		config:  config,
		now:     time.Now,
	}
}

// Get returns a copy of the cached policy, or ErrCacheMiss if it is absent or
// older than the TTL
func (c *InMemoryPolicyCache) Get(ctx context.Context, airlineID string) (*AirlinePolicy, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[airlineID]
	if !ok {
		return nil, ErrCacheMiss
	}

	if c.config.TTL > 0 && c.now().Sub(entry.cachedAt) > c.config.TTL {
		return nil, ErrCacheMiss
	}

	return entry.policy.Clone(), nil
}

// Set stores a copy of the policy
func (c *InMemoryPolicyCache) Set(ctx context.Context, policy *AirlinePolicy) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[policy.AirlineID] = cacheEntry{
		policy:   policy.Clone(),
		cachedAt: c.now(),
	}
	return nil
}

// Invalidate drops the airline's entry
func (c *InMemoryPolicyCache) Invalidate(ctx context.Context, airlineID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, airlineID)
	return nil
}

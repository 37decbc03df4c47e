package policystore

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss is returned by a PolicyCache when it holds no fresh entry
var ErrCacheMiss = errors.New("policy cache miss")

// PolicyCache caches airline policies in front of a PolicyStore.
// Implementations may be local (in-memory) or shared between instances (Redis).
type PolicyCache interface {
	// Get retrieves a cached policy, returns ErrCacheMiss if absent or expired
	Get(ctx context.Context, airlineID string) (*AirlinePolicy, error)

	// Set stores a policy in the cache
	Set(ctx context.Context, policy *AirlinePolicy) error

	// Invalidate drops an airline's entry, forcing a store read on next Get
	Invalidate(ctx context.Context, airlineID string) error
}

// CacheConfig holds configuration for cache behavior
type CacheConfig struct {
	// TTL is the time-to-live for cached entries.
	// Set to 0 for no expiration (invalidation on writes only).
	TTL time.Duration

	// KeyPrefix namespaces keys in shared caches
	KeyPrefix string
}

// DefaultCacheConfig returns the defaults used when nothing is configured
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL:       5 * time.Minute,
		KeyPrefix: "bottlerules:policy:",
	}
}

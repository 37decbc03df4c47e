package policystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisPolicyCache is a PolicyCache shared between server instances.
// Entries are stored as JSON and expire after the configured TTL.
type RedisPolicyCache struct {
	client *redis.Client
	config CacheConfig
}

// NewRedisPolicyCache creates a Redis-backed policy cache.
// The client lifecycle is managed by the caller.
func NewRedisPolicyCache(client *redis.Client, config CacheConfig) *RedisPolicyCache {
	return &RedisPolicyCache{
		client: client,
		config: config,
	}
}

func (c *RedisPolicyCache) key(airlineID string) string {
	return c.config.KeyPrefix + airlineID
}

// Get retrieves a cached policy
func (c *RedisPolicyCache) Get(ctx context.Context, airlineID string) (*AirlinePolicy, error) {
	data, err := c.client.Get(ctx, c.key(airlineID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached policy: %w", err)
	}

	var policy AirlinePolicy
	if err := json.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("failed to decode cached policy: %w", err)
	}
	return &policy, nil
}

// Set stores a policy with the configured TTL
func (c *RedisPolicyCache) Set(ctx context.Context, policy *AirlinePolicy) error {
	data, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("failed to encode policy: %w", err)
	}

	if err := c.client.Set(ctx, c.key(policy.AirlineID), data, c.config.TTL).Err(); err != nil {
		return fmt.Errorf("failed to cache policy: %w", err)
	}
	return nil
}

// Invalidate deletes the airline's key
func (c *RedisPolicyCache) Invalidate(ctx context.Context, airlineID string) error {
	if err := c.client.Del(ctx, c.key(airlineID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate cached policy: %w", err)
	}
	return nil
}

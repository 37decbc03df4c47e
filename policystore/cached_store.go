package policystore

import (
	"context"
	"errors"
	"log/slog"
)

// CachedPolicyStore decorates a PolicyStore with a PolicyCache.
// Reads go through the cache; writes go to the store and invalidate the entry.
// Cache failures are logged and never fail the operation.
type CachedPolicyStore struct {
	store  PolicyStore
	cache  PolicyCache
	logger *slog.Logger
}

// NewCachedPolicyStore wraps store with cache
func NewCachedPolicyStore(store PolicyStore, cache PolicyCache, logger *slog.Logger) *CachedPolicyStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedPolicyStore{
		store:  store,
		cache:  cache,
		logger: logger,
	}
}

func (s *CachedPolicyStore) Put(ctx context.Context, policy *AirlinePolicy) error {
	if err := s.store.Put(ctx, policy); err != nil {
		return err
	}
	s.invalidate(ctx, policy.AirlineID)
	return nil
}

func (s *CachedPolicyStore) Get(ctx context.Context, airlineID string) (*AirlinePolicy, error) {
	policy, err := s.cache.Get(ctx, airlineID)
	if err == nil {
		return policy, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		s.logger.WarnContext(ctx, "policy cache read failed", "airline_id", airlineID, "error", err)
	}

	policy, err = s.store.Get(ctx, airlineID)
	if err != nil {
		return nil, err
	}

	if err := s.cache.Set(ctx, policy); err != nil {
		s.logger.WarnContext(ctx, "policy cache write failed", "airline_id", airlineID, "error", err)
	}
	return policy, nil
}

// List always reads the store
func (s *CachedPolicyStore) List(ctx context.Context) ([]*AirlinePolicy, error) {
	return s.store.List(ctx)
}

func (s *CachedPolicyStore) Delete(ctx context.Context, airlineID string) error {
	if err := s.store.Delete(ctx, airlineID); err != nil {
		return err
	}
	s.invalidate(ctx, airlineID)
	return nil
}

func (s *CachedPolicyStore) invalidate(ctx context.Context, airlineID string) {
	if err := s.cache.Invalidate(ctx, airlineID); err != nil {
		s.logger.WarnContext(ctx, "policy cache invalidation failed", "airline_id", airlineID, "error", err)
	}
}

package policystore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/liamcoop/bottlerules/disposition"
)

// ErrNotFound is returned when an airline has no stored policy
var ErrNotFound = errors.New("policy not found")

// AirlinePolicy is the stored bottle policy of one airline
type AirlinePolicy struct {
	AirlineID string                   `json:"airlineId"`
	Name      string                   `json:"name"`
	Version   int                      `json:"version"`
	Policy    disposition.BottlePolicy `json:"policy"`
	CreatedAt time.Time                `json:"createdAt"`
	UpdatedAt time.Time                `json:"updatedAt"`
}

// Clone returns a deep copy
func (p *AirlinePolicy) Clone() *AirlinePolicy {
	cp := *p
	cp.Policy = p.Policy.Clone()
	return &cp
}

// PolicyStore manages airline policy persistence and retrieval
type PolicyStore interface {
	// Put creates or replaces an airline's policy, bumping its version
	Put(ctx context.Context, policy *AirlinePolicy) error

	// Get a policy by airline ID
	Get(ctx context.Context, airlineID string) (*AirlinePolicy, error)

	// List all stored policies ordered by airline ID
	List(ctx context.Context) ([]*AirlinePolicy, error)

	// Delete an airline's policy
	Delete(ctx context.Context, airlineID string) error
}

// InMemoryPolicyStore implements PolicyStore using an in-memory map.
// Thread-safe with RWMutex.
type InMemoryPolicyStore struct {
	policies map[string]*AirlinePolicy
	mu       sync.RWMutex
}

// NewInMemoryPolicyStore creates a new in-memory policy store
func NewInMemoryPolicyStore() *InMemoryPolicyStore {
	return &InMemoryPolicyStore{
		policies: make(map[string]*AirlinePolicy),
	}
}

// Put stores a copy of the policy. Version starts at 1 and CreatedAt is kept
// across replacements.
func (s *InMemoryPolicyStore) Put(ctx context.Context, policy *AirlinePolicy) error {
	if policy.AirlineID == "" {
		return fmt.Errorf("airline ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	stored := policy.Clone()
	if existing, ok := s.policies[policy.AirlineID]; ok {
		stored.Version = existing.Version + 1
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.Version = 1
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.policies[policy.AirlineID] = stored

	policy.Version = stored.Version
	policy.CreatedAt = stored.CreatedAt
	policy.UpdatedAt = stored.UpdatedAt
	return nil
}

// Get retrieves a copy of an airline's policy
func (s *InMemoryPolicyStore) Get(ctx context.Context, airlineID string) (*AirlinePolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	policy, ok := s.policies[airlineID]
	if !ok {
		return nil, fmt.Errorf("airline %s: %w", airlineID, ErrNotFound)
	}
	return policy.Clone(), nil
}

// List returns copies of all policies ordered by airline ID
func (s *InMemoryPolicyStore) List(ctx context.Context) ([]*AirlinePolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*AirlinePolicy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AirlineID < out[j].AirlineID })
	return out, nil
}

// Delete removes an airline's policy
func (s *InMemoryPolicyStore) Delete(ctx context.Context, airlineID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.policies[airlineID]; !ok {
		return fmt.Errorf("airline %s: %w", airlineID, ErrNotFound)
	}
	delete(s.policies, airlineID)
	return nil
}

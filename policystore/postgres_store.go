package policystore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/liamcoop/bottlerules/disposition"
)

// PostgresPolicyStore implements PolicyStore backed by PostgreSQL.
// The policy body is stored as JSONB; discard types and destinations are
// duplicated into array columns for reporting queries.
type PostgresPolicyStore struct {
	db *sql.DB
}

// NewPostgresPolicyStore creates a new PostgreSQL-backed PolicyStore
func NewPostgresPolicyStore(db *sql.DB) *PostgresPolicyStore {
	return &PostgresPolicyStore{db: db}
}

// Put upserts the policy and bumps its version
func (s *PostgresPolicyStore) Put(ctx context.Context, policy *AirlinePolicy) error {
	if policy.AirlineID == "" {
		return fmt.Errorf("airline ID is required")
	}

	definition, err := json.Marshal(policy.Policy)
	if err != nil {
		return fmt.Errorf("failed to marshal policy: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO airline_policies
			(airline_id, name, version, definition, always_discard_types, prohibited_destinations, created_at, updated_at)
		VALUES ($1, $2, 1, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (airline_id) DO UPDATE SET
			name = EXCLUDED.name,
			version = airline_policies.version + 1,
			definition = EXCLUDED.definition,
			always_discard_types = EXCLUDED.always_discard_types,
			prohibited_destinations = EXCLUDED.prohibited_destinations,
			updated_at = NOW()
		RETURNING version, created_at, updated_at
	`, policy.AirlineID, policy.Name, definition,
		pq.Array(nonNil(policy.Policy.AlwaysDiscardTypes)),
		pq.Array(nonNil(policy.Policy.ProhibitedDestinations)),
	).Scan(&policy.Version, &policy.CreatedAt, &policy.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save policy: %w", err)
	}

	return nil
}

// Get retrieves an airline's policy
func (s *PostgresPolicyStore) Get(ctx context.Context, airlineID string) (*AirlinePolicy, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT airline_id, name, version, definition, created_at, updated_at
		FROM airline_policies
		WHERE airline_id = $1
	`, airlineID)

	policy, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("airline %s: %w", airlineID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	return policy, nil
}

// List returns all policies ordered by airline ID
func (s *PostgresPolicyStore) List(ctx context.Context) ([]*AirlinePolicy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT airline_id, name, version, definition, created_at, updated_at
		FROM airline_policies
		ORDER BY airline_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	defer rows.Close()

	var policies []*AirlinePolicy
	for rows.Next() {
		policy, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan policy: %w", err)
		}
		policies = append(policies, policy)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating policies: %w", err)
	}

	return policies, nil
}

// Delete removes an airline's policy
func (s *PostgresPolicyStore) Delete(ctx context.Context, airlineID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM airline_policies
		WHERE airline_id = $1
	`, airlineID)
	if err != nil {
		return fmt.Errorf("failed to delete policy: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("airline %s: %w", airlineID, ErrNotFound)
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row scanner) (*AirlinePolicy, error) {
	var p AirlinePolicy
	var definition []byte
	if err := row.Scan(&p.AirlineID, &p.Name, &p.Version, &definition, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}

	var body disposition.BottlePolicy
	if err := json.Unmarshal(definition, &body); err != nil {
		return nil, fmt.Errorf("invalid policy definition for airline %s: %w", p.AirlineID, err)
	}
	p.Policy = body
	return &p, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

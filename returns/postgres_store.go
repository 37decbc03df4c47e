package returns

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/liamcoop/bottlerules/disposition"
)

// PostgresStore implements Store backed by PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed Store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// LockAirline takes a session-level advisory lock for the airline on a
// dedicated connection, so writers on other instances wait for it too
func (s *PostgresStore) LockAirline(ctx context.Context, airlineID string) (func(), error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock(hashtext('bottle_returns'), hashtext($1))`, airlineID); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to take advisory lock: %w", err)
	}

	return func() {
		// unlock even when the request context is already cancelled
		conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock(hashtext('bottle_returns'), hashtext($1))`, airlineID)
		conn.Close()
	}, nil
}

// Save upserts the record
func (s *PostgresStore) Save(ctx context.Context, record Record) error {
	b := record.Bottle
	if b.AirlineID == "" || b.ID == "" {
		return fmt.Errorf("airline ID and bottle ID are required")
	}

	dispositionJSON, err := json.Marshal(record.Disposition)
	if err != nil {
		return fmt.Errorf("failed to marshal disposition: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO bottle_returns (
			airline_id, bottle_id, product_id, beverage_type,
			original_volume_ml, remaining_volume_ml, seal_integrity, label_condition,
			destination_country, flight_number, employee_id, photo_urls, recorded_at,
			action, rule, disposition, policy_version, evaluated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (airline_id, bottle_id) DO UPDATE SET
			product_id = EXCLUDED.product_id,
			beverage_type = EXCLUDED.beverage_type,
			original_volume_ml = EXCLUDED.original_volume_ml,
			remaining_volume_ml = EXCLUDED.remaining_volume_ml,
			seal_integrity = EXCLUDED.seal_integrity,
			label_condition = EXCLUDED.label_condition,
			destination_country = EXCLUDED.destination_country,
			flight_number = EXCLUDED.flight_number,
			employee_id = EXCLUDED.employee_id,
			photo_urls = EXCLUDED.photo_urls,
			recorded_at = EXCLUDED.recorded_at,
			action = EXCLUDED.action,
			rule = EXCLUDED.rule,
			disposition = EXCLUDED.disposition,
			policy_version = EXCLUDED.policy_version,
			evaluated_at = EXCLUDED.evaluated_at
	`,
		b.AirlineID, b.ID, b.ProductID, b.BeverageType,
		b.OriginalVolumeMl, b.RemainingVolumeMl, string(b.SealIntegrity), string(b.LabelCondition),
		b.DestinationCountry, b.FlightNumber, b.EmployeeID, pq.Array(nonNil(b.PhotoURLs)), b.RecordedAt,
		string(record.Disposition.Action), record.Disposition.Rule, dispositionJSON,
		record.PolicyVersion, record.EvaluatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save return record: %w", err)
	}

	return nil
}

const selectColumns = `
	SELECT airline_id, bottle_id, product_id, beverage_type,
		original_volume_ml, remaining_volume_ml, seal_integrity, label_condition,
		destination_country, flight_number, employee_id, photo_urls, recorded_at,
		disposition, policy_version, evaluated_at
	FROM bottle_returns
`

// Get retrieves a single record
func (s *PostgresStore) Get(ctx context.Context, airlineID, bottleID string) (Record, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+`WHERE airline_id = $1 AND bottle_id = $2`, airlineID, bottleID)

	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("bottle %s of airline %s: %w", bottleID, airlineID, ErrNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to get return record: %w", err)
	}
	return record, nil
}

// ListByAirline returns an airline's records ordered by recording time
func (s *PostgresStore) ListByAirline(ctx context.Context, airlineID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+`WHERE airline_id = $1 ORDER BY recorded_at ASC, bottle_id ASC`, airlineID)
	if err != nil {
		return nil, fmt.Errorf("failed to list return records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan return record: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating return records: %w", err)
	}

	return records, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var r Record
	var seal, label string
	var photoURLs []string
	var dispositionJSON []byte

	err := row.Scan(
		&r.Bottle.AirlineID, &r.Bottle.ID, &r.Bottle.ProductID, &r.Bottle.BeverageType,
		&r.Bottle.OriginalVolumeMl, &r.Bottle.RemainingVolumeMl, &seal, &label,
		&r.Bottle.DestinationCountry, &r.Bottle.FlightNumber, &r.Bottle.EmployeeID,
		pq.Array(&photoURLs), &r.Bottle.RecordedAt,
		&dispositionJSON, &r.PolicyVersion, &r.EvaluatedAt,
	)
	if err != nil {
		return Record{}, err
	}

	r.Bottle.SealIntegrity = disposition.SealIntegrity(seal)
	r.Bottle.LabelCondition = disposition.LabelCondition(label)
	if len(photoURLs) > 0 {
		r.Bottle.PhotoURLs = photoURLs
	}

	if err := json.Unmarshal(dispositionJSON, &r.Disposition); err != nil {
		return Record{}, fmt.Errorf("invalid disposition for bottle %s: %w", r.Bottle.ID, err)
	}
	return r, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

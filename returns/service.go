package returns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/liamcoop/bottlerules/airlineengine"
	"github.com/liamcoop/bottlerules/disposition"
)

// ErrAggregated is returned when recording or re-evaluating a bottle that took
// part in an aggregation refill. Its contents have already been poured.
var ErrAggregated = errors.New("bottle already used in an aggregation refill")

// AirlineLocker is implemented by stores that can serialise an airline's
// writers across server instances
type AirlineLocker interface {
	LockAirline(ctx context.Context, airlineID string) (unlock func(), err error)
}

// Service records returned bottles, evaluates them under their airline's
// current policy and keeps the dispositions.
//
// Writes for one airline are serialised: reading the holding area, saving the
// new record and re-recording its donors happen under a single lock, so a
// donor is never poured into two bottles.
type Service struct {
	manager *airlineengine.Manager
	store   Store
	logger  *slog.Logger
	now     func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewService creates a Service
func NewService(manager *airlineengine.Manager, store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		manager: manager,
		store:   store,
		logger:  logger,
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
	}
}

// lockAirline takes the airline's in-process lock and, when the store
// supports it, the matching store-wide lock
func (s *Service) lockAirline(ctx context.Context, airlineID string) (func(), error) {
	s.locksMu.Lock()
	mu, ok := s.locks[airlineID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[airlineID] = mu
	}
	s.locksMu.Unlock()

	mu.Lock()

	locker, ok := s.store.(AirlineLocker)
	if !ok {
		return mu.Unlock, nil
	}
	release, err := locker.LockAirline(ctx, airlineID)
	if err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("failed to lock airline %s: %w", airlineID, err)
	}
	return func() {
		release()
		mu.Unlock()
	}, nil
}

func aggregated(d disposition.Disposition) bool {
	return d.Rule == disposition.RuleAggregationRefill || d.Rule == disposition.RuleAggregationDonor
}

// checkNotAggregated refuses to overwrite a stored bottle whose contents were
// already poured
func (s *Service) checkNotAggregated(ctx context.Context, airlineID, bottleID string) error {
	existing, err := s.store.Get(ctx, airlineID, bottleID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load return %s: %w", bottleID, err)
	}
	if aggregated(existing.Disposition) {
		return fmt.Errorf("bottle %s: %w", bottleID, ErrAggregated)
	}
	return nil
}

// prepare fills in the identity fields a weighing station may leave empty
func (s *Service) prepare(airlineID string, bottle *disposition.BottleRecord) {
	bottle.AirlineID = airlineID
	if strings.TrimSpace(bottle.ID) == "" {
		bottle.ID = uuid.NewString()
	}
	if bottle.RecordedAt.IsZero() {
		bottle.RecordedAt = s.now().UTC()
	}
}

// Record evaluates a returned bottle and stores the result. Partial bottles
// already waiting for disposal (default discard) form the aggregation pool;
// donors used by a successful aggregation are re-recorded as donors.
func (s *Service) Record(ctx context.Context, airlineID string, bottle disposition.BottleRecord) (Record, error) {
	unlock, err := s.lockAirline(ctx, airlineID)
	if err != nil {
		return Record{}, err
	}
	defer unlock()

	s.prepare(airlineID, &bottle)

	if err := s.checkNotAggregated(ctx, airlineID, bottle.ID); err != nil {
		return Record{}, err
	}
	return s.record(ctx, airlineID, bottle)
}

// record evaluates and stores bottle. The caller holds the airline lock.
func (s *Service) record(ctx context.Context, airlineID string, bottle disposition.BottleRecord) (Record, error) {
	holding, err := s.holdingArea(ctx, airlineID, bottle.ID)
	if err != nil {
		return Record{}, err
	}

	decision, err := s.manager.Evaluate(ctx, airlineID, bottle, holding)
	if err != nil {
		return Record{}, err
	}

	record := Record{
		Bottle:        bottle,
		Disposition:   decision.Disposition,
		PolicyVersion: decision.PolicyVersion,
		EvaluatedAt:   s.now().UTC(),
	}
	if err := s.store.Save(ctx, record); err != nil {
		return Record{}, fmt.Errorf("failed to save return: %w", err)
	}

	if err := s.markDonors(ctx, record); err != nil {
		return Record{}, err
	}

	s.logger.InfoContext(ctx, "bottle return recorded",
		"airline_id", airlineID,
		"bottle_id", bottle.ID,
		"action", record.Disposition.Action,
		"rule", record.Disposition.Rule,
	)
	return record, nil
}

// Reevaluate re-runs a stored bottle through the airline's current policy and
// overwrites its disposition
func (s *Service) Reevaluate(ctx context.Context, airlineID, bottleID string) (Record, error) {
	unlock, err := s.lockAirline(ctx, airlineID)
	if err != nil {
		return Record{}, err
	}
	defer unlock()

	existing, err := s.store.Get(ctx, airlineID, bottleID)
	if err != nil {
		return Record{}, err
	}
	if aggregated(existing.Disposition) {
		return Record{}, fmt.Errorf("bottle %s: %w", bottleID, ErrAggregated)
	}

	return s.record(ctx, airlineID, existing.Bottle)
}

// holdingArea returns the airline's stored bottles that are waiting for
// disposal and could still donate their contents
func (s *Service) holdingArea(ctx context.Context, airlineID, excludeID string) ([]disposition.BottleRecord, error) {
	records, err := s.store.ListByAirline(ctx, airlineID)
	if err != nil {
		return nil, fmt.Errorf("failed to load stored returns: %w", err)
	}

	var pool []disposition.BottleRecord
	for _, r := range records {
		if r.Disposition.Rule == disposition.RuleDefaultDiscard && r.Bottle.ID != excludeID {
			pool = append(pool, r.Bottle)
		}
	}
	return pool, nil
}

func (s *Service) markDonors(ctx context.Context, target Record) error {
	info := target.Disposition.AggregationInfo
	if info == nil || len(info.BottleIDsUsed) < 2 {
		return nil
	}

	for _, donorID := range info.BottleIDsUsed[1:] {
		donor, err := s.store.Get(ctx, target.Bottle.AirlineID, donorID)
		if err != nil {
			return fmt.Errorf("failed to load donor %s: %w", donorID, err)
		}

		donor.Disposition = disposition.DonorDisposition(target.Bottle.ID, donor.Bottle.ProductID)
		donor.PolicyVersion = target.PolicyVersion
		donor.EvaluatedAt = target.EvaluatedAt
		if err := s.store.Save(ctx, donor); err != nil {
			return fmt.Errorf("failed to save donor %s: %w", donorID, err)
		}
	}
	return nil
}

// ProcessBatch evaluates a batch of returns together and stores every record.
// Aggregation only draws from bottles in the same batch.
func (s *Service) ProcessBatch(ctx context.Context, airlineID string, bottles []disposition.BottleRecord) (*airlineengine.BatchResult, error) {
	unlock, err := s.lockAirline(ctx, airlineID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	prepared := make([]disposition.BottleRecord, len(bottles))
	for i, b := range bottles {
		s.prepare(airlineID, &b)
		if err := s.checkNotAggregated(ctx, airlineID, b.ID); err != nil {
			return nil, err
		}
		prepared[i] = b
	}

	result, err := s.manager.ProcessBatch(ctx, airlineID, prepared)
	if err != nil {
		return nil, err
	}

	evaluatedAt := s.now().UTC()
	for _, pb := range result.Bottles {
		record := Record{
			Bottle:        pb.BottleRecord,
			Disposition:   pb.Disposition,
			PolicyVersion: result.PolicyVersion,
			EvaluatedAt:   evaluatedAt,
		}
		if err := s.store.Save(ctx, record); err != nil {
			return nil, fmt.Errorf("failed to save return %s: %w", pb.ID, err)
		}
	}

	return result, nil
}

// Get returns a stored record
func (s *Service) Get(ctx context.Context, airlineID, bottleID string) (Record, error) {
	return s.store.Get(ctx, airlineID, bottleID)
}

// List returns an airline's stored records
func (s *Service) List(ctx context.Context, airlineID string) ([]Record, error) {
	return s.store.ListByAirline(ctx, airlineID)
}

// Summary aggregates every stored disposition of an airline
func (s *Service) Summary(ctx context.Context, airlineID string) (disposition.Summary, error) {
	records, err := s.store.ListByAirline(ctx, airlineID)
	if err != nil {
		return disposition.Summary{}, err
	}

	processed := make([]disposition.ProcessedBottle, len(records))
	for i, r := range records {
		processed[i] = disposition.ProcessedBottle{BottleRecord: r.Bottle, Disposition: r.Disposition}
	}
	return disposition.Summarize(processed), nil
}

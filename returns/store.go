package returns

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/liamcoop/bottlerules/disposition"
)

// ErrNotFound is returned when a bottle has no stored return record
var ErrNotFound = errors.New("return record not found")

// Record is a returned bottle with the disposition it was given
type Record struct {
	Bottle        disposition.BottleRecord `json:"bottle"`
	Disposition   disposition.Disposition  `json:"disposition"`
	PolicyVersion int                      `json:"policyVersion"`
	EvaluatedAt   time.Time                `json:"evaluatedAt"`
}

// Store persists return records. Records are keyed by airline and bottle ID;
// saving an existing key overwrites the previous disposition.
type Store interface {
	Save(ctx context.Context, record Record) error
	Get(ctx context.Context, airlineID, bottleID string) (Record, error)
	// ListByAirline returns an airline's records ordered by recording time
	ListByAirline(ctx context.Context, airlineID string) ([]Record, error)
}

type recordKey struct {
	airlineID string
	bottleID  string
}

// InMemoryStore implements Store using an in-memory map.
// Thread-safe with RWMutex.
type InMemoryStore struct {
	records map[recordKey]Record
	mu      sync.RWMutex
}

// NewInMemoryStore creates a new in-memory return store
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records: make(map[recordKey]Record),
	}
}

func (s *InMemoryStore) Save(ctx context.Context, record Record) error {
	if record.Bottle.AirlineID == "" || record.Bottle.ID == "" {
		return fmt.Errorf("airline ID and bottle ID are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[recordKey{record.Bottle.AirlineID, record.Bottle.ID}] = cloneRecord(record)
	return nil
}

func (s *InMemoryStore) Get(ctx context.Context, airlineID, bottleID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[recordKey{airlineID, bottleID}]
	if !ok {
		return Record{}, fmt.Errorf("bottle %s of airline %s: %w", bottleID, airlineID, ErrNotFound)
	}
	return cloneRecord(record), nil
}

func (s *InMemoryStore) ListByAirline(ctx context.Context, airlineID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	for key, record := range s.records {
		if key.airlineID == airlineID {
			out = append(out, cloneRecord(record))
		}
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Bottle, out[j].Bottle
		if !a.RecordedAt.Equal(b.RecordedAt) {
			return a.RecordedAt.Before(b.RecordedAt)
		}
		return a.ID < b.ID
	})
	return out, nil
}

func cloneRecord(r Record) Record {
	r.Bottle.PhotoURLs = slices.Clone(r.Bottle.PhotoURLs)
	if r.Disposition.RefillInfo != nil {
		info := *r.Disposition.RefillInfo
		r.Disposition.RefillInfo = &info
	}
	if r.Disposition.AggregationInfo != nil {
		info := *r.Disposition.AggregationInfo
		info.BottleIDsUsed = slices.Clone(info.BottleIDsUsed)
		r.Disposition.AggregationInfo = &info
	}
	return r
}

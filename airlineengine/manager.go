package airlineengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/liamcoop/bottlerules/disposition"
	"github.com/liamcoop/bottlerules/internal/metrics"
	"github.com/liamcoop/bottlerules/policystore"
)

// ErrAirlineNotFound is returned when an airline has no compiled policy
var ErrAirlineNotFound = errors.New("airline not found")

// AirlineEngine is the compiled policy of one airline
type AirlineEngine struct {
	AirlineID string
	Version   int
	Policy    *disposition.CompiledPolicy
}

// Manager keeps one compiled policy per airline and routes evaluations to it
type Manager struct {
	engines map[string]*AirlineEngine
	store   policystore.PolicyStore
	logger  *slog.Logger
	metrics *metrics.Metrics
	opts    []disposition.Option
	mu      sync.RWMutex

	// writeMu orders store writes with engine swaps; readers only take mu
	writeMu sync.Mutex
}

// ManagerOption customises a Manager
type ManagerOption func(*Manager)

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics records decisions and loaded policies
func WithMetrics(mt *metrics.Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithCompileOptions passes options to every policy compilation
func WithCompileOptions(opts ...disposition.Option) ManagerOption {
	return func(m *Manager) {
		m.opts = append(m.opts, opts...)
	}
}

// NewManager creates a new manager backed by store
func NewManager(store policystore.PolicyStore, opts ...ManagerOption) *Manager {
	m := &Manager{
		engines: make(map[string]*AirlineEngine),
		store:   store,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// LoadAll compiles every stored policy. A stored policy that no longer
// compiles is logged and skipped so one airline cannot block startup.
func (m *Manager) LoadAll(ctx context.Context) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	policies, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch policies: %w", err)
	}

	engines := make(map[string]*AirlineEngine, len(policies))
	for _, p := range policies {
		engine, err := m.compile(p)
		if err != nil {
			m.logger.ErrorContext(ctx, "skipping airline policy", "airline_id", p.AirlineID, "version", p.Version, "error", err)
			continue
		}
		engines[p.AirlineID] = engine
	}

	m.mu.Lock()
	m.engines = engines
	m.mu.Unlock()

	m.metrics.SetPoliciesLoaded(len(engines))
	m.logger.InfoContext(ctx, "airline policies loaded", "loaded", len(engines), "stored", len(policies))
	return nil
}

func (m *Manager) compile(p *policystore.AirlinePolicy) (*AirlineEngine, error) {
	compiled, err := disposition.Compile(p.Policy, m.opts...)
	if err != nil {
		return nil, err
	}
	return &AirlineEngine{
		AirlineID: p.AirlineID,
		Version:   p.Version,
		Policy:    compiled,
	}, nil
}

// UpdatePolicy validates, stores and compiles an airline's policy, then swaps
// it in. Concurrent updates are applied in store order, so the loaded engine
// always carries the latest stored version. In-flight evaluations keep the
// engine they started with.
func (m *Manager) UpdatePolicy(ctx context.Context, policy *policystore.AirlinePolicy) error {
	if policy.AirlineID == "" {
		return &ValidationError{Field: "airlineId", Message: "airline ID is required"}
	}
	if err := ValidatePolicy(policy.Policy); err != nil {
		return err
	}

	// compile before storing so a policy that cannot run is never persisted
	compiled, err := disposition.Compile(policy.Policy, m.opts...)
	if err != nil {
		return &ValidationError{Message: err.Error()}
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if err := m.store.Put(ctx, policy); err != nil {
		return fmt.Errorf("failed to save policy: %w", err)
	}

	engine := &AirlineEngine{
		AirlineID: policy.AirlineID,
		Version:   policy.Version,
		Policy:    compiled,
	}

	m.mu.Lock()
	m.engines[policy.AirlineID] = engine
	loaded := len(m.engines)
	m.mu.Unlock()

	m.metrics.SetPoliciesLoaded(loaded)
	m.logger.InfoContext(ctx, "airline policy updated", "airline_id", policy.AirlineID, "version", policy.Version)
	return nil
}

// GetPolicy returns the stored policy of an airline
func (m *Manager) GetPolicy(ctx context.Context, airlineID string) (*policystore.AirlinePolicy, error) {
	policy, err := m.store.Get(ctx, airlineID)
	if errors.Is(err, policystore.ErrNotFound) {
		return nil, fmt.Errorf("airline %s: %w", airlineID, ErrAirlineNotFound)
	}
	return policy, err
}

// DeletePolicy removes an airline's policy from the store and its engine
func (m *Manager) DeletePolicy(ctx context.Context, airlineID string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	err := m.store.Delete(ctx, airlineID)
	if errors.Is(err, policystore.ErrNotFound) {
		return fmt.Errorf("airline %s: %w", airlineID, ErrAirlineNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to delete policy: %w", err)
	}

	m.mu.Lock()
	delete(m.engines, airlineID)
	loaded := len(m.engines)
	m.mu.Unlock()

	m.metrics.SetPoliciesLoaded(loaded)
	m.logger.InfoContext(ctx, "airline policy deleted", "airline_id", airlineID)
	return nil
}

// Engine retrieves the compiled policy of an airline
func (m *Manager) Engine(airlineID string) (*AirlineEngine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	engine, ok := m.engines[airlineID]
	if !ok {
		return nil, fmt.Errorf("airline %s: %w", airlineID, ErrAirlineNotFound)
	}
	return engine, nil
}

// ListAirlines returns the IDs of all loaded airlines, sorted
func (m *Manager) ListAirlines() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	airlines := make([]string, 0, len(m.engines))
	for id := range m.engines {
		airlines = append(airlines, id)
	}
	sort.Strings(airlines)
	return airlines
}

// Decision is a disposition together with the policy version that produced it
type Decision struct {
	disposition.Disposition
	AirlineID     string `json:"airlineId"`
	PolicyVersion int    `json:"policyVersion"`
}

// BatchResult is a processed batch with its summary
type BatchResult struct {
	AirlineID     string                        `json:"airlineId"`
	PolicyVersion int                           `json:"policyVersion"`
	Bottles       []disposition.ProcessedBottle `json:"bottles"`
	Summary       disposition.Summary           `json:"summary"`
}

// Evaluate decides one bottle's disposition under the airline's policy
func (m *Manager) Evaluate(ctx context.Context, airlineID string, bottle disposition.BottleRecord, candidatePool []disposition.BottleRecord) (Decision, error) {
	engine, err := m.Engine(airlineID)
	if err != nil {
		return Decision{}, err
	}

	start := time.Now()
	d := engine.Policy.Evaluate(bottle, candidatePool)
	m.metrics.ObserveEvaluateLatency(time.Since(start))
	m.record(ctx, airlineID, bottle.ID, d)

	return Decision{
		Disposition:   d,
		AirlineID:     airlineID,
		PolicyVersion: engine.Version,
	}, nil
}

// ProcessBatch evaluates a batch under the airline's policy and summarises it
func (m *Manager) ProcessBatch(ctx context.Context, airlineID string, bottles []disposition.BottleRecord) (*BatchResult, error) {
	engine, err := m.Engine(airlineID)
	if err != nil {
		return nil, err
	}

	processed := engine.Policy.ProcessAll(bottles)
	for _, pb := range processed {
		m.record(ctx, airlineID, pb.ID, pb.Disposition)
	}
	m.metrics.ObserveBatchSize(len(bottles))

	summary := disposition.Summarize(processed)
	m.logger.InfoContext(ctx, "batch processed",
		"airline_id", airlineID,
		"policy_version", engine.Version,
		"total", summary.Total,
		"reuse", summary.ReuseCount,
		"refill", summary.RefillCount,
		"discard", summary.DiscardCount,
	)

	return &BatchResult{
		AirlineID:     airlineID,
		PolicyVersion: engine.Version,
		Bottles:       processed,
		Summary:       summary,
	}, nil
}

func (m *Manager) record(ctx context.Context, airlineID, bottleID string, d disposition.Disposition) {
	m.metrics.IncrementDisposition(string(d.Action), d.Rule)
	m.logger.DebugContext(ctx, "bottle evaluated",
		"airline_id", airlineID,
		"bottle_id", bottleID,
		"action", d.Action,
		"rule", d.Rule,
	)
}

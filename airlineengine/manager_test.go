package airlineengine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/liamcoop/bottlerules/disposition"
	"github.com/liamcoop/bottlerules/internal/metrics"
	"github.com/liamcoop/bottlerules/policystore"
)

func whisky(id string, remaining float64) disposition.BottleRecord {
	return disposition.BottleRecord{
		ID:                id,
		ProductID:         "WHISKY-750",
		BeverageType:      "whisky",
		OriginalVolumeMl:  750,
		RemainingVolumeMl: remaining,
		SealIntegrity:     disposition.SealIntact,
		LabelCondition:    disposition.LabelGood,
	}
}

func newTestManager(t *testing.T) (*Manager, *policystore.InMemoryPolicyStore) {
	t.Helper()
	store := policystore.NewInMemoryPolicyStore()
	return NewManager(store), store
}

func TestManager_UpdateAndEvaluate(t *testing.T) {
	ctx := context.Background()
	manager, _ := newTestManager(t)

	err := manager.UpdatePolicy(ctx, &policystore.AirlinePolicy{AirlineID: "BA", Policy: validPolicy()})
	if err != nil {
		t.Fatalf("UpdatePolicy() failed: %v", err)
	}

	d, err := manager.Evaluate(ctx, "BA", whisky("b1", 700), nil)
	if err != nil {
		t.Fatalf("Evaluate() failed: %v", err)
	}
	if d.Action != disposition.ActionReuse {
		t.Errorf("Action = %s, want REUSE (%s)", d.Action, d.Justification)
	}
}

func TestManager_EvaluateUnknownAirline(t *testing.T) {
	manager, _ := newTestManager(t)

	_, err := manager.Evaluate(context.Background(), "ZZ", whisky("b1", 700), nil)
	if !errors.Is(err, ErrAirlineNotFound) {
		t.Errorf("Evaluate() error = %v, want ErrAirlineNotFound", err)
	}
}

func TestManager_PoliciesAreIsolated(t *testing.T) {
	ctx := context.Background()
	manager, _ := newTestManager(t)

	strict := validPolicy()
	strict.MinPercentForReuse = disposition.Percent(100)
	strict.AllowRefill = false
	strict.AllowRefillAggregation = false

	if err := manager.UpdatePolicy(ctx, &policystore.AirlinePolicy{AirlineID: "LH", Policy: validPolicy()}); err != nil {
		t.Fatalf("UpdatePolicy(LH) failed: %v", err)
	}
	if err := manager.UpdatePolicy(ctx, &policystore.AirlinePolicy{AirlineID: "AF", Policy: strict}); err != nil {
		t.Fatalf("UpdatePolicy(AF) failed: %v", err)
	}

	bottle := whisky("b1", 700)
	lh, _ := manager.Evaluate(ctx, "LH", bottle, nil)
	af, _ := manager.Evaluate(ctx, "AF", bottle, nil)

	if lh.Action != disposition.ActionReuse {
		t.Errorf("LH Action = %s, want REUSE", lh.Action)
	}
	if af.Action != disposition.ActionDiscard {
		t.Errorf("AF Action = %s, want DISCARD", af.Action)
	}

	if got := manager.ListAirlines(); len(got) != 2 || got[0] != "AF" || got[1] != "LH" {
		t.Errorf("ListAirlines() = %v, want [AF LH]", got)
	}
}

func TestManager_UpdateRejectsInvalidPolicy(t *testing.T) {
	ctx := context.Background()
	manager, store := newTestManager(t)

	bad := validPolicy()
	bad.MinPercentForReuse = disposition.Percent(150)

	err := manager.UpdatePolicy(ctx, &policystore.AirlinePolicy{AirlineID: "QF", Policy: bad})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("UpdatePolicy() error = %v, want *ValidationError", err)
	}

	if _, err := store.Get(ctx, "QF"); !errors.Is(err, policystore.ErrNotFound) {
		t.Errorf("Invalid policy should not be stored, Get() error = %v", err)
	}
	if _, err := manager.Engine("QF"); !errors.Is(err, ErrAirlineNotFound) {
		t.Errorf("Invalid policy should not be loaded, Engine() error = %v", err)
	}
}

func TestManager_UpdateRequiresAirlineID(t *testing.T) {
	manager, _ := newTestManager(t)

	err := manager.UpdatePolicy(context.Background(), &policystore.AirlinePolicy{Policy: validPolicy()})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("UpdatePolicy() error = %v, want *ValidationError", err)
	}
}

func TestManager_UpdateSwapsEngine(t *testing.T) {
	ctx := context.Background()
	manager, _ := newTestManager(t)

	if err := manager.UpdatePolicy(ctx, &policystore.AirlinePolicy{AirlineID: "BA", Policy: validPolicy()}); err != nil {
		t.Fatalf("UpdatePolicy() failed: %v", err)
	}
	before, _ := manager.Engine("BA")

	updated := validPolicy()
	updated.AlwaysDiscardTypes = append(updated.AlwaysDiscardTypes, "whisky")
	if err := manager.UpdatePolicy(ctx, &policystore.AirlinePolicy{AirlineID: "BA", Policy: updated}); err != nil {
		t.Fatalf("second UpdatePolicy() failed: %v", err)
	}
	after, _ := manager.Engine("BA")

	if after.Version != 2 {
		t.Errorf("Version = %d, want 2", after.Version)
	}

	// the old engine is untouched and keeps serving its own policy
	if d := before.Policy.Evaluate(whisky("b1", 700), nil); d.Action != disposition.ActionReuse {
		t.Errorf("Old engine Action = %s, want REUSE", d.Action)
	}
	if d, _ := manager.Evaluate(ctx, "BA", whisky("b1", 700), nil); d.Rule != disposition.RuleFixedTypeDiscard {
		t.Errorf("New engine Rule = %s, want %s", d.Rule, disposition.RuleFixedTypeDiscard)
	}
}

func TestManager_DeletePolicy(t *testing.T) {
	ctx := context.Background()
	manager, _ := newTestManager(t)

	if err := manager.UpdatePolicy(ctx, &policystore.AirlinePolicy{AirlineID: "BA", Policy: validPolicy()}); err != nil {
		t.Fatalf("UpdatePolicy() failed: %v", err)
	}
	if err := manager.DeletePolicy(ctx, "BA"); err != nil {
		t.Fatalf("DeletePolicy() failed: %v", err)
	}

	if _, err := manager.Engine("BA"); !errors.Is(err, ErrAirlineNotFound) {
		t.Errorf("Engine() after delete error = %v, want ErrAirlineNotFound", err)
	}
	if _, err := manager.GetPolicy(ctx, "BA"); !errors.Is(err, ErrAirlineNotFound) {
		t.Errorf("GetPolicy() after delete error = %v, want ErrAirlineNotFound", err)
	}
	if err := manager.DeletePolicy(ctx, "BA"); !errors.Is(err, ErrAirlineNotFound) {
		t.Errorf("second DeletePolicy() error = %v, want ErrAirlineNotFound", err)
	}
}

func TestManager_LoadAllSkipsBrokenPolicies(t *testing.T) {
	ctx := context.Background()
	store := policystore.NewInMemoryPolicyStore()

	// written directly to the store, bypassing validation
	store.Put(ctx, &policystore.AirlinePolicy{AirlineID: "BA", Policy: validPolicy()})
	store.Put(ctx, &policystore.AirlinePolicy{
		AirlineID: "XX",
		Policy:    disposition.BottlePolicy{MinPercentForReuse: disposition.Percent(200)},
	})

	reg := prometheus.NewRegistry()
	mt := metrics.New(reg)
	manager := NewManager(store, WithMetrics(mt))

	if err := manager.LoadAll(ctx); err != nil {
		t.Fatalf("LoadAll() failed: %v", err)
	}

	if got := manager.ListAirlines(); len(got) != 1 || got[0] != "BA" {
		t.Errorf("ListAirlines() = %v, want [BA]", got)
	}
	if got := testutil.ToFloat64(mt.PoliciesLoaded); got != 1 {
		t.Errorf("policies loaded gauge = %v, want 1", got)
	}
}

func TestManager_ProcessBatch(t *testing.T) {
	ctx := context.Background()
	manager, _ := newTestManager(t)

	if err := manager.UpdatePolicy(ctx, &policystore.AirlinePolicy{AirlineID: "BA", Policy: validPolicy()}); err != nil {
		t.Fatalf("UpdatePolicy() failed: %v", err)
	}

	bottles := []disposition.BottleRecord{
		whisky("full", 740),
		whisky("a", 300),
		whisky("b", 300),
		whisky("c", 300),
	}

	result, err := manager.ProcessBatch(ctx, "BA", bottles)
	if err != nil {
		t.Fatalf("ProcessBatch() failed: %v", err)
	}
	processed, summary := result.Bottles, result.Summary
	if len(processed) != 4 {
		t.Fatalf("ProcessBatch() returned %d bottles, want 4", len(processed))
	}
	if summary.ReuseCount != 1 || summary.RefillCount != 1 || summary.DiscardCount != 2 {
		t.Errorf("Summary counts = %d/%d/%d, want 1/1/2", summary.ReuseCount, summary.RefillCount, summary.DiscardCount)
	}
	if processed[1].Disposition.Rule != disposition.RuleAggregationRefill {
		t.Errorf("processed[1].Rule = %s, want %s", processed[1].Disposition.Rule, disposition.RuleAggregationRefill)
	}

	if result.PolicyVersion != 1 {
		t.Errorf("PolicyVersion = %d, want 1", result.PolicyVersion)
	}

	if _, err := manager.ProcessBatch(ctx, "ZZ", bottles); !errors.Is(err, ErrAirlineNotFound) {
		t.Errorf("ProcessBatch() for unknown airline error = %v, want ErrAirlineNotFound", err)
	}
}

func TestManager_ConcurrentUpdateAndEvaluate(t *testing.T) {
	ctx := context.Background()
	manager, _ := newTestManager(t)

	if err := manager.UpdatePolicy(ctx, &policystore.AirlinePolicy{AirlineID: "BA", Policy: validPolicy()}); err != nil {
		t.Fatalf("UpdatePolicy() failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			manager.UpdatePolicy(ctx, &policystore.AirlinePolicy{AirlineID: "BA", Policy: validPolicy()})
		}()
		go func() {
			defer wg.Done()
			if _, err := manager.Evaluate(ctx, "BA", whisky("b", 700), nil); err != nil {
				t.Errorf("Evaluate() failed: %v", err)
			}
		}()
	}
	wg.Wait()
}

// pausingStore holds one Put open after writing, so a second update can
// overtake it
type pausingStore struct {
	*policystore.InMemoryPolicyStore
	pauseName string
	stored    chan struct{}
}

func (s *pausingStore) Put(ctx context.Context, policy *policystore.AirlinePolicy) error {
	if err := s.InMemoryPolicyStore.Put(ctx, policy); err != nil {
		return err
	}
	if policy.Name == s.pauseName {
		close(s.stored)
		time.Sleep(50 * time.Millisecond)
	}
	return nil
}

func TestManager_ConcurrentUpdatesKeepLatestVersion(t *testing.T) {
	ctx := context.Background()
	store := &pausingStore{
		InMemoryPolicyStore: policystore.NewInMemoryPolicyStore(),
		pauseName:           "slow",
		stored:              make(chan struct{}),
	}
	manager := NewManager(store)

	if err := manager.UpdatePolicy(ctx, &policystore.AirlinePolicy{AirlineID: "BA", Name: "first", Policy: validPolicy()}); err != nil {
		t.Fatalf("UpdatePolicy() failed: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := manager.UpdatePolicy(ctx, &policystore.AirlinePolicy{AirlineID: "BA", Name: "slow", Policy: validPolicy()}); err != nil {
			t.Errorf("slow UpdatePolicy() failed: %v", err)
		}
	}()
	<-store.stored

	fast := validPolicy()
	fast.AlwaysDiscardTypes = append(fast.AlwaysDiscardTypes, "whisky")
	if err := manager.UpdatePolicy(ctx, &policystore.AirlinePolicy{AirlineID: "BA", Name: "fast", Policy: fast}); err != nil {
		t.Fatalf("fast UpdatePolicy() failed: %v", err)
	}
	wg.Wait()

	stored, err := store.Get(ctx, "BA")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	engine, err := manager.Engine("BA")
	if err != nil {
		t.Fatalf("Engine() failed: %v", err)
	}

	if stored.Name != "fast" || stored.Version != 3 {
		t.Fatalf("Stored policy = %s v%d, want fast v3", stored.Name, stored.Version)
	}
	if engine.Version != stored.Version {
		t.Errorf("Engine version = %d, want stored version %d", engine.Version, stored.Version)
	}
	if d := engine.Policy.Evaluate(whisky("b1", 700), nil); d.Rule != disposition.RuleFixedTypeDiscard {
		t.Errorf("Engine Rule = %s, want %s from the latest policy", d.Rule, disposition.RuleFixedTypeDiscard)
	}
}

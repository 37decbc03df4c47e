package disposition

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func spiritBottle(id string, remaining float64) BottleRecord {
	return BottleRecord{
		ID:                id,
		ProductID:         "WHISKY-750",
		BeverageType:      "whisky",
		OriginalVolumeMl:  750,
		RemainingVolumeMl: remaining,
		SealIntegrity:     SealIntact,
		LabelCondition:    LabelGood,
	}
}

func fixedLotOptions() []Option {
	return []Option{
		WithClock(func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }),
		WithLotSuffix(func() string { return "ABCDEF12" }),
	}
}

func standardPolicy() BottlePolicy {
	return BottlePolicy{
		AlwaysDiscardTypes:     []string{"wine", "beer"},
		RequireSealIntact:      true,
		RequireGoodLabel:       true,
		AllowReuse:             true,
		MinPercentForReuse:     Percent(90),
		AllowRefill:            true,
		MinPercentForRefill:    Percent(75),
		AllowRefillAggregation: true,
		MaxAggregationBottles:  3,
	}
}

func TestEvaluateScenarios(t *testing.T) {
	testCases := []struct {
		name       string
		policy     BottlePolicy
		bottle     BottleRecord
		wantAction Action
		wantRule   string
	}{
		{
			name:       "Reuse above threshold with intact seal",
			policy:     BottlePolicy{AllowReuse: true, MinPercentForReuse: Percent(90), RequireSealIntact: true},
			bottle:     spiritBottle("b1", 700), // 93.33%
			wantAction: ActionReuse,
			wantRule:   RuleDirectReuse,
		},
		{
			name:   "Wine discarded regardless of thresholds",
			policy: BottlePolicy{AlwaysDiscardTypes: []string{"wine"}, AllowReuse: true, MinPercentForReuse: Percent(10)},
			bottle: BottleRecord{
				ID: "b2", ProductID: "RED-750", BeverageType: "wine",
				OriginalVolumeMl: 750, RemainingVolumeMl: 300,
				SealIntegrity: SealIntact, LabelCondition: LabelGood,
			},
			wantAction: ActionDiscard,
			wantRule:   RuleFixedTypeDiscard,
		},
		{
			name: "Refill when below reuse but above refill threshold",
			policy: BottlePolicy{
				AllowReuse: true, MinPercentForReuse: Percent(90),
				AllowRefill: true, MinPercentForRefill: Percent(75),
			},
			bottle:     spiritBottle("b3", 600), // 80%
			wantAction: ActionRefill,
			wantRule:   RuleDirectRefill,
		},
		{
			name:   "Illegible label discarded before reuse check",
			policy: BottlePolicy{RequireGoodLabel: true, AllowReuse: true, MinPercentForReuse: Percent(50)},
			bottle: func() BottleRecord {
				b := spiritBottle("b4", 675)
				b.LabelCondition = LabelIllegible
				return b
			}(),
			wantAction: ActionDiscard,
			wantRule:   RuleLabelRequired,
		},
		{
			name:   "Unverified seal discarded when seal required",
			policy: standardPolicy(),
			bottle: func() BottleRecord {
				b := spiritBottle("b5", 750)
				b.SealIntegrity = SealUnverified
				return b
			}(),
			wantAction: ActionDiscard,
			wantRule:   RuleSealRequired,
		},
		{
			name:   "Broken seal allowed when not required",
			policy: BottlePolicy{AllowReuse: true, MinPercentForReuse: Percent(90)},
			bottle: func() BottleRecord {
				b := spiritBottle("b6", 740)
				b.SealIntegrity = SealBroken
				return b
			}(),
			wantAction: ActionReuse,
			wantRule:   RuleDirectReuse,
		},
		{
			name:       "Nothing enabled falls through to default discard",
			policy:     BottlePolicy{},
			bottle:     spiritBottle("b7", 750),
			wantAction: ActionDiscard,
			wantRule:   RuleDefaultDiscard,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c, err := Compile(tc.policy, fixedLotOptions()...)
			if err != nil {
				t.Fatalf("Compile() failed: %v", err)
			}

			d := c.Evaluate(tc.bottle, nil)
			if d.Action != tc.wantAction {
				t.Errorf("Action = %s, want %s (justification: %s)", d.Action, tc.wantAction, d.Justification)
			}
			if d.Rule != tc.wantRule {
				t.Errorf("Rule = %s, want %s", d.Rule, tc.wantRule)
			}
			if d.Justification == "" {
				t.Error("Justification should always be populated")
			}
			if d.RefillInfo != nil && d.AggregationInfo != nil {
				t.Error("RefillInfo and AggregationInfo must not both be set")
			}
		})
	}
}

func TestEvaluateFixedTypeDiscardIsAbsolute(t *testing.T) {
	policy := standardPolicy()
	policy.MinPercentForReuse = Percent(0)

	seals := []SealIntegrity{SealIntact, SealBroken, SealUnverified}
	labels := []LabelCondition{LabelGood, LabelDamaged, LabelIllegible}
	volumes := []float64{0, 1, 375, 749, 750}

	for _, seal := range seals {
		for _, label := range labels {
			for _, remaining := range volumes {
				bottle := BottleRecord{
					ID: "w", ProductID: "WINE", BeverageType: "Wine",
					OriginalVolumeMl: 750, RemainingVolumeMl: remaining,
					SealIntegrity: seal, LabelCondition: label,
				}
				d := Evaluate(bottle, policy, nil)
				if d.Action != ActionDiscard || d.Rule != RuleFixedTypeDiscard {
					t.Errorf("seal=%s label=%s remaining=%v: got %s/%s, want DISCARD/%s",
						seal, label, remaining, d.Action, d.Rule, RuleFixedTypeDiscard)
				}
			}
		}
	}
}

func TestEvaluateFixedTypeJustification(t *testing.T) {
	policy := BottlePolicy{AlwaysDiscardTypes: []string{"wine"}}
	bottle := BottleRecord{
		ID: "w1", ProductID: "WINE", BeverageType: "wine",
		OriginalVolumeMl: 750, RemainingVolumeMl: 300,
	}

	d := Evaluate(bottle, policy, nil)
	if !strings.Contains(d.Justification, "wine") {
		t.Errorf("Justification should mention the type, got: %s", d.Justification)
	}
	if !strings.Contains(d.Justification, "fixed corporate rule") {
		t.Errorf("Justification should cite the fixed discard rule, got: %s", d.Justification)
	}
}

func TestEvaluateReuseBoundaryIsInclusive(t *testing.T) {
	policy := BottlePolicy{AllowReuse: true, MinPercentForReuse: Percent(90)}

	atThreshold := spiritBottle("edge", 675) // exactly 90%
	if d := Evaluate(atThreshold, policy, nil); d.Action != ActionReuse {
		t.Errorf("At exactly 90%%: Action = %s, want REUSE (%s)", d.Action, d.Justification)
	}

	justBelow := spiritBottle("below", 674.9)
	if d := Evaluate(justBelow, policy, nil); d.Action != ActionDiscard {
		t.Errorf("Just below 90%%: Action = %s, want DISCARD", d.Action)
	}
}

func TestEvaluateRefillBoundaryIsInclusive(t *testing.T) {
	policy := BottlePolicy{AllowRefill: true, MinPercentForRefill: Percent(75)}

	d := Evaluate(spiritBottle("edge", 562.5), policy, nil) // exactly 75%
	if d.Action != ActionRefill {
		t.Errorf("At exactly 75%%: Action = %s, want REFILL (%s)", d.Action, d.Justification)
	}
}

func TestEvaluateRefillInfo(t *testing.T) {
	c, err := Compile(standardPolicy(), fixedLotOptions()...)
	if err != nil {
		t.Fatalf("Compile() failed: %v", err)
	}

	d := c.Evaluate(spiritBottle("r1", 600), nil)
	if d.RefillInfo == nil {
		t.Fatal("RefillInfo should be set for a direct refill")
	}
	if d.AggregationInfo != nil {
		t.Error("AggregationInfo should be nil for a direct refill")
	}

	wantLot := "LOT-20260301-WHISKY-750-ABCDEF12"
	if d.RefillInfo.DestinationLotID != wantLot {
		t.Errorf("DestinationLotID = %s, want %s", d.RefillInfo.DestinationLotID, wantLot)
	}
	if d.RefillInfo.ResultingVolumeMl != 750 {
		t.Errorf("ResultingVolumeMl = %v, want 750", d.RefillInfo.ResultingVolumeMl)
	}
}

func TestEvaluateDefaultLotIDsAreUnique(t *testing.T) {
	policy := BottlePolicy{AllowRefill: true, MinPercentForRefill: Percent(50)}
	bottle := spiritBottle("r2", 500)

	first := Evaluate(bottle, policy, nil)
	second := Evaluate(bottle, policy, nil)

	if first.Action != second.Action || first.Rule != second.Rule {
		t.Errorf("Action should be idempotent: %s/%s vs %s/%s", first.Action, first.Rule, second.Action, second.Rule)
	}
	if first.RefillInfo.DestinationLotID == second.RefillInfo.DestinationLotID {
		t.Errorf("Generated lot ids should differ, both were %s", first.RefillInfo.DestinationLotID)
	}
	if !strings.HasPrefix(first.RefillInfo.DestinationLotID, "LOT-") {
		t.Errorf("Lot id should start with LOT-, got %s", first.RefillInfo.DestinationLotID)
	}
}

func TestEvaluateIsIdempotent(t *testing.T) {
	c, err := Compile(standardPolicy(), fixedLotOptions()...)
	if err != nil {
		t.Fatalf("Compile() failed: %v", err)
	}

	pool := []BottleRecord{spiritBottle("p1", 300), spiritBottle("p2", 300)}
	bottle := spiritBottle("b", 300)

	first := c.Evaluate(bottle, pool)
	second := c.Evaluate(bottle, pool)

	if first.Action != second.Action || first.Justification != second.Justification {
		t.Errorf("Evaluate should be idempotent:\n%+v\n%+v", first, second)
	}
}

func TestEvaluateProhibitedDestination(t *testing.T) {
	policy := standardPolicy()
	policy.ProhibitedDestinations = []string{"SA", "kw"}

	bottle := spiritBottle("d1", 750)
	bottle.DestinationCountry = "KW"

	d := Evaluate(bottle, policy, nil)
	if d.Action != ActionDiscard || d.Rule != RuleProhibitedDestination {
		t.Errorf("Got %s/%s, want DISCARD/%s", d.Action, d.Rule, RuleProhibitedDestination)
	}
	if !strings.Contains(d.Justification, "KW") {
		t.Errorf("Justification should name the destination, got: %s", d.Justification)
	}

	bottle.DestinationCountry = "GB"
	if d := Evaluate(bottle, policy, nil); d.Action != ActionReuse {
		t.Errorf("Allowed destination: Action = %s, want REUSE", d.Action)
	}

	bottle.DestinationCountry = ""
	if d := Evaluate(bottle, policy, nil); d.Action != ActionReuse {
		t.Errorf("No destination: Action = %s, want REUSE", d.Action)
	}
}

func TestEvaluateRuleOrder(t *testing.T) {
	// a bottle failing every check is reported against the earliest rule
	policy := standardPolicy()
	policy.ProhibitedDestinations = []string{"KW"}

	bottle := BottleRecord{
		ID: "o1", ProductID: "BEER-330", BeverageType: "beer",
		OriginalVolumeMl: 330, RemainingVolumeMl: 330,
		SealIntegrity: SealBroken, LabelCondition: LabelDamaged,
		DestinationCountry: "KW",
	}

	steps := []struct {
		mutate   func(*BottleRecord)
		wantRule string
	}{
		{func(b *BottleRecord) {}, RuleFixedTypeDiscard},
		{func(b *BottleRecord) { b.BeverageType = "vodka" }, RuleProhibitedDestination},
		{func(b *BottleRecord) { b.DestinationCountry = "GB" }, RuleSealRequired},
		{func(b *BottleRecord) { b.SealIntegrity = SealIntact }, RuleLabelRequired},
		{func(b *BottleRecord) { b.LabelCondition = LabelGood }, RuleDirectReuse},
	}

	for _, step := range steps {
		step.mutate(&bottle)
		d := Evaluate(bottle, policy, nil)
		if d.Rule != step.wantRule {
			t.Errorf("Rule = %s, want %s", d.Rule, step.wantRule)
		}
	}
}

func TestEvaluateInvalidData(t *testing.T) {
	testCases := []struct {
		name      string
		original  float64
		remaining float64
	}{
		{"Zero original volume", 0, 0},
		{"Negative original volume", -750, 100},
		{"Negative remaining volume", 750, -1},
		{"Remaining exceeds original", 750, 800},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			bottle := spiritBottle("x", tc.remaining)
			bottle.OriginalVolumeMl = tc.original

			d := Evaluate(bottle, standardPolicy(), nil)
			if d.Action != ActionDiscard || d.Rule != RuleInvalidData {
				t.Errorf("Got %s/%s, want DISCARD/%s", d.Action, d.Rule, RuleInvalidData)
			}
			if !strings.Contains(d.Justification, "invalid data") {
				t.Errorf("Justification should mention invalid data, got: %s", d.Justification)
			}
		})
	}
}

func TestEvaluateInvalidPolicyFailsSafe(t *testing.T) {
	testCases := []struct {
		name   string
		policy BottlePolicy
	}{
		{"Reuse threshold above 100", BottlePolicy{AllowReuse: true, MinPercentForReuse: Percent(120)}},
		{"Negative refill threshold", BottlePolicy{AllowRefill: true, MinPercentForRefill: Percent(-5)}},
		{"Negative bottle cap", BottlePolicy{AllowRefillAggregation: true, MaxAggregationBottles: -1}},
		{"Uncompilable expression", BottlePolicy{DiscardRules: []ExpressionRule{{Name: "bad", Expression: "bottle.percentRemaining <"}}}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			d := Evaluate(spiritBottle("p", 750), tc.policy, nil)
			if d.Action != ActionDiscard || d.Rule != RuleInvalidPolicy {
				t.Errorf("Got %s/%s, want DISCARD/%s", d.Action, d.Rule, RuleInvalidPolicy)
			}
		})
	}
}

func TestEvaluateMissingThresholdFailsSafe(t *testing.T) {
	policy := BottlePolicy{AllowReuse: true, AllowRefill: true}

	d := Evaluate(spiritBottle("m", 750), policy, nil)
	if d.Action != ActionDiscard || d.Rule != RuleDefaultDiscard {
		t.Fatalf("Got %s/%s, want DISCARD/%s", d.Action, d.Rule, RuleDefaultDiscard)
	}
	if !strings.Contains(d.Justification, "minPercentForReuse is not configured") {
		t.Errorf("Justification should name the missing reuse threshold, got: %s", d.Justification)
	}
	if !strings.Contains(d.Justification, "minPercentForRefill is not configured") {
		t.Errorf("Justification should name the missing refill threshold, got: %s", d.Justification)
	}
}

func TestEvaluateDefaultDiscardJustification(t *testing.T) {
	policy := BottlePolicy{
		AllowReuse: true, MinPercentForReuse: Percent(90),
		AllowRefill: true, MinPercentForRefill: Percent(75),
	}

	d := Evaluate(spiritBottle("dd", 300), policy, nil)
	for _, want := range []string{"40.00%", "90%", "75%", "aggregation: disabled"} {
		if !strings.Contains(d.Justification, want) {
			t.Errorf("Justification should contain %q, got: %s", want, d.Justification)
		}
	}
}

func TestCompileCopiesPolicy(t *testing.T) {
	policy := standardPolicy()
	c, err := Compile(policy)
	if err != nil {
		t.Fatalf("Compile() failed: %v", err)
	}

	policy.AlwaysDiscardTypes[0] = "whisky"
	*policy.MinPercentForReuse = 0

	if d := c.Evaluate(spiritBottle("c", 700), nil); d.Action != ActionReuse {
		t.Errorf("Compiled policy should not see caller changes, got %s: %s", d.Action, d.Justification)
	}
}

func TestCompiledPolicyConcurrentEvaluate(t *testing.T) {
	c, err := Compile(standardPolicy())
	if err != nil {
		t.Fatalf("Compile() failed: %v", err)
	}

	pool := []BottleRecord{spiritBottle("p1", 300), spiritBottle("p2", 300)}

	var wg sync.WaitGroup
	errs := make(chan string, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := c.Evaluate(spiritBottle("b", 300), pool)
			if d.Action != ActionRefill {
				errs <- string(d.Action)
			}
		}()
	}
	wg.Wait()
	close(errs)

	for a := range errs {
		t.Errorf("Concurrent Evaluate returned %s, want REFILL", a)
	}
}

func TestPercentRemainingRecomputed(t *testing.T) {
	b := spiritBottle("pct", 700)
	if got := b.PercentRemaining().StringFixed(2); got != "93.33" {
		t.Errorf("PercentRemaining() = %s, want 93.33", got)
	}

	b.RemainingVolumeMl = 375
	if got := b.PercentRemaining().StringFixed(2); got != "50.00" {
		t.Errorf("PercentRemaining() after update = %s, want 50.00", got)
	}

	b.OriginalVolumeMl = 0
	if !b.PercentRemaining().IsZero() {
		t.Errorf("PercentRemaining() with zero original should be 0, got %s", b.PercentRemaining())
	}
}

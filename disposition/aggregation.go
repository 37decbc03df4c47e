package disposition

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"
)

// AggregationCandidates returns the pool bottles that could top up bottle,
// largest remaining volume first (ties broken by id). Candidates must share the
// product id and beverage type, be spirits with an intact seal, hold some
// product and carry an id so they can be tracked. The bottle itself is skipped.
func (c *CompiledPolicy) AggregationCandidates(bottle BottleRecord, pool []BottleRecord) []BottleRecord {
	var out []BottleRecord
	for _, cand := range pool {
		if cand.ID == "" || cand.ID == bottle.ID {
			continue
		}
		if cand.ProductID != bottle.ProductID || !strings.EqualFold(cand.BeverageType, bottle.BeverageType) {
			continue
		}
		if !c.policy.IsSpirit(cand.BeverageType) || cand.SealIntegrity != SealIntact {
			continue
		}
		if cand.validate() != "" || cand.RemainingVolumeMl <= 0 {
			continue
		}
		out = append(out, cand)
	}

	slices.SortStableFunc(out, func(a, b BottleRecord) int {
		if n := cmp.Compare(b.RemainingVolumeMl, a.RemainingVolumeMl); n != 0 {
			return n
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// aggregate tries to reconstitute one full bottle from bottle plus pool bottles.
// On failure the returned note explains why, for the default discard justification.
func (c *CompiledPolicy) aggregate(bottle BottleRecord, pool []BottleRecord) (Disposition, string, bool) {
	p := c.policy

	switch {
	case !p.AllowRefillAggregation:
		return Disposition{}, "disabled", false
	case p.MaxAggregationBottles < 2:
		return Disposition{}, fmt.Sprintf("maxAggregationBottles is %d, at least 2 needed", p.MaxAggregationBottles), false
	case !p.IsSpirit(bottle.BeverageType):
		return Disposition{}, fmt.Sprintf("beverage type %q is not a spirit", bottle.BeverageType), false
	}

	original := decimal.NewFromFloat(bottle.OriginalVolumeMl)
	total := decimal.NewFromFloat(bottle.RemainingVolumeMl)
	if total.GreaterThanOrEqual(original) {
		return Disposition{}, "bottle is already full", false
	}

	candidates := c.AggregationCandidates(bottle, pool)
	if len(candidates) == 0 {
		return Disposition{}, fmt.Sprintf("no eligible candidates for product %q", bottle.ProductID), false
	}

	// one slot is taken by the bottle being evaluated
	limit := p.MaxAggregationBottles - 1
	used := []string{bottle.ID}
	for _, cand := range candidates {
		if len(used)-1 >= limit {
			break
		}
		used = append(used, cand.ID)
		total = total.Add(decimal.NewFromFloat(cand.RemainingVolumeMl))

		if total.GreaterThanOrEqual(original) {
			return Disposition{
				Action: ActionRefill,
				Rule:   RuleAggregationRefill,
				Justification: fmt.Sprintf("combined %d bottles of product %q (%s) holding %sml to refill %vml; %s; %s",
					len(used), bottle.ProductID, strings.Join(used, ", "), total.String(),
					bottle.OriginalVolumeMl, c.reuseNote(), c.refillNote()),
				AggregationInfo: &AggregationInfo{
					BottleIDsUsed:     used,
					ResultingVolumeMl: bottle.OriginalVolumeMl,
				},
			}, "", true
		}
	}

	return Disposition{}, fmt.Sprintf("only %sml reachable with %d bottle(s) within the cap of %d, %vml needed",
		total.String(), len(used), p.MaxAggregationBottles, bottle.OriginalVolumeMl), false
}

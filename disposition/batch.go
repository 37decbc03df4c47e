package disposition

import (
	"strings"
)

// ProcessedBottle is a bottle record together with its disposition
type ProcessedBottle struct {
	BottleRecord
	Disposition Disposition `json:"disposition"`
}

// ProcessAll evaluates a batch with a one-off compiled policy.
// An invalid policy discards every bottle with an explanation.
func ProcessAll(bottles []BottleRecord, policy BottlePolicy) []ProcessedBottle {
	c, err := Compile(policy)
	if err != nil {
		out := make([]ProcessedBottle, len(bottles))
		for i, b := range bottles {
			out[i] = ProcessedBottle{
				BottleRecord: b,
				Disposition:  discard(RuleInvalidPolicy, "invalid data: policy cannot be applied (%v)", err),
			}
		}
		return out
	}
	return c.ProcessAll(bottles)
}

// ProcessAll evaluates bottles in input order and returns them with their
// dispositions, in the same order.
//
// Aggregation draws from the batch's holding area: bottles that on their own
// would fall through to the default discard. A holding-area bottle poured into
// another bottle is consumed, is never used twice, and is itself discarded as a
// donor. A bottle refilled by aggregation is never drained into another one.
func (c *CompiledPolicy) ProcessAll(bottles []BottleRecord) []ProcessedBottle {
	out := make([]ProcessedBottle, len(bottles))

	// first pass: everything except aggregation
	holding := make([]bool, len(bottles))
	byID := make(map[string]int, len(bottles))
	for i, b := range bottles {
		d := c.Evaluate(b, nil)
		out[i] = ProcessedBottle{BottleRecord: b, Disposition: d}
		if d.Rule == RuleDefaultDiscard {
			holding[i] = true
		}
		if b.ID != "" {
			if _, dup := byID[b.ID]; !dup {
				byID[b.ID] = i
			}
		}
	}

	consumedBy := make(map[int]string)
	refilled := make(map[int]bool)

	for i, b := range bottles {
		if !holding[i] {
			continue
		}
		if _, consumed := consumedBy[i]; consumed {
			continue
		}

		pool := make([]BottleRecord, 0)
		for j, cand := range bottles {
			if j == i || !holding[j] || refilled[j] {
				continue
			}
			if _, consumed := consumedBy[j]; consumed {
				continue
			}
			if idx, ok := byID[cand.ID]; !ok || idx != j {
				continue
			}
			pool = append(pool, cand)
		}

		d := c.Evaluate(b, pool)
		out[i].Disposition = d
		if d.AggregationInfo == nil {
			continue
		}

		refilled[i] = true
		for _, id := range d.AggregationInfo.BottleIDsUsed[1:] {
			consumedBy[byID[id]] = b.ID
		}
	}

	for j, target := range consumedBy {
		out[j].Disposition = DonorDisposition(target, bottles[j].ProductID)
	}

	return out
}

// DonorDisposition is the decision recorded for a bottle whose contents were
// poured into targetID by an aggregation refill
func DonorDisposition(targetID, productID string) Disposition {
	return discard(RuleAggregationDonor,
		"contents poured into bottle %q to reconstitute a full bottle of product %q",
		targetID, productID)
}

// ActionCounts tallies dispositions by action
type ActionCounts struct {
	Reuse   int `json:"reuse"`
	Refill  int `json:"refill"`
	Discard int `json:"discard"`
}

// Summary is the report over a processed batch.
// ReuseCount + RefillCount + DiscardCount always equals Total.
type Summary struct {
	Total              int                     `json:"total"`
	ReuseCount         int                     `json:"reuseCount"`
	RefillCount        int                     `json:"refillCount"`
	DiscardCount       int                     `json:"discardCount"`
	ByType             map[string]ActionCounts `json:"byType"`
	ByRule             map[string]int          `json:"byRule"`
	RecoveredVolumeMl  float64                 `json:"recoveredVolumeMl"`
	ReplacementBottles int                     `json:"replacementBottles"`
}

// Summarize aggregates dispositions. Anything not reused or refilled counts as
// a discard and as one bottle to replace.
func Summarize(processed []ProcessedBottle) Summary {
	s := Summary{
		Total:  len(processed),
		ByType: make(map[string]ActionCounts),
		ByRule: make(map[string]int),
	}

	for _, pb := range processed {
		key := strings.ToLower(strings.TrimSpace(pb.BeverageType))
		if key == "" {
			key = "unknown"
		}
		counts := s.ByType[key]

		switch pb.Disposition.Action {
		case ActionReuse:
			s.ReuseCount++
			counts.Reuse++
			s.RecoveredVolumeMl += pb.RemainingVolumeMl
		case ActionRefill:
			s.RefillCount++
			counts.Refill++
			s.RecoveredVolumeMl += resultingVolume(pb)
		default:
			s.DiscardCount++
			counts.Discard++
		}

		s.ByType[key] = counts
		if pb.Disposition.Rule != "" {
			s.ByRule[pb.Disposition.Rule]++
		}
	}

	s.ReplacementBottles = s.DiscardCount
	return s
}

func resultingVolume(pb ProcessedBottle) float64 {
	switch {
	case pb.Disposition.RefillInfo != nil:
		return pb.Disposition.RefillInfo.ResultingVolumeMl
	case pb.Disposition.AggregationInfo != nil:
		return pb.Disposition.AggregationInfo.ResultingVolumeMl
	}
	return pb.OriginalVolumeMl
}

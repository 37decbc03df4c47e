package disposition

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CompiledPolicy is a validated BottlePolicy with its airline expressions compiled.
// It is immutable after Compile and safe for concurrent use.
type CompiledPolicy struct {
	policy      BottlePolicy
	expressions []compiledExpression
	now         func() time.Time
	lotSuffix   func() string
}

// Option customises a CompiledPolicy
type Option func(*CompiledPolicy)

// WithClock sets the clock used for destination lot dates
func WithClock(now func() time.Time) Option {
	return func(c *CompiledPolicy) {
		c.now = now
	}
}

// WithLotSuffix sets the generator for the random part of destination lot ids
func WithLotSuffix(suffix func() string) Option {
	return func(c *CompiledPolicy) {
		c.lotSuffix = suffix
	}
}

func defaultLotSuffix() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// Compile validates a policy and compiles its airline expressions.
// The policy is copied, so later changes by the caller have no effect.
func Compile(policy BottlePolicy, opts ...Option) (*CompiledPolicy, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}

	expressions, err := compileExpressions(policy.DiscardRules)
	if err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}

	c := &CompiledPolicy{
		policy:      policy.Clone(),
		expressions: expressions,
		now:         time.Now,
		lotSuffix:   defaultLotSuffix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Policy returns a copy of the compiled policy
func (c *CompiledPolicy) Policy() BottlePolicy {
	return c.policy.Clone()
}

// Evaluate decides a bottle's disposition using a one-off compiled policy.
// An invalid policy yields a fail-safe DISCARD rather than an error.
func Evaluate(bottle BottleRecord, policy BottlePolicy, candidatePool []BottleRecord) Disposition {
	c, err := Compile(policy)
	if err != nil {
		return discard(RuleInvalidPolicy, "invalid data: policy cannot be applied (%v)", err)
	}
	return c.Evaluate(bottle, candidatePool)
}

// Evaluate runs the ordered rule chain; the first rule that fires decides.
// candidatePool holds other returned bottles available for aggregation and
// is never modified.
func (c *CompiledPolicy) Evaluate(bottle BottleRecord, candidatePool []BottleRecord) Disposition {
	if reason := bottle.validate(); reason != "" {
		return discard(RuleInvalidData, "invalid data: %s", reason)
	}

	p := c.policy

	if containsFold(p.AlwaysDiscardTypes, bottle.BeverageType) {
		return discard(RuleFixedTypeDiscard,
			"beverage type %q is on the always-discard list: fixed corporate rule, never reused or refilled once returned",
			bottle.BeverageType)
	}

	if containsFold(p.ProhibitedDestinations, bottle.DestinationCountry) {
		return discard(RuleProhibitedDestination,
			"destination country %q is on the airline's prohibited destination list",
			bottle.DestinationCountry)
	}

	if p.RequireSealIntact && bottle.SealIntegrity != SealIntact {
		return discard(RuleSealRequired,
			"seal integrity is %q but the policy requires an intact seal",
			bottle.SealIntegrity)
	}

	if p.RequireGoodLabel && bottle.LabelCondition != LabelGood {
		return discard(RuleLabelRequired,
			"label condition is %q but the policy requires a good label",
			bottle.LabelCondition)
	}

	if d, fired := c.checkExpressions(bottle); fired {
		return d
	}

	pct := bottle.PercentRemaining()

	if p.AllowReuse && meets(pct, p.MinPercentForReuse) {
		return Disposition{
			Action: ActionReuse,
			Rule:   RuleDirectReuse,
			Justification: fmt.Sprintf("%s remaining meets the reuse threshold of %s",
				formatPercent(pct), formatThreshold(*p.MinPercentForReuse)),
		}
	}

	if p.AllowRefill && meets(pct, p.MinPercentForRefill) {
		lotID := c.destinationLotID(bottle.ProductID)
		return Disposition{
			Action: ActionRefill,
			Rule:   RuleDirectRefill,
			Justification: fmt.Sprintf("%s remaining meets the refill threshold of %s (%s); topped up to %vml from lot %s",
				formatPercent(pct), formatThreshold(*p.MinPercentForRefill), c.reuseNote(), bottle.OriginalVolumeMl, lotID),
			RefillInfo: &RefillInfo{
				DestinationLotID:  lotID,
				ResultingVolumeMl: bottle.OriginalVolumeMl,
			},
		}
	}

	d, note, ok := c.aggregate(bottle, candidatePool)
	if ok {
		return d
	}

	return c.defaultDiscard(pct, note)
}

// checkExpressions evaluates the airline's CEL discard rules in order.
// A rule that errors or returns a non-bool discards the bottle.
func (c *CompiledPolicy) checkExpressions(bottle BottleRecord) (Disposition, bool) {
	if len(c.expressions) == 0 {
		return Disposition{}, false
	}

	facts := FactsFor(bottle)
	for _, expr := range c.expressions {
		matched, err := expr.matches(facts)
		if err != nil {
			return discard(RuleAirlineExpression,
				"airline rule %q could not be evaluated (%v); discarding as a precaution",
				expr.rule.Name, err), true
		}
		if matched {
			return discard(RuleAirlineExpression,
				"airline rule %q matched: %s", expr.rule.Name, expr.rule.Expression), true
		}
	}
	return Disposition{}, false
}

func meets(pct decimal.Decimal, threshold *float64) bool {
	if threshold == nil {
		return false
	}
	return pct.GreaterThanOrEqual(decimal.NewFromFloat(*threshold))
}

func (c *CompiledPolicy) reuseNote() string {
	p := c.policy
	switch {
	case !p.AllowReuse:
		return "reuse disabled"
	case p.MinPercentForReuse == nil:
		return "reuse enabled but minPercentForReuse is not configured"
	default:
		return fmt.Sprintf("below the reuse threshold of %s", formatThreshold(*p.MinPercentForReuse))
	}
}

func (c *CompiledPolicy) refillNote() string {
	p := c.policy
	switch {
	case !p.AllowRefill:
		return "refill disabled"
	case p.MinPercentForRefill == nil:
		return "refill enabled but minPercentForRefill is not configured"
	default:
		return fmt.Sprintf("refill threshold of %s not met", formatThreshold(*p.MinPercentForRefill))
	}
}

func (c *CompiledPolicy) defaultDiscard(pct decimal.Decimal, aggregationNote string) Disposition {
	return discard(RuleDefaultDiscard,
		"no rule permitted reuse or refill at %s remaining: %s; %s; aggregation: %s",
		formatPercent(pct), c.reuseNote(), c.refillNote(), aggregationNote)
}

// destinationLotID formats LOT-<yyyymmdd>-<product>-<suffix>
func (c *CompiledPolicy) destinationLotID(productID string) string {
	product := strings.Join(strings.Fields(productID), "_")
	if product == "" {
		product = "UNKNOWN"
	}
	return fmt.Sprintf("LOT-%s-%s-%s", c.now().UTC().Format("20060102"), product, c.lotSuffix())
}

package disposition

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Action is the outcome of evaluating a returned bottle
type Action string

const (
	ActionReuse   Action = "REUSE"
	ActionRefill  Action = "REFILL"
	ActionDiscard Action = "DISCARD"
)

// SealIntegrity reports whether a bottle has been opened
type SealIntegrity string

const (
	SealIntact     SealIntegrity = "intact"
	SealBroken     SealIntegrity = "broken"
	SealUnverified SealIntegrity = "unverified"
)

// LabelCondition reports the state of a bottle's label
type LabelCondition string

const (
	LabelGood      LabelCondition = "good"
	LabelDamaged   LabelCondition = "damaged"
	LabelIllegible LabelCondition = "illegible"
)

// Rule identifiers recorded on every Disposition
const (
	RuleInvalidData           = "invalid_data"
	RuleInvalidPolicy         = "invalid_policy"
	RuleFixedTypeDiscard      = "fixed_type_discard"
	RuleProhibitedDestination = "prohibited_destination"
	RuleSealRequired          = "seal_required"
	RuleLabelRequired         = "label_required"
	RuleAirlineExpression     = "airline_expression"
	RuleDirectReuse           = "direct_reuse"
	RuleDirectRefill          = "direct_refill"
	RuleAggregationRefill     = "aggregation_refill"
	RuleAggregationDonor      = "aggregation_donor"
	RuleDefaultDiscard        = "default_discard"
)

// DefaultSpiritTypes are the beverage tags eligible for refill by aggregation
// when a policy does not list its own.
var DefaultSpiritTypes = []string{
	"spirits", "spirit", "whisky", "whiskey", "vodka", "gin", "rum",
	"tequila", "brandy", "cognac", "liqueur",
}

// ExpressionRule is an airline-specific discard condition written in CEL
type ExpressionRule struct {
	Name       string `json:"name"`
	Expression string `json:"expression"`
}

// BottlePolicy is an airline's quality policy for returned bottles.
// Threshold pointers distinguish "not configured" from 0%.
type BottlePolicy struct {
	AlwaysDiscardTypes     []string `json:"alwaysDiscardTypes,omitempty"`
	ProhibitedDestinations []string `json:"prohibitedDestinations,omitempty"`

	RequireSealIntact bool `json:"requireSealIntact"`
	RequireGoodLabel  bool `json:"requireGoodLabel"`

	AllowReuse         bool     `json:"allowReuse"`
	MinPercentForReuse *float64 `json:"minPercentForReuse,omitempty"`

	AllowRefill         bool     `json:"allowRefill"`
	MinPercentForRefill *float64 `json:"minPercentForRefill,omitempty"`

	AllowRefillAggregation bool `json:"allowRefillAggregation"`
	MaxAggregationBottles  int  `json:"maxAggregationBottles"`

	SpiritTypes  []string         `json:"spiritTypes,omitempty"`
	DiscardRules []ExpressionRule `json:"discardRules,omitempty"`
}

// Percent returns a pointer to p, for building policies in code
func Percent(p float64) *float64 {
	return &p
}

// Validate checks the numeric ranges of the policy. Missing thresholds are not
// errors: an enabled check without a threshold simply never fires.
func (p BottlePolicy) Validate() error {
	if p.MinPercentForReuse != nil && !inPercentRange(*p.MinPercentForReuse) {
		return fmt.Errorf("minPercentForReuse must be between 0 and 100, got %v", *p.MinPercentForReuse)
	}
	if p.MinPercentForRefill != nil && !inPercentRange(*p.MinPercentForRefill) {
		return fmt.Errorf("minPercentForRefill must be between 0 and 100, got %v", *p.MinPercentForRefill)
	}
	if p.MaxAggregationBottles < 0 {
		return fmt.Errorf("maxAggregationBottles cannot be negative, got %d", p.MaxAggregationBottles)
	}
	for i, r := range p.DiscardRules {
		if strings.TrimSpace(r.Name) == "" {
			return fmt.Errorf("discard rule %d has an empty name", i)
		}
		if strings.TrimSpace(r.Expression) == "" {
			return fmt.Errorf("discard rule %q has an empty expression", r.Name)
		}
	}
	return nil
}

func inPercentRange(v float64) bool {
	return v >= 0 && v <= 100
}

// Clone returns a deep copy of the policy
func (p BottlePolicy) Clone() BottlePolicy {
	p.AlwaysDiscardTypes = slices.Clone(p.AlwaysDiscardTypes)
	p.ProhibitedDestinations = slices.Clone(p.ProhibitedDestinations)
	p.SpiritTypes = slices.Clone(p.SpiritTypes)
	p.DiscardRules = slices.Clone(p.DiscardRules)
	if p.MinPercentForReuse != nil {
		p.MinPercentForReuse = Percent(*p.MinPercentForReuse)
	}
	if p.MinPercentForRefill != nil {
		p.MinPercentForRefill = Percent(*p.MinPercentForRefill)
	}
	return p
}

// IsSpirit reports whether beverageType counts as a spirit under this policy
func (p BottlePolicy) IsSpirit(beverageType string) bool {
	types := p.SpiritTypes
	if len(types) == 0 {
		types = DefaultSpiritTypes
	}
	return containsFold(types, beverageType)
}

// BottleRecord is one physical bottle observed at a weighing station.
// Audit fields are carried through untouched.
type BottleRecord struct {
	ID                 string         `json:"id"`
	ProductID          string         `json:"productId"`
	BeverageType       string         `json:"beverageType"`
	OriginalVolumeMl   float64        `json:"originalVolumeMl"`
	RemainingVolumeMl  float64        `json:"remainingVolumeMl"`
	SealIntegrity      SealIntegrity  `json:"sealIntegrity"`
	LabelCondition     LabelCondition `json:"labelCondition"`
	DestinationCountry string         `json:"destinationCountry,omitempty"`

	AirlineID    string    `json:"airlineId,omitempty"`
	FlightNumber string    `json:"flightNumber,omitempty"`
	EmployeeID   string    `json:"employeeId,omitempty"`
	RecordedAt   time.Time `json:"recordedAt,omitempty"`
	PhotoURLs    []string  `json:"photoUrls,omitempty"`
}

var hundred = decimal.NewFromInt(100)

// PercentRemaining is remaining/original*100, recomputed on every call.
// Returns zero when the original volume is not positive.
func (b BottleRecord) PercentRemaining() decimal.Decimal {
	if b.OriginalVolumeMl <= 0 || !finite(b.OriginalVolumeMl) || !finite(b.RemainingVolumeMl) {
		return decimal.Zero
	}
	remaining := decimal.NewFromFloat(b.RemainingVolumeMl)
	original := decimal.NewFromFloat(b.OriginalVolumeMl)
	return remaining.Mul(hundred).Div(original)
}

// validate reports why the measured volumes cannot be evaluated, or "" if they can
func (b BottleRecord) validate() string {
	switch {
	case !finite(b.OriginalVolumeMl) || !finite(b.RemainingVolumeMl):
		return "volumes must be finite numbers"
	case b.OriginalVolumeMl <= 0:
		return fmt.Sprintf("original volume must be positive, got %vml", b.OriginalVolumeMl)
	case b.RemainingVolumeMl < 0:
		return fmt.Sprintf("remaining volume cannot be negative, got %vml", b.RemainingVolumeMl)
	case b.RemainingVolumeMl > b.OriginalVolumeMl:
		return fmt.Sprintf("remaining volume %vml exceeds original volume %vml", b.RemainingVolumeMl, b.OriginalVolumeMl)
	}
	return ""
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// RefillInfo describes a refill from an external lot
type RefillInfo struct {
	DestinationLotID  string  `json:"destinationLotId"`
	ResultingVolumeMl float64 `json:"resultingVolumeMl"`
}

// AggregationInfo describes a refill built from several partial bottles
type AggregationInfo struct {
	BottleIDsUsed     []string `json:"bottleIdsUsed"`
	ResultingVolumeMl float64  `json:"resultingVolumeMl"`
}

// Disposition is the decision for one bottle.
// At most one of RefillInfo and AggregationInfo is set.
type Disposition struct {
	Action          Action           `json:"action"`
	Rule            string           `json:"rule"`
	Justification   string           `json:"justification"`
	RefillInfo      *RefillInfo      `json:"refillInfo,omitempty"`
	AggregationInfo *AggregationInfo `json:"aggregationInfo,omitempty"`
}

func discard(rule, format string, args ...any) Disposition {
	return Disposition{
		Action:        ActionDiscard,
		Rule:          rule,
		Justification: fmt.Sprintf(format, args...),
	}
}

func containsFold(list []string, v string) bool {
	v = strings.TrimSpace(v)
	if v == "" {
		return false
	}
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), v) {
			return true
		}
	}
	return false
}

func formatPercent(d decimal.Decimal) string {
	return d.StringFixed(2) + "%"
}

func formatThreshold(v float64) string {
	return decimal.NewFromFloat(v).String() + "%"
}

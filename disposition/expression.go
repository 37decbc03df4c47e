package disposition

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// costLimit bounds the runtime cost of a single airline expression
const costLimit = 1000000

// BottleFacts is the view of a bottle exposed to airline expressions as `bottle`
type BottleFacts struct {
	ProductID          string  `json:"productId"`
	BeverageType       string  `json:"beverageType"`
	OriginalVolumeMl   float64 `json:"originalVolumeMl"`
	RemainingVolumeMl  float64 `json:"remainingVolumeMl"`
	PercentRemaining   float64 `json:"percentRemaining"`
	SealIntegrity      string  `json:"sealIntegrity"`
	LabelCondition     string  `json:"labelCondition"`
	DestinationCountry string  `json:"destinationCountry"`
}

// FactsFor builds the expression facts for a bottle
func FactsFor(b BottleRecord) BottleFacts {
	return BottleFacts{
		ProductID:          b.ProductID,
		BeverageType:       b.BeverageType,
		OriginalVolumeMl:   b.OriginalVolumeMl,
		RemainingVolumeMl:  b.RemainingVolumeMl,
		PercentRemaining:   b.PercentRemaining().InexactFloat64(),
		SealIntegrity:      string(b.SealIntegrity),
		LabelCondition:     string(b.LabelCondition),
		DestinationCountry: b.DestinationCountry,
	}
}

// activation converts facts into the map form CEL evaluates against
func (f BottleFacts) activation() map[string]any {
	return map[string]any{
		"bottle": map[string]any{
			"productId":          f.ProductID,
			"beverageType":       f.BeverageType,
			"originalVolumeMl":   f.OriginalVolumeMl,
			"remainingVolumeMl":  f.RemainingVolumeMl,
			"percentRemaining":   f.PercentRemaining,
			"sealIntegrity":      f.SealIntegrity,
			"labelCondition":     f.LabelCondition,
			"destinationCountry": f.DestinationCountry,
		},
	}
}

// NewExpressionEnv creates the CEL environment airline expressions compile against
func NewExpressionEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("bottle", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

// compiledExpression is an ExpressionRule with its CEL program
type compiledExpression struct {
	rule    ExpressionRule
	program cel.Program
}

// CompileExpression type-checks a single airline expression.
// Expressions must produce a bool (or dyn, checked again at evaluation).
func CompileExpression(env *cel.Env, rule ExpressionRule) (cel.Program, error) {
	ast, issues := env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error in rule %q: %w", rule.Name, issues.Err())
	}

	out := ast.OutputType()
	if !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("rule %q must evaluate to bool, got %s", rule.Name, out)
	}

	prog, err := env.Program(ast, cel.CostLimit(costLimit))
	if err != nil {
		return nil, fmt.Errorf("program creation error in rule %q: %w", rule.Name, err)
	}
	return prog, nil
}

func compileExpressions(rules []ExpressionRule) ([]compiledExpression, error) {
	if len(rules) == 0 {
		return nil, nil
	}

	env, err := NewExpressionEnv()
	if err != nil {
		return nil, err
	}

	compiled := make([]compiledExpression, 0, len(rules))
	for _, r := range rules {
		prog, err := CompileExpression(env, r)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, compiledExpression{rule: r, program: prog})
	}
	return compiled, nil
}

// matches evaluates the expression. Non-boolean results are reported as errors
// so the caller can fail safe.
func (c compiledExpression) matches(facts BottleFacts) (bool, error) {
	out, _, err := c.program.Eval(facts.activation())
	if err != nil {
		return false, err
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression returned %T, want bool", out.Value())
	}
	return matched, nil
}

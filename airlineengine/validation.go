package airlineengine

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/liamcoop/bottlerules/disposition"
)

const (
	maxListEntries        = 100
	maxDiscardRules       = 50
	maxExpressionLength   = 2000
	maxAggregationBottles = 50
)

var (
	typeTagPattern  = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9 _-]{0,49}$`)
	countryPattern  = regexp.MustCompile(`^[A-Za-z]{2}$`)
	ruleNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]{0,99}$`)
)

// ValidationError reports a policy that cannot be stored
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ValidatePolicy applies the checks required before a policy is stored.
// It is stricter than BottlePolicy.Validate, which only guards evaluation.
func ValidatePolicy(policy disposition.BottlePolicy) error {
	if err := policy.Validate(); err != nil {
		return &ValidationError{Message: err.Error()}
	}

	if err := validateTypeTags("alwaysDiscardTypes", policy.AlwaysDiscardTypes); err != nil {
		return err
	}
	if err := validateTypeTags("spiritTypes", policy.SpiritTypes); err != nil {
		return err
	}

	if len(policy.ProhibitedDestinations) > maxListEntries {
		return invalid("prohibitedDestinations", "contains %d entries, maximum allowed is %d", len(policy.ProhibitedDestinations), maxListEntries)
	}
	for _, country := range policy.ProhibitedDestinations {
		if !countryPattern.MatchString(country) {
			return invalid("prohibitedDestinations", "%q is not an ISO 3166-1 alpha-2 country code", country)
		}
	}

	if policy.AllowRefillAggregation {
		if policy.MaxAggregationBottles < 2 {
			return invalid("maxAggregationBottles", "must be at least 2 when allowRefillAggregation is enabled, got %d", policy.MaxAggregationBottles)
		}
		if policy.MaxAggregationBottles > maxAggregationBottles {
			return invalid("maxAggregationBottles", "%d exceeds maximum of %d", policy.MaxAggregationBottles, maxAggregationBottles)
		}
	}

	return validateDiscardRules(policy.DiscardRules)
}

func validateTypeTags(field string, tags []string) error {
	if len(tags) > maxListEntries {
		return invalid(field, "contains %d entries, maximum allowed is %d", len(tags), maxListEntries)
	}

	seen := make(map[string]bool, len(tags))
	for _, tag := range tags {
		if !typeTagPattern.MatchString(tag) {
			return invalid(field, "%q must start with a letter and contain at most 50 letters, digits, spaces, dashes or underscores", tag)
		}
		key := strings.ToLower(tag)
		if seen[key] {
			return invalid(field, "duplicate entry %q", tag)
		}
		seen[key] = true
	}
	return nil
}

func validateDiscardRules(rules []disposition.ExpressionRule) error {
	if len(rules) > maxDiscardRules {
		return invalid("discardRules", "contains %d rules, maximum allowed is %d", len(rules), maxDiscardRules)
	}
	if len(rules) == 0 {
		return nil
	}

	env, err := disposition.NewExpressionEnv()
	if err != nil {
		return fmt.Errorf("failed to create expression environment: %w", err)
	}

	names := make(map[string]bool, len(rules))
	for _, rule := range rules {
		if !ruleNamePattern.MatchString(rule.Name) {
			return invalid("discardRules", "rule name %q must match %s", rule.Name, ruleNamePattern)
		}
		if names[rule.Name] {
			return invalid("discardRules", "duplicate rule name %q", rule.Name)
		}
		names[rule.Name] = true

		if len(rule.Expression) > maxExpressionLength {
			return invalid("discardRules", "expression of rule %q exceeds %d characters", rule.Name, maxExpressionLength)
		}
		if _, err := disposition.CompileExpression(env, rule); err != nil {
			return invalid("discardRules", "%v", err)
		}
	}
	return nil
}

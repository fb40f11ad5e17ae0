package rules

import (
	"errors"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/accumulator"
	"github.com/opensource-finance/kestrel/internal/dispatch"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrInvalidRule is returned for a rule that cannot be registered.
var ErrInvalidRule = errors.New("invalid rule")

var validOperators = map[domain.LimitOperator]bool{
	domain.LimitGreater:      true,
	domain.LimitLess:         true,
	domain.LimitGreaterEqual: true,
	domain.LimitLessEqual:    true,
	domain.LimitEqual:        true,
	domain.LimitNotEqual:     true,
}

// Validate checks that a rule can be stored and dispatched.
func Validate(r domain.Rule) error {
	var errs []error

	if r.ID < 0 {
		errs = append(errs, fmt.Errorf("rule id must not be negative, got %d", r.ID))
	}
	if r.State != domain.RuleStateActive && r.State != domain.RuleStatePause {
		errs = append(errs, fmt.Errorf("state %q cannot be stored", r.State))
	}
	if !accumulator.Supported(r.AggregatorType) {
		errs = append(errs, fmt.Errorf("%w: %q", accumulator.ErrUnsupportedAggregator, r.AggregatorType))
	}
	if !validOperators[r.LimitOperator] {
		errs = append(errs, fmt.Errorf("unknown limit operator %q", r.LimitOperator))
	}
	if r.WindowDuration < 0 {
		errs = append(errs, fmt.Errorf("window duration must not be negative, got %s", r.WindowDuration))
	}
	if r.Limit.IsNegative() {
		errs = append(errs, fmt.Errorf("limit must not be negative, got %s", r.Limit))
	}

	seen := make(map[string]bool, len(r.GroupingKeyNames))
	for _, name := range r.GroupingKeyNames {
		if !dispatch.KnownField(name) {
			errs = append(errs, fmt.Errorf("%w: grouping key %q", dispatch.ErrMissingField, name))
		}
		if seen[name] {
			errs = append(errs, fmt.Errorf("duplicate grouping key %q", name))
		}
		seen[name] = true
	}
	if !dispatch.KnownNumericField(r.AggregateFieldName) {
		errs = append(errs, fmt.Errorf("%w: aggregate field %q is not numeric", dispatch.ErrMissingField, r.AggregateFieldName))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: rule %d: %w", ErrInvalidRule, r.ID, errors.Join(errs...))
}

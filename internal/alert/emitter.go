// Package alert turns aggregates that cross a rule limit into alerts and
// delivers them to sinks.
package alert

import (
	"time"

	"github.com/opensource-finance/kestrel/internal/accumulator"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// Window is the closed-open interval [Start, End) an aggregate covers.
type Window struct {
	Start time.Time
	End   time.Time
}

// Evaluate compares the accumulator against the rule limit. It returns an
// alert when the limit is crossed. An accumulator without a value yet, such
// as an empty AVG, never alerts.
func Evaluate(rule domain.Rule, groupingKey string, acc accumulator.Accumulator, trigger domain.Transaction, w Window) (*domain.Alert, bool) {
	value, err := acc.Value()
	if err != nil {
		// ErrNoValue: nothing to compare yet.
		return nil, false
	}

	if !Compare(rule.LimitOperator, value, rule.Limit) {
		return nil, false
	}

	return &domain.Alert{
		RuleID:                rule.ID,
		RuleDescription:       rule.Description(),
		GroupingKey:           groupingKey,
		TriggeringTransaction: trigger,
		ComputedValue:         value,
		WindowStart:           w.Start,
		WindowEnd:             w.End,
	}, true
}

// Compare applies op to value and limit in exact decimal arithmetic.
func Compare(op domain.LimitOperator, value, limit decimal.Decimal) bool {
	switch op {
	case domain.LimitGreater:
		return value.GreaterThan(limit)
	case domain.LimitLess:
		return value.LessThan(limit)
	case domain.LimitGreaterEqual:
		return value.GreaterThanOrEqual(limit)
	case domain.LimitLessEqual:
		return value.LessThanOrEqual(limit)
	case domain.LimitEqual:
		return value.Equal(limit)
	case domain.LimitNotEqual:
		return !value.Equal(limit)
	default:
		return false
	}
}

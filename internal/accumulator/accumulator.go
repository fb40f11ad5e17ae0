// Package accumulator implements the mergeable running aggregates behind a
// rule: SUM, AVG, MIN and MAX over exact decimals.
package accumulator

import (
	"errors"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	// ErrUnsupportedAggregator is returned for an aggregator type with no registered variant.
	ErrUnsupportedAggregator = errors.New("unsupported aggregator type")

	// ErrOverflow is returned when an add or merge would exceed the configured magnitude.
	ErrOverflow = errors.New("accumulator overflow")

	// ErrNoValue means the accumulator has nothing to report yet (AVG with count 0, unset MIN/MAX).
	ErrNoValue = errors.New("accumulator has no value")

	// ErrVariantMismatch is returned when merging accumulators of different variants.
	ErrVariantMismatch = errors.New("accumulator variant mismatch")
)

// Accumulator is a running aggregate over one window.
type Accumulator interface {
	// Type returns the variant.
	Type() domain.AggregatorType

	// Add folds one value in. On ErrOverflow the accumulator is unchanged.
	Add(v decimal.Decimal) error

	// Value returns the current aggregate or ErrNoValue.
	Value() (decimal.Decimal, error)

	// Merge folds another accumulator of the same variant in.
	Merge(other Accumulator) error

	// Reset returns the accumulator to its identity.
	Reset()

	// Export captures the internal fields for a snapshot.
	Export() domain.AccumulatorState
}

// constructors maps each aggregator type to its variant. Selecting a variant
// is a single lookup.
var constructors = map[domain.AggregatorType]func(bound) Accumulator{
	domain.AggregatorSum: func(b bound) Accumulator { return &Sum{bound: b} },
	domain.AggregatorAvg: func(b bound) Accumulator { return &Avg{bound: b} },
	domain.AggregatorMin: func(b bound) Accumulator { return &Min{bound: b} },
	domain.AggregatorMax: func(b bound) Accumulator { return &Max{bound: b} },
}

// Supported reports whether t has a registered variant.
func Supported(t domain.AggregatorType) bool {
	_, ok := constructors[t]
	return ok
}

// Factory builds accumulators that share one overflow configuration.
// The zero Factory builds unbounded accumulators.
type Factory struct {
	// MaxMagnitude bounds the absolute value of any aggregate. Zero means unbounded.
	MaxMagnitude decimal.Decimal

	// Overflow selects Report (reject the value) or Clamp (saturate).
	Overflow domain.OverflowPolicy
}

// NewFactory builds a factory from configuration.
func NewFactory(cfg domain.AccumulatorConfig) (Factory, error) {
	f := Factory{Overflow: cfg.Overflow}
	if f.Overflow == "" {
		f.Overflow = domain.OverflowReport
	}
	if f.Overflow != domain.OverflowReport && f.Overflow != domain.OverflowClamp {
		return Factory{}, fmt.Errorf("unknown overflow policy %q", cfg.Overflow)
	}
	if cfg.MaxMagnitude != "" {
		m, err := decimal.NewFromString(cfg.MaxMagnitude)
		if err != nil {
			return Factory{}, fmt.Errorf("invalid max magnitude %q: %w", cfg.MaxMagnitude, err)
		}
		if m.IsNegative() {
			return Factory{}, fmt.Errorf("max magnitude must not be negative, got %s", m)
		}
		f.MaxMagnitude = m
	}
	return f, nil
}

// New returns a fresh accumulator for the aggregator type.
func (f Factory) New(t domain.AggregatorType) (Accumulator, error) {
	ctor, ok := constructors[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAggregator, t)
	}
	return ctor(f.bound()), nil
}

// Restore rebuilds an accumulator from its exported state.
func (f Factory) Restore(s domain.AccumulatorState) (Accumulator, error) {
	acc, err := f.New(s.Type)
	if err != nil {
		return nil, err
	}
	if s.Count < 0 {
		return nil, fmt.Errorf("restore %s: negative count %d", s.Type, s.Count)
	}

	switch a := acc.(type) {
	case *Sum:
		a.sum = s.Sum
	case *Avg:
		a.sum, a.count = s.Sum, s.Count
	case *Min:
		a.value, a.set = s.Value, s.Set
	case *Max:
		a.value, a.set = s.Value, s.Set
	}
	return acc, nil
}

func (f Factory) bound() bound {
	return bound{
		max:   f.MaxMagnitude,
		limit: f.MaxMagnitude.IsPositive(),
		clamp: f.Overflow == domain.OverflowClamp,
	}
}

// bound enforces the magnitude limit on a candidate value.
type bound struct {
	max   decimal.Decimal
	limit bool
	clamp bool
}

func (b bound) check(v decimal.Decimal) (decimal.Decimal, error) {
	if !b.limit || v.Abs().LessThanOrEqual(b.max) {
		return v, nil
	}
	if !b.clamp {
		return v, fmt.Errorf("%w: |%s| > %s", ErrOverflow, v, b.max)
	}
	if v.IsNegative() {
		return b.max.Neg(), nil
	}
	return b.max, nil
}

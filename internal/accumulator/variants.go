package accumulator

import (
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// Sum adds values. Identity is zero.
type Sum struct {
	bound
	sum decimal.Decimal
}

func (s *Sum) Type() domain.AggregatorType { return domain.AggregatorSum }

func (s *Sum) Add(v decimal.Decimal) error {
	next, err := s.check(s.sum.Add(v))
	if err != nil {
		return err
	}
	s.sum = next
	return nil
}

func (s *Sum) Value() (decimal.Decimal, error) { return s.sum, nil }

func (s *Sum) Merge(other Accumulator) error {
	o, ok := other.(*Sum)
	if !ok {
		return mismatch(s, other)
	}
	return s.Add(o.sum)
}

func (s *Sum) Reset() { s.sum = decimal.Zero }

func (s *Sum) Export() domain.AccumulatorState {
	return domain.AccumulatorState{Type: domain.AggregatorSum, Sum: s.sum}
}

// Avg carries sum and count so that merging two partial averages is exact.
type Avg struct {
	bound
	sum   decimal.Decimal
	count int64
}

func (a *Avg) Type() domain.AggregatorType { return domain.AggregatorAvg }

func (a *Avg) Add(v decimal.Decimal) error {
	return a.fold(v, 1)
}

func (a *Avg) Value() (decimal.Decimal, error) {
	if a.count == 0 {
		return decimal.Zero, ErrNoValue
	}
	return a.sum.Div(decimal.NewFromInt(a.count)), nil
}

func (a *Avg) Merge(other Accumulator) error {
	o, ok := other.(*Avg)
	if !ok {
		return mismatch(a, other)
	}
	if o.count == 0 {
		return nil
	}
	return a.fold(o.sum, o.count)
}

func (a *Avg) fold(sum decimal.Decimal, count int64) error {
	next, err := a.check(a.sum.Add(sum))
	if err != nil {
		return err
	}
	n := a.count + count
	if n < a.count {
		if !a.clamp {
			return fmt.Errorf("%w: count exceeds %d", ErrOverflow, int64(math.MaxInt64))
		}
		n = math.MaxInt64
	}
	a.sum, a.count = next, n
	return nil
}

func (a *Avg) Reset() { a.sum, a.count = decimal.Zero, 0 }

func (a *Avg) Export() domain.AccumulatorState {
	return domain.AccumulatorState{Type: domain.AggregatorAvg, Sum: a.sum, Count: a.count}
}

// Min keeps the smallest value seen. Identity is the unset state.
type Min struct {
	bound
	value decimal.Decimal
	set   bool
}

func (m *Min) Type() domain.AggregatorType { return domain.AggregatorMin }

func (m *Min) Add(v decimal.Decimal) error {
	if m.set && !v.LessThan(m.value) {
		return nil
	}
	next, err := m.check(v)
	if err != nil {
		return err
	}
	m.value, m.set = next, true
	return nil
}

func (m *Min) Value() (decimal.Decimal, error) {
	if !m.set {
		return decimal.Zero, ErrNoValue
	}
	return m.value, nil
}

func (m *Min) Merge(other Accumulator) error {
	o, ok := other.(*Min)
	if !ok {
		return mismatch(m, other)
	}
	if !o.set {
		return nil
	}
	return m.Add(o.value)
}

func (m *Min) Reset() { m.value, m.set = decimal.Zero, false }

func (m *Min) Export() domain.AccumulatorState {
	return domain.AccumulatorState{Type: domain.AggregatorMin, Value: m.value, Set: m.set}
}

// Max keeps the largest value seen. Identity is the unset state.
type Max struct {
	bound
	value decimal.Decimal
	set   bool
}

func (m *Max) Type() domain.AggregatorType { return domain.AggregatorMax }

func (m *Max) Add(v decimal.Decimal) error {
	if m.set && !v.GreaterThan(m.value) {
		return nil
	}
	next, err := m.check(v)
	if err != nil {
		return err
	}
	m.value, m.set = next, true
	return nil
}

func (m *Max) Value() (decimal.Decimal, error) {
	if !m.set {
		return decimal.Zero, ErrNoValue
	}
	return m.value, nil
}

func (m *Max) Merge(other Accumulator) error {
	o, ok := other.(*Max)
	if !ok {
		return mismatch(m, other)
	}
	if !o.set {
		return nil
	}
	return m.Add(o.value)
}

func (m *Max) Reset() { m.value, m.set = decimal.Zero, false }

func (m *Max) Export() domain.AccumulatorState {
	return domain.AccumulatorState{Type: domain.AggregatorMax, Value: m.value, Set: m.set}
}

func mismatch(dst, src Accumulator) error {
	return fmt.Errorf("%w: cannot merge %s into %s", ErrVariantMismatch, src.Type(), dst.Type())
}

package aggregation

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ExportState captures every live state, ordered by rule id then grouping key.
func (e *Engine) ExportState() []domain.AggregateSnapshot {
	out := make([]domain.AggregateSnapshot, 0, e.Len())
	for ruleID, keys := range e.states {
		for key, st := range keys {
			snap := domain.AggregateSnapshot{
				RuleID:          ruleID,
				GroupingKey:     key,
				Accumulator:     st.acc.Export(),
				WindowStart:     st.start,
				WindowEnd:       st.end,
				Alerted:         st.alerted,
				RuleFingerprint: st.fingerprint,
			}
			if st.last != nil {
				last := *st.last
				snap.LastTransaction = &last
			}
			out = append(out, snap)
		}
	}
	slices.SortFunc(out, func(a, b domain.AggregateSnapshot) int {
		if c := cmp.Compare(a.RuleID, b.RuleID); c != 0 {
			return c
		}
		return cmp.Compare(a.GroupingKey, b.GroupingKey)
	})
	return out
}

// ImportState loads exported states. A state for a pair that already exists
// is merged: equal windows merge their accumulators, otherwise the later
// window wins. On error, states imported before the failing one remain.
func (e *Engine) ImportState(snaps []domain.AggregateSnapshot) error {
	for _, s := range snaps {
		acc, err := e.factory.Restore(s.Accumulator)
		if err != nil {
			return fmt.Errorf("restore rule %d key %s: %w", s.RuleID, s.GroupingKey, err)
		}
		if s.WindowEnd.Before(s.WindowStart) {
			return fmt.Errorf("restore rule %d key %s: window end %s before start %s",
				s.RuleID, s.GroupingKey, s.WindowEnd, s.WindowStart)
		}

		incoming := &state{
			acc:         acc,
			start:       s.WindowStart,
			end:         s.WindowEnd,
			alerted:     s.Alerted,
			fingerprint: s.RuleFingerprint,
		}
		if s.LastTransaction != nil {
			last := *s.LastTransaction
			incoming.last = &last
			if last.EventTime.After(e.maxEventTime) {
				e.maxEventTime = last.EventTime
			}
		}

		existing := e.lookup(s.RuleID, s.GroupingKey)
		if existing == nil {
			e.store(s.RuleID, s.GroupingKey, incoming)
			continue
		}
		merged, err := mergeStates(existing, incoming)
		if err != nil {
			return fmt.Errorf("restore rule %d key %s: %w", s.RuleID, s.GroupingKey, err)
		}
		e.store(s.RuleID, s.GroupingKey, merged)
	}
	return nil
}

func mergeStates(a, b *state) (*state, error) {
	if !a.start.Equal(b.start) || !a.end.Equal(b.end) || a.fingerprint != b.fingerprint {
		if b.start.After(a.start) {
			return b, nil
		}
		return a, nil
	}
	if err := a.acc.Merge(b.acc); err != nil {
		return nil, err
	}
	a.alerted = a.alerted || b.alerted
	if a.last == nil || (b.last != nil && b.last.EventTime.After(a.last.EventTime)) {
		a.last = b.last
	}
	return a, nil
}

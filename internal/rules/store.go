// Package rules holds the replicated rule table each worker keeps.
package rules

import (
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// View is an immutable rule table. A View never changes after it is
// published, so a dispatch pass sees one consistent rule set.
type View struct {
	rules  map[int]domain.Rule
	all    []domain.Rule // sorted by id
	active []domain.Rule // sorted by id
}

var emptyView = newView(nil)

func newView(rules map[int]domain.Rule) *View {
	v := &View{rules: rules}
	if v.rules == nil {
		v.rules = map[int]domain.Rule{}
	}
	for _, r := range v.rules {
		v.all = append(v.all, r)
	}
	slices.SortFunc(v.all, func(a, b domain.Rule) int { return a.ID - b.ID })
	for _, r := range v.all {
		if r.IsActive() {
			v.active = append(v.active, r)
		}
	}
	return v
}

// Get returns the rule with the given id.
func (v *View) Get(id int) (domain.Rule, bool) {
	r, ok := v.rules[id]
	return r, ok
}

// Active returns the ACTIVE rules ordered by id. The slice is shared; do not modify it.
func (v *View) Active() []domain.Rule { return v.active }

// All returns every stored rule ordered by id. The slice is shared; do not modify it.
func (v *View) All() []domain.Rule { return v.all }

// Len returns the number of stored rules.
func (v *View) Len() int { return len(v.rules) }

// ActiveCount returns the number of ACTIVE rules.
func (v *View) ActiveCount() int { return len(v.active) }

// Result describes the effect of one applied update.
type Result struct {
	// Changed is false for no-op updates such as deleting an unknown id.
	Changed bool

	// Previous is the rule that was replaced or removed, if any.
	Previous *domain.Rule
}

// Store is one worker's copy of the rule table. Apply must be called from a
// single goroutine; Snapshot may be called from any goroutine.
type Store struct {
	current atomic.Pointer[View]
	logger  *slog.Logger
}

// NewStore creates an empty store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{logger: logger}
	s.current.Store(emptyView)
	return s
}

// Snapshot returns the current immutable view.
func (s *Store) Snapshot() *View {
	return s.current.Load()
}

// ActiveCount returns the number of ACTIVE rules in the current view.
func (s *Store) ActiveCount() int {
	return s.Snapshot().ActiveCount()
}

// Apply applies one control update. Invalid upserts are rejected with
// ErrInvalidRule and leave the table unchanged.
func (s *Store) Apply(u domain.RuleUpdate) (Result, error) {
	cur := s.current.Load()

	switch u.Kind {
	case domain.UpdateUpsert:
		if err := Validate(u.Rule); err != nil {
			s.logger.Warn("rule rejected",
				"rule_id", u.Rule.ID,
				"error", err,
			)
			return Result{}, err
		}
		next := cloneRules(cur.rules)
		next[u.Rule.ID] = u.Rule
		s.current.Store(newView(next))

		res := Result{Changed: true}
		if prev, ok := cur.rules[u.Rule.ID]; ok {
			res.Previous = &prev
		}
		s.logger.Debug("rule upserted",
			"rule_id", u.Rule.ID,
			"state", u.Rule.State,
			"replaced", res.Previous != nil,
		)
		return res, nil

	case domain.UpdateDelete:
		prev, ok := cur.rules[u.RuleID]
		if !ok {
			return Result{}, nil
		}
		next := cloneRules(cur.rules)
		delete(next, u.RuleID)
		s.current.Store(newView(next))
		s.logger.Debug("rule deleted", "rule_id", u.RuleID)
		return Result{Changed: true, Previous: &prev}, nil

	case domain.UpdateDeleteAll:
		s.current.Store(emptyView)
		s.logger.Debug("all rules deleted", "count", cur.Len())
		return Result{Changed: cur.Len() > 0}, nil

	case domain.UpdateClearState, domain.UpdateExportRules:
		// Control commands that leave the rule table as is.
		return Result{}, nil

	default:
		return Result{}, fmt.Errorf("unknown update kind %s", u.Kind)
	}
}

// Export returns every stored rule ordered by id.
func (s *Store) Export() []domain.Rule {
	return slices.Clone(s.Snapshot().All())
}

// Import replaces the table with the given rules. Every rule is validated
// first; on error the table is unchanged.
func (s *Store) Import(rules []domain.Rule) error {
	next := make(map[int]domain.Rule, len(rules))
	for _, r := range rules {
		if err := Validate(r); err != nil {
			return fmt.Errorf("import rule %d: %w", r.ID, err)
		}
		if _, dup := next[r.ID]; dup {
			return fmt.Errorf("import rule %d: %w: duplicate id", r.ID, ErrInvalidRule)
		}
		next[r.ID] = r
	}
	s.current.Store(newView(next))
	return nil
}

func cloneRules(m map[int]domain.Rule) map[int]domain.Rule {
	out := make(map[int]domain.Rule, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

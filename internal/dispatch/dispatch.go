// Package dispatch forks a transaction into one evaluation task per active rule.
package dispatch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Rules is the read side of a rule table.
type Rules interface {
	// Active returns the ACTIVE rules ordered by id.
	Active() []domain.Rule
}

// Reporter observes every dispatch pass.
type Reporter interface {
	// ActiveRules receives the number of ACTIVE rules seen by the pass.
	ActiveRules(n int)
}

type nopReporter struct{}

func (nopReporter) ActiveRules(int) {}

// Dispatcher is the fork stage. It holds no state besides its reporter.
type Dispatcher struct {
	reporter Reporter
}

// New creates a dispatcher. A nil reporter is allowed.
func New(reporter Reporter) *Dispatcher {
	if reporter == nil {
		reporter = nopReporter{}
	}
	return &Dispatcher{reporter: reporter}
}

// Dispatch returns one task per ACTIVE rule in id order. A rule whose
// grouping key cannot be built is skipped and its error is joined into the
// returned error; the tasks for every other rule are still returned.
func (d *Dispatcher) Dispatch(tx domain.Transaction, rules Rules) ([]domain.EvaluationTask, error) {
	active := rules.Active()
	d.reporter.ActiveRules(len(active))

	if len(active) == 0 {
		return nil, nil
	}

	tasks := make([]domain.EvaluationTask, 0, len(active))
	var errs []error
	for _, r := range active {
		key, err := GroupingKey(tx, r.GroupingKeyNames)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %d: %w", r.ID, err))
			continue
		}
		tasks = append(tasks, domain.EvaluationTask{
			Transaction:     tx,
			GroupingKey:     key,
			RuleID:          r.ID,
			RuleFingerprint: r.Fingerprint(),
		})
	}
	return tasks, errors.Join(errs...)
}

// GroupingKey renders the key for the named fields, e.g. "{payeeId=42;beneficiaryId=7}".
func GroupingKey(tx domain.Transaction, names []string) (string, error) {
	var b strings.Builder
	b.WriteByte('{')
	for i, name := range names {
		v, err := FieldValue(tx, name)
		if err != nil {
			return "", err
		}
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(v)
	}
	b.WriteByte('}')
	return b.String(), nil
}

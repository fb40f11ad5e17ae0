// Package aggregation keeps one accumulator per (rule id, grouping key) over
// tumbling windows and evaluates rule limits against it.
package aggregation

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/accumulator"
	"github.com/opensource-finance/kestrel/internal/alert"
	"github.com/opensource-finance/kestrel/internal/dispatch"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrLateEvent marks a task whose event time precedes the open window or
// the eviction watermark. It is reported to the Observer, never returned.
var ErrLateEvent = errors.New("late event for closed window")

// Discard reasons reported to the Observer.
const (
	ReasonRuleInactive = "rule_inactive"
	ReasonStaleKey     = "stale_grouping_key"
	ReasonStaleRule    = "stale_rule"
	ReasonLateEvent    = "late_event"
	ReasonOverflow     = "overflow"
	ReasonMissingField = "missing_field"
	ReasonBadRule      = "unsupported_aggregator"
)

// Rules looks a rule up by id in the worker's current rule view.
type Rules interface {
	Get(id int) (domain.Rule, bool)
}

// Observer receives side-channel events from the engine.
type Observer interface {
	TaskDiscarded(reason string)
	WindowClosed()
}

type nopObserver struct{}

func (nopObserver) TaskDiscarded(string) {}
func (nopObserver) WindowClosed()        {}

// Config configures an Engine.
type Config struct {
	Policy   domain.EvaluationPolicy
	Factory  accumulator.Factory
	Logger   *slog.Logger
	Observer Observer
}

// state is the aggregation state of one (rule id, grouping key) pair.
type state struct {
	acc         accumulator.Accumulator
	start       time.Time
	end         time.Time
	last        *domain.Transaction
	alerted     bool
	fingerprint string
}

// contains reports whether t falls in [start, end). A zero-length window
// holds events at exactly its start.
func (s *state) contains(t time.Time) bool {
	return !t.Before(s.start) && (t.Before(s.end) || t.Equal(s.start))
}

func (s *state) window() alert.Window {
	return alert.Window{Start: s.start, End: s.end}
}

// Engine is the keyed windowed state machine owned by one aggregation worker.
// It is not safe for concurrent use.
type Engine struct {
	policy   domain.EvaluationPolicy
	factory  accumulator.Factory
	logger   *slog.Logger
	observer Observer

	states       map[int]map[string]*state
	maxEventTime time.Time

	// watermark is the newest time passed to Advance. Windows ending at or
	// before it are gone, so no new window may open below it.
	watermark time.Time
}

// New creates an empty engine.
func New(cfg Config) *Engine {
	if cfg.Policy == "" {
		cfg.Policy = domain.PolicyPerEvent
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	return &Engine{
		policy:   cfg.Policy,
		factory:  cfg.Factory,
		logger:   cfg.Logger,
		observer: cfg.Observer,
		states:   make(map[int]map[string]*state),
	}
}

// Process applies one evaluation task and returns the alerts it produced.
// The task is re-validated against rules: a rule that is gone or not ACTIVE
// discards the task and the rule's state. The returned error describes a
// skipped record; the engine stays usable.
func (e *Engine) Process(task domain.EvaluationTask, rules Rules) ([]domain.Alert, error) {
	rule, ok := rules.Get(task.RuleID)
	if !ok || !rule.IsActive() {
		e.RemoveRule(task.RuleID)
		e.observer.TaskDiscarded(ReasonRuleInactive)
		return nil, nil
	}

	tx := task.Transaction
	if key, err := dispatch.GroupingKey(tx, rule.GroupingKeyNames); err != nil || key != task.GroupingKey {
		// Dispatched under an earlier version of the rule.
		e.observer.TaskDiscarded(ReasonStaleKey)
		return nil, nil
	}
	fp := rule.Fingerprint()
	if task.RuleFingerprint != "" && task.RuleFingerprint != fp {
		// Forked under a definition the aggregator has already replaced.
		e.observer.TaskDiscarded(ReasonStaleRule)
		return nil, nil
	}

	value, err := dispatch.NumericField(tx, rule.AggregateFieldName)
	if err != nil {
		e.observer.TaskDiscarded(ReasonMissingField)
		return nil, fmt.Errorf("rule %d: %w", rule.ID, err)
	}

	if tx.EventTime.After(e.maxEventTime) {
		e.maxEventTime = tx.EventTime
	}

	var alerts []domain.Alert
	st := e.lookup(rule.ID, task.GroupingKey)

	if st != nil && st.fingerprint != fp {
		// Rule replaced in place; its old state must not leak into the new definition.
		e.remove(rule.ID, task.GroupingKey)
		st = nil
	}

	if st != nil && !st.contains(tx.EventTime) {
		if tx.EventTime.Before(st.start) {
			e.late(rule.ID, task.GroupingKey, tx, st.start)
			return nil, nil
		}
		if a, ok := e.close(rule, task.GroupingKey, st, tx); ok {
			alerts = append(alerts, *a)
		}
		e.remove(rule.ID, task.GroupingKey)
		st = nil
	}

	opened := st == nil
	if opened {
		if tx.EventTime.Before(e.watermark) {
			// Its window may already have been closed and evicted.
			e.late(rule.ID, task.GroupingKey, tx, e.watermark)
			return alerts, nil
		}
		acc, err := e.factory.New(rule.AggregatorType)
		if err != nil {
			e.observer.TaskDiscarded(ReasonBadRule)
			return alerts, fmt.Errorf("rule %d: %w", rule.ID, err)
		}
		st = &state{
			acc:         acc,
			start:       tx.EventTime,
			end:         tx.EventTime.Add(rule.WindowDuration),
			fingerprint: fp,
		}
	}

	if err := st.acc.Add(value); err != nil {
		// A skipped record must not anchor a new window.
		e.observer.TaskDiscarded(ReasonOverflow)
		return alerts, fmt.Errorf("rule %d key %s transaction %d: %w", rule.ID, task.GroupingKey, tx.ID, err)
	}
	if opened {
		e.store(rule.ID, task.GroupingKey, st)
	}
	st.last = &tx

	if e.policy == domain.PolicyPerEvent && !st.alerted {
		if a, ok := alert.Evaluate(rule, task.GroupingKey, st.acc, tx, st.window()); ok {
			st.alerted = true
			alerts = append(alerts, *a)
		}
	}

	return alerts, nil
}

func (e *Engine) late(ruleID int, key string, tx domain.Transaction, bound time.Time) {
	e.observer.TaskDiscarded(ReasonLateEvent)
	e.logger.Debug("late event dropped",
		"rule_id", ruleID,
		"grouping_key", key,
		"transaction_id", tx.ID,
		"event_time", tx.EventTime,
		"bound", bound,
		"error", ErrLateEvent,
	)
}

// close ends a window. Under window_close the limit is evaluated once with
// trigger as the triggering transaction.
func (e *Engine) close(rule domain.Rule, key string, st *state, trigger domain.Transaction) (*domain.Alert, bool) {
	e.observer.WindowClosed()
	if e.policy != domain.PolicyWindowClose || st.alerted {
		return nil, false
	}
	return alert.Evaluate(rule, key, st.acc, trigger, st.window())
}

// Advance closes and evicts every window whose end is at or before
// watermark. Windows closed this way have no closing transaction, so the
// last accumulated one is reported as the trigger. Later tasks older than
// watermark are dropped as late unless their window is still open.
func (e *Engine) Advance(watermark time.Time, rules Rules) []domain.Alert {
	if watermark.After(e.watermark) {
		e.watermark = watermark
	}
	var alerts []domain.Alert
	for ruleID, keys := range e.states {
		rule, ok := rules.Get(ruleID)
		for key, st := range keys {
			if st.end.After(watermark) {
				continue
			}
			if ok && rule.IsActive() && st.last != nil && st.fingerprint == rule.Fingerprint() {
				if a, fired := e.close(rule, key, st, *st.last); fired {
					alerts = append(alerts, *a)
				}
			} else {
				e.observer.WindowClosed()
			}
			delete(keys, key)
		}
		if len(keys) == 0 {
			delete(e.states, ruleID)
		}
	}
	return alerts
}

// MaxEventTime returns the newest event time the engine has seen.
func (e *Engine) MaxEventTime() time.Time {
	return e.maxEventTime
}

// Watermark returns the newest time passed to Advance.
func (e *Engine) Watermark() time.Time {
	return e.watermark
}

// RestoreWatermark raises the watermark to t. It never moves it back.
func (e *Engine) RestoreWatermark(t time.Time) {
	if t.After(e.watermark) {
		e.watermark = t
	}
}

// RemoveRule discards every state of the rule.
func (e *Engine) RemoveRule(ruleID int) {
	delete(e.states, ruleID)
}

// Clear discards all state.
func (e *Engine) Clear() {
	e.states = make(map[int]map[string]*state)
}

// Len returns the number of live (rule id, grouping key) states.
func (e *Engine) Len() int {
	n := 0
	for _, keys := range e.states {
		n += len(keys)
	}
	return n
}

func (e *Engine) lookup(ruleID int, key string) *state {
	return e.states[ruleID][key]
}

func (e *Engine) store(ruleID int, key string, st *state) {
	keys, ok := e.states[ruleID]
	if !ok {
		keys = make(map[string]*state)
		e.states[ruleID] = keys
	}
	keys[key] = st
}

func (e *Engine) remove(ruleID int, key string) {
	keys, ok := e.states[ruleID]
	if !ok {
		return
	}
	delete(keys, key)
	if len(keys) == 0 {
		delete(e.states, ruleID)
	}
}

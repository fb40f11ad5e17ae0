package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/aggregation"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// aggregator owns the aggregation state of its share of (rule id, grouping key) pairs.
type aggregator struct {
	id      int
	inbox   chan message
	store   *rules.Store
	engine  *aggregation.Engine
	alerts  chan<- domain.Alert
	sources int
	cfg     domain.ClusterConfig
	logger  *slog.Logger

	// Barrier alignment. While aligning, records from sources whose barrier
	// already arrived are held back until every source has delivered it.
	aligning *barrier
	arrived  map[int]bool
	held     []message
	lastSeen int64
}

func (a *aggregator) run(ctx context.Context) error {
	// A checkpoint interrupted by a restart is abandoned.
	if err := a.release(ctx); err != nil {
		return err
	}

	var tick <-chan time.Time
	if a.cfg.EvictInterval > 0 {
		t := time.NewTicker(a.cfg.EvictInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-a.inbox:
			if err := a.handle(ctx, m); err != nil {
				return err
			}
		case <-tick:
			if a.aligning == nil {
				if err := a.evict(ctx); err != nil {
					return err
				}
			}
		}
	}
}

func (a *aggregator) handle(ctx context.Context, m message) error {
	if a.aligning != nil && m.kind != kindBarrier && a.arrived[m.source] {
		a.held = append(a.held, m)
		return nil
	}

	switch m.kind {
	case kindUpdate:
		a.apply(m.update)
		return nil
	case kindTask:
		return a.process(ctx, m.task)
	case kindBarrier:
		return a.align(ctx, m)
	default:
		a.logger.Error("unexpected message on aggregate inbox", "kind", m.kind)
		return nil
	}
}

// apply updates the rule replica and drops state the update invalidates.
func (a *aggregator) apply(u domain.RuleUpdate) {
	res, err := a.store.Apply(u)
	if err != nil {
		a.logger.Warn("control update rejected", "kind", u.Kind, "error", err)
		return
	}

	switch u.Kind {
	case domain.UpdateUpsert:
		if !u.Rule.IsActive() || (res.Previous != nil && res.Previous.Fingerprint() != u.Rule.Fingerprint()) {
			a.engine.RemoveRule(u.Rule.ID)
		}
	case domain.UpdateDelete:
		a.engine.RemoveRule(u.RuleID)
	case domain.UpdateDeleteAll, domain.UpdateClearState:
		a.engine.Clear()
	}
}

func (a *aggregator) process(ctx context.Context, task domain.EvaluationTask) error {
	alerts, err := a.engine.Process(task, a.store.Snapshot())
	if err != nil {
		a.logger.Warn("evaluation task skipped",
			"rule_id", task.RuleID,
			"grouping_key", task.GroupingKey,
			"transaction_id", task.Transaction.ID,
			"error", err,
		)
	}
	return a.emit(ctx, alerts)
}

// evict closes windows that ended more than AllowedIdle before the newest event time.
func (a *aggregator) evict(ctx context.Context) error {
	newest := a.engine.MaxEventTime()
	if newest.IsZero() {
		return nil
	}
	alerts := a.engine.Advance(newest.Add(-a.cfg.AllowedIdle), a.store.Snapshot())
	return a.emit(ctx, alerts)
}

func (a *aggregator) emit(ctx context.Context, alerts []domain.Alert) error {
	metrics.RecordAlerts(len(alerts))
	for _, al := range alerts {
		select {
		case a.alerts <- al:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (a *aggregator) align(ctx context.Context, m message) error {
	b := m.barrier
	if b.id < a.lastSeen {
		// Left over from an abandoned checkpoint.
		return nil
	}
	if a.aligning != nil && b.id != a.aligning.id {
		if err := a.release(ctx); err != nil {
			return err
		}
	}
	a.lastSeen = b.id

	if a.aligning == nil {
		a.aligning = b
		a.arrived = make(map[int]bool, a.sources)
	}
	a.arrived[m.source] = true
	if len(a.arrived) < a.sources {
		return nil
	}

	// replies is buffered for every aggregator, so this never blocks.
	b.replies <- reply{worker: a.id, aggregates: a.engine.ExportState(), watermark: a.engine.Watermark()}
	return a.release(ctx)
}

// release ends alignment and processes the held records in arrival order.
func (a *aggregator) release(ctx context.Context) error {
	held := a.held
	a.aligning, a.arrived, a.held = nil, nil, nil
	for _, m := range held {
		if err := a.handle(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

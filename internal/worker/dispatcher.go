package worker

import (
	"context"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/dispatch"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/partition"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// dispatcher forks transactions into evaluation tasks against its own
// replica of the rule table.
type dispatcher struct {
	id          int
	inbox       chan message
	store       *rules.Store
	fork        *dispatch.Dispatcher
	aggregators []*aggregator
	logger      *slog.Logger
}

func newDispatcher(id int, name string, aggregators []*aggregator, inboxSize int, logger *slog.Logger) *dispatcher {
	return &dispatcher{
		id:          id,
		inbox:       make(chan message, inboxSize),
		store:       rules.NewStore(logger),
		fork:        dispatch.New(metrics.NewActiveRulesGauge(name)),
		aggregators: aggregators,
		logger:      logger,
	}
}

func (d *dispatcher) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-d.inbox:
			if err := d.handle(ctx, m); err != nil {
				return err
			}
		}
	}
}

func (d *dispatcher) handle(ctx context.Context, m message) error {
	switch m.kind {
	case kindUpdate:
		if _, err := d.store.Apply(m.update); err != nil {
			d.logger.Warn("control update rejected", "kind", m.update.Kind, "error", err)
		}
		return nil

	case kindTransaction:
		tasks, err := d.fork.Dispatch(m.tx, d.store.Snapshot())
		if err != nil {
			metrics.RecordSkipped("missing_field")
			d.logger.Warn("transaction not dispatched to every rule",
				"transaction_id", m.tx.ID,
				"error", err,
			)
		}
		metrics.RecordDispatch(len(tasks))
		for _, task := range tasks {
			a := d.aggregators[partition.For(task.RuleID, task.GroupingKey, len(d.aggregators))]
			if err := send(ctx, a.inbox, message{kind: kindTask, source: d.id, task: task}); err != nil {
				return err
			}
		}
		return nil

	case kindBarrier:
		// Everything this dispatcher emitted so far precedes the barrier on
		// every aggregator inbox.
		for _, a := range d.aggregators {
			if err := send(ctx, a.inbox, message{kind: kindBarrier, source: d.id, barrier: m.barrier}); err != nil {
				return err
			}
		}
		return nil

	default:
		d.logger.Error("unexpected message on dispatch inbox", "kind", m.kind)
		return nil
	}
}

// Package worker runs the dispatch and aggregation workers and connects them
// to the event bus.
//
// A Cluster has M dispatch workers and N aggregation workers. Each worker is
// one goroutine reading one FIFO inbox and owns its state privately. Control
// updates reach every inbox in one total order; transactions go to one
// dispatcher by transaction id; evaluation tasks go to the aggregator that
// owns their (rule id, grouping key).
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/accumulator"
	"github.com/opensource-finance/kestrel/internal/aggregation"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/partition"
	"github.com/opensource-finance/kestrel/internal/rules"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNotRunning is returned when an operation needs the workers running.
	ErrNotRunning = errors.New("cluster is not running")

	// ErrRunning is returned when an operation needs the workers stopped.
	ErrRunning = errors.New("cluster is running")
)

var tracer = otel.Tracer("github.com/opensource-finance/kestrel/internal/worker")

type kind uint8

const (
	kindUpdate kind = iota
	kindTransaction
	kindTask
	kindBarrier
)

// message is one inbox entry. source identifies the producer on
// aggregator inboxes: dispatcher i is source i, the broadcaster is source M.
type message struct {
	kind    kind
	source  int
	update  domain.RuleUpdate
	tx      domain.Transaction
	task    domain.EvaluationTask
	barrier *barrier
}

// barrier marks a checkpoint cut. Aggregators answer on replies once the
// barrier has arrived from every source.
type barrier struct {
	id      int64
	replies chan<- reply
}

type reply struct {
	worker     int
	aggregates []domain.AggregateSnapshot
	watermark  time.Time
}

// Cluster is the worker set.
type Cluster struct {
	cfg    domain.ClusterConfig
	logger *slog.Logger

	dispatchers []*dispatcher
	aggregators []*aggregator
	alerts      chan domain.Alert

	// control is the broadcaster's own replica. It validates updates once
	// and is the rule table recorded in checkpoints.
	control *rules.Store

	broadcastMu  sync.Mutex
	checkpointMu sync.Mutex
	checkpointID atomic.Int64
	running      atomic.Bool
}

// New creates a stopped cluster.
func New(cfg domain.ClusterConfig, factory accumulator.Factory, logger *slog.Logger) (*Cluster, error) {
	if cfg.Dispatchers < 1 || cfg.Aggregators < 1 {
		return nil, fmt.Errorf("cluster needs at least one dispatcher and one aggregator, got %d/%d",
			cfg.Dispatchers, cfg.Aggregators)
	}
	if cfg.InboxSize < 1 {
		cfg.InboxSize = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Cluster{
		cfg:     cfg,
		logger:  logger,
		alerts:  make(chan domain.Alert, cfg.InboxSize),
		control: rules.NewStore(logger),
	}

	for i := 0; i < cfg.Aggregators; i++ {
		name := fmt.Sprintf("aggregate-%d", i)
		wlog := logger.With("worker", name)
		c.aggregators = append(c.aggregators, &aggregator{
			id:      i,
			inbox:   make(chan message, cfg.InboxSize),
			store:   rules.NewStore(wlog),
			sources: cfg.Dispatchers + 1,
			alerts:  c.alerts,
			cfg:     cfg,
			logger:  wlog,
			engine: aggregation.New(aggregation.Config{
				Policy:   cfg.EvaluationPolicy,
				Factory:  factory,
				Logger:   wlog,
				Observer: metrics.EngineObserver{},
			}),
		})
	}

	for i := 0; i < cfg.Dispatchers; i++ {
		name := fmt.Sprintf("dispatch-%d", i)
		c.dispatchers = append(c.dispatchers, newDispatcher(i, name, c.aggregators, cfg.InboxSize, logger.With("worker", name)))
	}

	return c, nil
}

// Serve runs every worker until ctx is canceled. It may be called again
// after it returns; worker state survives between runs.
func (c *Cluster) Serve(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer c.running.Store(false)

	c.logger.Info("worker cluster started",
		"dispatchers", len(c.dispatchers),
		"aggregators", len(c.aggregators),
		"policy", c.cfg.EvaluationPolicy,
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, d := range c.dispatchers {
		g.Go(func() error { return d.run(gctx) })
	}
	for _, a := range c.aggregators {
		g.Go(func() error { return a.run(gctx) })
	}
	err := g.Wait()

	c.logger.Info("worker cluster stopped")
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// String names the cluster for the supervisor.
func (c *Cluster) String() string {
	return "worker-cluster"
}

// Running reports whether Serve is active.
func (c *Cluster) Running() bool {
	return c.running.Load()
}

// Alerts is the alert output of every aggregation worker.
func (c *Cluster) Alerts() <-chan domain.Alert {
	return c.alerts
}

// Rules returns the current rule table ordered by id.
func (c *Cluster) Rules() []domain.Rule {
	return c.control.Export()
}

// Rule returns one rule of the current table.
func (c *Cluster) Rule(id int) (domain.Rule, bool) {
	return c.control.Snapshot().Get(id)
}

// Broadcast delivers u to every worker. Concurrent broadcasts are applied
// by all workers in the same order. An upsert that fails validation is
// rejected here and reaches no worker.
//
// Aggregators receive the update before any dispatcher, so a task forked
// under the update always finds it at its aggregator. ctx is only checked
// before delivery starts: a partly delivered update would leave the
// replicas diverged. A cluster that is not running rejects the update with
// ErrNotRunning; if Serve exits mid-delivery, the remaining sends complete
// once it is restarted.
func (c *Cluster) Broadcast(ctx context.Context, u domain.RuleUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.broadcastMu.Lock()
	defer c.broadcastMu.Unlock()

	if !c.running.Load() {
		return ErrNotRunning
	}
	if _, err := c.control.Apply(u); err != nil {
		return err
	}
	metrics.RecordRuleUpdate(u.Kind.String())

	msg := message{kind: kindUpdate, source: len(c.dispatchers), update: u}
	for _, a := range c.aggregators {
		a.inbox <- msg
	}
	for _, d := range c.dispatchers {
		d.inbox <- msg
	}
	return nil
}

// Submit hands tx to its dispatch worker.
func (c *Cluster) Submit(ctx context.Context, tx domain.Transaction) error {
	d := c.dispatchers[partition.ForTransaction(tx.ID, len(c.dispatchers))]
	return send(ctx, d.inbox, message{kind: kindTransaction, tx: tx})
}

// Checkpoint captures one consistent cut of the cluster: the rule table and
// every aggregation state, reflecting exactly the records each worker
// received before the barrier. Checkpoints run one at a time.
func (c *Cluster) Checkpoint(ctx context.Context) (*domain.Snapshot, error) {
	if !c.running.Load() {
		return nil, ErrNotRunning
	}

	c.checkpointMu.Lock()
	defer c.checkpointMu.Unlock()

	ctx, span := tracer.Start(ctx, "cluster.checkpoint")
	defer span.End()

	replies := make(chan reply, len(c.aggregators))
	b := &barrier{id: c.checkpointID.Add(1), replies: replies}
	span.SetAttributes(attribute.Int64("checkpoint.id", b.id))

	// Like Broadcast, injection ignores ctx: aggregators hold records until
	// the barrier has arrived from every source.
	c.broadcastMu.Lock()
	rulesAtCut := c.control.Export()
	for _, d := range c.dispatchers {
		d.inbox <- message{kind: kindBarrier, barrier: b}
	}
	for _, a := range c.aggregators {
		a.inbox <- message{kind: kindBarrier, source: len(c.dispatchers), barrier: b}
	}
	c.broadcastMu.Unlock()

	parts := make([][]domain.AggregateSnapshot, len(c.aggregators))
	var watermark time.Time
	for range c.aggregators {
		select {
		case r := <-replies:
			parts[r.worker] = r.aggregates
			if !r.watermark.IsZero() && (watermark.IsZero() || r.watermark.Before(watermark)) {
				watermark = r.watermark
			}
		case <-ctx.Done():
			span.SetStatus(codes.Error, "checkpoint canceled")
			return nil, fmt.Errorf("checkpoint %d: %w", b.id, ctx.Err())
		}
	}

	snap := &domain.Snapshot{
		Version:      domain.SnapshotVersion,
		CheckpointID: b.id,
		CreatedAt:    time.Now().UTC(),
		Rules:        rulesAtCut,
		Aggregates:   slices.Concat(parts...),
		Watermark:    watermark,
	}
	slices.SortFunc(snap.Aggregates, compareAggregates)
	span.SetAttributes(attribute.Int("checkpoint.aggregates", len(snap.Aggregates)))
	return snap, nil
}

// Restore loads snap into a stopped cluster. Aggregation state is routed to
// its owner under the current worker count, which may differ from the count
// that wrote the snapshot.
func (c *Cluster) Restore(snap *domain.Snapshot) error {
	if snap == nil {
		return nil
	}
	if c.running.Load() {
		return ErrRunning
	}

	if err := c.control.Import(snap.Rules); err != nil {
		return fmt.Errorf("restore rules: %w", err)
	}
	for _, d := range c.dispatchers {
		if err := d.store.Import(snap.Rules); err != nil {
			return fmt.Errorf("restore rules: %w", err)
		}
	}

	owned := make([][]domain.AggregateSnapshot, len(c.aggregators))
	for _, s := range snap.Aggregates {
		i := partition.For(s.RuleID, s.GroupingKey, len(c.aggregators))
		owned[i] = append(owned[i], s)
	}
	for i, a := range c.aggregators {
		if err := a.store.Import(snap.Rules); err != nil {
			return fmt.Errorf("restore rules: %w", err)
		}
		a.engine.Clear()
		if err := a.engine.ImportState(owned[i]); err != nil {
			return fmt.Errorf("restore aggregator %d: %w", i, err)
		}
		a.engine.RestoreWatermark(snap.Watermark)
	}

	if snap.CheckpointID > c.checkpointID.Load() {
		c.checkpointID.Store(snap.CheckpointID)
	}

	c.logger.Info("cluster restored",
		"checkpoint_id", snap.CheckpointID,
		"rules", len(snap.Rules),
		"aggregates", len(snap.Aggregates),
		"watermark", snap.Watermark,
	)
	return nil
}

func compareAggregates(a, b domain.AggregateSnapshot) int {
	if a.RuleID != b.RuleID {
		return a.RuleID - b.RuleID
	}
	switch {
	case a.GroupingKey < b.GroupingKey:
		return -1
	case a.GroupingKey > b.GroupingKey:
		return 1
	}
	return 0
}

func send(ctx context.Context, inbox chan<- message, m message) error {
	select {
	case inbox <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

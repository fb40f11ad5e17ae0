package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// ErrMalformedRecord marks an input record that could not be decoded.
var ErrMalformedRecord = errors.New("malformed record")

// clusterWait is how often a rule record retries while the cluster is between runs.
const clusterWait = 10 * time.Millisecond

// Consumer feeds the cluster from the event bus: rule records from the
// control topic are broadcast, transactions are submitted.
type Consumer struct {
	bus     domain.EventBus
	cluster *Cluster
	logger  *slog.Logger

	mu            sync.Mutex
	subscriptions []domain.Subscription
}

// NewConsumer creates a consumer.
func NewConsumer(bus domain.EventBus, cluster *Cluster, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{bus: bus, cluster: cluster, logger: logger}
}

// Start subscribes to the control and transaction topics.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range []struct {
		topic   string
		handler domain.MessageHandler
	}{
		{domain.TopicRules, c.HandleRule},
		{domain.TopicTransactions, c.HandleTransaction},
	} {
		sub, err := c.bus.Subscribe(ctx, s.topic, s.handler)
		if err != nil {
			c.unsubscribeLocked()
			return fmt.Errorf("subscribe %s: %w", s.topic, err)
		}
		c.subscriptions = append(c.subscriptions, sub)
	}

	c.logger.Info("consumer started", "topics", c.topicsLocked())
	return nil
}

// Stop removes every subscription.
func (c *Consumer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribeLocked()
	c.logger.Info("consumer stopped")
}

// Serve runs the consumer under a supervisor.
func (c *Consumer) Serve(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	c.Stop()
	return ctx.Err()
}

func (c *Consumer) String() string {
	return "bus-consumer"
}

// Topics returns the subscribed topics.
func (c *Consumer) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topicsLocked()
}

func (c *Consumer) topicsLocked() []string {
	topics := make([]string, len(c.subscriptions))
	for i, sub := range c.subscriptions {
		topics[i] = sub.Topic()
	}
	return topics
}

func (c *Consumer) unsubscribeLocked() {
	for _, sub := range c.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	c.subscriptions = nil
}

// broadcast retries while the cluster is not running so that no rule
// record is lost across a cluster restart.
func (c *Consumer) broadcast(ctx context.Context, update domain.RuleUpdate) error {
	err := c.cluster.Broadcast(ctx, update)
	if !errors.Is(err, ErrNotRunning) {
		return err
	}

	c.logger.Debug("waiting for worker cluster", "rule_id", update.RuleID, "kind", update.Kind)
	ticker := time.NewTicker(clusterWait)
	defer ticker.Stop()
	for errors.Is(err, ErrNotRunning) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		err = c.cluster.Broadcast(ctx, update)
	}
	return err
}

// HandleRule applies one control channel record. Malformed and invalid
// records are logged and skipped.
func (c *Consumer) HandleRule(ctx context.Context, msg *domain.Message) error {
	update, err := DecodeRule(msg.Payload)
	if err != nil {
		metrics.RecordSkipped("malformed_rule")
		c.logger.Warn("rule record skipped", "message_id", msg.ID, "error", err)
		return nil
	}

	if err := c.broadcast(ctx, update); err != nil {
		if ctx.Err() != nil {
			return err
		}
		metrics.RecordSkipped("invalid_rule")
		c.logger.Warn("rule update rejected",
			"message_id", msg.ID,
			"rule_id", update.RuleID,
			"kind", update.Kind,
			"error", err,
		)
		return nil
	}

	if update.Kind == domain.UpdateExportRules {
		return c.exportRules(ctx)
	}
	return nil
}

// HandleTransaction submits one data channel record.
func (c *Consumer) HandleTransaction(ctx context.Context, msg *domain.Message) error {
	tx, err := DecodeTransaction(msg.Payload)
	if err != nil {
		metrics.RecordSkipped("malformed_transaction")
		c.logger.Warn("transaction record skipped", "message_id", msg.ID, "error", err)
		return nil
	}
	return c.cluster.Submit(ctx, tx)
}

func (c *Consumer) exportRules(ctx context.Context) error {
	payload, err := json.Marshal(c.cluster.Rules())
	if err != nil {
		return fmt.Errorf("encode current rules: %w", err)
	}
	if err := c.bus.Publish(ctx, domain.TopicRulesCurrent, payload); err != nil {
		c.logger.Error("failed to publish current rules", "error", err)
		return err
	}
	return nil
}

// DecodeRule parses a rule record into a control update.
func DecodeRule(payload []byte) (domain.RuleUpdate, error) {
	var rule domain.Rule
	if err := json.Unmarshal(payload, &rule); err != nil {
		return domain.RuleUpdate{}, fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}
	u, err := domain.RuleUpdateFromRule(rule)
	if err != nil {
		return domain.RuleUpdate{}, fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}
	return u, nil
}

// DecodeTransaction parses a transaction record.
func DecodeTransaction(payload []byte) (domain.Transaction, error) {
	var tx domain.Transaction
	if err := json.Unmarshal(payload, &tx); err != nil {
		return domain.Transaction{}, fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}
	return tx, nil
}

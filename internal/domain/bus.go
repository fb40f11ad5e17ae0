package domain

import (
	"context"
)

// EventBus defines the interface for topic-based transport.
// Supports Go channels (single process) or NATS (networked).
// Delivery to one subscription preserves publish order.
type EventBus interface {
	// Publish sends a message to a topic. It blocks until every local
	// subscriber has accepted the message or ctx is done.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// Standard topic names.
const (
	// TopicRules is the broadcast control channel carrying rule records.
	TopicRules = "kestrel.rules"

	// TopicTransactions is the data channel.
	TopicTransactions = "kestrel.transactions"

	// TopicAlerts carries emitted alerts.
	TopicAlerts = "kestrel.alerts"

	// TopicRulesCurrent receives the rule table on EXPORT_RULES_CURRENT.
	TopicRulesCurrent = "kestrel.rules.current"
)

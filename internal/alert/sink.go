package alert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/segmentio/kafka-go"
)

// Sink receives emitted alerts.
type Sink interface {
	Emit(ctx context.Context, a domain.Alert) error
	Close() error
}

// Discard drops every alert.
type Discard struct{}

func (Discard) Emit(context.Context, domain.Alert) error { return nil }
func (Discard) Close() error                             { return nil }

// PrintSink writes one JSON document per line.
type PrintSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewPrintSink creates a sink writing to w.
func NewPrintSink(w io.Writer) *PrintSink {
	return &PrintSink{w: w}
}

func (s *PrintSink) Emit(_ context.Context, a domain.Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(append(data, '\n'))
	return err
}

func (s *PrintSink) Close() error { return nil }

// LogSink logs alerts at warn level.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink writing to logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(ctx context.Context, a domain.Alert) error {
	s.logger.WarnContext(ctx, "fraud alert",
		"rule_id", a.RuleID,
		"rule", a.RuleDescription,
		"grouping_key", a.GroupingKey,
		"transaction_id", a.TriggeringTransaction.ID,
		"computed_value", a.ComputedValue.String(),
		"window_start", a.WindowStart,
		"window_end", a.WindowEnd,
	)
	return nil
}

func (s *LogSink) Close() error { return nil }

// BusSink publishes alerts on an event bus topic.
type BusSink struct {
	bus   domain.EventBus
	topic string
}

// NewBusSink creates a sink publishing on topic.
func NewBusSink(bus domain.EventBus, topic string) *BusSink {
	return &BusSink{bus: bus, topic: topic}
}

func (s *BusSink) Emit(ctx context.Context, a domain.Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	return s.bus.Publish(ctx, s.topic, data)
}

// Close is a no-op; the bus is owned by the caller.
func (s *BusSink) Close() error { return nil }

// KafkaSink writes alerts to a Kafka topic keyed by rule id.
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink creates a sink for the given brokers and topic.
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka sink requires a topic")
	}
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
		},
	}, nil
}

func (s *KafkaSink) Emit(ctx context.Context, a domain.Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.Itoa(a.RuleID)),
		Value: data,
	})
}

func (s *KafkaSink) Close() error { return s.writer.Close() }

// Fanout delivers every alert to all of its sinks.
type Fanout []Sink

func (f Fanout) Emit(ctx context.Context, a domain.Alert) error {
	var errs []error
	for _, s := range f {
		if err := s.Emit(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) Close() error {
	var errs []error
	for _, s := range f {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewSink builds the sinks named in configuration. A single sink is returned
// as is; several are wrapped in a Fanout.
func NewSink(cfg domain.AlertsConfig, bus domain.EventBus, logger *slog.Logger) (Sink, error) {
	if len(cfg.Sinks) == 0 {
		return Discard{}, nil
	}

	var sinks Fanout
	for _, name := range cfg.Sinks {
		switch name {
		case "discard":
			sinks = append(sinks, Discard{})
		case "print":
			sinks = append(sinks, NewPrintSink(os.Stdout))
		case "log":
			sinks = append(sinks, NewLogSink(logger))
		case "bus":
			if bus == nil {
				return nil, fmt.Errorf("bus alert sink requires an event bus")
			}
			sinks = append(sinks, NewBusSink(bus, domain.TopicAlerts))
		case "kafka":
			k, err := NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
			if err != nil {
				_ = sinks.Close()
				return nil, err
			}
			sinks = append(sinks, k)
		default:
			_ = sinks.Close()
			return nil, fmt.Errorf("unsupported alert sink: %s", name)
		}
	}

	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return sinks, nil
}

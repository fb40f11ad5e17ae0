package worker

import (
	"context"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/alert"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Publisher drains cluster alerts into a sink, keeping sink I/O off the
// aggregation workers.
type Publisher struct {
	alerts <-chan domain.Alert
	sink   alert.Sink
	logger *slog.Logger
}

// NewPublisher creates a publisher.
func NewPublisher(alerts <-chan domain.Alert, sink alert.Sink, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{alerts: alerts, sink: sink, logger: logger}
}

// Serve emits alerts until ctx is canceled. Sink errors are logged; the
// alert is not retried.
func (p *Publisher) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case a := <-p.alerts:
			if err := p.sink.Emit(ctx, a); err != nil {
				p.logger.Error("failed to emit alert",
					"rule_id", a.RuleID,
					"grouping_key", a.GroupingKey,
					"error", err,
				)
			}
		}
	}
}

func (p *Publisher) String() string {
	return "alert-publisher"
}

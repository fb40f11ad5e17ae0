package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// SnapshotVersion is the layout version written into every snapshot.
const SnapshotVersion = 1

// AccumulatorState is the serializable form of an accumulator.
// Sum and Count back SUM and AVG; Value and Set back MIN and MAX.
type AccumulatorState struct {
	Type  AggregatorType  `json:"type"`
	Sum   decimal.Decimal `json:"sum"`
	Count int64           `json:"count"`
	Value decimal.Decimal `json:"value"`
	Set   bool            `json:"set"`
}

// AggregateSnapshot captures one (rule id, grouping key) aggregation state.
type AggregateSnapshot struct {
	RuleID          int              `json:"ruleId"`
	GroupingKey     string           `json:"groupingKey"`
	Accumulator     AccumulatorState `json:"accumulator"`
	WindowStart     time.Time        `json:"windowStart"`
	WindowEnd       time.Time        `json:"windowEnd"`
	LastTransaction *Transaction     `json:"lastTransaction,omitempty"`
	Alerted         bool             `json:"alerted"`
	RuleFingerprint string           `json:"ruleFingerprint"`
}

// Snapshot is everything a worker set needs to resume: the replicated rule
// table and every in-flight aggregation state.
type Snapshot struct {
	Version      int                 `json:"version"`
	CheckpointID int64               `json:"checkpointId"`
	CreatedAt    time.Time           `json:"createdAt"`
	Rules        []Rule              `json:"rules"`
	Aggregates   []AggregateSnapshot `json:"aggregates"`

	// Watermark is the lowest eviction watermark across aggregation workers.
	// Tasks older than it open no new window after a restore.
	Watermark time.Time `json:"watermark"`
}

// SnapshotStore persists snapshots for crash recovery.
type SnapshotStore interface {
	// Save durably stores a snapshot. Later saves supersede earlier ones.
	Save(ctx context.Context, snap *Snapshot) error

	// Latest returns the most recent snapshot.
	Latest(ctx context.Context) (*Snapshot, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

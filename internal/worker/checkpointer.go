package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Checkpointer periodically saves cluster checkpoints.
type Checkpointer struct {
	cluster  *Cluster
	store    domain.SnapshotStore
	interval time.Duration
	logger   *slog.Logger
}

// NewCheckpointer creates a checkpointer. A zero interval disables the
// periodic loop; Run still works on demand.
func NewCheckpointer(cluster *Cluster, store domain.SnapshotStore, interval time.Duration, logger *slog.Logger) *Checkpointer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checkpointer{cluster: cluster, store: store, interval: interval, logger: logger}
}

// Run takes one checkpoint and saves it.
func (c *Checkpointer) Run(ctx context.Context) (*domain.Snapshot, error) {
	start := time.Now()
	snap, err := c.cluster.Checkpoint(ctx)
	if err == nil {
		err = c.store.Save(ctx, snap)
	}
	metrics.RecordCheckpoint(time.Since(start), err)
	if err != nil {
		c.logger.Error("checkpoint failed", "error", err)
		return nil, err
	}

	c.logger.Info("checkpoint saved",
		"checkpoint_id", snap.CheckpointID,
		"rules", len(snap.Rules),
		"aggregates", len(snap.Aggregates),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return snap, nil
}

// Serve checkpoints every interval until ctx is canceled. Failed
// checkpoints are logged and retried on the next tick.
func (c *Checkpointer) Serve(ctx context.Context) error {
	if c.interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !c.cluster.Running() {
				continue
			}
			_, _ = c.Run(ctx)
		}
	}
}

func (c *Checkpointer) String() string {
	return "checkpointer"
}

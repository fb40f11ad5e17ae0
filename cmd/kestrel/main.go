// Kestrel - Dynamic rule-driven fraud detection over payment streams.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/opensource-finance/kestrel/internal/accumulator"
	"github.com/opensource-finance/kestrel/internal/alert"
	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/logging"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/snapshot"
	"github.com/opensource-finance/kestrel/internal/supervisor"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", os.Getenv("KESTREL_CONFIG"), "Path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("kestrel failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// Initialize structured logger
	logger, err := logging.New(cfg.Logging, os.Stdout)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"dispatchers", cfg.Cluster.Dispatchers,
		"aggregators", cfg.Cluster.Aggregators,
		"evaluation_policy", cfg.Cluster.EvaluationPolicy,
		"eventbus", cfg.EventBus.Type,
		"snapshot", cfg.Snapshot.Type,
		"alert_sinks", cfg.Alerts.Sinks,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize snapshot store and recover state
	store, err := snapshot.New(cfg.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to initialize snapshot store: %w", err)
	}
	defer store.Close()

	snap, err := snapshot.Recover(ctx, store, cfg.Recovery.StartFresh)
	if err != nil {
		return err
	}

	// Initialize the worker cluster
	factory, err := accumulator.NewFactory(cfg.Accumulator)
	if err != nil {
		return fmt.Errorf("failed to initialize accumulators: %w", err)
	}
	cluster, err := worker.New(cfg.Cluster, factory, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize worker cluster: %w", err)
	}
	if snap != nil {
		if err := cluster.Restore(snap); err != nil {
			return fmt.Errorf("failed to restore snapshot %d: %w", snap.CheckpointID, err)
		}
		slog.Info("state restored from snapshot",
			"checkpoint_id", snap.CheckpointID,
			"rules", len(snap.Rules),
			"aggregates", len(snap.Aggregates),
		)
	} else {
		slog.Info("starting with empty state")
	}

	// Initialize alert sinks
	sink, err := alert.NewSink(cfg.Alerts, busImpl, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize alert sinks: %w", err)
	}
	defer sink.Close()

	consumer := worker.NewConsumer(busImpl, cluster, logger)
	checkpointer := worker.NewCheckpointer(cluster, store, cfg.Snapshot.Interval, logger)

	tree := supervisor.NewTree(logger, cfg.Supervisor)
	tree.AddCore(cluster)
	tree.AddCore(consumer)
	tree.AddCore(worker.NewPublisher(cluster.Alerts(), sink, logger))
	tree.AddDurability(checkpointer)

	if cfg.Server.Enabled {
		handler := api.NewHandler(busImpl, cluster, checkpointer, store, Version)
		srv := api.NewServer(cfg.Server, handler)
		tree.AddAPI(supervisor.NewHTTPService(srv.HTTPServer(), tree.ShutdownTimeout()))
	}

	treeDone := tree.ServeBackground(ctx)

	if err := waitForConsumer(ctx, consumer, 10*time.Second); err != nil {
		cancel()
		<-treeDone
		return err
	}
	if cfg.Rules.BootstrapFile != "" {
		if err := publishBootstrap(ctx, busImpl, cfg.Rules.BootstrapFile); err != nil {
			cancel()
			<-treeDone
			return err
		}
	}

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"api", cfg.Server.Enabled,
	)
	printBanner(cfg, Version)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	case err := <-treeDone:
		return fmt.Errorf("supervisor exited: %w", err)
	}

	slog.Info("shutting down...")

	// Take a last checkpoint while the workers are still running.
	if cfg.Snapshot.Type != "none" && cluster.Running() {
		checkpointCtx, checkpointCancel := context.WithTimeout(context.Background(), tree.ShutdownTimeout())
		_, _ = checkpointer.Run(checkpointCtx)
		checkpointCancel()
	}

	cancel()
	if err := <-treeDone; err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("supervisor stopped with error", "error", err)
	}

	// Report any services that failed to stop within timeout
	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		slog.Warn("service failed to stop", "service", svc.Name)
	}

	slog.Info("kestrel shutdown complete")
	return nil
}

// waitForConsumer blocks until the consumer holds its subscriptions so that
// bootstrap records are not published into an empty topic.
func waitForConsumer(ctx context.Context, consumer *worker.Consumer, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for len(consumer.Topics()) == 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("consumer did not subscribe within %s", timeout)
		case <-ticker.C:
		}
	}
	return nil
}

// publishBootstrap publishes every record of the rule file on the control
// topic, in file order.
func publishBootstrap(ctx context.Context, eventBus domain.EventBus, path string) error {
	records, err := rules.LoadFile(path)
	if err != nil {
		return err
	}

	for _, r := range records {
		payload, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode bootstrap rule %d: %w", r.ID, err)
		}
		if err := eventBus.Publish(ctx, domain.TopicRules, payload); err != nil {
			return fmt.Errorf("publish bootstrap rule %d: %w", r.ID, err)
		}
	}

	slog.Info("bootstrap rules published", "file", path, "count", len(records))
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               KESTREL                     ║")
	fmt.Println("  ║   Dynamic Rule Fraud Detection Engine     ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Workers:  %d dispatch / %d aggregate\n", cfg.Cluster.Dispatchers, cfg.Cluster.Aggregators)
	if cfg.Server.Enabled {
		fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
		fmt.Println()
		fmt.Println("  Endpoints:")
		fmt.Println("    GET    /rules            - Current rule table")
		fmt.Println("    GET    /rules/{id}       - One rule")
		fmt.Println("    POST   /rules            - Publish a rule record")
		fmt.Println("    POST   /rules/control    - Publish a control record")
		fmt.Println("    DELETE /rules/{id}       - Delete a rule")
		fmt.Println("    DELETE /rules            - Delete all rules")
		fmt.Println("    POST   /transactions     - Publish a transaction")
		fmt.Println("    POST   /checkpoints      - Checkpoint now")
		fmt.Println("    GET    /health           - Health check")
		fmt.Println("    GET    /metrics          - Prometheus metrics")
	}
	fmt.Println()
}

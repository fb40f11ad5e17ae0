package config

import (
	"errors"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	busTypes      = map[string]bool{"channel": true, "nats": true}
	snapshotTypes = map[string]bool{"none": true, "memory": true, "sqlite": true, "postgres": true, "redis": true}
	sinkTypes     = map[string]bool{"discard": true, "print": true, "log": true, "bus": true, "kafka": true}
	logLevels     = map[string]bool{"": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	logFormats    = map[string]bool{"": true, "json": true, "text": true}
)

// Validate reports every problem in cfg at once.
func Validate(cfg *domain.Config) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if cfg.Server.Enabled && (cfg.Server.Port < 1 || cfg.Server.Port > 65535) {
		add("invalid server.port %d (must be 1-65535)", cfg.Server.Port)
	}

	c := cfg.Cluster
	if c.Dispatchers < 1 {
		add("invalid cluster.dispatchers %d (must be at least 1)", c.Dispatchers)
	}
	if c.Aggregators < 1 {
		add("invalid cluster.aggregators %d (must be at least 1)", c.Aggregators)
	}
	if c.InboxSize < 1 {
		add("invalid cluster.inbox_size %d (must be at least 1)", c.InboxSize)
	}
	switch c.EvaluationPolicy {
	case domain.PolicyPerEvent, domain.PolicyWindowClose:
	default:
		add("invalid cluster.evaluation_policy %q (must be per_event or window_close)", c.EvaluationPolicy)
	}
	if c.EvictInterval < 0 || c.AllowedIdle < 0 {
		add("cluster.evict_interval and cluster.allowed_idle must not be negative")
	}

	if m := cfg.Accumulator.MaxMagnitude; m != "" {
		d, err := decimal.NewFromString(m)
		if err != nil || !d.IsPositive() {
			add("invalid accumulator.max_magnitude %q (must be a positive decimal)", m)
		}
	}
	switch cfg.Accumulator.Overflow {
	case domain.OverflowReport, domain.OverflowClamp:
	default:
		add("invalid accumulator.overflow %q (must be report or clamp)", cfg.Accumulator.Overflow)
	}

	if !busTypes[cfg.EventBus.Type] {
		add("invalid event_bus.type %q (must be channel or nats)", cfg.EventBus.Type)
	}
	if cfg.EventBus.Type == "nats" && cfg.EventBus.NATSUrl == "" {
		add("event_bus.nats_url is required for the nats bus")
	}

	if len(cfg.Alerts.Sinks) == 0 {
		add("alerts.sinks must name at least one sink")
	}
	for _, s := range cfg.Alerts.Sinks {
		if !sinkTypes[s] {
			add("unknown alert sink %q", s)
		}
		if s == "kafka" && len(cfg.Alerts.KafkaBrokers) == 0 {
			add("alerts.kafka_brokers is required for the kafka sink")
		}
	}

	s := cfg.Snapshot
	if !snapshotTypes[s.Type] {
		add("invalid snapshot.type %q (must be none, memory, sqlite, postgres or redis)", s.Type)
	}
	if s.Interval < 0 {
		add("snapshot.interval must not be negative")
	}
	switch s.Type {
	case "sqlite":
		if s.SQLitePath == "" {
			add("snapshot.sqlite_path is required for the sqlite store")
		}
	case "postgres":
		if s.PostgresHost == "" || s.PostgresDB == "" {
			add("snapshot.postgres_host and snapshot.postgres_db are required for the postgres store")
		}
	case "redis":
		if s.RedisAddr == "" || s.RedisKey == "" {
			add("snapshot.redis_addr and snapshot.redis_key are required for the redis store")
		}
	case "none":
		if !cfg.Recovery.StartFresh {
			add("recovery.start_fresh must be true when snapshot.type is none")
		}
	}

	if cfg.Supervisor.FailureThreshold <= 0 {
		add("supervisor.failure_threshold must be positive")
	}
	if cfg.Supervisor.ShutdownTimeout <= 0 {
		add("supervisor.shutdown_timeout must be positive")
	}

	if !logLevels[cfg.Logging.Level] {
		add("invalid logging.level %q", cfg.Logging.Level)
	}
	if !logFormats[cfg.Logging.Format] {
		add("invalid logging.format %q", cfg.Logging.Format)
	}

	return errors.Join(errs...)
}

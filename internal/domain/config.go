package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `koanf:"server"`

	// Worker topology and evaluation behavior
	Cluster     ClusterConfig     `koanf:"cluster"`
	Accumulator AccumulatorConfig `koanf:"accumulator"`

	// Component configurations
	EventBus EventBusConfig `koanf:"event_bus"`
	Alerts   AlertsConfig   `koanf:"alerts"`
	Snapshot SnapshotConfig `koanf:"snapshot"`
	Recovery RecoveryConfig `koanf:"recovery"`
	Rules    RulesConfig    `koanf:"rules"`

	// Process supervision
	Supervisor SupervisorConfig `koanf:"supervisor"`

	// Observability
	Logging LoggingConfig `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Enabled      bool   `koanf:"enabled"`
	Host         string `koanf:"host"`
	Port         int    `koanf:"port"`
	ReadTimeout  int    `koanf:"read_timeout"`  // seconds
	WriteTimeout int    `koanf:"write_timeout"` // seconds
}

// EvaluationPolicy decides when an aggregate is compared against its limit.
type EvaluationPolicy string

const (
	// PolicyPerEvent evaluates after every accumulated event, at most one alert per window.
	PolicyPerEvent EvaluationPolicy = "per_event"

	// PolicyWindowClose evaluates exactly once, when the window closes.
	PolicyWindowClose EvaluationPolicy = "window_close"
)

// ClusterConfig sizes the worker set.
type ClusterConfig struct {
	Dispatchers      int              `koanf:"dispatchers"`
	Aggregators      int              `koanf:"aggregators"`
	InboxSize        int              `koanf:"inbox_size"`
	EvaluationPolicy EvaluationPolicy `koanf:"evaluation_policy"`

	// EvictInterval is how often idle windows are swept. Zero disables sweeping.
	EvictInterval time.Duration `koanf:"evict_interval"`

	// AllowedIdle is how far behind the newest event time a closed window may linger.
	AllowedIdle time.Duration `koanf:"allowed_idle"`
}

// OverflowPolicy decides what an accumulator does past its magnitude bound.
type OverflowPolicy string

const (
	OverflowReport OverflowPolicy = "report"
	OverflowClamp  OverflowPolicy = "clamp"
)

// AccumulatorConfig bounds accumulator values. An empty MaxMagnitude means unbounded.
type AccumulatorConfig struct {
	MaxMagnitude string         `koanf:"max_magnitude"`
	Overflow     OverflowPolicy `koanf:"overflow"`
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string `koanf:"type"`

	// Channel settings
	ChannelBufferSize int `koanf:"channel_buffer_size"`

	// NATS settings
	NATSUrl           string `koanf:"nats_url"`
	NATSToken         string `koanf:"nats_token"`
	NATSSubjectPrefix string `koanf:"nats_subject_prefix"`
	NATSMaxReconnects int    `koanf:"nats_max_reconnects"`
	NATSReconnectWait int    `koanf:"nats_reconnect_wait"` // seconds
}

// AlertsConfig selects where alerts go.
type AlertsConfig struct {
	// Sinks lists any of "discard", "print", "log", "bus", "kafka".
	Sinks []string `koanf:"sinks"`

	KafkaBrokers []string `koanf:"kafka_brokers"`
	KafkaTopic   string   `koanf:"kafka_topic"`
}

// SnapshotConfig holds configuration for snapshot store initialization.
type SnapshotConfig struct {
	// Type is the store type: "none", "memory", "sqlite", "postgres" or "redis"
	Type string `koanf:"type"`

	// Interval between periodic checkpoints. Zero disables them.
	Interval time.Duration `koanf:"interval"`

	// SQLite specific
	SQLitePath string `koanf:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `koanf:"postgres_host"`
	PostgresPort     int    `koanf:"postgres_port"`
	PostgresUser     string `koanf:"postgres_user"`
	PostgresPassword string `koanf:"postgres_password"`
	PostgresDB       string `koanf:"postgres_db"`
	PostgresSSLMode  string `koanf:"postgres_ssl_mode"`

	// Connection pool settings
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`

	// Redis specific
	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`
	RedisKey      string `koanf:"redis_key"`
}

// RecoveryConfig controls startup behavior when no snapshot exists.
type RecoveryConfig struct {
	// StartFresh allows starting with empty state when no snapshot is found.
	StartFresh bool `koanf:"start_fresh"`
}

// RulesConfig configures the static rule bootstrap.
type RulesConfig struct {
	// BootstrapFile is a YAML or JSON list of rule records published at startup.
	BootstrapFile string `koanf:"bootstrap_file"`
}

// SupervisorConfig tunes the service supervisor.
type SupervisorConfig struct {
	FailureThreshold float64       `koanf:"failure_threshold"`
	FailureDecay     float64       `koanf:"failure_decay"`
	FailureBackoff   time.Duration `koanf:"failure_backoff"`
	ShutdownTimeout  time.Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, text
}

// DefaultConfig returns a single-process configuration: channel bus, in-memory
// snapshots, alerts printed to stdout.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Enabled:      true,
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Cluster: ClusterConfig{
			Dispatchers:      2,
			Aggregators:      4,
			InboxSize:        1024,
			EvaluationPolicy: PolicyPerEvent,
			EvictInterval:    time.Minute,
			AllowedIdle:      time.Hour,
		},
		Accumulator: AccumulatorConfig{
			Overflow: OverflowReport,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
			NATSUrl:           "nats://localhost:4222",
			NATSSubjectPrefix: "kestrel",
			NATSMaxReconnects: 10,
			NATSReconnectWait: 5,
		},
		Alerts: AlertsConfig{
			Sinks:      []string{"print"},
			KafkaTopic: "kestrel-alerts",
		},
		Snapshot: SnapshotConfig{
			Type:       "memory",
			Interval:   30 * time.Second,
			SQLitePath: "./kestrel.db",
			RedisAddr:  "localhost:6379",
			RedisKey:   "kestrel:snapshot:latest",
		},
		Recovery: RecoveryConfig{
			StartFresh: true,
		},
		Supervisor: SupervisorConfig{
			FailureThreshold: 5,
			FailureDecay:     30,
			FailureBackoff:   15 * time.Second,
			ShutdownTimeout:  10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/opensource-finance/kestrel/internal/domain"
	_ "modernc.org/sqlite"
)

// retained is how many checkpoints SQLStore keeps.
const retained = 3

const schemaSnapshots = `
CREATE TABLE IF NOT EXISTS snapshots (
    checkpoint_id BIGINT PRIMARY KEY,
    version INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL,
    data TEXT NOT NULL
);
`

// SQLStore keeps recent snapshots in SQLite or PostgreSQL.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// NewSQLStore opens the configured database and migrates the schema.
func NewSQLStore(cfg domain.SnapshotConfig) (*SQLStore, error) {
	var db *sql.DB
	var err error

	switch cfg.Type {
	case "sqlite":
		db, err = openSQLite(cfg.SQLitePath)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if _, err := db.Exec(schemaSnapshots); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLStore{db: db, driver: cfg.Type}, nil
}

// openSQLite uses modernc.org/sqlite, so no CGO is needed.
func openSQLite(path string) (*sql.DB, error) {
	if path == "" {
		path = "./kestrel.db"
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}
	return db, nil
}

func openPostgres(cfg domain.SnapshotConfig) (*sql.DB, error) {
	host := cfg.PostgresHost
	if host == "" {
		host = "localhost"
	}
	port := cfg.PostgresPort
	if port == 0 {
		port = 5432
	}
	sslMode := cfg.PostgresSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		host, port, cfg.PostgresUser, cfg.PostgresPassword, cfg.PostgresDB, sslMode,
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}
	return db, nil
}

// Save writes snap and prunes all but the newest checkpoints in one transaction.
func (s *SQLStore) Save(ctx context.Context, snap *domain.Snapshot) error {
	data, err := Encode(snap)
	if err != nil {
		return err
	}
	createdAt := snap.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin snapshot transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	upsert := `
		INSERT INTO snapshots (checkpoint_id, version, created_at, data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (checkpoint_id) DO UPDATE SET
			version = excluded.version,
			created_at = excluded.created_at,
			data = excluded.data
	`
	if _, err := tx.ExecContext(ctx, s.rebind(upsert),
		snap.CheckpointID, domain.SnapshotVersion, createdAt, string(data),
	); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	prune := `
		DELETE FROM snapshots WHERE checkpoint_id NOT IN (
			SELECT checkpoint_id FROM snapshots ORDER BY checkpoint_id DESC LIMIT ?
		)
	`
	if _, err := tx.ExecContext(ctx, s.rebind(prune), retained); err != nil {
		return fmt.Errorf("failed to prune snapshots: %w", err)
	}

	return tx.Commit()
}

// Latest returns the snapshot with the highest checkpoint id.
func (s *SQLStore) Latest(ctx context.Context) (*domain.Snapshot, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM snapshots ORDER BY checkpoint_id DESC LIMIT 1`,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return Decode([]byte(data))
}

// Ping checks database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Package snapshot persists worker state for crash recovery.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	// ErrNotFound means the store holds no snapshot.
	ErrNotFound = errors.New("snapshot not found")

	// ErrCorrupt means a stored snapshot failed its checksum or could not be decoded.
	ErrCorrupt = errors.New("snapshot corrupt")
)

// envelope is the stored form: the snapshot JSON plus its SHA-256.
type envelope struct {
	Version  int             `json:"version"`
	Checksum string          `json:"checksum"`
	Payload  json.RawMessage `json:"payload"`
}

// Encode serializes snap with a version and checksum.
func Encode(snap *domain.Snapshot) ([]byte, error) {
	if snap == nil {
		return nil, errors.New("snapshot is nil")
	}
	out := *snap
	if out.Version == 0 {
		out.Version = domain.SnapshotVersion
	}
	payload, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	sum := sha256.Sum256(payload)
	return json.Marshal(envelope{
		Version:  out.Version,
		Checksum: hex.EncodeToString(sum[:]),
		Payload:  payload,
	})
}

// Decode verifies and parses data written by Encode.
func Decode(data []byte) (*domain.Snapshot, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if env.Version < 1 || env.Version > domain.SnapshotVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, env.Version)
	}
	sum := sha256.Sum256(env.Payload)
	if hex.EncodeToString(sum[:]) != env.Checksum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	var snap domain.Snapshot
	if err := json.Unmarshal(env.Payload, &snap); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return &snap, nil
}

// New creates a store based on configuration.
func New(cfg domain.SnapshotConfig) (domain.SnapshotStore, error) {
	switch cfg.Type {
	case "", "none":
		return Discard{}, nil
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite", "postgres":
		return NewSQLStore(cfg)
	case "redis":
		return NewRedisStore(cfg)
	default:
		return nil, fmt.Errorf("unsupported snapshot store type: %s", cfg.Type)
	}
}

// Recover loads the latest snapshot. A missing snapshot returns (nil, nil) when
// startFresh is set; a corrupt one is always an error.
func Recover(ctx context.Context, store domain.SnapshotStore, startFresh bool) (*domain.Snapshot, error) {
	snap, err := store.Latest(ctx)
	switch {
	case err == nil:
		return snap, nil
	case errors.Is(err, ErrNotFound) && startFresh:
		return nil, nil
	case errors.Is(err, ErrNotFound):
		return nil, fmt.Errorf("no snapshot to recover from and start_fresh is off: %w", err)
	default:
		return nil, fmt.Errorf("failed to recover snapshot: %w", err)
	}
}

// Discard drops every snapshot.
type Discard struct{}

func (Discard) Save(context.Context, *domain.Snapshot) error { return nil }

func (Discard) Latest(context.Context) (*domain.Snapshot, error) { return nil, ErrNotFound }

func (Discard) Ping(context.Context) error { return nil }

func (Discard) Close() error { return nil }

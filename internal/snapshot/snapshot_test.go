package snapshot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

func sampleSnapshot(id int64) *domain.Snapshot {
	start := time.UnixMilli(1_700_000_000_000).UTC()
	return &domain.Snapshot{
		Version:      domain.SnapshotVersion,
		CheckpointID: id,
		CreatedAt:    start.Add(time.Minute),
		Rules: []domain.Rule{{
			ID:                 1,
			State:              domain.RuleStateActive,
			GroupingKeyNames:   []string{"payeeId"},
			AggregateFieldName: "paymentAmount",
			AggregatorType:     domain.AggregatorSum,
			WindowDuration:     time.Minute,
			LimitOperator:      domain.LimitGreater,
			Limit:              decimal.NewFromInt(100),
		}},
		Aggregates: []domain.AggregateSnapshot{{
			RuleID:      1,
			GroupingKey: "{payeeId=42}",
			Accumulator: domain.AccumulatorState{
				Type:  domain.AggregatorSum,
				Sum:   decimal.RequireFromString("60.25"),
				Count: 2,
			},
			WindowStart: start,
			WindowEnd:   start.Add(time.Minute),
			LastTransaction: &domain.Transaction{
				ID:          7,
				PayeeID:     42,
				Amount:      decimal.RequireFromString("10.25"),
				PaymentType: domain.PaymentCard,
				EventTime:   start.Add(10 * time.Second),
			},
			RuleFingerprint: "fp",
		}},
		Watermark: start.Add(-time.Minute),
	}
}

func assertSame(t *testing.T, want, got *domain.Snapshot) {
	t.Helper()
	if got.CheckpointID != want.CheckpointID {
		t.Errorf("expected checkpoint %d, got %d", want.CheckpointID, got.CheckpointID)
	}
	if len(got.Rules) != len(want.Rules) || got.Rules[0].Fingerprint() != want.Rules[0].Fingerprint() {
		t.Errorf("rules differ: want %+v, got %+v", want.Rules, got.Rules)
	}
	if !got.Watermark.Equal(want.Watermark) {
		t.Errorf("expected watermark %v, got %v", want.Watermark, got.Watermark)
	}
	if len(got.Aggregates) != 1 {
		t.Fatalf("expected 1 aggregate, got %d", len(got.Aggregates))
	}
	wa, ga := want.Aggregates[0], got.Aggregates[0]
	if ga.GroupingKey != wa.GroupingKey || ga.RuleFingerprint != wa.RuleFingerprint {
		t.Errorf("aggregate identity differs: %+v", ga)
	}
	if !ga.Accumulator.Sum.Equal(wa.Accumulator.Sum) || ga.Accumulator.Count != wa.Accumulator.Count {
		t.Errorf("accumulator differs: want %+v, got %+v", wa.Accumulator, ga.Accumulator)
	}
	if !ga.WindowStart.Equal(wa.WindowStart) || !ga.WindowEnd.Equal(wa.WindowEnd) {
		t.Errorf("window differs: want [%v,%v), got [%v,%v)", wa.WindowStart, wa.WindowEnd, ga.WindowStart, ga.WindowEnd)
	}
	if ga.LastTransaction == nil || ga.LastTransaction.ID != 7 || !ga.LastTransaction.EventTime.Equal(wa.LastTransaction.EventTime) {
		t.Errorf("last transaction differs: %+v", ga.LastTransaction)
	}
}

func TestEncodeDecode(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		want := sampleSnapshot(3)
		data, err := Encode(want)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		got, err := Decode(data)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		assertSame(t, want, got)
	})

	t.Run("fills version", func(t *testing.T) {
		snap := sampleSnapshot(1)
		snap.Version = 0
		data, err := Encode(snap)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		got, err := Decode(data)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if got.Version != domain.SnapshotVersion {
			t.Errorf("expected version %d, got %d", domain.SnapshotVersion, got.Version)
		}
		if snap.Version != 0 {
			t.Error("Encode must not modify its argument")
		}
	})

	t.Run("detects tampering", func(t *testing.T) {
		data, err := Encode(sampleSnapshot(1))
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		tampered := []byte(string(data))
		for i := range tampered {
			if tampered[i] == '6' {
				tampered[i] = '9'
				break
			}
		}
		if _, err := Decode(tampered); !errors.Is(err, ErrCorrupt) {
			t.Errorf("expected ErrCorrupt, got %v", err)
		}
	})

	t.Run("rejects garbage", func(t *testing.T) {
		if _, err := Decode([]byte("not json")); !errors.Is(err, ErrCorrupt) {
			t.Errorf("expected ErrCorrupt, got %v", err)
		}
	})

	t.Run("rejects unknown version", func(t *testing.T) {
		data := []byte(`{"version":99,"checksum":"","payload":{}}`)
		if _, err := Decode(data); !errors.Is(err, ErrCorrupt) {
			t.Errorf("expected ErrCorrupt, got %v", err)
		}
	})
}

// exerciseStore runs the common store contract.
func exerciseStore(t *testing.T, store domain.SnapshotStore) {
	ctx := context.Background()

	t.Run("Ping", func(t *testing.T) {
		if err := store.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("LatestWhenEmpty", func(t *testing.T) {
		if _, err := store.Latest(ctx); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("SaveAndLatest", func(t *testing.T) {
		for id := int64(1); id <= 5; id++ {
			if err := store.Save(ctx, sampleSnapshot(id)); err != nil {
				t.Fatalf("Save %d failed: %v", id, err)
			}
		}
		got, err := store.Latest(ctx)
		if err != nil {
			t.Fatalf("Latest failed: %v", err)
		}
		assertSame(t, sampleSnapshot(5), got)
	})

	t.Run("SaveOverwritesSameCheckpoint", func(t *testing.T) {
		snap := sampleSnapshot(5)
		snap.Aggregates[0].GroupingKey = "{payeeId=43}"
		if err := store.Save(ctx, snap); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		got, err := store.Latest(ctx)
		if err != nil {
			t.Fatalf("Latest failed: %v", err)
		}
		if got.Aggregates[0].GroupingKey != "{payeeId=43}" {
			t.Errorf("expected overwritten snapshot, got %s", got.Aggregates[0].GroupingKey)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	exerciseStore(t, store)
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots", "kestrel.db")
	store, err := NewSQLStore(domain.SnapshotConfig{Type: "sqlite", SQLitePath: path})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	exerciseStore(t, store)

	t.Run("Prunes", func(t *testing.T) {
		var n int
		if err := store.db.QueryRow(`SELECT COUNT(*) FROM snapshots`).Scan(&n); err != nil {
			t.Fatalf("count failed: %v", err)
		}
		if n != retained {
			t.Errorf("expected %d retained snapshots, got %d", retained, n)
		}
	})

	t.Run("DetectsCorruptRow", func(t *testing.T) {
		if _, err := store.db.Exec(`UPDATE snapshots SET data = '{"version":1,"checksum":"00","payload":{}}'`); err != nil {
			t.Fatalf("update failed: %v", err)
		}
		if _, err := store.Latest(context.Background()); !errors.Is(err, ErrCorrupt) {
			t.Errorf("expected ErrCorrupt, got %v", err)
		}
	})
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("KESTREL_TEST_REDIS")
	if addr == "" {
		t.Skip("KESTREL_TEST_REDIS not set")
	}
	store, err := NewRedisStore(domain.SnapshotConfig{
		RedisAddr: addr,
		RedisKey:  "kestrel:test:" + time.Now().Format("150405.000000"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer func() {
		store.client.Del(context.Background(), store.key)
		store.Close()
	}()
	exerciseStore(t, store)
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{driver: "postgres"}
	if got := pg.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Errorf("unexpected postgres query %q", got)
	}
	lite := &SQLStore{driver: "sqlite"}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Errorf("sqlite query must be unchanged, got %q", got)
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		typ     string
		wantErr bool
	}{
		{"none", false},
		{"memory", false},
		{"sqlite", false},
		{"cassandra", true},
	}
	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			store, err := New(domain.SnapshotConfig{Type: tt.typ, SQLitePath: filepath.Join(t.TempDir(), "k.db")})
			if (err != nil) != tt.wantErr {
				t.Fatalf("New(%s) error = %v, wantErr %v", tt.typ, err, tt.wantErr)
			}
			if store != nil {
				store.Close()
			}
		})
	}
}

type brokenStore struct {
	MemoryStore
	err error
}

func (b *brokenStore) Latest(context.Context) (*domain.Snapshot, error) {
	return nil, b.err
}

func TestRecover(t *testing.T) {
	ctx := context.Background()

	t.Run("returns latest", func(t *testing.T) {
		store := NewMemoryStore()
		if err := store.Save(ctx, sampleSnapshot(2)); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		snap, err := Recover(ctx, store, false)
		if err != nil || snap == nil || snap.CheckpointID != 2 {
			t.Fatalf("expected checkpoint 2, got %+v, %v", snap, err)
		}
	})

	t.Run("missing with start fresh", func(t *testing.T) {
		snap, err := Recover(ctx, NewMemoryStore(), true)
		if err != nil || snap != nil {
			t.Errorf("expected fresh start, got %+v, %v", snap, err)
		}
	})

	t.Run("missing without start fresh", func(t *testing.T) {
		if _, err := Recover(ctx, Discard{}, false); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("corrupt is fatal even with start fresh", func(t *testing.T) {
		store := &brokenStore{err: ErrCorrupt}
		if _, err := Recover(ctx, store, true); !errors.Is(err, ErrCorrupt) {
			t.Errorf("expected ErrCorrupt, got %v", err)
		}
	})
}

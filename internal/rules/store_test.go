package rules

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/accumulator"
	"github.com/opensource-finance/kestrel/internal/dispatch"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func testRule(id int) domain.Rule {
	return domain.Rule{
		ID:                 id,
		State:              domain.RuleStateActive,
		GroupingKeyNames:   []string{"payeeId"},
		AggregateFieldName: "paymentAmount",
		AggregatorType:     domain.AggregatorSum,
		WindowDuration:     time.Minute,
		LimitOperator:      domain.LimitGreater,
		Limit:              decimal.NewFromInt(100),
	}
}

func TestStore_Upsert(t *testing.T) {
	s := NewStore(nil)

	res, err := s.Apply(domain.Upsert(testRule(2)))
	require.NoError(t, err)
	require.True(t, res.Changed)
	require.Nil(t, res.Previous)

	_, err = s.Apply(domain.Upsert(testRule(1)))
	require.NoError(t, err)

	replacement := testRule(2)
	replacement.Limit = decimal.NewFromInt(500)
	res, err = s.Apply(domain.Upsert(replacement))
	require.NoError(t, err)
	require.NotNil(t, res.Previous)
	require.True(t, decimal.NewFromInt(100).Equal(res.Previous.Limit))

	view := s.Snapshot()
	require.Equal(t, 2, view.Len())
	require.Equal(t, 2, s.ActiveCount())

	got, ok := view.Get(2)
	require.True(t, ok)
	require.True(t, decimal.NewFromInt(500).Equal(got.Limit))

	ids := []int{}
	for _, r := range view.Active() {
		ids = append(ids, r.ID)
	}
	require.Equal(t, []int{1, 2}, ids)
}

func TestStore_PausedRulesAreStoredButInactive(t *testing.T) {
	s := NewStore(nil)
	paused := testRule(1)
	paused.State = domain.RuleStatePause

	_, err := s.Apply(domain.Upsert(paused))
	require.NoError(t, err)

	view := s.Snapshot()
	require.Equal(t, 1, view.Len())
	require.Equal(t, 0, view.ActiveCount())
	require.Empty(t, view.Active())
}

func TestStore_Delete(t *testing.T) {
	s := NewStore(nil)
	_, err := s.Apply(domain.Upsert(testRule(1)))
	require.NoError(t, err)

	t.Run("unknown id is a no-op", func(t *testing.T) {
		res, err := s.Apply(domain.DeleteRule(99))
		require.NoError(t, err)
		require.False(t, res.Changed)
		require.Equal(t, 1, s.Snapshot().Len())
	})

	t.Run("known id", func(t *testing.T) {
		res, err := s.Apply(domain.DeleteRule(1))
		require.NoError(t, err)
		require.True(t, res.Changed)
		require.Equal(t, 1, res.Previous.ID)
		require.Equal(t, 0, s.Snapshot().Len())
	})
}

func TestStore_DeleteAll(t *testing.T) {
	s := NewStore(nil)
	for i := 1; i <= 3; i++ {
		_, err := s.Apply(domain.Upsert(testRule(i)))
		require.NoError(t, err)
	}

	before := s.Snapshot()

	res, err := s.Apply(domain.DeleteAll())
	require.NoError(t, err)
	require.True(t, res.Changed)
	require.Equal(t, 0, s.Snapshot().Len())

	// Views handed out earlier are unaffected.
	require.Equal(t, 3, before.Len())

	_, err = s.Apply(domain.Upsert(testRule(7)))
	require.NoError(t, err)
	require.Equal(t, 1, s.ActiveCount())
}

func TestStore_ControlCommandsKeepRules(t *testing.T) {
	s := NewStore(nil)
	_, err := s.Apply(domain.Upsert(testRule(1)))
	require.NoError(t, err)

	for _, kind := range []domain.UpdateKind{domain.UpdateClearState, domain.UpdateExportRules} {
		res, err := s.Apply(domain.RuleUpdate{Kind: kind})
		require.NoError(t, err)
		require.False(t, res.Changed)
	}
	require.Equal(t, 1, s.Snapshot().Len())
}

func TestStore_RejectsInvalidRule(t *testing.T) {
	s := NewStore(nil)
	_, err := s.Apply(domain.Upsert(testRule(1)))
	require.NoError(t, err)

	bad := testRule(1)
	bad.AggregatorType = "MEDIAN"
	_, err = s.Apply(domain.Upsert(bad))
	require.ErrorIs(t, err, ErrInvalidRule)
	require.ErrorIs(t, err, accumulator.ErrUnsupportedAggregator)

	got, ok := s.Snapshot().Get(1)
	require.True(t, ok)
	require.Equal(t, domain.AggregatorSum, got.AggregatorType)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.Rule)
		target error
	}{
		{"valid", func(r *domain.Rule) {}, nil},
		{"count aggregate", func(r *domain.Rule) { r.AggregateFieldName = dispatch.CountField }, nil},
		{"zero window", func(r *domain.Rule) { r.WindowDuration = 0 }, nil},
		{"unsupported aggregator", func(r *domain.Rule) { r.AggregatorType = "P99" }, accumulator.ErrUnsupportedAggregator},
		{"unknown grouping key", func(r *domain.Rule) { r.GroupingKeyNames = []string{"merchantId"} }, dispatch.ErrMissingField},
		{"non-numeric aggregate", func(r *domain.Rule) { r.AggregateFieldName = "paymentType" }, dispatch.ErrMissingField},
		{"negative window", func(r *domain.Rule) { r.WindowDuration = -time.Second }, ErrInvalidRule},
		{"negative limit", func(r *domain.Rule) { r.Limit = decimal.NewFromInt(-1) }, ErrInvalidRule},
		{"unknown operator", func(r *domain.Rule) { r.LimitOperator = "LIKE" }, ErrInvalidRule},
		{"control state", func(r *domain.Rule) { r.State = domain.RuleStateControl }, ErrInvalidRule},
		{"duplicate key", func(r *domain.Rule) { r.GroupingKeyNames = []string{"payeeId", "payeeId"} }, ErrInvalidRule},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := testRule(1)
			tc.mutate(&r)
			err := Validate(r)
			if tc.target == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidRule)
			require.ErrorIs(t, err, tc.target)
		})
	}
}

func TestStore_ExportImport(t *testing.T) {
	src := NewStore(nil)
	for _, id := range []int{3, 1, 2} {
		_, err := src.Apply(domain.Upsert(testRule(id)))
		require.NoError(t, err)
	}

	exported := src.Export()
	require.Len(t, exported, 3)
	require.Equal(t, 1, exported[0].ID)

	dst := NewStore(nil)
	require.NoError(t, dst.Import(exported))
	require.Equal(t, exported, dst.Export())

	bad := append(exported, testRule(1))
	require.ErrorIs(t, dst.Import(bad), ErrInvalidRule)
	require.Equal(t, 3, dst.Snapshot().Len())
}

func TestStore_ConcurrentReaders(t *testing.T) {
	s := NewStore(nil)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				v := s.Snapshot()
				if v.Len() != len(v.All()) {
					t.Errorf("torn view: len %d, all %d", v.Len(), len(v.All()))
					return
				}
			}
		}()
	}

	for i := 0; i < 200; i++ {
		_, err := s.Apply(domain.Upsert(testRule(i % 17)))
		require.NoError(t, err)
		if i%50 == 0 {
			_, err = s.Apply(domain.DeleteAll())
			require.NoError(t, err)
		}
	}
	close(stop)
	wg.Wait()
}

func TestLoadFile(t *testing.T) {
	content := `
- ruleId: 1
  ruleState: ACTIVE
  groupingKeyNames: [payeeId, beneficiaryId]
  aggregateFieldName: paymentAmount
  aggregatorFunctionType: SUM
  limitOperatorType: GREATER
  limit: 20000000
  windowMinutes: 43200
- ruleId: 2
  ruleState: pause
  groupingKeyNames: [paymentType]
  aggregateFieldName: COUNT
  aggregatorFunctionType: MAX
  limitOperatorType: ">="
  limit: 300.5
  windowDuration: 90s
`
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	require.Equal(t, 1, loaded[0].ID)
	require.Equal(t, []string{"payeeId", "beneficiaryId"}, loaded[0].GroupingKeyNames)
	require.Equal(t, domain.LimitGreater, loaded[0].LimitOperator)
	require.Equal(t, 43200*time.Minute, loaded[0].WindowDuration)
	require.True(t, decimal.NewFromInt(20000000).Equal(loaded[0].Limit))

	require.Equal(t, domain.RuleStatePause, loaded[1].State)
	require.Equal(t, domain.LimitGreaterEqual, loaded[1].LimitOperator)
	require.Equal(t, 90*time.Second, loaded[1].WindowDuration)
	require.True(t, decimal.RequireFromString("300.5").Equal(loaded[1].Limit))

	for _, r := range loaded {
		require.NoError(t, Validate(r))
	}

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

package snapshot

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/backcast/errs"
	"github.com/quantfold/backcast/internal/schema"
)

func sampleInput(t *testing.T) CreateInput {
	t.Helper()

	openTime := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	return CreateInput{
		Account: AccountState{
			Cash:             decimal.NewFromInt(95000),
			FrozenMargin:     decimal.NewFromInt(5000),
			AvailableBalance: decimal.NewFromInt(90000),
			TotalEquity:      decimal.NewFromInt(105000),
			UnrealizedPnl:    decimal.NewFromInt(10000),
		},
		Positions: []PositionState{
			{
				Symbol:        "BTC/USDT",
				Exchange:      "backtest",
				Direction:     schema.DirectionLong,
				Volume:        decimal.NewFromFloat(1.0),
				CostPrice:     decimal.NewFromInt(50000),
				UnrealizedPnl: decimal.NewFromInt(5000),
				Margin:        decimal.NewFromInt(5000),
				OpenTime:      &openTime,
			},
			{
				Symbol:        "ETH/USDT",
				Exchange:      "backtest",
				Direction:     schema.DirectionShort,
				Volume:        decimal.NewFromInt(10),
				CostPrice:     decimal.NewFromInt(3000),
				UnrealizedPnl: decimal.NewFromInt(5000),
				Margin:        decimal.Zero,
			},
		},
		Strategies: []StrategyState{
			{
				StrategyID: "grid-1",
				ClassName:  "GridStrategy",
				Parameters: map[string]any{"fast": float64(10), "slow": float64(20)},
				Variables:  map[string]any{"position": float64(1)},
				IsActive:   true,
			},
		},
		EventSequence: 1000,
		PendingEvents: []any{},
		DataTimestamp: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
		DataIndex:     5000,
		BacktestID:    "bt-test",
		Description:   "before trade",
	}
}

func TestCreateStampsVersionAndIdentity(t *testing.T) {
	mgr := NewManager()

	snap, err := mgr.Create(sampleInput(t))
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, snap.Version)
	assert.NotEmpty(t, snap.SnapshotID)
	assert.False(t, snap.CreateTime.IsZero())
	assert.True(t, mgr.IsCompatible(snap))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	mgr := NewManager()
	snap, err := mgr.Create(sampleInput(t))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "nested", "dir", "snap.json")
	require.NoError(t, mgr.Save(snap, path))

	loaded, err := mgr.Load(path)
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.Equal(t, snap.Version, loaded.Version)
	assert.Equal(t, snap.SnapshotID, loaded.SnapshotID)
	assert.Equal(t, snap.BacktestID, loaded.BacktestID)
	assert.Equal(t, snap.Description, loaded.Description)
	assert.Equal(t, snap.EventSequence, loaded.EventSequence)
	assert.Equal(t, snap.DataIndex, loaded.DataIndex)
	assert.True(t, snap.DataTimestamp.Equal(loaded.DataTimestamp))

	assert.True(t, snap.Account.Cash.Equal(loaded.Account.Cash))
	assert.True(t, snap.Account.FrozenMargin.Equal(loaded.Account.FrozenMargin))
	assert.True(t, snap.Account.AvailableBalance.Equal(loaded.Account.AvailableBalance))
	assert.True(t, snap.Account.TotalEquity.Equal(loaded.Account.TotalEquity))
	assert.True(t, snap.Account.UnrealizedPnl.Equal(loaded.Account.UnrealizedPnl))

	require.Len(t, loaded.Positions, 2)
	assert.Equal(t, "BTC/USDT", loaded.Positions[0].Symbol)
	assert.Equal(t, schema.DirectionLong, loaded.Positions[0].Direction)
	assert.True(t, loaded.Positions[0].Volume.Equal(decimal.NewFromFloat(1.0)))
	assert.True(t, loaded.Positions[0].CostPrice.Equal(decimal.NewFromInt(50000)))
	require.NotNil(t, loaded.Positions[0].OpenTime)
	assert.True(t, loaded.Positions[0].OpenTime.Equal(*snap.Positions[0].OpenTime))
	assert.Equal(t, "ETH/USDT", loaded.Positions[1].Symbol)
	assert.Equal(t, schema.DirectionShort, loaded.Positions[1].Direction)
	assert.Nil(t, loaded.Positions[1].OpenTime)

	require.Len(t, loaded.Strategies, 1)
	assert.Equal(t, "grid-1", loaded.Strategies[0].StrategyID)
	assert.Equal(t, snap.Strategies[0].Parameters, loaded.Strategies[0].Parameters)
	assert.Equal(t, snap.Strategies[0].Variables, loaded.Strategies[0].Variables)
	assert.True(t, loaded.Strategies[0].IsActive)

	require.NoError(t, mgr.Restore(loaded))
}

func TestLoadMissingFileReturnsNil(t *testing.T) {
	mgr := NewManager()
	loaded, err := mgr.Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestLoadRejectsIncompatibleVersion(t *testing.T) {
	mgr := NewManager()
	snap, err := mgr.Create(sampleInput(t))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "snap.json")
	require.NoError(t, mgr.Save(snap, path))

	// Rewrite the stored document with a version outside the compatible set.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	doc["version"] = "0.0.1"
	data, err = json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o640))

	loaded, err := mgr.Load(path)
	assert.Nil(t, loaded)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CodeSnapshotVersionMismatch))

	var envelope *errs.E
	require.ErrorAs(t, err, &envelope)
	assert.Equal(t, "0.0.1", envelope.Details["offending"])
	assert.Equal(t, CurrentVersion, envelope.Details["current"])
	assert.True(t, strings.Contains(envelope.Details["compatible"], "1.0.0"))
}

func TestLoadAcceptsPriorCompatibleVersion(t *testing.T) {
	mgr := NewManager()
	snap, err := mgr.Create(sampleInput(t))
	require.NoError(t, err)
	snap.Version = "1.0.0"

	path := filepath.Join(t.TempDir(), "snap.json")
	require.NoError(t, mgr.Save(snap, path))

	loaded, err := mgr.Load(path)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "1.0.0", loaded.Version)
}

func TestLoadRejectsCorruptedDocument(t *testing.T) {
	mgr := NewManager()
	path := filepath.Join(t.TempDir(), "snap.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o640))

	loaded, err := mgr.Load(path)
	assert.Nil(t, loaded)
	assert.True(t, errs.Is(err, errs.CodeSnapshotCorrupted))
}

func TestLoadRejectsMissingRequiredFields(t *testing.T) {
	mgr := NewManager()
	path := filepath.Join(t.TempDir(), "snap.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":"1.1.0"}`), 0o640))

	loaded, err := mgr.Load(path)
	assert.Nil(t, loaded)
	assert.True(t, errs.Is(err, errs.CodeSnapshotCorrupted))
}

func TestRestoreRejectsStructuralViolations(t *testing.T) {
	mgr := NewManager()
	snap, err := mgr.Create(sampleInput(t))
	require.NoError(t, err)

	snap.Account.Cash = decimal.NewFromInt(-1)
	err = mgr.Restore(snap)
	assert.True(t, errs.Is(err, errs.CodeSnapshotRestoreFailed))
}

func TestValidateRejectsBadPositions(t *testing.T) {
	pos := PositionState{Symbol: "", Exchange: "backtest", Direction: schema.DirectionLong}
	assert.Error(t, pos.Validate())

	pos = PositionState{Symbol: "BTC/USDT", Exchange: "backtest", Direction: "sideways"}
	assert.Error(t, pos.Validate())
}

package report

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"odte/internal/risk"
	"odte/internal/schema"
)

func record(id string, closedAt int64, pnl float64, exit string) risk.ClosedRecord {
	return risk.ClosedRecord{
		PositionID:   id,
		InstrumentID: "SPX",
		Kind:         schema.SetupVolumeImbalance,
		Bias:         schema.BiasLong,
		ClosedAt:     closedAt,
		EntryPrice:   2,
		Size:         1,
		RiskAtEntry:  100,
		RealizedPnL:  pnl,
		ExitReason:   exit,
	}
}

func session() []risk.ClosedRecord {
	failed := record("c", 3, -100, "stop")
	failed.ExecutionFailure = true
	forced := record("d", 4, 200, "forced")
	forced.Forced = true
	forced.Kind = schema.SetupBlockAbsorption
	// shuffled on purpose
	return []risk.ClosedRecord{forced, record("b", 2, -50, "stop"), failed, record("a", 1, 100, "target")}
}

func TestSummarize(t *testing.T) {
	s := Summarize("2024-03-05", session())

	assert.Equal(t, 4, s.Positions)
	assert.Equal(t, 2, s.Wins)
	assert.Equal(t, 2, s.Losses)
	assert.InDelta(t, 150, s.TotalPnL, 1e-9)
	assert.InDelta(t, 0.5, s.WinRate, 1e-9)
	assert.InDelta(t, 2, s.ProfitFactor, 1e-9)
	assert.InDelta(t, 400, s.RiskDeployed, 1e-9)
	assert.InDelta(t, 0.375, s.ReturnOnRisk, 1e-9)
	assert.InDelta(t, 1.5, s.TotalR, 1e-9)
	// equity in R: 1, 0.5, -0.5, 1.5
	assert.InDelta(t, 1.5, s.MaxDrawdownR, 1e-9)
	assert.InDelta(t, 1, s.MAR, 1e-9)
	assert.InDelta(t, 1.5/math.Sqrt(0.125), s.Sortino, 1e-9)
	assert.Equal(t, 1, s.ExecutionFailures)
	assert.Equal(t, 1, s.ForcedExits)
	assert.Equal(t, map[string]int{"target": 1, "stop": 2, "forced": 1}, s.ByExit)
	assert.Equal(t, SetupSummary{Positions: 3, Wins: 1, PnL: -50}, s.BySetup["volume_imbalance"])
	assert.Equal(t, SetupSummary{Positions: 1, Wins: 1, PnL: 200}, s.BySetup["block_absorption"])
	assert.False(t, s.Meets())
}

func TestSummarizeEmptyAndLossless(t *testing.T) {
	s := Summarize("empty", nil)
	assert.Zero(t, s.Positions)
	assert.Zero(t, s.WinRate)
	assert.Zero(t, s.ProfitFactor)

	s = Summarize("good", []risk.ClosedRecord{record("a", 1, 100, "target"), record("b", 2, 100, "target")})
	assert.True(t, math.IsInf(s.ProfitFactor, 1))
	assert.Zero(t, s.MaxDrawdownR)
	assert.InDelta(t, 2, s.MAR, 1e-9, "no drawdown falls back to the total return")
	assert.InDelta(t, 2, s.Sortino, 1e-9)
	assert.True(t, s.Meets())
}

func TestSnapshotWriteRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "session.json")
	snap := NewSnapshot("good", []risk.ClosedRecord{record("b", 2, 50, "target"), record("a", 1, 100, "target")})
	require.NoError(t, WriteSnapshot(path, snap))

	got, err := ReadSnapshot(path)
	require.NoError(t, err)
	require.Len(t, got.Trades, 2)
	assert.Equal(t, "a", got.Trades[0].PositionID)
	assert.Equal(t, "volume_imbalance", got.Trades[0].Setup)
	assert.Equal(t, "long", got.Trades[0].Bias)
	assert.Zero(t, got.Summary.ProfitFactor)
	assert.InDelta(t, 150, got.Summary.TotalPnL, 1e-9)
	assert.Equal(t, snap.Timestamp, got.Timestamp)

	_, err = ReadSnapshot(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

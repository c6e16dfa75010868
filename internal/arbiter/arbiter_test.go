package arbiter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"odte/internal/ops"
	"odte/internal/schema"
)

type stubRisk bool

func (s stubRisk) Breached() bool { return bool(s) }

type stubPositions map[string]OpenPosition

func (s stubPositions) OpenOn(instrument string) (OpenPosition, bool) {
	p, ok := s[instrument]
	return p, ok
}

func newTestArbiter(t *testing.T, mutate func(*ops.Config), breached bool) (*Arbiter, *ops.Config) {
	t.Helper()
	cfg := ops.Default()
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())
	cal, err := NewCalendar(cfg)
	require.NoError(t, err)
	return New(cal, cfg, stubRisk(breached)), cfg
}

func at(t *testing.T, hour, minute int) int64 {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return time.Date(2024, 3, 5, hour, minute, 0, 0, loc).UnixMicro()
}

func sig(kind schema.SetupKind, confidence float64) schema.Signal {
	return schema.Signal{Kind: kind, InstrumentID: "SPX", Confidence: confidence, Bias: schema.BiasLong}
}

func TestTieBrokenByPriority(t *testing.T) {
	a, _ := newTestArbiter(t, nil, false)
	ts := at(t, 10, 15)

	out := a.Admit(ts, []schema.Signal{
		sig(schema.SetupCompressionBreak, 0.9),
		sig(schema.SetupVolumeImbalance, 0.9),
	}, nil)
	require.Len(t, out, 1)
	require.True(t, out[0].Admitted)
	assert.Equal(t, schema.SetupVolumeImbalance, out[0].Signal.Kind)
	require.Len(t, out[0].Rejections, 1)
	assert.Equal(t, schema.SetupCompressionBreak, out[0].Rejections[0].Signal.Kind)
	assert.Equal(t, ReasonOutranked, out[0].Rejections[0].Reason)
}

func TestHigherConfidenceWins(t *testing.T) {
	a, _ := newTestArbiter(t, nil, false)

	out := a.Admit(at(t, 10, 15), []schema.Signal{
		sig(schema.SetupVolumeImbalance, 0.6),
		sig(schema.SetupLiquidityVoid, 0.8),
		sig(schema.SetupFailedMomentum, 0.7),
	}, nil)
	require.True(t, out[0].Admitted)
	assert.Equal(t, schema.SetupLiquidityVoid, out[0].Signal.Kind)
	assert.Len(t, out[0].Rejections, 2)
}

func TestBlackoutRejectsEverything(t *testing.T) {
	a, _ := newTestArbiter(t, nil, false)

	for _, ts := range []int64{at(t, 9, 0), at(t, 12, 30), at(t, 15, 51)} {
		out := a.Admit(ts, []schema.Signal{sig(schema.SetupVolumeImbalance, 1)}, nil)
		require.False(t, out[0].Admitted)
		assert.Equal(t, ReasonBlackout, out[0].Rejections[0].Reason)
	}
	out := a.Admit(at(t, 12, 30), []schema.Signal{sig(schema.SetupVolumeImbalance, 1)}, nil)
	assert.Equal(t, "lunch", out[0].Rejections[0].Detail)
}

func TestPreEventBlackout(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	a, _ := newTestArbiter(t, func(c *ops.Config) {
		c.Events = []ops.EventBlackoutConfig{{
			Label:  "cpi",
			At:     time.Date(2024, 3, 5, 10, 30, 0, 0, loc),
			Before: 5 * time.Minute,
			After:  time.Minute,
		}}
	}, false)

	blocked := a.Admit(at(t, 10, 27), []schema.Signal{sig(schema.SetupVolumeImbalance, 1)}, nil)
	assert.False(t, blocked[0].Admitted)
	assert.Equal(t, "cpi", blocked[0].Rejections[0].Detail)

	open := a.Admit(at(t, 10, 32), []schema.Signal{sig(schema.SetupVolumeImbalance, 1)}, nil)
	assert.True(t, open[0].Admitted)
}

func TestDailyStopRejectsEverything(t *testing.T) {
	a, _ := newTestArbiter(t, nil, true)

	out := a.Admit(at(t, 10, 15), []schema.Signal{sig(schema.SetupVolumeImbalance, 1)}, nil)
	require.False(t, out[0].Admitted)
	assert.Equal(t, ReasonDailyStop, out[0].Rejections[0].Reason)
}

func TestPolicyFilters(t *testing.T) {
	disabled := false
	a, _ := newTestArbiter(t, func(c *ops.Config) {
		c.Setups = map[string]ops.SetupPolicy{
			"block_absorption": {Enabled: &disabled, BaseSize: 1, StopPct: 1, TargetPct: 1, MaxHold: time.Second},
		}
	}, false)

	out := a.Admit(at(t, 10, 15), []schema.Signal{
		sig(schema.SetupBlockAbsorption, 0.99),
		sig(schema.SetupVWAPReversion, 0.2),
	}, nil)
	require.False(t, out[0].Admitted)
	reasons := []Reason{out[0].Rejections[0].Reason, out[0].Rejections[1].Reason}
	assert.ElementsMatch(t, []Reason{ReasonDisabled, ReasonLowConfidence}, reasons)
}

func TestOpenPositionRejectsUnlessScaleIn(t *testing.T) {
	a, _ := newTestArbiter(t, func(c *ops.Config) {
		c.Setups = map[string]ops.SetupPolicy{
			"volume_imbalance": {BaseSize: 1, StopPct: 1, TargetPct: 1, MaxHold: time.Second, ScaleIn: true, MaxScales: 1, ScaleFraction: 0.5},
		}
	}, false)
	ts := at(t, 10, 15)
	positions := stubPositions{"SPX": {ID: "pos-1", Kind: schema.SetupVolumeImbalance}}

	out := a.Admit(ts, []schema.Signal{sig(schema.SetupVolumeImbalance, 0.9)}, positions)
	require.True(t, out[0].Admitted)
	assert.Equal(t, "pos-1", out[0].ScaleInto)

	out = a.Admit(ts, []schema.Signal{sig(schema.SetupFailedMomentum, 0.9)}, positions)
	require.False(t, out[0].Admitted)
	assert.Equal(t, ReasonPositionOpen, out[0].Rejections[0].Reason)
}

func TestOneDecisionPerInstrument(t *testing.T) {
	a, _ := newTestArbiter(t, nil, false)
	ndx := sig(schema.SetupRangeBreakFail, 0.7)
	ndx.InstrumentID = "NDX"

	out := a.Admit(at(t, 10, 15), []schema.Signal{sig(schema.SetupVolumeImbalance, 0.8), ndx}, nil)
	require.Len(t, out, 2)
	assert.Equal(t, "NDX", out[0].InstrumentID)
	assert.Equal(t, "SPX", out[1].InstrumentID)
	assert.True(t, out[0].Admitted)
	assert.True(t, out[1].Admitted)
}

func TestCalendarFlattenTime(t *testing.T) {
	cfg := ops.Default()
	require.NoError(t, cfg.Validate())
	cal, err := NewCalendar(cfg)
	require.NoError(t, err)

	assert.False(t, cal.PastFlatten(at(t, 15, 54)))
	assert.True(t, cal.PastFlatten(at(t, 15, 55)))
	assert.Equal(t, "2024-03-05", cal.SessionDate(at(t, 15, 55)))

	cfg.Blackouts = nil
	cal, err = NewCalendar(cfg)
	require.NoError(t, err)
	_, blocked := cal.Blackout(at(t, 15, 54))
	assert.False(t, blocked)
	label, blocked := cal.Blackout(at(t, 15, 56))
	assert.True(t, blocked)
	assert.Equal(t, "flatten", label)
}

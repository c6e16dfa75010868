package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/errors"

	"odte/internal/bus"
	"odte/internal/detector"
	"odte/internal/execution"
	"odte/internal/obs"
	"odte/internal/ops"
	"odte/internal/risk"
	"odte/internal/schema"
	"odte/pkg/exception"
)

const markerSize = 777

var t0 = time.Date(2024, 3, 5, 14, 0, 0, 0, time.UTC).UnixMicro()

// marker fires a long signal on every event of markerSize.
type marker struct{}

func (marker) Kind() schema.SetupKind { return schema.SetupVolumeImbalance }

func (m marker) Evaluate(_ detector.Window, ev schema.MarketEvent) (schema.Signal, bool) {
	if ev.Size != markerSize {
		return schema.Signal{}, false
	}
	return schema.Signal{
		Kind:         m.Kind(),
		InstrumentID: ev.InstrumentID,
		Timestamp:    ev.Timestamp,
		Confidence:   0.9,
		Bias:         schema.BiasLong,
		Price:        ev.Price,
	}, true
}

func testConfig(baseSize float64, instruments ...string) *ops.Config {
	cfg := ops.Default()
	cfg.Session = ops.SessionConfig{Timezone: "UTC"}
	cfg.Blackouts = nil
	cfg.Instruments = nil
	for _, name := range instruments {
		cfg.Instruments = append(cfg.Instruments, ops.InstrumentConfig{Name: name, Multiplier: 100, LotSize: 1})
	}
	cfg.Engine.Shards = 4
	cfg.Engine.SweepInterval = 0
	cfg.Setups = map[string]ops.SetupPolicy{
		"volume_imbalance": {MinConfidence: 0.5, BaseSize: baseSize, StopPct: 0.5, TargetPct: 0.5, MaxHold: time.Hour},
	}
	return cfg
}

type harness struct {
	eng *Engine
	reg *prometheus.Registry
	ctx context.Context
}

func newHarness(t *testing.T, cfg *ops.Config) *harness {
	t.Helper()
	return newPaperHarness(t, cfg, execution.PaperConfig{Seed: 7})
}

func newPaperHarness(t *testing.T, cfg *ops.Config, paper execution.PaperConfig) *harness {
	t.Helper()
	sink, err := execution.NewPaperSink(paper)
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	eng, err := New(Options{
		Config:    cfg,
		Sink:      sink,
		Metrics:   obs.NewMetrics(reg),
		Detectors: func() *detector.Set { return detector.NewSetOf(marker{}) },
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, eng.Start(ctx))
	go func() { _ = sink.Run(ctx, eng.Deliver) }()
	t.Cleanup(func() {
		assert.NoError(t, eng.Stop())
		cancel()
	})
	return &harness{eng: eng, reg: reg, ctx: ctx}
}

func (h *harness) publish(t *testing.T, instrument string, price, size float64, ts int64) {
	t.Helper()
	require.NoError(t, h.eng.Publish(h.ctx, schema.MarketEvent{
		InstrumentID: instrument,
		Timestamp:    ts,
		Price:        price,
		Size:         size,
		Side:         schema.SideTrade,
	}))
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, h.eng.Drain(ctx))
}

func (h *harness) open(t *testing.T, instrument string, price float64, ts int64) {
	t.Helper()
	h.publish(t, instrument, price, 1, ts)
	h.publish(t, instrument, price, markerSize, ts+1_000_000)
	h.drain(t)
}

// settledPublish hands due sink feedback to the shards before the event.
func (h *harness) settledPublish(t *testing.T, instrument string, price, size float64, ts int64) {
	t.Helper()
	ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, h.eng.Settle(ctx, ts))
	h.publish(t, instrument, price, size, ts)
}

func recordOf(history []risk.ClosedRecord, instrument string) (risk.ClosedRecord, bool) {
	for _, r := range history {
		if r.InstrumentID == instrument {
			return r, true
		}
	}
	return risk.ClosedRecord{}, false
}

func TestSignalToTargetExitRoundTrip(t *testing.T) {
	h := newHarness(t, testConfig(1, "SPX"))
	h.open(t, "SPX", 2.00, t0)

	l := h.eng.Governor().Ledger()
	require.Equal(t, 1, l.OpenPositions)
	require.Equal(t, 1, l.TradesToday)

	h.publish(t, "SPX", 3.05, 1, t0+2_000_000)
	h.drain(t)
	assert.Zero(t, h.eng.Governor().Ledger().OpenPositions)

	history, err := h.eng.EndSession(h.ctx, "2024-03-06")
	require.NoError(t, err)
	require.Len(t, history, 1)
	rec := history[0]
	assert.Equal(t, "SPX", rec.InstrumentID)
	assert.Equal(t, "target", rec.ExitReason)
	assert.InDelta(t, 105, rec.RealizedPnL, 1e-6)
	assert.InDelta(t, 1, rec.Size, 1e-9)
	assert.False(t, rec.Forced)
	assert.False(t, rec.ExecutionFailure)

	l = h.eng.Governor().Ledger()
	assert.Equal(t, "2024-03-06", l.Session)
	assert.Zero(t, l.RealizedPnLToday)
}

func TestDailyStopFlattensEveryShardAndBlocksEntries(t *testing.T) {
	h := newHarness(t, testConfig(2, "AAA", "BBB", "CCC"))
	h.open(t, "AAA", 2.00, t0)
	h.open(t, "BBB", 2.00, t0)
	require.Equal(t, 2, h.eng.Governor().Ledger().OpenPositions)

	// AAA gaps through its stop: -300 realized plus -200 at BBB's stop
	// reaches the 5R limit.
	h.publish(t, "AAA", 0.50, 1, t0+2_000_000)
	h.drain(t)

	gov := h.eng.Governor()
	require.True(t, gov.Breached())
	l := gov.Ledger()
	assert.Zero(t, l.OpenPositions)
	assert.InDelta(t, -300, l.RealizedPnLToday, 1e-6)

	history := gov.History()
	require.Len(t, history, 2)
	aaa, ok := recordOf(history, "AAA")
	require.True(t, ok)
	assert.Equal(t, "stop", aaa.ExitReason)
	assert.InDelta(t, -300, aaa.RealizedPnL, 1e-6)
	bbb, ok := recordOf(history, "BBB")
	require.True(t, ok)
	assert.Equal(t, "forced", bbb.ExitReason)
	assert.True(t, bbb.Forced)
	assert.InDelta(t, 0, bbb.RealizedPnL, 1e-6)

	h.open(t, "CCC", 2.00, t0+3_000_000)
	h.open(t, "BBB", 2.00, t0+5_000_000)
	l = gov.Ledger()
	assert.Equal(t, 2, l.TradesToday, "no entry may open once the daily stop is breached")
	assert.Zero(t, l.OpenPositions)
}

func TestShardsRunInParallelUnderSharedLimits(t *testing.T) {
	instruments := []string{"SPX", "NDX", "RUT", "XSP", "VIX", "QQQ"}
	h := newHarness(t, testConfig(1, instruments...))
	require.Equal(t, 4, h.eng.Shards())
	for _, name := range instruments {
		idx := h.eng.ShardOf(name)
		assert.True(t, idx >= 0 && idx < 4)
		assert.Equal(t, idx, h.eng.ShardOf(name))
	}

	var wg sync.WaitGroup
	for _, name := range instruments {
		name := name
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i, size := range []float64{1, markerSize} {
				ev := schema.MarketEvent{InstrumentID: name, Timestamp: t0 + int64(i)*1_000_000, Price: 2.00, Size: size, Side: schema.SideTrade}
				assert.NoError(t, h.eng.Publish(h.ctx, ev))
			}
		}()
	}
	wg.Wait()
	h.drain(t)

	// 100 at risk each; the fifth would leave no daily headroom
	l := h.eng.Governor().Ledger()
	assert.Equal(t, 4, l.OpenPositions)
	assert.Equal(t, 4, l.TradesToday)
	assert.InDelta(t, -400, l.WorstCaseOpenPnL, 1e-6)

	history, err := h.eng.EndSession(h.ctx, "next")
	require.NoError(t, err)
	require.Len(t, history, 4)
	for _, rec := range history {
		assert.Equal(t, "session", rec.ExitReason)
		assert.True(t, rec.Forced)
	}
	assert.Zero(t, h.eng.Governor().Ledger().OpenPositions)
}

func TestSessionFlattenTimeClosesAndBlocks(t *testing.T) {
	cfg := testConfig(1, "SPX")
	cfg.Session.FlattenAt = "15:55"
	h := newHarness(t, cfg)
	h.open(t, "SPX", 2.00, t0)

	at := time.Date(2024, 3, 5, 15, 56, 0, 0, time.UTC).UnixMicro()
	h.publish(t, "SPX", 2.10, 1, at)
	h.drain(t)

	history := h.eng.Governor().History()
	require.Len(t, history, 1)
	assert.Equal(t, "session", history[0].ExitReason)
	assert.InDelta(t, 10, history[0].RealizedPnL, 1e-6)

	h.open(t, "SPX", 2.10, at+1_000_000)
	assert.Equal(t, 1, h.eng.Governor().Ledger().TradesToday)
}

func TestOperatorFlattenReachesIdleShard(t *testing.T) {
	h := newHarness(t, testConfig(1, "SPX"))
	h.open(t, "SPX", 2.00, t0)

	h.eng.Governor().ForceFlatten("operator")
	require.Eventually(t, func() bool {
		return len(h.eng.Governor().History()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "forced", h.eng.Governor().History()[0].ExitReason)
}

func TestDispatchDropsInvalidInput(t *testing.T) {
	h := newHarness(t, testConfig(1, "SPX"))

	err := h.eng.Publish(h.ctx, schema.MarketEvent{InstrumentID: "ES", Timestamp: t0, Price: 1, Size: 1, Side: schema.SideTrade})
	require.True(t, errors.Is(err, exception.ErrUnknownInstrument))

	err = h.eng.Dispatch(h.ctx, bus.FillMessage(1, schema.FillConfirmation{PositionID: "nope", FilledSize: 1, FillPrice: 1, Timestamp: t0}))
	require.True(t, errors.Is(err, exception.ErrUnknownPosition))

	h.publish(t, "SPX", 2.00, 1, t0+1_000_000)
	h.publish(t, "SPX", 2.00, markerSize, t0)
	h.drain(t)
	assert.Zero(t, h.eng.Governor().Ledger().TradesToday, "a late event never reaches the detectors")

	expected := `
# HELP odte_events_dropped_total Events dropped by reason
# TYPE odte_events_dropped_total counter
odte_events_dropped_total{reason="out_of_order"} 1
odte_events_dropped_total{reason="unknown_instrument"} 1
odte_events_dropped_total{reason="unknown_position"} 1
`
	require.NoError(t, testutil.GatherAndCompare(h.reg, strings.NewReader(expected), "odte_events_dropped_total"))
}

func TestStartTwiceFails(t *testing.T) {
	h := newHarness(t, testConfig(1, "SPX"))
	err := h.eng.Start(h.ctx)
	require.True(t, errors.Is(err, exception.ErrInvalidTransition))
}

func TestNewRejectsNilSink(t *testing.T) {
	_, err := New(Options{Config: testConfig(1, "SPX")})
	require.True(t, errors.Is(err, exception.ErrNilSink))
}

func TestEventClockFillsArriveBeforeLaterEvents(t *testing.T) {
	h := newPaperHarness(t, testConfig(1, "SPX"), execution.PaperConfig{Seed: 7, EventClock: true})
	h.settledPublish(t, "SPX", 2.00, 1, t0)
	h.settledPublish(t, "SPX", 2.00, markerSize, t0+1_000_000)

	// ten seconds of unpaced tape, five fill timeouts long
	ts := t0 + 1_000_000
	for i := 0; i < 200; i++ {
		ts += 50_000
		h.settledPublish(t, "SPX", 2.00, 1, ts)
	}
	h.drain(t)
	l := h.eng.Governor().Ledger()
	require.Equal(t, 1, l.OpenPositions)
	require.Empty(t, h.eng.Governor().History(), "a filled open never times out")

	h.settledPublish(t, "SPX", 3.05, 1, ts+50_000)
	ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, h.eng.Settle(ctx, ts+50_000))

	history := h.eng.Governor().History()
	require.Len(t, history, 1)
	assert.Equal(t, "target", history[0].ExitReason)
	assert.False(t, history[0].ExecutionFailure)
	assert.InDelta(t, 105, history[0].RealizedPnL, 1e-6)
}

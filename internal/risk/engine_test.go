package risk

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/errors"

	"odte/internal/schema"
	"odte/pkg/exception"
)

func testConfig() Config {
	return Config{RUnit: 100, PerTradeR: 2, DailyR: 5}
}

func TestRequestSizeCapsPerTradeRisk(t *testing.T) {
	g := NewGovernor(testConfig())

	d := g.RequestSize(SizeRequest{PositionID: "p1", InstrumentID: "SPX", Proposed: 10, LotSize: 1, RiskPerUnit: 75})
	require.False(t, d.Vetoed())
	assert.Equal(t, 2.0, d.Approved)

	l := g.Ledger()
	assert.Equal(t, -150.0, l.WorstCaseOpenPnL)
	assert.Equal(t, 1, l.TradesToday)
	assert.Equal(t, 1, l.OpenPositions)
}

func TestRequestSizeScaleCountsExistingRisk(t *testing.T) {
	g := NewGovernor(testConfig())

	d := g.RequestSize(SizeRequest{PositionID: "p1", Proposed: 1, LotSize: 1, RiskPerUnit: 50, ExistingRisk: 180})
	assert.True(t, d.Vetoed())
	assert.Equal(t, ReasonPerTrade, d.Reason)
	assert.True(t, errors.Is(d.Err(), exception.ErrRiskVeto))
}

func TestRequestSizeExposureCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.MaxExposure = 1000
	g := NewGovernor(cfg)

	d := g.RequestSize(SizeRequest{PositionID: "p1", Proposed: 10, LotSize: 1, RiskPerUnit: 1, ExposurePerUnit: 300})
	assert.Equal(t, 3.0, d.Approved)

	d = g.RequestSize(SizeRequest{PositionID: "p2", Proposed: 1, LotSize: 1, RiskPerUnit: 1, ExposurePerUnit: 300})
	assert.True(t, d.Vetoed())
	assert.Equal(t, ReasonExposure, d.Reason)
}

func TestRequestSizeDailyHeadroomIsStrict(t *testing.T) {
	g := NewGovernor(testConfig())
	g.OnPositionUpdate(PositionUpdate{PositionID: "old", RealizedDelta: -400, Closed: true})

	d := g.RequestSize(SizeRequest{PositionID: "p1", Proposed: 4, LotSize: 1, RiskPerUnit: 50})
	assert.Equal(t, 1.0, d.Approved)

	d = g.RequestSize(SizeRequest{PositionID: "p2", Proposed: 1, LotSize: 1, RiskPerUnit: 50})
	assert.True(t, d.Vetoed())
	assert.Equal(t, ReasonDailyBudget, d.Reason)
}

func TestReleaseDropsReservation(t *testing.T) {
	g := NewGovernor(testConfig())
	g.RequestSize(SizeRequest{PositionID: "p1", Proposed: 2, LotSize: 1, RiskPerUnit: 50, ExposurePerUnit: 10})
	g.Release("p1")
	g.Release("p1")

	l := g.Ledger()
	assert.Zero(t, l.OpenExposure)
	assert.Zero(t, l.WorstCaseOpenPnL)
	assert.Zero(t, l.TradesToday)
}

func TestRequestSizeRejectsInvalid(t *testing.T) {
	g := NewGovernor(testConfig())
	assert.Equal(t, ReasonInvalid, g.RequestSize(SizeRequest{PositionID: "p", Proposed: 0, RiskPerUnit: 1}).Reason)
	assert.Equal(t, ReasonInvalid, g.RequestSize(SizeRequest{PositionID: "p", Proposed: 1, RiskPerUnit: 0}).Reason)
	assert.Equal(t, ReasonInvalid, g.RequestSize(SizeRequest{PositionID: "p", Proposed: 0.5, LotSize: 1, RiskPerUnit: 1}).Reason)
}

func TestDailyStopBreachBroadcastsFlatten(t *testing.T) {
	g := NewGovernor(testConfig())
	sub := g.Subscribe()

	require.False(t, g.OnPositionUpdate(PositionUpdate{PositionID: "a", RealizedDelta: -400, Closed: true}))
	require.Equal(t, uint64(0), g.FlattenEpoch())

	breached := g.OnPositionUpdate(PositionUpdate{PositionID: "b", WorstCase: -100, Unrealized: -20})
	require.True(t, breached)
	assert.Equal(t, uint64(1), g.FlattenEpoch())
	assert.Equal(t, "daily_stop", g.FlattenReason())

	select {
	case <-sub:
	default:
		t.Fatalf("expected flatten notification")
	}

	d := g.RequestSize(SizeRequest{PositionID: "c", Proposed: 1, LotSize: 1, RiskPerUnit: 1})
	assert.True(t, d.Vetoed())
	assert.True(t, errors.Is(d.Err(), exception.ErrDailyStopBreached))

	// a further update does not broadcast twice
	g.OnPositionUpdate(PositionUpdate{PositionID: "b", WorstCase: -150})
	assert.Equal(t, uint64(1), g.FlattenEpoch())
}

func TestClosedPositionUpdatesAreIgnored(t *testing.T) {
	g := NewGovernor(testConfig())
	rec := ClosedRecord{PositionID: "p1", Kind: schema.SetupVolumeImbalance, RealizedPnL: 25}

	g.OnPositionUpdate(PositionUpdate{PositionID: "p1", RealizedDelta: 25, Closed: true, Record: rec})
	g.OnPositionUpdate(PositionUpdate{PositionID: "p1", RealizedDelta: 25, Closed: true, Record: rec})

	assert.Equal(t, 25.0, g.Ledger().RealizedPnLToday)
	assert.Len(t, g.History(), 1)
	assert.Equal(t, ReasonClosed, g.RequestSize(SizeRequest{PositionID: "p1", Proposed: 1, RiskPerUnit: 1}).Reason)
}

func TestConcurrentRequestsNeverExceedDailyLimit(t *testing.T) {
	g := NewGovernor(testConfig())

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total float64
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := g.RequestSize(SizeRequest{
				PositionID:  string(rune('A' + i)),
				Proposed:    1,
				LotSize:     1,
				RiskPerUnit: 100,
			})
			mu.Lock()
			total += d.Approved
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 4.0, total)
	assert.Greater(t, g.Ledger().WorstCaseOpenPnL, -g.Config().DailyLimit())
}

func TestResetSession(t *testing.T) {
	g := NewGovernor(testConfig())
	g.RequestSize(SizeRequest{PositionID: "p1", Proposed: 1, LotSize: 1, RiskPerUnit: 10})

	_, err := g.ResetSession("next")
	require.Error(t, err)
	assert.True(t, errors.Is(err, exception.ErrInvalidTransition))

	g.OnPositionUpdate(PositionUpdate{PositionID: "p1", RealizedDelta: -10, Closed: true, Record: ClosedRecord{PositionID: "p1"}})
	history, err := g.ResetSession("next")
	require.NoError(t, err)
	assert.Len(t, history, 1)

	l := g.Ledger()
	assert.Equal(t, "next", l.Session)
	assert.Zero(t, l.RealizedPnLToday)
	assert.Zero(t, l.TradesToday)
	assert.False(t, l.DailyStopBreached)
}

package window

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/errors"

	"odte/internal/schema"
	"odte/pkg/exception"
)

var testHorizons = []time.Duration{time.Second, 10 * time.Second, 60 * time.Second}

func event(ts int64, price, size float64, side schema.Side) schema.MarketEvent {
	return schema.MarketEvent{
		InstrumentID: "SPX",
		Timestamp:    ts,
		Price:        price,
		Size:         size,
		Side:         side,
	}
}

func TestStoreMatchesBatchOracle(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	store := NewStore(testHorizons, 0.5)

	var history []schema.MarketEvent
	ts := int64(1_700_000_000_000_000)
	price := 5000.0
	for i := 0; i < 5000; i++ {
		ts += rng.Int63n(400_000)
		price += float64(rng.Intn(5)-2) * 0.25
		ev := event(ts, price, float64(rng.Intn(20)), schema.SideTrade)
		require.NoError(t, store.Ingest(ev))
		history = append(history, ev)

		for _, h := range testHorizons {
			snap, ok := store.Snapshot("SPX", h)
			require.True(t, ok)

			floor := ts - schema.Micros(h)
			var vol, pv float64
			var count int
			high, low := 0.0, 0.0
			for _, past := range history {
				if past.Timestamp < floor {
					continue
				}
				if count == 0 || past.Price > high {
					high = past.Price
				}
				if count == 0 || past.Price < low {
					low = past.Price
				}
				vol += past.Size
				pv += past.Price * past.Size
				count++
			}
			if snap.VolumeSum != vol || snap.TickCount != count {
				t.Fatalf("horizon %s at %d: got vol=%v ticks=%d want vol=%v ticks=%d", h, i, snap.VolumeSum, snap.TickCount, vol, count)
			}
			assert.Equal(t, high, snap.High)
			assert.Equal(t, low, snap.Low)
			if vol > 0 {
				assert.InDelta(t, pv/vol, snap.VWAP, 1e-9)
			}
		}
		if len(history) > 2000 {
			history = history[len(history)-1000:]
		}
	}
}

func TestStoreDropsLateEvents(t *testing.T) {
	store := NewStore(testHorizons, 0.5)
	require.NoError(t, store.Ingest(event(2_000_000, 100, 5, schema.SideTrade)))

	err := store.Ingest(event(1_000_000, 101, 7, schema.SideTrade))
	require.True(t, errors.Is(err, exception.ErrOutOfOrderEvent))

	snap, ok := store.Snapshot("SPX", 10*time.Second)
	require.True(t, ok)
	assert.Equal(t, 5.0, snap.VolumeSum)
	assert.Equal(t, 100.0, snap.Last)

	require.NoError(t, store.Ingest(event(2_000_000, 102, 1, schema.SideTrade)), "equal timestamps are in order")
}

func TestStoreRejectsMalformedEvents(t *testing.T) {
	store := NewStore(testHorizons, 0.5)
	cases := []schema.MarketEvent{
		{Timestamp: 1, Price: 1, Side: schema.SideTrade},
		{InstrumentID: "SPX", Timestamp: 1, Price: 0, Side: schema.SideTrade},
		{InstrumentID: "SPX", Timestamp: 1, Price: 1, Size: -1, Side: schema.SideTrade},
		{InstrumentID: "SPX", Timestamp: 1, Price: 1, BookImbalance: 1.5, Side: schema.SideTrade},
		{InstrumentID: "SPX", Timestamp: 1, Price: 1},
	}
	for i, ev := range cases {
		require.True(t, errors.Is(store.Ingest(ev), exception.ErrMalformedEvent), "case %d", i)
	}
	_, ok := store.Series("SPX")
	assert.False(t, ok)
}

func TestStoreEvictsWholeWindow(t *testing.T) {
	store := NewStore(testHorizons, 0.5)
	require.NoError(t, store.Ingest(event(1_000_000, 100, 5, schema.SideAsk)))
	require.NoError(t, store.Ingest(event(1_500_000, 101, 5, schema.SideBid)))
	require.NoError(t, store.Ingest(event(5_000_000, 102, 3, schema.SideAsk)))

	snap, _ := store.Snapshot("SPX", time.Second)
	assert.Equal(t, 3.0, snap.VolumeSum)
	assert.Equal(t, 1, snap.TickCount)
	assert.Equal(t, 3.0, snap.SignedVolume)
	assert.Equal(t, 102.0, snap.High)
	assert.Equal(t, 102.0, snap.Low)

	snap, _ = store.Snapshot("SPX", 10*time.Second)
	assert.Equal(t, 13.0, snap.VolumeSum)
	assert.Equal(t, 3.0, snap.SignedVolume)
	assert.InDelta(t, 2.0/4.0, snap.PriceVelocity, 1e-9)
	assert.False(t, snap.Warm)
}

func TestBaselineUsesCompletedMinutes(t *testing.T) {
	store := NewStore(testHorizons, 0.5)
	minute := int64(60_000_000)
	start := 1000 * minute

	require.NoError(t, store.Ingest(event(start+1, 100, 100, schema.SideTrade)))
	snap, _ := store.Snapshot("SPX", time.Minute)
	assert.False(t, snap.BaselineWarm)

	// the first minute was joined late and never counts
	require.NoError(t, store.Ingest(event(start+minute, 100, 40, schema.SideTrade)))
	snap, _ = store.Snapshot("SPX", time.Minute)
	assert.False(t, snap.BaselineWarm)

	require.NoError(t, store.Ingest(event(start+2*minute, 100, 7, schema.SideTrade)))
	snap, _ = store.Snapshot("SPX", time.Minute)
	require.True(t, snap.BaselineWarm)
	assert.Equal(t, 40.0, snap.AvgVolumeBaseline)

	// one empty minute in between halves the baseline at alpha 0.5
	require.NoError(t, store.Ingest(event(start+4*minute, 100, 1, schema.SideTrade)))
	perMinute, _ := mustSeries(t, store).BaselinePerMinute()
	assert.InDelta(t, (0.5*7+0.5*40)*0.5, perMinute, 1e-9)
}

func TestBaselineCountsAlignedFirstMinute(t *testing.T) {
	store := NewStore(testHorizons, 0.5)
	minute := int64(60_000_000)
	start := 1000 * minute

	require.NoError(t, store.Ingest(event(start, 100, 30, schema.SideTrade)))
	require.NoError(t, store.Ingest(event(start+minute/2, 100, 20, schema.SideTrade)))
	require.NoError(t, store.Ingest(event(start+minute, 100, 1, schema.SideTrade)))
	perMinute, warm := mustSeries(t, store).BaselinePerMinute()
	require.True(t, warm)
	assert.Equal(t, 50.0, perMinute)
}

func TestSeedBaseline(t *testing.T) {
	store := NewStore(testHorizons, 0.5)
	store.SeedBaseline("SPX", 120)
	require.NoError(t, store.Ingest(event(1_000_000, 100, 1, schema.SideTrade)))
	snap, _ := store.Snapshot("SPX", 10*time.Second)
	assert.True(t, snap.BaselineWarm)
	assert.InDelta(t, 20.0, snap.AvgVolumeBaseline, 1e-9)
}

func mustSeries(t *testing.T, s *Store) *Series {
	t.Helper()
	sr, ok := s.Series("SPX")
	require.True(t, ok)
	return sr
}

func TestImbalanceSameTimestampKeepsLastValue(t *testing.T) {
	withImbalance := func(ts int64, imb float64) schema.MarketEvent {
		ev := event(ts, 100, 1, schema.SideTrade)
		ev.BookImbalance = imb
		return ev
	}
	burst := NewStore(testHorizons, 0.5)
	require.NoError(t, burst.Ingest(withImbalance(1_000_000, 0.2)))
	snap, _ := burst.Snapshot("SPX", 10*time.Second)
	assert.InDelta(t, 0.2, snap.ImbalanceEMA, 1e-12)

	for _, imb := range []float64{0.8, 0.9, -0.4} {
		require.NoError(t, burst.Ingest(withImbalance(2_000_000, imb)))
	}
	single := NewStore(testHorizons, 0.5)
	require.NoError(t, single.Ingest(withImbalance(1_000_000, 0.2)))
	require.NoError(t, single.Ingest(withImbalance(2_000_000, -0.4)))

	alpha := 1 - math.Exp(-0.1)
	a, _ := burst.Snapshot("SPX", 10*time.Second)
	b, _ := single.Snapshot("SPX", 10*time.Second)
	assert.InDelta(t, 0.2+alpha*(-0.4-0.2), a.ImbalanceEMA, 1e-12)
	assert.InDelta(t, b.ImbalanceEMA, a.ImbalanceEMA, 1e-12)

	require.NoError(t, burst.Ingest(withImbalance(2_000_000, 0.5)))
	a, _ = burst.Snapshot("SPX", 10*time.Second)
	assert.InDelta(t, 0.2+alpha*(0.5-0.2), a.ImbalanceEMA, 1e-12)
}

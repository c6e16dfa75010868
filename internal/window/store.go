package window

import (
	"time"

	"github.com/yanun0323/errors"

	"odte/internal/schema"
	"odte/pkg/exception"
)

// Store maintains bounded sliding windows per instrument and horizon. It is
// owned by a single shard and is not safe for concurrent use.
type Store struct {
	horizons []time.Duration
	alpha    float64
	series   map[string]*Series
}

// NewStore creates a store tracking the given horizons.
func NewStore(horizons []time.Duration, baselineAlpha float64) *Store {
	if baselineAlpha <= 0 || baselineAlpha > 1 {
		baselineAlpha = 0.5
	}
	hs := make([]time.Duration, len(horizons))
	copy(hs, horizons)
	return &Store{
		horizons: hs,
		alpha:    baselineAlpha,
		series:   make(map[string]*Series),
	}
}

// Horizons returns the tracked horizons.
func (s *Store) Horizons() []time.Duration {
	return s.horizons
}

func (s *Store) getOrCreate(instrument string) *Series {
	if sr, ok := s.series[instrument]; ok {
		return sr
	}
	sr := &Series{
		instrument: instrument,
		windows:    make(map[time.Duration]*horizonWindow, len(s.horizons)),
		baseline:   baseline{alpha: s.alpha},
	}
	for _, h := range s.horizons {
		sr.windows[h] = newHorizonWindow(h)
	}
	s.series[instrument] = sr
	return sr
}

// Ingest appends an event to every horizon of its instrument and evicts what
// fell out. Events older than the instrument's last timestamp are dropped.
func (s *Store) Ingest(ev schema.MarketEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	sr := s.getOrCreate(ev.InstrumentID)
	if sr.count > 0 && ev.Timestamp < sr.lastTs {
		return errors.Wrap(exception.ErrOutOfOrderEvent, "event older than window tail").
			With("instrument", ev.InstrumentID).
			With("ts", ev.Timestamp).
			With("last_ts", sr.lastTs)
	}
	sr.ingest(ev)
	return nil
}

// Series returns the window view of an instrument.
func (s *Store) Series(instrument string) (*Series, bool) {
	sr, ok := s.series[instrument]
	return sr, ok
}

// Snapshot returns the current snapshot of an instrument over a horizon.
func (s *Store) Snapshot(instrument string, horizon time.Duration) (schema.WindowSnapshot, bool) {
	sr, ok := s.series[instrument]
	if !ok {
		return schema.WindowSnapshot{}, false
	}
	return sr.Snapshot(horizon)
}

// SeedBaseline warms the baseline of an instrument with a per-minute volume,
// typically taken from the prior session.
func (s *Store) SeedBaseline(instrument string, perMinute float64) {
	s.getOrCreate(instrument).baseline.seed(perMinute)
}

// Series is the per-instrument state of a Store.
type Series struct {
	instrument string
	windows    map[time.Duration]*horizonWindow
	baseline   baseline

	seq       uint64
	count     uint64
	firstTs   int64
	lastTs    int64
	lastPrice float64
	prevPrice float64
	lastSign  float64
	cumVolume float64
}

func (sr *Series) ingest(ev schema.MarketEvent) {
	if sr.count == 0 {
		sr.firstTs = ev.Timestamp
		sr.prevPrice = ev.Price
	} else {
		sr.prevPrice = sr.lastPrice
	}
	sr.count++
	sr.seq++

	sign := sr.aggressorSign(ev)
	sr.lastTs = ev.Timestamp
	sr.lastPrice = ev.Price
	sr.cumVolume += ev.Size
	sr.baseline.add(ev.Timestamp, ev.Size)

	smp := sample{
		seq:    sr.seq,
		ts:     ev.Timestamp,
		price:  ev.Price,
		size:   ev.Size,
		signed: sign * ev.Size,
	}
	for _, w := range sr.windows {
		w.push(smp, ev.BookImbalance)
	}
}

// aggressorSign classifies a print: ask-side prints are buyer initiated,
// bid-side prints seller initiated, plain trades use the tick rule.
func (sr *Series) aggressorSign(ev schema.MarketEvent) float64 {
	switch ev.Side {
	case schema.SideAsk:
		return 1
	case schema.SideBid:
		return -1
	}
	if sr.count > 1 {
		switch {
		case ev.Price > sr.prevPrice:
			sr.lastSign = 1
		case ev.Price < sr.prevPrice:
			sr.lastSign = -1
		}
	}
	return sr.lastSign
}

// Snapshot returns the snapshot over a configured horizon.
func (sr *Series) Snapshot(horizon time.Duration) (schema.WindowSnapshot, bool) {
	w, ok := sr.windows[horizon]
	if !ok {
		return schema.WindowSnapshot{}, false
	}
	snap := w.snapshot(sr.lastTs)
	snap.Warm = sr.count > 0 && sr.lastTs-sr.firstTs >= w.horizon
	if perMinute, warm := sr.baseline.perMinute(); warm {
		snap.AvgVolumeBaseline = perMinute * float64(horizon) / float64(time.Minute)
		snap.BaselineWarm = true
	}
	return snap, true
}

// BaselinePerMinute returns the baseline volume per minute.
func (sr *Series) BaselinePerMinute() (float64, bool) {
	return sr.baseline.perMinute()
}

// CumulativeVolume returns the total volume ingested for the instrument.
func (sr *Series) CumulativeVolume() float64 { return sr.cumVolume }

// LastPrice returns the most recent price.
func (sr *Series) LastPrice() float64 { return sr.lastPrice }

// PrevPrice returns the price of the event before the most recent one.
func (sr *Series) PrevPrice() float64 { return sr.prevPrice }

// Now returns the timestamp of the most recent event.
func (sr *Series) Now() int64 { return sr.lastTs }

// Count returns the number of ingested events.
func (sr *Series) Count() uint64 { return sr.count }

package detector

import (
	"odte/internal/ops"
	"odte/internal/schema"
)

type breakState struct {
	dir      float64
	high     float64
	low      float64
	ts       int64
	breakVol float64
	reentry  float64
}

type rangeState struct {
	high float64
	low  float64
	warm bool
	brk  *breakState
}

// RangeBreakFail fades a breakout of the established range that re-enters the
// range on more volume than the breakout carried.
type RangeBreakFail struct {
	p     ops.RangeBreakFailParams
	state map[string]*rangeState
}

func NewRangeBreakFail(p ops.RangeBreakFailParams) *RangeBreakFail {
	return &RangeBreakFail{p: p, state: make(map[string]*rangeState)}
}

func (d *RangeBreakFail) Kind() schema.SetupKind { return schema.SetupRangeBreakFail }

func (d *RangeBreakFail) Evaluate(w Window, ev schema.MarketEvent) (schema.Signal, bool) {
	st, ok := d.state[ev.InstrumentID]
	if !ok {
		st = &rangeState{}
		d.state[ev.InstrumentID] = st
	}
	snap, ok := w.Snapshot(d.p.RangeHorizon)
	if !ok {
		return schema.Signal{}, false
	}
	defer func() {
		if st.brk == nil {
			st.high, st.low, st.warm = snap.High, snap.Low, snap.Warm
		}
	}()

	if brk := st.brk; brk != nil {
		if ev.Timestamp-brk.ts > schema.Micros(d.p.FailHorizon) {
			st.brk = nil
			return schema.Signal{}, false
		}
		inside := ev.Price <= brk.high && ev.Price >= brk.low
		if !inside {
			brk.breakVol += ev.Size
			return schema.Signal{}, false
		}
		brk.reentry += ev.Size
		if brk.reentry <= brk.breakVol {
			return schema.Signal{}, false
		}
		st.brk = nil
		confidence := 0.5 + 0.5*clamp01(brk.reentry/brk.breakVol-1)
		return newSignal(d.Kind(), ev, confidence, schema.Counter(brk.dir), snap), true
	}

	if !st.warm || st.low <= 0 || (st.high-st.low)/st.low < d.p.MinRangePct {
		return schema.Signal{}, false
	}
	switch {
	case ev.Price > st.high:
		st.brk = &breakState{dir: 1, high: st.high, low: st.low, ts: ev.Timestamp, breakVol: ev.Size}
	case ev.Price < st.low:
		st.brk = &breakState{dir: -1, high: st.high, low: st.low, ts: ev.Timestamp, breakVol: ev.Size}
	}
	return schema.Signal{}, false
}

type vwapState struct {
	seenInside bool
	side       float64
	tests      int
	lastVel    float64
}

// VWAPReversion fades the N-th test of a VWAP deviation threshold when each
// test arrives with less speed than the one before.
type VWAPReversion struct {
	p     ops.VWAPReversionParams
	state map[string]*vwapState
}

func NewVWAPReversion(p ops.VWAPReversionParams) *VWAPReversion {
	return &VWAPReversion{p: p, state: make(map[string]*vwapState)}
}

func (d *VWAPReversion) Kind() schema.SetupKind { return schema.SetupVWAPReversion }

func (d *VWAPReversion) Evaluate(w Window, ev schema.MarketEvent) (schema.Signal, bool) {
	snap, okSnap := w.Snapshot(d.p.Horizon)
	vel, okVel := w.Snapshot(d.p.VelocityHorizon)
	if !okSnap || !okVel || !snap.Warm {
		return schema.Signal{}, false
	}
	st, ok := d.state[ev.InstrumentID]
	if !ok {
		st = &vwapState{}
		d.state[ev.InstrumentID] = st
	}

	outside := abs(snap.VWAPDeviation) >= d.p.Threshold
	if !outside {
		st.seenInside = true
		return schema.Signal{}, false
	}
	if !st.seenInside {
		return schema.Signal{}, false
	}
	st.seenInside = false

	side := sign(snap.VWAPDeviation)
	speed := abs(vel.PriceVelocity)
	if st.tests > 0 && side == st.side && speed < st.lastVel {
		st.tests++
	} else {
		st.tests = 1
	}
	st.side = side
	st.lastVel = speed
	if st.tests < d.p.Tests {
		return schema.Signal{}, false
	}
	st.tests = 0
	confidence := 0.5 + 0.5*clamp01(abs(snap.VWAPDeviation)/d.p.Threshold-1)
	return newSignal(d.Kind(), ev, confidence, schema.Counter(side), snap), true
}

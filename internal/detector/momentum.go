package detector

import (
	"odte/internal/ops"
	"odte/internal/schema"
)

// FailedMomentum fades a short directional move whose volume is drying up, on
// the first tick against it.
type FailedMomentum struct {
	p       ops.FailedMomentumParams
	lastDir map[string]float64
}

func NewFailedMomentum(p ops.FailedMomentumParams) *FailedMomentum {
	return &FailedMomentum{p: p, lastDir: make(map[string]float64)}
}

func (d *FailedMomentum) Kind() schema.SetupKind { return schema.SetupFailedMomentum }

func (d *FailedMomentum) Evaluate(w Window, ev schema.MarketEvent) (schema.Signal, bool) {
	tickDir := 0.0
	if w.Count() > 1 {
		tickDir = sign(ev.Price - w.PrevPrice())
	}
	prevDir := d.lastDir[ev.InstrumentID]
	if tickDir != 0 {
		d.lastDir[ev.InstrumentID] = tickDir
	}

	full, okFull := w.Snapshot(d.p.Horizon)
	half, okHalf := w.Snapshot(d.p.HalfHorizon)
	if !okFull || !okHalf || !full.Warm {
		return schema.Signal{}, false
	}
	move := sign(full.ReturnPct)
	if move == 0 || abs(full.ReturnPct) < d.p.MinMovePct {
		return schema.Signal{}, false
	}
	early := full.VolumeSum - half.VolumeSum
	late := half.VolumeSum
	if !(early > late && late > 0) {
		return schema.Signal{}, false
	}
	if tickDir != -move || prevDir == -move {
		return schema.Signal{}, false
	}
	confidence := 0.5 + 0.5*clamp01((early-late)/early)
	return newSignal(d.Kind(), ev, confidence, schema.Counter(move), full), true
}

type runState struct {
	dir        float64
	ticks      int
	startPrice float64
	startTs    int64
	volume     float64
	extreme    float64
	lastTs     int64
}

type voidState struct {
	dir     float64
	extreme float64
	ts      int64
	move    float64
}

// LiquidityVoid fades a multi-tick move made on thin volume once it fails to
// extend within the recovery horizon.
type LiquidityVoid struct {
	p     ops.LiquidityVoidParams
	runs  map[string]*runState
	voids map[string]*voidState
}

func NewLiquidityVoid(p ops.LiquidityVoidParams) *LiquidityVoid {
	return &LiquidityVoid{
		p:     p,
		runs:  make(map[string]*runState),
		voids: make(map[string]*voidState),
	}
}

func (d *LiquidityVoid) Kind() schema.SetupKind { return schema.SetupLiquidityVoid }

func (d *LiquidityVoid) Evaluate(w Window, ev schema.MarketEvent) (schema.Signal, bool) {
	run, ok := d.runs[ev.InstrumentID]
	if !ok {
		run = &runState{lastTs: ev.Timestamp}
		d.runs[ev.InstrumentID] = run
	}
	tickDir := 0.0
	if w.Count() > 1 {
		tickDir = sign(ev.Price - w.PrevPrice())
	}

	var (
		sig   schema.Signal
		fired bool
	)
	if v, ok := d.voids[ev.InstrumentID]; ok {
		continued := (v.dir > 0 && ev.Price > v.extreme) || (v.dir < 0 && ev.Price < v.extreme)
		switch {
		case continued:
			delete(d.voids, ev.InstrumentID)
		case ev.Timestamp-v.ts >= schema.Micros(d.p.Recovery):
			delete(d.voids, ev.InstrumentID)
			snap, _ := w.Snapshot(d.p.Recovery)
			confidence := 0.5 + 0.5*clamp01(v.move/(4*d.p.MinMovePct))
			sig, fired = newSignal(d.Kind(), ev, confidence, schema.Counter(v.dir), snap), true
		}
	}

	if tickDir != 0 && tickDir == run.dir {
		run.ticks++
		run.volume += ev.Size
		run.extreme = ev.Price
	} else {
		if _, pending := d.voids[ev.InstrumentID]; !pending && !fired {
			if v, ok := d.completedVoid(w, run, ev.Timestamp); ok {
				d.voids[ev.InstrumentID] = v
			}
		}
		*run = runState{lastTs: run.lastTs}
		if tickDir != 0 {
			run.dir = tickDir
			run.ticks = 1
			run.startPrice = w.PrevPrice()
			run.startTs = run.lastTs
			run.volume = ev.Size
			run.extreme = ev.Price
		}
	}
	run.lastTs = ev.Timestamp
	return sig, fired
}

// completedVoid reports whether the run that just ended qualifies as a move
// through thin liquidity.
func (d *LiquidityVoid) completedVoid(w Window, run *runState, now int64) (*voidState, bool) {
	if run.ticks < d.p.MinTicks || run.startPrice <= 0 {
		return nil, false
	}
	move := abs(run.extreme-run.startPrice) / run.startPrice
	if move < d.p.MinMovePct {
		return nil, false
	}
	perMinute, warm := w.BaselinePerMinute()
	if !warm {
		return nil, false
	}
	duration := float64(run.lastTs - run.startTs)
	if duration <= 0 {
		return nil, false
	}
	expected := perMinute * duration / 60e6
	if run.volume >= expected {
		return nil, false
	}
	return &voidState{dir: run.dir, extreme: run.extreme, ts: now, move: move}, true
}

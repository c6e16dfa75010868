package detector

import (
	"odte/internal/ops"
	"odte/internal/schema"
)

// VolumeImbalance fires when volume runs far above baseline while price moves
// against the dominant aggressor side.
type VolumeImbalance struct {
	p ops.VolumeImbalanceParams
}

func NewVolumeImbalance(p ops.VolumeImbalanceParams) *VolumeImbalance {
	return &VolumeImbalance{p: p}
}

func (d *VolumeImbalance) Kind() schema.SetupKind { return schema.SetupVolumeImbalance }

func (d *VolumeImbalance) Evaluate(w Window, ev schema.MarketEvent) (schema.Signal, bool) {
	snap, ok := w.Snapshot(d.p.Horizon)
	if !ok || !snap.BaselineWarm || snap.AvgVolumeBaseline <= 0 || snap.VolumeSum <= 0 {
		return schema.Signal{}, false
	}
	ratio := snap.VolumeSum / snap.AvgVolumeBaseline
	if ratio < d.p.Ratio {
		return schema.Signal{}, false
	}
	if abs(snap.ReturnPct) < d.p.MinMovePct {
		return schema.Signal{}, false
	}
	move := sign(snap.PriceVelocity)
	flow := sign(snap.SignedVolume)
	if move == 0 || flow == 0 || move == flow {
		return schema.Signal{}, false
	}
	share := abs(snap.SignedVolume) / snap.VolumeSum
	confidence := 0.5 + 0.25*clamp01(ratio/d.p.Ratio-1) + 0.25*share
	return newSignal(d.Kind(), ev, confidence, schema.Counter(move), snap), true
}

type blockState struct {
	price  float64
	ts     int64
	side   schema.Side
	maxExc float64
}

// BlockAbsorption fires when a large print fails to move price over the hold
// horizon that follows it.
type BlockAbsorption struct {
	p       ops.BlockAbsorptionParams
	pending map[string]*blockState
}

func NewBlockAbsorption(p ops.BlockAbsorptionParams) *BlockAbsorption {
	return &BlockAbsorption{p: p, pending: make(map[string]*blockState)}
}

func (d *BlockAbsorption) Kind() schema.SetupKind { return schema.SetupBlockAbsorption }

func (d *BlockAbsorption) Evaluate(w Window, ev schema.MarketEvent) (schema.Signal, bool) {
	var (
		sig   schema.Signal
		fired bool
	)
	if st, ok := d.pending[ev.InstrumentID]; ok {
		if exc := abs(ev.Price-st.price) / st.price; exc > st.maxExc {
			st.maxExc = exc
		}
		switch {
		case st.maxExc >= d.p.MaxMovePct:
			delete(d.pending, ev.InstrumentID)
		case ev.Timestamp-st.ts >= schema.Micros(d.p.Hold):
			delete(d.pending, ev.InstrumentID)
			snap, _ := w.Snapshot(d.p.Hold)
			confidence := 0.5 + 0.5*clamp01(1-st.maxExc/d.p.MaxMovePct)
			sig, fired = newSignal(d.Kind(), ev, confidence, absorbedBias(st), snap), true
		}
	}
	if _, ok := d.pending[ev.InstrumentID]; !ok && d.p.BlockSize > 0 && ev.Size >= d.p.BlockSize {
		d.pending[ev.InstrumentID] = &blockState{
			price: ev.Price,
			ts:    ev.Timestamp,
			side:  ev.Side,
		}
	}
	return sig, fired
}

// absorbedBias trades with the passive side that absorbed the block.
func absorbedBias(st *blockState) schema.Bias {
	switch st.side {
	case schema.SideBid:
		return schema.BiasLong
	case schema.SideAsk:
		return schema.BiasShort
	default:
		return schema.BiasBoth
	}
}

type compressionState struct {
	quiet      bool
	quietSince int64
	avgSize    float64
}

// CompressionBreak fires on a volume spike after a sustained low-activity
// stretch.
type CompressionBreak struct {
	p     ops.CompressionBreakParams
	state map[string]*compressionState
}

func NewCompressionBreak(p ops.CompressionBreakParams) *CompressionBreak {
	return &CompressionBreak{p: p, state: make(map[string]*compressionState)}
}

func (d *CompressionBreak) Kind() schema.SetupKind { return schema.SetupCompressionBreak }

func (d *CompressionBreak) Evaluate(w Window, ev schema.MarketEvent) (schema.Signal, bool) {
	st, ok := d.state[ev.InstrumentID]
	if !ok {
		st = &compressionState{}
		d.state[ev.InstrumentID] = st
	}
	act, okAct := w.Snapshot(d.p.ActivityHorizon)
	quietWin, okQuiet := w.Snapshot(d.p.QuietHorizon)
	if !okAct || !okQuiet {
		return schema.Signal{}, false
	}

	var (
		sig   schema.Signal
		fired bool
	)
	if st.quiet && st.avgSize > 0 && ev.Timestamp-st.quietSince >= schema.Micros(d.p.QuietFor) &&
		ev.Size >= d.p.SpikeMultiple*st.avgSize {
		spike := ev.Size / (d.p.SpikeMultiple * st.avgSize)
		confidence := 0.5 + 0.5*clamp01((spike-1)/2)
		sig, fired = newSignal(d.Kind(), ev, confidence, sideBias(ev, w.PrevPrice()), act), true
	}

	secs := d.p.ActivityHorizon.Seconds()
	quietNow := float64(act.TickCount)/secs <= d.p.MaxTicksPerSec &&
		act.VolumeSum/secs <= d.p.MaxVolumePerSec
	switch {
	case fired || !quietNow:
		st.quiet = false
	case !st.quiet:
		st.quiet = true
		st.quietSince = ev.Timestamp
	}
	if !fired && quietWin.TickCount > 0 {
		st.avgSize = quietWin.VolumeSum / float64(quietWin.TickCount)
	}
	return sig, fired
}

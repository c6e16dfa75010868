// Package detector classifies market events into setup signals.
//
// A Set is owned by one shard. Detectors keep small per-instrument scratch
// state (pending breaks, test counters) that is only touched by that shard.
// Every detector abstains while its windows are cold.
package detector

import (
	"time"

	"odte/internal/ops"
	"odte/internal/schema"
)

// Window is the read side of an instrument's rolling windows.
type Window interface {
	Snapshot(horizon time.Duration) (schema.WindowSnapshot, bool)
	BaselinePerMinute() (float64, bool)
	CumulativeVolume() float64
	PrevPrice() float64
	Count() uint64
}

// Detector evaluates one setup against the current event.
type Detector interface {
	Kind() schema.SetupKind
	Evaluate(w Window, ev schema.MarketEvent) (schema.Signal, bool)
}

// Set runs every detector against every event.
type Set struct {
	detectors []Detector
}

// NewSet builds the full detector set from config.
func NewSet(cfg ops.DetectorConfig) *Set {
	return &Set{detectors: []Detector{
		NewVolumeImbalance(cfg.VolumeImbalance),
		NewFailedMomentum(cfg.FailedMomentum),
		NewRangeBreakFail(cfg.RangeBreakFail),
		NewVWAPReversion(cfg.VWAPReversion),
		NewCompressionBreak(cfg.CompressionBreak),
		NewBlockAbsorption(cfg.BlockAbsorption),
		NewLiquidityVoid(cfg.LiquidityVoid),
	}}
}

// NewSetOf builds a set from explicit detectors.
func NewSetOf(detectors ...Detector) *Set {
	return &Set{detectors: detectors}
}

// Evaluate returns every signal fired by the event. Several detectors may
// fire on the same event; resolution belongs to the arbiter.
func (s *Set) Evaluate(w Window, ev schema.MarketEvent) []schema.Signal {
	var out []schema.Signal
	for _, d := range s.detectors {
		if sig, ok := d.Evaluate(w, ev); ok {
			out = append(out, sig)
		}
	}
	return out
}

func newSignal(kind schema.SetupKind, ev schema.MarketEvent, confidence float64, bias schema.Bias, snap schema.WindowSnapshot) schema.Signal {
	return schema.Signal{
		Kind:         kind,
		InstrumentID: ev.InstrumentID,
		Timestamp:    ev.Timestamp,
		Confidence:   clamp01(confidence),
		Bias:         bias,
		Price:        ev.Price,
		Snapshot:     snap,
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// sideBias maps the aggressor side of a print to the direction it pushes.
func sideBias(ev schema.MarketEvent, prev float64) schema.Bias {
	switch ev.Side {
	case schema.SideAsk:
		return schema.BiasLong
	case schema.SideBid:
		return schema.BiasShort
	}
	switch {
	case ev.Price > prev:
		return schema.BiasLong
	case ev.Price < prev:
		return schema.BiasShort
	default:
		return schema.BiasBoth
	}
}

package window

import (
	"math"
	"time"

	"odte/internal/schema"
)

type sample struct {
	seq    uint64
	ts     int64
	price  float64
	size   float64
	signed float64
}

// horizonWindow keeps running sums over [now-horizon, now]. High and low are
// tracked with monotonic deques so every operation is amortized O(1).
type horizonWindow struct {
	horizon int64
	samples deque[sample]
	maxq    deque[sample]
	minq    deque[sample]

	volume float64
	pv     float64
	signed float64

	imbalance   float64
	imbalanceTs int64
	imbalanceOK bool
	// smoothed value before imbalanceTs and the weight applied at it; prints
	// sharing a timestamp replace each other instead of compounding
	imbalancePrev  float64
	imbalanceAlpha float64
}

func newHorizonWindow(h time.Duration) *horizonWindow {
	return &horizonWindow{horizon: schema.Micros(h)}
}

func (w *horizonWindow) push(s sample, imbalance float64) {
	w.samples.PushBack(s)
	w.volume += s.size
	w.pv += s.price * s.size
	w.signed += s.signed

	for w.maxq.Len() > 0 && w.maxq.Back().price <= s.price {
		w.maxq.PopBack()
	}
	w.maxq.PushBack(s)
	for w.minq.Len() > 0 && w.minq.Back().price >= s.price {
		w.minq.PopBack()
	}
	w.minq.PushBack(s)

	switch {
	case !w.imbalanceOK:
		w.imbalancePrev, w.imbalanceAlpha = imbalance, 1
		w.imbalanceOK = true
	case s.ts > w.imbalanceTs:
		w.imbalancePrev = w.imbalance
		w.imbalanceAlpha = 1 - math.Exp(-float64(s.ts-w.imbalanceTs)/float64(w.horizon))
	}
	w.imbalance = w.imbalancePrev + w.imbalanceAlpha*(imbalance-w.imbalancePrev)
	w.imbalanceTs = s.ts

	w.evict(s.ts)
}

func (w *horizonWindow) evict(now int64) {
	floor := now - w.horizon
	for w.samples.Len() > 0 && w.samples.Front().ts < floor {
		old := w.samples.PopFront()
		w.volume -= old.size
		w.pv -= old.price * old.size
		w.signed -= old.signed
		if w.maxq.Len() > 0 && w.maxq.Front().seq == old.seq {
			w.maxq.PopFront()
		}
		if w.minq.Len() > 0 && w.minq.Front().seq == old.seq {
			w.minq.PopFront()
		}
	}
	if w.samples.Len() == 0 {
		w.volume, w.pv, w.signed = 0, 0, 0
		w.maxq.Reset()
		w.minq.Reset()
	}
}

func (w *horizonWindow) snapshot(now int64) schema.WindowSnapshot {
	snap := schema.WindowSnapshot{
		Horizon:      w.horizon,
		Now:          now,
		VolumeSum:    w.volume,
		TickCount:    w.samples.Len(),
		ImbalanceEMA: w.imbalance,
		SignedVolume: w.signed,
	}
	if w.samples.Len() == 0 {
		return snap
	}
	first, last := w.samples.Front(), w.samples.Back()
	snap.First = first.price
	snap.Last = last.price
	snap.High = w.maxq.Front().price
	snap.Low = w.minq.Front().price
	if span := last.ts - first.ts; span > 0 {
		snap.PriceVelocity = (last.price - first.price) / (float64(span) / 1e6)
	}
	if first.price > 0 {
		snap.ReturnPct = (last.price - first.price) / first.price
	}
	snap.VWAP = last.price
	if w.volume > 0 {
		snap.VWAP = w.pv / w.volume
	}
	if snap.VWAP > 0 {
		snap.VWAPDeviation = (last.price - snap.VWAP) / snap.VWAP
	}
	return snap
}

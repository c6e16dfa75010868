package window

const minuteMicros = int64(60_000_000)

// baseline is an EMA over completed one-minute volume buckets. The current,
// incomplete minute never contributes, so a burst is measured against the
// history that preceded it. A first bucket joined after its minute started
// was only partly observed and is discarded.
type baseline struct {
	alpha   float64
	bucket  int64
	volume  float64
	ema     float64
	warm    bool
	started bool
	partial bool
}

func (b *baseline) add(ts int64, size float64) {
	idx := ts / minuteMicros
	if !b.started {
		b.started = true
		b.bucket = idx
		b.volume = size
		b.partial = ts%minuteMicros != 0
		return
	}
	if idx > b.bucket {
		if b.partial {
			b.partial = false
		} else {
			b.roll(b.volume)
		}
		skipped := idx - b.bucket - 1
		if skipped > 64 {
			skipped = 64
		}
		for i := int64(0); i < skipped; i++ {
			b.roll(0)
		}
		b.bucket = idx
		b.volume = 0
	}
	b.volume += size
}

func (b *baseline) roll(volume float64) {
	if !b.warm {
		b.ema = volume
		b.warm = true
		return
	}
	b.ema = b.alpha*volume + (1-b.alpha)*b.ema
}

func (b *baseline) seed(perMinute float64) {
	b.ema = perMinute
	b.warm = true
}

// perMinute returns the baseline volume per minute.
func (b *baseline) perMinute() (float64, bool) {
	return b.ema, b.warm
}

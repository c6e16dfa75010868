package feed

import (
	"context"
	"io"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"odte/internal/schema"
	"odte/pkg/exception"
)

// Clock allows deterministic playback control.
type Clock interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// PlaybackConfig controls pacing. Speed 0 replays as fast as possible;
// otherwise gaps between event timestamps are divided by Speed.
type PlaybackConfig struct {
	Speed         float64
	StopOnInvalid bool
}

// Playback streams a feed into a handler.
type Playback struct {
	cfg   PlaybackConfig
	clock Clock
}

// NewPlayback creates a playback.
func NewPlayback(cfg PlaybackConfig) (*Playback, error) {
	if cfg.Speed < 0 {
		return nil, errors.Wrap(exception.ErrInvalidArgument, "speed must be >= 0")
	}
	return &Playback{cfg: cfg, clock: realClock{}}, nil
}

// WithClock swaps the clock implementation.
func (p *Playback) WithClock(clock Clock) *Playback {
	if clock != nil {
		p.clock = clock
	}
	return p
}

// Stats summarizes a playback run.
type Stats struct {
	Events  int
	Invalid int
}

// Run reads r to the end, calling handler for every decoded event.
func (p *Playback) Run(ctx context.Context, r io.Reader, handler func(schema.MarketEvent) error) (Stats, error) {
	var (
		stats  Stats
		reader = NewReader(r)
		last   int64
	)
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		ev, err := reader.Next()
		if err == io.EOF {
			return stats, nil
		}
		if err != nil {
			if errors.Is(err, exception.ErrMalformedEvent) && !p.cfg.StopOnInvalid {
				stats.Invalid++
				logs.Warnf("skip feed line, err: %+v", err)
				continue
			}
			return stats, err
		}
		if p.cfg.Speed > 0 && last > 0 && ev.Timestamp > last {
			gap := time.Duration(ev.Timestamp-last) * time.Microsecond
			if err := p.clock.Sleep(ctx, time.Duration(float64(gap)/p.cfg.Speed)); err != nil {
				return stats, err
			}
		}
		if ev.Timestamp > last {
			last = ev.Timestamp
		}
		stats.Events++
		if err := handler(ev); err != nil {
			return stats, err
		}
	}
}

package arbiter

import (
	"time"

	"github.com/yanun0323/errors"

	"odte/internal/ops"
	"odte/internal/schema"
)

type clockWindow struct {
	label      string
	start, end time.Duration
}

func (w clockWindow) contains(tod time.Duration) bool {
	if w.start <= w.end {
		return tod >= w.start && tod < w.end
	}
	return tod >= w.start || tod < w.end
}

type eventWindow struct {
	label      string
	start, end int64
}

// Calendar answers whether entries are blacked out at a given event time.
type Calendar struct {
	loc       *time.Location
	clocks    []clockWindow
	events    []eventWindow
	flattenAt time.Duration
	hasFlat   bool
}

// NewCalendar builds a calendar from the session config.
func NewCalendar(cfg *ops.Config) (*Calendar, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	c := &Calendar{loc: loc}
	for _, b := range cfg.Blackouts {
		start, err := ops.ParseClock(b.Start)
		if err != nil {
			return nil, errors.Wrapf(err, "blackout %s", b.Label)
		}
		end, err := ops.ParseClock(b.End)
		if err != nil {
			return nil, errors.Wrapf(err, "blackout %s", b.Label)
		}
		if start == end {
			continue
		}
		c.clocks = append(c.clocks, clockWindow{label: b.Label, start: start, end: end})
	}
	for _, e := range cfg.Events {
		at := e.At.UnixMicro()
		c.events = append(c.events, eventWindow{
			label: e.Label,
			start: at - schema.Micros(e.Before),
			end:   at + schema.Micros(e.After),
		})
	}
	if cfg.Session.FlattenAt != "" {
		c.flattenAt, err = ops.ParseClock(cfg.Session.FlattenAt)
		if err != nil {
			return nil, err
		}
		c.hasFlat = true
	}
	return c, nil
}

// Blackout returns the label of the window covering ts, if any.
func (c *Calendar) Blackout(ts int64) (string, bool) {
	if c == nil {
		return "", false
	}
	for _, e := range c.events {
		if ts >= e.start && ts <= e.end {
			return e.label, true
		}
	}
	tod := c.timeOfDay(ts)
	for _, w := range c.clocks {
		if w.contains(tod) {
			return w.label, true
		}
	}
	if c.hasFlat && tod >= c.flattenAt {
		return "flatten", true
	}
	return "", false
}

// PastFlatten reports whether ts is at or after the session flatten time.
func (c *Calendar) PastFlatten(ts int64) bool {
	if c == nil || !c.hasFlat {
		return false
	}
	return c.timeOfDay(ts) >= c.flattenAt
}

// SessionDate returns the session day of ts as YYYY-MM-DD.
func (c *Calendar) SessionDate(ts int64) string {
	return schema.TimeOf(ts).In(c.location()).Format(time.DateOnly)
}

func (c *Calendar) timeOfDay(ts int64) time.Duration {
	t := schema.TimeOf(ts).In(c.location())
	return time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second +
		time.Duration(t.Nanosecond())
}

func (c *Calendar) location() *time.Location {
	if c == nil || c.loc == nil {
		return time.UTC
	}
	return c.loc
}

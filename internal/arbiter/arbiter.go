package arbiter

import (
	"sort"

	"odte/internal/ops"
	"odte/internal/schema"
)

// Reason explains why a signal was not admitted.
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonBlackout
	ReasonDailyStop
	ReasonDisabled
	ReasonLowConfidence
	ReasonOutranked
	ReasonPositionOpen
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonBlackout:
		return "blackout"
	case ReasonDailyStop:
		return "daily_stop"
	case ReasonDisabled:
		return "disabled"
	case ReasonLowConfidence:
		return "low_confidence"
	case ReasonOutranked:
		return "outranked"
	case ReasonPositionOpen:
		return "position_open"
	default:
		return "unknown"
	}
}

// Rejection records a discarded signal.
type Rejection struct {
	Signal schema.Signal
	Reason Reason
	Detail string
}

// Decision is the arbiter's verdict for one instrument. ScaleInto is set
// when the admitted signal adds to an already open position.
type Decision struct {
	InstrumentID string
	Admitted     bool
	Signal       schema.Signal
	ScaleInto    string
	Rejections   []Rejection
}

// Policies resolves per-setup policies.
type Policies interface {
	Policy(kind schema.SetupKind) ops.SetupPolicy
}

// RiskState exposes the daily stop flag.
type RiskState interface {
	Breached() bool
}

// OpenPosition describes the live position of an instrument.
type OpenPosition struct {
	ID   string
	Kind schema.SetupKind
}

// Positions looks up the live position of an instrument.
type Positions interface {
	OpenOn(instrument string) (OpenPosition, bool)
}

// Arbiter selects at most one signal per instrument.
type Arbiter struct {
	calendar *Calendar
	policies Policies
	risk     RiskState
}

// New creates an arbiter. A nil calendar or risk state disables that filter.
func New(calendar *Calendar, policies Policies, risk RiskState) *Arbiter {
	return &Arbiter{calendar: calendar, policies: policies, risk: risk}
}

// Admit ranks signals that fired at ts and returns one decision per
// instrument, ordered by instrument.
func (a *Arbiter) Admit(ts int64, signals []schema.Signal, positions Positions) []Decision {
	if len(signals) == 0 {
		return nil
	}
	groups := make(map[string][]schema.Signal, 1)
	for _, s := range signals {
		groups[s.InstrumentID] = append(groups[s.InstrumentID], s)
	}
	instruments := make([]string, 0, len(groups))
	for id := range groups {
		instruments = append(instruments, id)
	}
	sort.Strings(instruments)

	out := make([]Decision, 0, len(instruments))
	for _, id := range instruments {
		out = append(out, a.admitOne(ts, id, groups[id], positions))
	}
	return out
}

func (a *Arbiter) admitOne(ts int64, instrument string, signals []schema.Signal, positions Positions) Decision {
	d := Decision{InstrumentID: instrument}
	if a.risk != nil && a.risk.Breached() {
		return d.rejectAll(signals, ReasonDailyStop, "")
	}
	if label, ok := a.calendar.Blackout(ts); ok {
		return d.rejectAll(signals, ReasonBlackout, label)
	}

	best := -1
	for i, s := range signals {
		p := a.policies.Policy(s.Kind)
		switch {
		case !p.IsEnabled():
			d.reject(s, ReasonDisabled, "")
			continue
		case s.Confidence < p.MinConfidence:
			d.reject(s, ReasonLowConfidence, "")
			continue
		}
		if best < 0 || outranks(s, signals[best]) {
			if best >= 0 {
				d.reject(signals[best], ReasonOutranked, s.Kind.String())
			}
			best = i
		} else {
			d.reject(s, ReasonOutranked, signals[best].Kind.String())
		}
	}
	if best < 0 {
		return d
	}
	chosen := signals[best]

	if positions != nil {
		if open, ok := positions.OpenOn(instrument); ok {
			if open.Kind != chosen.Kind || !a.policies.Policy(chosen.Kind).ScaleIn {
				d.reject(chosen, ReasonPositionOpen, open.ID)
				return d
			}
			d.ScaleInto = open.ID
		}
	}
	d.Admitted = true
	d.Signal = chosen
	return d
}

// outranks orders by confidence, then by the fixed setup priority.
func outranks(a, b schema.Signal) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	return a.Kind.Priority() < b.Kind.Priority()
}

func (d *Decision) reject(s schema.Signal, r Reason, detail string) {
	d.Rejections = append(d.Rejections, Rejection{Signal: s, Reason: r, Detail: detail})
}

func (d Decision) rejectAll(signals []schema.Signal, r Reason, detail string) Decision {
	for _, s := range signals {
		d.reject(s, r, detail)
	}
	return d
}

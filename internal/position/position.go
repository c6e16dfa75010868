package position

import (
	"math"

	"github.com/yanun0323/errors"

	"odte/internal/risk"
	"odte/internal/schema"
	"odte/pkg/exception"
)

const epsilon = 1e-9

// State is the lifecycle state of a position.
type State uint8

const (
	StatePending State = iota
	StateOpen
	StateScaling
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateOpen:
		return "open"
	case StateScaling:
		return "scaling"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ExitReason records what closed a leg or position.
type ExitReason uint8

const (
	ExitNone ExitReason = iota
	ExitForced
	ExitSession
	ExitMaxHold
	ExitStop
	ExitTarget
	ExitOpenFailed
	ExitInvariant
)

func (r ExitReason) String() string {
	switch r {
	case ExitNone:
		return "none"
	case ExitForced:
		return "forced"
	case ExitSession:
		return "session"
	case ExitMaxHold:
		return "max_hold"
	case ExitStop:
		return "stop"
	case ExitTarget:
		return "target"
	case ExitOpenFailed:
		return "open_failed"
	case ExitInvariant:
		return "invariant"
	default:
		return "unknown"
	}
}

// Leg is one directional side of a position.
type Leg struct {
	Side      schema.PositionSide
	Size      float64
	Peak      float64
	Entry     float64
	Origin    float64
	Stop      float64
	Target    float64
	Realized  float64
	Confirmed bool
	Live      bool
	Exit      ExitReason

	filled       float64
	openIntent   uint64
	closeIntent  uint64
	scaleIntent  uint64
	pendingScale float64
	scalePrice   float64
}

func (l *Leg) dir() float64 { return float64(l.Side) }

func (l *Leg) pnl(price, multiplier float64) float64 {
	return (price - l.Entry) * l.dir() * l.Size * multiplier
}

func (l *Leg) stopTouched(mark float64) bool {
	if l.Side == schema.Short {
		return mark >= l.Stop
	}
	return mark <= l.Stop
}

func (l *Leg) targetTouched(mark float64) bool {
	if l.Side == schema.Short {
		return mark <= l.Target
	}
	return mark >= l.Target
}

func (l *Leg) favorable(mark float64) bool {
	return (mark-l.Entry)*l.dir() > 0
}

// tighter reports whether level a is at least as protective as b.
func (l *Leg) tighter(a, b float64) bool {
	return (a-b)*l.dir() >= 0
}

// setLevels moves the stop and target. Levels may only tighten.
func (l *Leg) setLevels(stop, target float64) error {
	if !l.tighter(stop, l.Stop) {
		return errors.Wrap(exception.ErrStopLoosened, "set levels").With("from", l.Stop).With("to", stop)
	}
	if (l.Target-target)*l.dir() < 0 {
		return errors.Wrap(exception.ErrTargetLoosened, "set levels").With("from", l.Target).With("to", target)
	}
	l.Stop, l.Target = stop, target
	return nil
}

// Position is one trade opened against an accepted signal. It is owned by a
// single Machine until it reaches StateClosed.
type Position struct {
	ID                 string
	Signal             schema.Signal
	Instrument         schema.Instrument
	State              State
	OpenedAt           int64
	Deadline           int64
	ClosedAt           int64
	Legs               []Leg
	Mark               float64
	Scales             int
	Exit               ExitReason
	RiskAtEntry        float64
	ExecutionFailure   bool
	InvariantViolation bool
	Forced             bool

	reported float64
	// fills without an intent ID already applied, for replay dedupe
	anonFills map[anonFill]struct{}
}

type anonFill struct {
	size, price float64
	ts          int64
}

// Terminal reports whether the position is closed.
func (p *Position) Terminal() bool { return p.State == StateClosed }

// Realized is the realized P&L over all legs.
func (p *Position) Realized() float64 {
	var sum float64
	for i := range p.Legs {
		sum += p.Legs[i].Realized
	}
	return sum
}

// Unrealized is the mark-to-market P&L of the live legs.
func (p *Position) Unrealized() float64 {
	var sum float64
	for i := range p.Legs {
		if l := &p.Legs[i]; l.Live {
			sum += l.pnl(p.Mark, p.Instrument.Multiplier)
		}
	}
	return sum
}

// Size is the live size summed over legs.
func (p *Position) Size() float64 {
	var sum float64
	for i := range p.Legs {
		if p.Legs[i].Live {
			sum += p.Legs[i].Size
		}
	}
	return sum
}

// Exposure is the notional of the live legs including unfilled scale-ins.
func (p *Position) Exposure() float64 {
	var sum float64
	for i := range p.Legs {
		l := &p.Legs[i]
		if !l.Live {
			continue
		}
		sum += l.Size*l.Entry + l.pendingScale*l.scalePrice
	}
	return sum * p.Instrument.Multiplier
}

// WorstCase is the P&L if every live leg, including unfilled scale-ins, is
// stopped out.
func (p *Position) WorstCase() float64 {
	var sum float64
	for i := range p.Legs {
		l := &p.Legs[i]
		if !l.Live {
			continue
		}
		sum += (l.Stop-l.Entry)*l.dir()*l.Size + (l.Stop-l.scalePrice)*l.dir()*l.pendingScale
	}
	return sum * p.Instrument.Multiplier
}

// EntryPrice is the size weighted entry over legs at their peak size.
func (p *Position) EntryPrice() float64 {
	var num, den float64
	for i := range p.Legs {
		num += p.Legs[i].Entry * p.Legs[i].Peak
		den += p.Legs[i].Peak
	}
	if den == 0 {
		return p.Signal.Price
	}
	return num / den
}

func (p *Position) peak() float64 {
	var sum float64
	for i := range p.Legs {
		sum += p.Legs[i].Peak
	}
	return sum
}

func (p *Position) allSettled() bool {
	for i := range p.Legs {
		if p.Legs[i].Live {
			return false
		}
	}
	return true
}

func (p *Position) closing() bool {
	for i := range p.Legs {
		if p.Legs[i].closeIntent != 0 {
			return true
		}
	}
	return false
}

func (p *Position) record() risk.ClosedRecord {
	return risk.ClosedRecord{
		PositionID:         p.ID,
		InstrumentID:       p.Signal.InstrumentID,
		Kind:               p.Signal.Kind,
		Bias:               p.Signal.Bias,
		OpenedAt:           p.OpenedAt,
		ClosedAt:           p.ClosedAt,
		EntryPrice:         p.EntryPrice(),
		Size:               p.peak(),
		RiskAtEntry:        p.RiskAtEntry,
		RealizedPnL:        p.Realized(),
		ExitReason:         p.Exit.String(),
		ExecutionFailure:   p.ExecutionFailure,
		InvariantViolation: p.InvariantViolation,
		Forced:             p.Forced,
	}
}

func legSides(b schema.Bias) []schema.PositionSide {
	switch b {
	case schema.BiasLong:
		return []schema.PositionSide{schema.Long}
	case schema.BiasShort:
		return []schema.PositionSide{schema.Short}
	default:
		return []schema.PositionSide{schema.Long, schema.Short}
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

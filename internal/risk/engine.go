package risk

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"odte/internal/schema"
	"odte/pkg/exception"
)

// Config defines the governor ceilings. Per-trade and daily limits are
// expressed in R units.
type Config struct {
	RUnit       float64 `yaml:"r_unit"`
	PerTradeR   float64 `yaml:"per_trade_r"`
	DailyR      float64 `yaml:"daily_r"`
	MaxExposure float64 `yaml:"max_exposure"`
}

// PerTradeLimit is the largest loss a single position may carry.
func (c Config) PerTradeLimit() float64 { return c.PerTradeR * c.RUnit }

// DailyLimit is the loss at which the session stops.
func (c Config) DailyLimit() float64 { return c.DailyR * c.RUnit }

// Reason is a coarse reason code for sizing decisions.
type Reason uint16

const (
	ReasonNone Reason = iota
	ReasonDailyStop
	ReasonInvalid
	ReasonExposure
	ReasonPerTrade
	ReasonDailyBudget
	ReasonClosed
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonDailyStop:
		return "daily_stop"
	case ReasonInvalid:
		return "invalid"
	case ReasonExposure:
		return "exposure"
	case ReasonPerTrade:
		return "per_trade"
	case ReasonDailyBudget:
		return "daily_budget"
	case ReasonClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SizeRequest asks the governor how much of a proposed size may be taken.
// RiskPerUnit is the loss per unit if the stop is hit; ExistingRisk is the
// loss-at-stop the position already carries when scaling.
type SizeRequest struct {
	PositionID      string
	InstrumentID    string
	Kind            schema.SetupKind
	Proposed        float64
	LotSize         float64
	RiskPerUnit     float64
	ExposurePerUnit float64
	ExistingRisk    float64
	Timestamp       int64
}

// Decision is the outcome of a size request.
type Decision struct {
	Approved float64
	Reason   Reason
}

// Vetoed reports whether nothing was approved.
func (d Decision) Vetoed() bool { return d.Approved <= 0 }

// Err maps a veto to the risk error taxonomy.
func (d Decision) Err() error {
	switch {
	case !d.Vetoed():
		return nil
	case d.Reason == ReasonDailyStop:
		return exception.ErrDailyStopBreached
	default:
		return errors.Wrap(exception.ErrRiskVeto, d.Reason.String())
	}
}

// PositionUpdate carries the latest risk figures of one position. WorstCase
// is the P&L of the open legs if every stop is hit (negative for a loss).
type PositionUpdate struct {
	PositionID    string
	InstrumentID  string
	Exposure      float64
	WorstCase     float64
	Unrealized    float64
	RealizedDelta float64
	Closed        bool
	Record        ClosedRecord
	Timestamp     int64
}

type entry struct {
	instrument string
	exposure   float64
	worstCase  float64
	unrealized float64
}

// Governor is the single source of truth for outstanding risk. All
// mutations are serialized; the flatten epoch can be read without locking.
type Governor struct {
	mu      sync.Mutex
	cfg     Config
	ledger  Ledger
	open    map[string]*entry
	closed  map[string]struct{}
	history []ClosedRecord

	epoch  atomic.Uint64
	reason atomic.Value
	subsMu sync.Mutex
	subs   []chan struct{}
}

// NewGovernor creates a governor for one session.
func NewGovernor(cfg Config) *Governor {
	g := &Governor{
		cfg:    cfg,
		open:   make(map[string]*entry),
		closed: make(map[string]struct{}),
	}
	g.reason.Store("")
	return g
}

// Config returns the governor limits.
func (g *Governor) Config() Config { return g.cfg }

// RequestSize approves between zero and the proposed size. Approved capacity
// is reserved against the position until its next update.
func (g *Governor) RequestSize(req SizeRequest) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.ledger.DailyStopBreached {
		return Decision{Reason: ReasonDailyStop}
	}
	if _, ok := g.closed[req.PositionID]; ok {
		return Decision{Reason: ReasonClosed}
	}
	if req.Proposed <= 0 || req.RiskPerUnit <= 0 || math.IsNaN(req.RiskPerUnit) {
		return Decision{Reason: ReasonInvalid}
	}
	lot := req.LotSize
	if lot <= 0 {
		lot = 1
	}

	approved := lots(req.Proposed, lot)
	reason := ReasonInvalid
	if g.cfg.MaxExposure > 0 && req.ExposurePerUnit > 0 {
		byExposure := lots((g.cfg.MaxExposure-g.ledger.OpenExposure)/req.ExposurePerUnit, lot)
		if byExposure < approved {
			approved, reason = byExposure, ReasonExposure
		}
	}
	byTrade := lots((g.cfg.PerTradeLimit()-req.ExistingRisk)/req.RiskPerUnit, lot)
	if byTrade < approved {
		approved, reason = byTrade, ReasonPerTrade
	}
	headroom := g.cfg.DailyLimit() + g.ledger.RealizedPnLToday + g.ledger.WorstCaseOpenPnL
	byDaily := lots(headroom/req.RiskPerUnit, lot)
	if byDaily > 0 && byDaily*req.RiskPerUnit >= headroom {
		byDaily -= lot
	}
	if byDaily < approved {
		approved, reason = byDaily, ReasonDailyBudget
	}
	if approved <= 0 {
		return Decision{Reason: reason}
	}

	e, ok := g.open[req.PositionID]
	if !ok {
		e = &entry{instrument: req.InstrumentID}
		g.open[req.PositionID] = e
		g.ledger.TradesToday++
	}
	e.exposure += approved * req.ExposurePerUnit
	e.worstCase -= approved * req.RiskPerUnit
	g.recompute()
	return Decision{Approved: approved, Reason: ReasonNone}
}

// OnPositionUpdate applies a position's latest figures. It trips the daily
// stop, and broadcasts a flatten, once realized P&L plus the worst case of
// everything still open reaches the daily limit. Returns whether the daily
// stop is breached.
func (g *Governor) OnPositionUpdate(u PositionUpdate) bool {
	g.mu.Lock()
	if _, ok := g.closed[u.PositionID]; ok {
		breached := g.ledger.DailyStopBreached
		g.mu.Unlock()
		return breached
	}
	g.ledger.RealizedPnLToday += u.RealizedDelta
	if u.Closed {
		delete(g.open, u.PositionID)
		g.closed[u.PositionID] = struct{}{}
		g.history = append(g.history, u.Record)
	} else {
		e, ok := g.open[u.PositionID]
		if !ok {
			e = &entry{instrument: u.InstrumentID}
			g.open[u.PositionID] = e
		}
		e.exposure = u.Exposure
		e.worstCase = u.WorstCase
		e.unrealized = u.Unrealized
	}
	g.recompute()

	tripped := false
	if !g.ledger.DailyStopBreached && g.ledger.RealizedPnLToday+g.ledger.WorstCaseOpenPnL <= -g.cfg.DailyLimit() {
		g.ledger.DailyStopBreached = true
		tripped = true
	}
	breached := g.ledger.DailyStopBreached
	realized, worst := g.ledger.RealizedPnLToday, g.ledger.WorstCaseOpenPnL
	g.mu.Unlock()

	if tripped {
		logs.Warnf("daily stop breached, realized: %.2f, worst case open: %.2f, limit: %.2f", realized, worst, g.cfg.DailyLimit())
		g.ForceFlatten("daily_stop")
	}
	return breached
}

// Release drops the reservation of a position that never opened.
func (g *Governor) Release(positionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.open[positionID]; !ok {
		return
	}
	delete(g.open, positionID)
	g.ledger.TradesToday--
	g.recompute()
}

// ForceFlatten broadcasts a flatten to every subscribed shard.
func (g *Governor) ForceFlatten(reason string) {
	g.reason.Store(reason)
	g.epoch.Add(1)
	g.subsMu.Lock()
	defer g.subsMu.Unlock()
	for _, ch := range g.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// FlattenEpoch increases on every flatten broadcast. Position machines
// compare it on every event.
func (g *Governor) FlattenEpoch() uint64 { return g.epoch.Load() }

// FlattenReason returns the reason of the latest flatten broadcast.
func (g *Governor) FlattenReason() string {
	r, _ := g.reason.Load().(string)
	return r
}

// Subscribe returns a channel notified on every flatten broadcast.
func (g *Governor) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	g.subsMu.Lock()
	g.subs = append(g.subs, ch)
	g.subsMu.Unlock()
	return ch
}

// Breached reports whether the daily stop is breached.
func (g *Governor) Breached() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ledger.DailyStopBreached
}

// Ledger returns a copy of the aggregate state.
func (g *Governor) Ledger() Ledger {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ledger
}

// History returns the closed records of the session.
func (g *Governor) History() []ClosedRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]ClosedRecord, len(g.history))
	copy(out, g.history)
	return out
}

// ResetSession starts a new session. Positions must be flat; the history of
// the finished session is returned.
func (g *Governor) ResetSession(session string) ([]ClosedRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.open) > 0 {
		return nil, errors.Wrap(exception.ErrInvalidTransition, "reset session with open positions").
			With("open", len(g.open))
	}
	history := g.history
	g.history = nil
	g.closed = make(map[string]struct{})
	g.ledger = Ledger{Session: session}
	logs.Infof("risk session reset, session: %s, closed: %d", session, len(history))
	return history, nil
}

func (g *Governor) recompute() {
	var exposure, worst, unrealized float64
	for _, e := range g.open {
		exposure += e.exposure
		worst += e.worstCase
		unrealized += e.unrealized
	}
	g.ledger.OpenExposure = exposure
	g.ledger.WorstCaseOpenPnL = worst
	g.ledger.UnrealizedPnL = unrealized
	g.ledger.OpenPositions = len(g.open)
}

// lots floors a quantity to a whole number of lots.
func lots(qty, lot float64) float64 {
	if qty <= 0 || math.IsNaN(qty) {
		return 0
	}
	if math.IsInf(qty, 1) {
		return math.MaxFloat64
	}
	return math.Floor(qty/lot+1e-9) * lot
}

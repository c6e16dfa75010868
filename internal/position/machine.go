package position

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"odte/internal/arbiter"
	"odte/internal/obs"
	"odte/internal/ops"
	"odte/internal/risk"
	"odte/internal/schema"
	"odte/pkg/exception"
)

// Executor receives order and cancel intents.
type Executor interface {
	Submit(ctx context.Context, intent schema.OrderIntent) error
	Cancel(ctx context.Context, cancel schema.CancelIntent) error
}

// Governor is the risk collaborator of the machine.
type Governor interface {
	RequestSize(req risk.SizeRequest) risk.Decision
	Release(positionID string)
	OnPositionUpdate(u risk.PositionUpdate) bool
}

// Policies resolves per-setup policies.
type Policies interface {
	Policy(kind schema.SetupKind) ops.SetupPolicy
}

// Config bounds the execution lifecycle of a position.
type Config struct {
	FillTimeout     time.Duration
	MaxCloseRetries int
}

// Options wires a Machine.
type Options struct {
	Config   Config
	Policies Policies
	Registry *schema.Registry
	Governor Governor
	Executor Executor
	IDs      *obs.IDGenerator
	Metrics  *obs.Metrics
}

type pendingIntent struct {
	intent   schema.OrderIntent
	deadline int64
	retries  int
}

var positionNamespace = uuid.MustParse("6f1c2a4e-8c1b-4f7e-9a0d-3b5e7d9c1f20")

// Machine owns the positions of one shard. It is not safe for concurrent use;
// each shard drives its own machine.
type Machine struct {
	cfg      Config
	policies Policies
	registry *schema.Registry
	governor Governor
	exec     Executor
	ids      *obs.IDGenerator
	metrics  *obs.Metrics

	live    map[string]*Position
	byInstr map[string]*Position
	closed  map[string]*Position
	pending map[uint64]*pendingIntent
	seq     uint64
	epoch   uint64
}

// NewMachine creates an empty machine.
func NewMachine(opts Options) *Machine {
	ids := opts.IDs
	if ids == nil {
		ids = obs.NewIDGenerator(0)
	}
	return &Machine{
		cfg:      opts.Config,
		policies: opts.Policies,
		registry: opts.Registry,
		governor: opts.Governor,
		exec:     opts.Executor,
		ids:      ids,
		metrics:  opts.Metrics,
		live:     make(map[string]*Position),
		byInstr:  make(map[string]*Position),
		closed:   make(map[string]*Position),
		pending:  make(map[uint64]*pendingIntent),
	}
}

// Get returns a live or closed position.
func (m *Machine) Get(id string) (*Position, bool) {
	if p, ok := m.live[id]; ok {
		return p, true
	}
	p, ok := m.closed[id]
	return p, ok
}

// Live returns the number of non-terminal positions.
func (m *Machine) Live() int { return len(m.live) }

// OpenOn returns the live position of an instrument.
func (m *Machine) OpenOn(instrument string) (arbiter.OpenPosition, bool) {
	p, ok := m.byInstr[instrument]
	if !ok {
		return arbiter.OpenPosition{}, false
	}
	return arbiter.OpenPosition{ID: p.ID, Kind: p.Signal.Kind}, true
}

// Open sizes a position for an admitted signal through the governor and
// emits its open intents. A veto returns the risk error and creates nothing.
func (m *Machine) Open(ctx context.Context, sig schema.Signal) (*Position, error) {
	if _, ok := m.byInstr[sig.InstrumentID]; ok {
		return nil, errors.Wrap(exception.ErrInvalidTransition, "instrument already has a live position").
			With("instrument", sig.InstrumentID)
	}
	inst, ok := m.registry.Lookup(sig.InstrumentID)
	if !ok {
		return nil, errors.Wrap(exception.ErrUnknownInstrument, sig.InstrumentID)
	}
	if sig.Price <= 0 || !finite(sig.Price) {
		return nil, errors.Wrap(exception.ErrInvalidArgument, "signal price").With("price", sig.Price)
	}

	policy := m.policies.Policy(sig.Kind)
	m.seq++
	p := &Position{
		ID:         positionID(sig, m.seq),
		Signal:     sig,
		Instrument: inst,
		State:      StatePending,
		OpenedAt:   sig.Timestamp,
		Deadline:   sig.Timestamp + schema.Micros(policy.MaxHold),
		Mark:       sig.Price,
	}
	stopDist := sig.Price * policy.StopPct
	targetDist := sig.Price * policy.TargetPct
	var riskPerUnit float64
	for _, side := range legSides(sig.Bias) {
		l := Leg{Side: side, Entry: sig.Price, Origin: sig.Price, Live: true}
		l.Stop = sig.Price - l.dir()*stopDist
		l.Target = sig.Price + l.dir()*targetDist
		if l.Stop < 0 {
			l.Stop = 0
		}
		if l.Target < 0 {
			l.Target = 0
		}
		riskPerUnit += math.Abs(sig.Price-l.Stop) * inst.Multiplier
		p.Legs = append(p.Legs, l)
	}

	dec := m.governor.RequestSize(risk.SizeRequest{
		PositionID:      p.ID,
		InstrumentID:    sig.InstrumentID,
		Kind:            sig.Kind,
		Proposed:        policy.BaseSize,
		LotSize:         inst.LotSize,
		RiskPerUnit:     riskPerUnit,
		ExposurePerUnit: sig.Price * inst.Multiplier * float64(len(p.Legs)),
		Timestamp:       sig.Timestamp,
	})
	if dec.Vetoed() {
		m.metrics.IncVeto(dec.Reason.String())
		return nil, dec.Err()
	}
	for i := range p.Legs {
		p.Legs[i].Size = dec.Approved
		p.Legs[i].Peak = dec.Approved
	}
	p.RiskAtEntry = -p.WorstCase()
	p.State = StateOpen

	for i := range p.Legs {
		id, err := m.submit(ctx, p, i, schema.IntentOpen, schema.OrderTypeLimit, p.Legs[i].Size, sig.Price, sig.Timestamp)
		if err != nil {
			m.cancelAll(ctx, p, sig.Timestamp)
			m.governor.Release(p.ID)
			return nil, errors.Wrap(err, "submit open intent").With("position", p.ID)
		}
		p.Legs[i].openIntent = id
	}
	m.live[p.ID] = p
	m.byInstr[sig.InstrumentID] = p
	m.report(p, sig.Timestamp)
	logs.Infof("position opened, id: %s, setup: %s, instrument: %s, bias: %s, size: %.0f, entry: %.4f",
		p.ID, sig.Kind, sig.InstrumentID, sig.Bias, dec.Approved, sig.Price)
	return p, nil
}

// Scale adds to an open position on favorable continuation. The added size
// is approved by the governor and bounded by the setup policy.
func (m *Machine) Scale(ctx context.Context, positionID string, sig schema.Signal) error {
	p, ok := m.live[positionID]
	if !ok {
		return errors.Wrap(exception.ErrUnknownPosition, positionID)
	}
	policy := m.policies.Policy(p.Signal.Kind)
	if !policy.ScaleIn || p.Scales >= policy.MaxScales {
		return errors.Wrap(exception.ErrInvalidTransition, "scale limit reached").With("position", p.ID)
	}
	if p.State != StateOpen || m.hasPending(p.ID) {
		return errors.Wrap(exception.ErrInvalidTransition, "position is busy").
			With("position", p.ID).With("state", p.State.String())
	}
	mark := sig.Price
	var (
		riskPerUnit float64
		base        float64
		legs        int
	)
	for i := range p.Legs {
		l := &p.Legs[i]
		if !l.Live {
			continue
		}
		if !l.Confirmed || !l.favorable(mark) {
			return errors.Wrap(exception.ErrInvalidTransition, "scale needs favorable confirmed legs").With("position", p.ID)
		}
		riskPerUnit += math.Abs(mark-l.Stop) * p.Instrument.Multiplier
		base = math.Max(base, l.Size)
		legs++
	}
	if legs == 0 {
		return errors.Wrap(exception.ErrInvalidTransition, "no live legs").With("position", p.ID)
	}

	dec := m.governor.RequestSize(risk.SizeRequest{
		PositionID:      p.ID,
		InstrumentID:    p.Signal.InstrumentID,
		Kind:            p.Signal.Kind,
		Proposed:        base * policy.ScaleFraction,
		LotSize:         p.Instrument.LotSize,
		RiskPerUnit:     riskPerUnit,
		ExposurePerUnit: mark * p.Instrument.Multiplier * float64(legs),
		ExistingRisk:    math.Max(0, -p.WorstCase()),
		Timestamp:       sig.Timestamp,
	})
	if dec.Vetoed() {
		m.metrics.IncVeto(dec.Reason.String())
		return dec.Err()
	}

	p.Mark = mark
	p.State = StateScaling
	p.Scales++
	for i := range p.Legs {
		l := &p.Legs[i]
		if !l.Live {
			continue
		}
		l.pendingScale, l.scalePrice = dec.Approved, mark
		id, err := m.submit(ctx, p, i, schema.IntentScale, schema.OrderTypeLimit, dec.Approved, mark, sig.Timestamp)
		if err != nil {
			m.endScale(ctx, p, sig.Timestamp)
			m.report(p, sig.Timestamp)
			return errors.Wrap(err, "submit scale intent").With("position", p.ID)
		}
		l.scaleIntent = id
	}
	m.report(p, sig.Timestamp)
	logs.Infof("position scaling, id: %s, add: %.0f, mark: %.4f", p.ID, dec.Approved, mark)
	return nil
}

// OnMarket marks the instrument's position, expires stale intents and runs
// the exit rules.
func (m *Machine) OnMarket(ctx context.Context, ev schema.MarketEvent) {
	p, ok := m.byInstr[ev.InstrumentID]
	if !ok {
		return
	}
	p.Mark = ev.Price
	m.step(ctx, p, ev.Timestamp)
}

// Sweep expires stale intents and time exits of every live position.
func (m *Machine) Sweep(ctx context.Context, now int64) {
	for _, p := range m.sortedLive() {
		m.step(ctx, p, now)
	}
}

// CheckFlatten applies a governor flatten broadcast newer than the last one
// seen. It returns the number of positions closed.
func (m *Machine) CheckFlatten(ctx context.Context, epoch uint64, now int64, reason ExitReason) int {
	if epoch <= m.epoch {
		return 0
	}
	m.epoch = epoch
	n := m.FlattenAll(ctx, now, reason)
	if n > 0 {
		m.metrics.IncFlatten()
	}
	return n
}

// FlattenAll closes every live position at its mark.
func (m *Machine) FlattenAll(ctx context.Context, now int64, reason ExitReason) int {
	positions := m.sortedLive()
	for _, p := range positions {
		p.Forced = true
		m.closeNow(ctx, p, now, reason)
	}
	return len(positions)
}

// ResetSession drops the closed positions of the finished session.
func (m *Machine) ResetSession() error {
	if len(m.live) > 0 {
		return errors.Wrap(exception.ErrInvalidTransition, "reset with live positions").With("live", len(m.live))
	}
	m.closed = make(map[string]*Position)
	return nil
}

func (m *Machine) step(ctx context.Context, p *Position, now int64) {
	m.expire(ctx, p, now)
	if !p.Terminal() {
		m.evaluate(ctx, p, now)
	}
	m.report(p, now)
}

// evaluate applies the time, stop and target exits in that order.
func (m *Machine) evaluate(ctx context.Context, p *Position, now int64) {
	if p.State == StatePending || p.State == StateClosed {
		return
	}
	if now >= p.Deadline {
		for i := range p.Legs {
			m.closeLeg(ctx, p, i, now, ExitMaxHold)
			if p.Terminal() {
				return
			}
		}
		return
	}
	for i := range p.Legs {
		l := &p.Legs[i]
		if !l.Live || !l.Confirmed || l.closeIntent != 0 {
			continue
		}
		switch {
		case l.stopTouched(p.Mark):
			m.closeLeg(ctx, p, i, now, ExitStop)
		case l.targetTouched(p.Mark):
			m.closeLeg(ctx, p, i, now, ExitTarget)
		}
		if p.Terminal() {
			return
		}
	}
}

// closeLeg starts closing one leg with a limit intent at the mark.
func (m *Machine) closeLeg(ctx context.Context, p *Position, leg int, now int64, reason ExitReason) {
	l := &p.Legs[leg]
	if !l.Live || l.closeIntent != 0 {
		return
	}
	if l.Exit == ExitNone {
		l.Exit = reason
	}
	if p.Exit == ExitNone {
		p.Exit = reason
	}
	m.cancelLeg(ctx, p, leg, now)
	if l.filled > 0 && !l.Confirmed {
		l.Size, l.Peak, l.Confirmed = l.filled, l.filled, true
	}
	if !l.Confirmed {
		l.Size, l.Live = 0, false
		m.settle(ctx, p, now)
		return
	}
	p.State = StateClosing
	m.issueClose(ctx, p, leg, now, schema.OrderTypeLimit, 0)
}

// issueClose submits a close intent, escalating to market while the
// collaborator rejects it.
func (m *Machine) issueClose(ctx context.Context, p *Position, leg int, now int64, typ schema.OrderType, retries int) {
	l := &p.Legs[leg]
	for {
		id, err := m.submit(ctx, p, leg, schema.IntentClose, typ, l.Size, p.Mark, now)
		if err == nil {
			m.pending[id].retries = retries
			l.closeIntent = id
			return
		}
		logs.Warnf("close intent rejected, position: %s, leg: %d, retries: %d, err: %+v", p.ID, leg, retries, err)
		if retries >= m.cfg.MaxCloseRetries {
			m.abandonLeg(ctx, p, leg, now)
			return
		}
		retries++
		typ = schema.OrderTypeMarket
	}
}

// abandonLeg books a leg closed at the mark after close retries ran out.
func (m *Machine) abandonLeg(ctx context.Context, p *Position, leg int, now int64) {
	l := &p.Legs[leg]
	l.Realized += l.pnl(p.Mark, p.Instrument.Multiplier)
	l.Size, l.Live, l.closeIntent = 0, false, 0
	p.ExecutionFailure = true
	logs.Warnf("close retries exhausted, position: %s, leg: %d, booked at mark: %.4f", p.ID, leg, p.Mark)
	m.settle(ctx, p, now)
}

// closeNow closes every live leg at the mark within the current call,
// emitting market close intents for the filled size.
func (m *Machine) closeNow(ctx context.Context, p *Position, now int64, reason ExitReason) {
	if p.Terminal() {
		return
	}
	p.Exit = reason
	m.cancelAll(ctx, p, now)
	for i := range p.Legs {
		l := &p.Legs[i]
		if !l.Live {
			continue
		}
		if !l.Confirmed {
			l.Size = l.filled
		}
		l.closeIntent = 0
		l.pendingScale = 0
		if l.Size > epsilon {
			intent := m.intent(p, i, schema.IntentClose, schema.OrderTypeMarket, l.Size, p.Mark, now)
			if err := m.exec.Submit(ctx, intent); err != nil {
				m.metrics.IncIntent(intent.Kind.String(), "rejected")
				p.ExecutionFailure = true
				logs.Warnf("flatten intent rejected, position: %s, leg: %d, err: %+v", p.ID, i, err)
			} else {
				m.metrics.IncIntent(intent.Kind.String(), "submitted")
			}
			l.Realized += l.pnl(p.Mark, p.Instrument.Multiplier)
		}
		l.Size, l.Live = 0, false
		if l.Exit == ExitNone || reason == ExitForced || reason == ExitSession {
			l.Exit = reason
		}
	}
	m.finalize(p, now)
}

// violate isolates an invariant violation to its position.
func (m *Machine) violate(ctx context.Context, p *Position, now int64, err error) {
	logs.Errorf("position invariant violated, id: %s, err: %+v", p.ID, err)
	p.InvariantViolation = true
	for i := range p.Legs {
		if p.Legs[i].Size < 0 {
			p.Legs[i].Size = 0
		}
	}
	m.closeNow(ctx, p, now, ExitInvariant)
}

// settle moves a position to the state implied by its legs.
func (m *Machine) settle(ctx context.Context, p *Position, now int64) {
	switch {
	case p.allSettled():
		m.finalize(p, now)
	case p.closing():
		p.State = StateClosing
	case m.hasPendingKind(p.ID, schema.IntentScale):
		p.State = StateScaling
	default:
		p.State = StateOpen
	}
}

func (m *Machine) finalize(p *Position, now int64) {
	for _, id := range m.pendingOf(p.ID) {
		delete(m.pending, id)
	}
	p.State = StateClosed
	p.ClosedAt = now
	delete(m.live, p.ID)
	if m.byInstr[p.Signal.InstrumentID] == p {
		delete(m.byInstr, p.Signal.InstrumentID)
	}
	m.closed[p.ID] = p
	m.metrics.IncClosed(p.Signal.Kind.String(), p.Exit.String())
	m.report(p, now)
	logs.Infof("position closed, id: %s, setup: %s, exit: %s, pnl: %.2f, exec_failure: %t",
		p.ID, p.Signal.Kind, p.Exit, p.Realized(), p.ExecutionFailure)
}

// report pushes the position's risk figures to the governor.
func (m *Machine) report(p *Position, now int64) {
	delta := p.Realized() - p.reported
	p.reported += delta
	u := risk.PositionUpdate{
		PositionID:    p.ID,
		InstrumentID:  p.Signal.InstrumentID,
		Exposure:      p.Exposure(),
		WorstCase:     p.WorstCase(),
		Unrealized:    p.Unrealized(),
		RealizedDelta: delta,
		Closed:        p.Terminal(),
		Timestamp:     now,
	}
	if u.Closed {
		u.Record = p.record()
	}
	m.governor.OnPositionUpdate(u)
}

func (m *Machine) intent(p *Position, leg int, kind schema.IntentKind, typ schema.OrderType, size, price float64, now int64) schema.OrderIntent {
	side := schema.OpenSide(p.Legs[leg].Side)
	if kind == schema.IntentClose {
		side = schema.CloseSide(p.Legs[leg].Side)
	}
	return schema.OrderIntent{
		IntentID:     m.ids.Next(),
		PositionID:   p.ID,
		InstrumentID: p.Signal.InstrumentID,
		Leg:          leg,
		Side:         side,
		Size:         size,
		Kind:         kind,
		Type:         typ,
		Price:        price,
		Timestamp:    now,
	}
}

func (m *Machine) submit(ctx context.Context, p *Position, leg int, kind schema.IntentKind, typ schema.OrderType, size, price float64, now int64) (uint64, error) {
	intent := m.intent(p, leg, kind, typ, size, price, now)
	if err := m.exec.Submit(ctx, intent); err != nil {
		m.metrics.IncIntent(kind.String(), "rejected")
		return 0, err
	}
	m.metrics.IncIntent(kind.String(), "submitted")
	m.pending[intent.IntentID] = &pendingIntent{
		intent:   intent,
		deadline: now + schema.Micros(m.cfg.FillTimeout),
	}
	return intent.IntentID, nil
}

func (m *Machine) cancel(ctx context.Context, pi *pendingIntent, now int64) {
	delete(m.pending, pi.intent.IntentID)
	err := m.exec.Cancel(ctx, schema.CancelIntent{
		IntentID:     pi.intent.IntentID,
		PositionID:   pi.intent.PositionID,
		InstrumentID: pi.intent.InstrumentID,
		Timestamp:    now,
	})
	if err != nil {
		logs.Warnf("cancel intent failed, intent: %d, position: %s, err: %+v", pi.intent.IntentID, pi.intent.PositionID, err)
	}
}

func (m *Machine) cancelAll(ctx context.Context, p *Position, now int64) {
	for _, id := range m.pendingOf(p.ID) {
		m.cancel(ctx, m.pending[id], now)
	}
	for i := range p.Legs {
		p.Legs[i].openIntent, p.Legs[i].scaleIntent = 0, 0
	}
}

// cancelLeg withdraws the open and scale intents of one leg.
func (m *Machine) cancelLeg(ctx context.Context, p *Position, leg int, now int64) {
	l := &p.Legs[leg]
	for _, id := range []uint64{l.openIntent, l.scaleIntent} {
		if pi, ok := m.pending[id]; ok {
			m.cancel(ctx, pi, now)
		}
	}
	l.openIntent, l.scaleIntent, l.pendingScale = 0, 0, 0
}

func (m *Machine) pendingOf(positionID string) []uint64 {
	var ids []uint64
	for id, pi := range m.pending {
		if pi.intent.PositionID == positionID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *Machine) hasPending(positionID string) bool {
	for _, pi := range m.pending {
		if pi.intent.PositionID == positionID {
			return true
		}
	}
	return false
}

func (m *Machine) hasPendingKind(positionID string, kind schema.IntentKind) bool {
	for _, pi := range m.pending {
		if pi.intent.PositionID == positionID && pi.intent.Kind == kind {
			return true
		}
	}
	return false
}

func (m *Machine) sortedLive() []*Position {
	out := make([]*Position, 0, len(m.live))
	for _, p := range m.live {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt != out[j].OpenedAt {
			return out[i].OpenedAt < out[j].OpenedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// positionID derives a stable ID so replays of the same stream produce the
// same positions.
func positionID(sig schema.Signal, seq uint64) string {
	name := fmt.Sprintf("%s/%s/%d/%d", sig.InstrumentID, sig.Kind, sig.Timestamp, seq)
	return uuid.NewSHA1(positionNamespace, []byte(name)).String()
}

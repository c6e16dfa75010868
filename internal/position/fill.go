package position

import (
	"context"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"odte/internal/schema"
	"odte/pkg/exception"
)

// OnFill applies a fill confirmation. Fills for closed positions or for
// intents already completed are ignored and reported as such. A fill without
// an intent ID resolves only when the position has a single outstanding
// intent, and is applied once per size, price and timestamp.
func (m *Machine) OnFill(ctx context.Context, f schema.FillConfirmation) error {
	p, pi, err := m.resolve(f.PositionID, f.IntentID)
	if err != nil {
		return err
	}
	if f.FilledSize <= 0 || f.FillPrice <= 0 || !finite(f.FilledSize) || !finite(f.FillPrice) {
		return errors.Wrap(exception.ErrMalformedEvent, "fill").
			With("position", f.PositionID).With("size", f.FilledSize).With("price", f.FillPrice)
	}
	if f.IntentID == 0 {
		key := anonFill{size: f.FilledSize, price: f.FillPrice, ts: f.Timestamp}
		if _, ok := p.anonFills[key]; ok {
			return errors.Wrap(exception.ErrDuplicateFill, "replayed fill").
				With("position", f.PositionID).With("size", f.FilledSize).With("ts", f.Timestamp)
		}
		if p.anonFills == nil {
			p.anonFills = make(map[anonFill]struct{})
		}
		p.anonFills[key] = struct{}{}
	}
	l := &p.Legs[pi.intent.Leg]
	now := f.Timestamp
	m.metrics.IncIntent(pi.intent.Kind.String(), "filled")

	if f.FilledSize > pi.intent.Size+epsilon {
		m.violate(ctx, p, now, errors.Wrap(exception.ErrNegativeSize, "fill exceeds intent").
			With("intent", pi.intent.IntentID).With("size", pi.intent.Size).With("filled", f.FilledSize))
		return nil
	}
	pi.intent.Size -= f.FilledSize
	done := pi.intent.Size <= epsilon
	if done {
		delete(m.pending, pi.intent.IntentID)
	}

	switch pi.intent.Kind {
	case schema.IntentOpen:
		if l.filled == 0 {
			l.Entry = f.FillPrice
		} else {
			l.Entry = (l.Entry*l.filled + f.FillPrice*f.FilledSize) / (l.filled + f.FilledSize)
		}
		l.filled += f.FilledSize
		if done {
			l.Confirmed = true
			l.openIntent = 0
		}
	case schema.IntentScale:
		l.Entry = (l.Entry*l.Size + f.FillPrice*f.FilledSize) / (l.Size + f.FilledSize)
		l.Size += f.FilledSize
		l.Peak = max(l.Peak, l.Size)
		l.pendingScale -= f.FilledSize
		if done {
			l.scaleIntent, l.pendingScale = 0, 0
			if err := l.setLevels(m.tightenedStop(l), l.Target); err != nil {
				m.violate(ctx, p, now, err)
				return nil
			}
		}
	case schema.IntentClose:
		l.Realized += (f.FillPrice - l.Entry) * l.dir() * f.FilledSize * p.Instrument.Multiplier
		l.Size -= f.FilledSize
		if l.Size < -epsilon {
			m.violate(ctx, p, now, errors.Wrap(exception.ErrNegativeSize, "close fill").With("size", l.Size))
			return nil
		}
		if l.Size <= epsilon {
			l.Size, l.Live, l.closeIntent = 0, false, 0
			delete(m.pending, pi.intent.IntentID)
		}
	}
	m.settle(ctx, p, now)
	m.report(p, now)
	return nil
}

// OnFailure handles a fill failure reported by the collaborator.
func (m *Machine) OnFailure(ctx context.Context, f schema.FillFailure) error {
	p, pi, err := m.resolve(f.PositionID, f.IntentID)
	if err != nil {
		return err
	}
	m.metrics.IncIntent(pi.intent.Kind.String(), "failed")
	m.intentFailed(ctx, p, pi, f.Timestamp, errors.Wrap(exception.ErrFillFailed, f.Reason))
	m.report(p, f.Timestamp)
	return nil
}

func (m *Machine) resolve(positionID string, intentID uint64) (*Position, *pendingIntent, error) {
	if _, ok := m.closed[positionID]; ok {
		return nil, nil, errors.Wrap(exception.ErrPositionClosed, positionID)
	}
	p, ok := m.live[positionID]
	if !ok {
		return nil, nil, errors.Wrap(exception.ErrUnknownPosition, positionID)
	}
	if intentID == 0 {
		ids := m.pendingOf(positionID)
		switch len(ids) {
		case 0:
			return nil, nil, errors.Wrap(exception.ErrUnknownIntent, "no outstanding intent").With("position", positionID)
		case 1:
			intentID = ids[0]
		default:
			return nil, nil, errors.Wrap(exception.ErrUnknownIntent, "ambiguous fill without intent").
				With("position", positionID).With("outstanding", len(ids))
		}
	}
	pi, ok := m.pending[intentID]
	if !ok || pi.intent.PositionID != positionID {
		return nil, nil, errors.Wrap(exception.ErrUnknownIntent, "intent not outstanding").
			With("position", positionID).With("intent", intentID)
	}
	return p, pi, nil
}

// expire fails every intent of the position older than the fill timeout.
func (m *Machine) expire(ctx context.Context, p *Position, now int64) {
	for _, id := range m.pendingOf(p.ID) {
		pi, ok := m.pending[id]
		if !ok || now < pi.deadline {
			continue
		}
		m.metrics.IncIntent(pi.intent.Kind.String(), "timeout")
		m.intentFailed(ctx, p, pi, now, errors.Wrap(exception.ErrFillTimeout, "intent").With("intent", id))
		if p.Terminal() {
			return
		}
	}
}

// intentFailed cancels the intent and applies the per-kind recovery: close
// intents escalate to market up to the retry budget, open failures close the
// position, and scale failures return it to Open.
func (m *Machine) intentFailed(ctx context.Context, p *Position, pi *pendingIntent, now int64, cause error) {
	m.cancel(ctx, pi, now)
	leg := pi.intent.Leg
	l := &p.Legs[leg]

	switch pi.intent.Kind {
	case schema.IntentClose:
		l.closeIntent = 0
		if pi.retries >= m.cfg.MaxCloseRetries {
			m.abandonLeg(ctx, p, leg, now)
			return
		}
		logs.Warnf("close escalated to market, position: %s, leg: %d, attempt: %d, cause: %+v", p.ID, leg, pi.retries+1, cause)
		m.issueClose(ctx, p, leg, now, schema.OrderTypeMarket, pi.retries+1)
	case schema.IntentOpen:
		l.openIntent = 0
		p.ExecutionFailure = true
		if p.Exit == ExitNone {
			p.Exit = ExitOpenFailed
		}
		logs.Warnf("open intent failed, position: %s, leg: %d, cause: %+v", p.ID, leg, cause)
		if l.filled > 0 {
			l.Size, l.Peak, l.Confirmed = l.filled, l.filled, true
		} else {
			l.Size, l.Live = 0, false
			l.Exit = ExitOpenFailed
		}
		for i := range p.Legs {
			m.closeLeg(ctx, p, i, now, ExitOpenFailed)
			if p.Terminal() {
				return
			}
		}
		m.settle(ctx, p, now)
	case schema.IntentScale:
		l.scaleIntent, l.pendingScale = 0, 0
		logs.Warnf("scale intent failed, position: %s, leg: %d, cause: %+v", p.ID, leg, cause)
		m.endScale(ctx, p, now)
	}
}

// endScale withdraws the remaining scale intents and returns to Open.
func (m *Machine) endScale(ctx context.Context, p *Position, now int64) {
	for i := range p.Legs {
		l := &p.Legs[i]
		if pi, ok := m.pending[l.scaleIntent]; ok {
			m.cancel(ctx, pi, now)
		}
		l.scaleIntent, l.pendingScale = 0, 0
	}
	m.settle(ctx, p, now)
}

// tightenedStop moves the stop to the original entry when that is tighter.
func (m *Machine) tightenedStop(l *Leg) float64 {
	if l.tighter(l.Origin, l.Stop) {
		return l.Origin
	}
	return l.Stop
}

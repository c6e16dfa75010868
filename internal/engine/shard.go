package engine

import (
	"context"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"odte/internal/arbiter"
	"odte/internal/bus"
	"odte/internal/detector"
	"odte/internal/obs"
	"odte/internal/position"
	"odte/internal/schema"
	"odte/internal/window"
	"odte/pkg/exception"
)

// shard is the single writer of its instruments' windows, detector state and
// positions. Everything except the queue is touched only by the goroutine
// running handle.
type shard struct {
	id        int
	eng       *Engine
	queue     *bus.Queue
	store     *window.Store
	detectors *detector.Set
	arbiter   *arbiter.Arbiter
	machine   *position.Machine
	flatten   <-chan struct{}

	lastTs   int64
	lastWall time.Time
}

func newShard(id int, e *Engine, ids *obs.IDGenerator) *shard {
	cfg := e.cfg
	s := &shard{
		id:        id,
		eng:       e,
		queue:     bus.NewQueue(cfg.Engine.QueueCapacity),
		store:     window.NewStore(cfg.SortedHorizons(), cfg.Window.BaselineAlpha),
		detectors: e.newSet(),
		arbiter:   arbiter.New(e.calendar, cfg, e.governor),
		flatten:   e.governor.Subscribe(),
	}
	s.machine = position.NewMachine(position.Options{
		Config: position.Config{
			FillTimeout:     cfg.Execution.FillTimeout,
			MaxCloseRetries: cfg.Execution.MaxCloseRetries,
		},
		Policies: cfg,
		Registry: e.registry,
		Governor: e.governor,
		Executor: routedExecutor{shard: id, eng: e},
		IDs:      ids,
		Metrics:  e.metrics,
	})
	return s
}

// pump turns governor broadcasts and sweep ticks into control messages. A
// full queue drops the message: the shard compares the flatten epoch on every
// message it handles anyway.
func (s *shard) pump(ctx context.Context, sweep time.Duration) {
	var tick <-chan time.Time
	if sweep > 0 {
		ticker := time.NewTicker(sweep)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.queue.Done():
			return
		case <-s.flatten:
			_ = s.eng.enqueue(ctx, s, bus.ControlMessage(schema.EventFlatten, 0), false)
		case <-tick:
			_ = s.eng.enqueue(ctx, s, bus.ControlMessage(schema.EventSweep, 0), false)
		}
	}
}

func (s *shard) handle(ctx context.Context) func(bus.Message) {
	return func(m bus.Message) {
		defer s.eng.done()
		defer s.eng.propagate(ctx)
		switch m.Header.Type {
		case schema.EventMarket:
			s.onMarket(ctx, m)
		case schema.EventFillConfirmation:
			s.advance(m.Fill.Timestamp)
			if err := s.machine.OnFill(ctx, m.Fill); err != nil {
				s.feedbackFailed(m.Fill.PositionID, err)
			}
			s.checkFlatten(ctx, s.lastTs)
		case schema.EventFillFailure:
			s.advance(m.Failure.Timestamp)
			if err := s.machine.OnFailure(ctx, m.Failure); err != nil {
				s.feedbackFailed(m.Failure.PositionID, err)
			}
			s.checkFlatten(ctx, s.lastTs)
		case schema.EventFlatten:
			s.checkFlatten(ctx, s.now())
		case schema.EventSweep:
			s.onSweep(ctx)
		case schema.EventSessionEnd:
			s.onSessionEnd(ctx)
		default:
			s.eng.metrics.IncDropped("unknown_type")
			return
		}
		s.eng.metrics.ObserveEvent(m.Header.Type.String(), time.Since(time.UnixMicro(m.Header.TsRecv)))
	}
}

func (s *shard) onMarket(ctx context.Context, m bus.Message) {
	ev := m.Market
	if err := s.store.Ingest(ev); err != nil {
		s.eng.metrics.IncDropped(dropReason(err))
		logs.Warnf("market event dropped, shard: %d, instrument: %s, ts: %d, err: %+v", s.id, ev.InstrumentID, ev.Timestamp, err)
		return
	}
	start := time.Now()
	s.advance(ev.Timestamp)
	s.checkFlatten(ctx, ev.Timestamp)
	s.machine.OnMarket(ctx, ev)
	s.checkSession(ctx, ev.Timestamp)

	if series, ok := s.store.Series(ev.InstrumentID); ok {
		s.detect(ctx, series, ev)
	}
	// a breach reported by this event's updates flattens before the next one
	s.checkFlatten(ctx, ev.Timestamp)
	s.eng.metrics.ObserveEval(time.Since(start))
}

func (s *shard) detect(ctx context.Context, series *window.Series, ev schema.MarketEvent) {
	signals := s.detectors.Evaluate(series, ev)
	if len(signals) == 0 {
		return
	}
	for _, sig := range signals {
		s.eng.metrics.IncSignal(sig.Kind.String())
	}
	for _, d := range s.arbiter.Admit(ev.Timestamp, signals, s.machine) {
		for _, r := range d.Rejections {
			s.eng.metrics.IncRejected(r.Reason.String())
		}
		if !d.Admitted {
			continue
		}
		var err error
		if d.ScaleInto != "" {
			err = s.machine.Scale(ctx, d.ScaleInto, d.Signal)
		} else {
			_, err = s.machine.Open(ctx, d.Signal)
		}
		if err != nil && !errors.Is(err, exception.ErrRiskVeto) && !errors.Is(err, exception.ErrDailyStopBreached) {
			logs.Warnf("admitted signal not executed, shard: %d, setup: %s, instrument: %s, err: %+v",
				s.id, d.Signal.Kind, d.InstrumentID, err)
		}
	}
}

func (s *shard) onSweep(ctx context.Context) {
	now := s.now()
	if now == 0 {
		return
	}
	s.machine.Sweep(ctx, now)
	s.checkSession(ctx, now)
	s.checkFlatten(ctx, now)
}

func (s *shard) onSessionEnd(ctx context.Context) {
	now := s.now()
	if n := s.machine.FlattenAll(ctx, now, position.ExitSession); n > 0 {
		logs.Infof("session end flattened positions, shard: %d, positions: %d", s.id, n)
	}
	if err := s.machine.ResetSession(); err != nil {
		logs.Errorf("reset shard session, shard: %d, err: %+v", s.id, err)
	}
}

// checkSession broadcasts the session flatten once the flatten time passes.
func (s *shard) checkSession(ctx context.Context, now int64) {
	if !s.eng.calendar.PastFlatten(now) {
		return
	}
	if s.eng.sessionFlattened.CompareAndSwap(false, true) {
		logs.Infof("session flatten time reached, shard: %d, ts: %d", s.id, now)
		s.eng.governor.ForceFlatten(flattenSession)
	}
	s.checkFlatten(ctx, now)
}

func (s *shard) checkFlatten(ctx context.Context, now int64) {
	epoch := s.eng.governor.FlattenEpoch()
	reason := position.ExitForced
	if s.eng.governor.FlattenReason() == flattenSession {
		reason = position.ExitSession
	}
	if n := s.machine.CheckFlatten(ctx, epoch, now, reason); n > 0 {
		logs.Warnf("shard flattened, shard: %d, positions: %d, reason: %s", s.id, n, reason)
	}
}

func (s *shard) feedbackFailed(positionID string, err error) {
	switch {
	case errors.Is(err, exception.ErrPositionClosed),
		errors.Is(err, exception.ErrUnknownIntent),
		errors.Is(err, exception.ErrUnknownPosition):
		s.eng.metrics.IncDropped("stale_feedback")
	default:
		logs.Warnf("feedback rejected, shard: %d, position: %s, err: %+v", s.id, positionID, err)
	}
}

// advance moves the shard clock forward to an event timestamp.
func (s *shard) advance(ts int64) {
	if ts > s.lastTs {
		s.lastTs = ts
		s.lastWall = time.Now()
	}
}

// now extrapolates event time by the wall time elapsed since the last event,
// so that deadlines expire on an idle instrument.
func (s *shard) now() int64 {
	if s.lastTs == 0 {
		return 0
	}
	return s.lastTs + schema.Micros(time.Since(s.lastWall))
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, exception.ErrOutOfOrderEvent):
		return "out_of_order"
	case errors.Is(err, exception.ErrMalformedEvent):
		return "malformed"
	default:
		return "invalid"
	}
}

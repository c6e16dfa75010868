package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"golang.org/x/sync/errgroup"

	"odte/internal/arbiter"
	"odte/internal/bus"
	"odte/internal/detector"
	"odte/internal/execution"
	"odte/internal/obs"
	"odte/internal/ops"
	"odte/internal/risk"
	"odte/internal/schema"
	"odte/pkg/exception"
)

// flattenSession is the governor flatten reason used at the session flatten
// time. Positions closed by it exit with position.ExitSession.
const flattenSession = "session"

// Options wires an Engine.
type Options struct {
	Config  *ops.Config
	Sink    execution.Sink
	Metrics *obs.Metrics
	// Detectors builds the detector set of each shard. Nil uses the
	// configured set.
	Detectors func() *detector.Set
}

// idler is implemented by sinks able to report undelivered feedback.
type idler interface {
	Idle() bool
}

// releaser is implemented by sinks holding feedback until event time reaches
// it.
type releaser interface {
	Release(ctx context.Context, upTo int64, deliver func(context.Context, execution.Feedback)) int
}

// Engine routes events to instrument shards and owns their lifecycle. The
// risk governor is the only state shared between shards.
type Engine struct {
	cfg      *ops.Config
	registry *schema.Registry
	calendar *arbiter.Calendar
	governor *risk.Governor
	gateway  *execution.Gateway
	metrics  *obs.Metrics
	idle     func() bool
	release  releaser
	wake     chan struct{}
	newSet   func() *detector.Set
	shards   []*shard

	owners           sync.Map // position id -> shard index
	seq              atomic.Uint64
	broadcast        atomic.Uint64
	inflight         atomic.Int64
	handled          atomic.Uint64
	sessionFlattened atomic.Bool

	mu      sync.Mutex
	group   *errgroup.Group
	cancel  context.CancelFunc
	started bool
}

// New builds an engine and its shards. The config is validated.
func New(opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.Wrap(exception.ErrInvalidArgument, "nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	registry, err := cfg.Registry()
	if err != nil {
		return nil, errors.Wrap(err, "build instrument registry")
	}
	calendar, err := arbiter.NewCalendar(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "build blackout calendar")
	}
	gateway, err := execution.NewGateway(execution.Config{
		SubmitTimeout:    cfg.Execution.SubmitTimeout,
		IntentsPerSecond: cfg.Execution.IntentsPerSecond,
		IntentBurst:      cfg.Execution.IntentBurst,
		BreakerFailures:  cfg.Execution.BreakerFailures,
		BreakerCooldown:  cfg.Execution.BreakerCooldown,
	}, opts.Sink, opts.Metrics)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		registry: registry,
		calendar: calendar,
		governor: risk.NewGovernor(cfg.Risk),
		gateway:  gateway,
		metrics:  opts.Metrics,
		idle:     func() bool { return true },
		wake:     make(chan struct{}, 1),
		newSet:   opts.Detectors,
	}
	if e.newSet == nil {
		e.newSet = func() *detector.Set { return detector.NewSet(cfg.Detectors) }
	}
	if s, ok := opts.Sink.(idler); ok {
		e.idle = s.Idle
	}
	if s, ok := opts.Sink.(releaser); ok {
		e.release = s
	}
	e.metrics.WatchLedger(func() obs.LedgerView {
		l := e.governor.Ledger()
		return obs.LedgerView{
			OpenExposure:      l.OpenExposure,
			OpenPositions:     l.OpenPositions,
			RealizedPnL:       l.RealizedPnLToday,
			UnrealizedPnL:     l.UnrealizedPnL,
			WorstCaseOpenPnL:  l.WorstCaseOpenPnL,
			DailyStopBreached: l.DailyStopBreached,
		}
	})

	ids := obs.NewIDGenerator(0)
	for i := 0; i < cfg.Engine.Shards; i++ {
		e.shards = append(e.shards, newShard(i, e, ids))
	}
	return e, nil
}

// Governor returns the shared risk governor.
func (e *Engine) Governor() *risk.Governor { return e.governor }

// Gateway returns the execution gateway shared by the shards.
func (e *Engine) Gateway() *execution.Gateway { return e.gateway }

// Shards returns the number of shards.
func (e *Engine) Shards() int { return len(e.shards) }

// ShardOf returns the shard index owning an instrument.
func (e *Engine) ShardOf(instrument string) int {
	return int(xxhash.Sum64String(instrument) % uint64(len(e.shards)))
}

// Start launches every shard and its control pump.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.Wrap(exception.ErrInvalidTransition, "engine already started")
	}
	e.started = true

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range e.shards {
		s := s
		g.Go(func() error {
			s.queue.Run(gctx, s.handle(gctx))
			return nil
		})
		g.Go(func() error {
			s.pump(gctx, e.cfg.Engine.SweepInterval)
			return nil
		})
	}
	e.group, e.cancel = g, cancel
	logs.Infof("engine started, shards: %d, queue capacity: %d", len(e.shards), e.cfg.Engine.QueueCapacity)
	return nil
}

// Stop closes the shard queues, waits until queued messages are handled and
// releases the shard goroutines.
func (e *Engine) Stop() error {
	e.mu.Lock()
	g, cancel := e.group, e.cancel
	e.mu.Unlock()

	for _, s := range e.shards {
		s.queue.Close()
	}
	if g == nil {
		return nil
	}
	err := g.Wait()
	cancel()
	logs.Infof("engine stopped, handled: %d", e.handled.Load())
	return err
}

// Publish routes a market event to its instrument's shard, waiting for queue
// capacity.
func (e *Engine) Publish(ctx context.Context, ev schema.MarketEvent) error {
	return e.Dispatch(ctx, bus.MarketMessage(e.seq.Add(1), ev))
}

// Deliver routes sink feedback to the shard owning the position. Its
// signature matches execution.PaperSink.Run.
func (e *Engine) Deliver(ctx context.Context, fb execution.Feedback) {
	var m bus.Message
	switch {
	case fb.Fill != nil:
		m = bus.FillMessage(e.seq.Add(1), *fb.Fill)
	case fb.Failure != nil:
		m = bus.FailureMessage(e.seq.Add(1), *fb.Failure)
	default:
		return
	}
	if err := e.Dispatch(ctx, m); err != nil {
		logs.Warnf("feedback dropped, position: %s, err: %+v", fb.PositionID(), err)
	}
}

// Dispatch routes a prepared message. Market events go to the instrument's
// shard; fills and failures to the shard that emitted the intent.
func (e *Engine) Dispatch(ctx context.Context, m bus.Message) error {
	switch m.Header.Type {
	case schema.EventMarket:
		if _, ok := e.registry.Lookup(m.Market.InstrumentID); !ok {
			e.metrics.IncDropped("unknown_instrument")
			return errors.Wrap(exception.ErrUnknownInstrument, "dispatch").With("instrument", m.Market.InstrumentID)
		}
		return e.enqueue(ctx, e.shards[e.ShardOf(m.Market.InstrumentID)], m, true)
	case schema.EventFillConfirmation, schema.EventFillFailure:
		positionID := m.Fill.PositionID
		if m.Header.Type == schema.EventFillFailure {
			positionID = m.Failure.PositionID
		}
		idx, ok := e.owners.Load(positionID)
		if !ok {
			e.metrics.IncDropped("unknown_position")
			return errors.Wrap(exception.ErrUnknownPosition, "dispatch").With("position", positionID)
		}
		return e.enqueue(ctx, e.shards[idx.(int)], m, true)
	default:
		return errors.Wrap(exception.ErrInvalidArgument, "dispatch").With("type", m.Header.Type.String())
	}
}

func (e *Engine) enqueue(ctx context.Context, s *shard, m bus.Message, wait bool) error {
	e.inflight.Add(1)
	var err error
	if wait {
		err = s.queue.Publish(ctx, m)
	} else {
		err = s.queue.TryPublish(m)
	}
	if err != nil {
		e.inflight.Add(-1)
		if errors.Is(err, exception.ErrQueueFull) {
			e.metrics.IncQueueDrop()
		}
		return err
	}
	return nil
}

// propagate fans a flatten epoch not yet broadcast out to every shard from
// the handler that observed it, so Drain cannot return before it is applied.
func (e *Engine) propagate(ctx context.Context) {
	epoch := e.governor.FlattenEpoch()
	for {
		seen := e.broadcast.Load()
		if epoch <= seen {
			return
		}
		if e.broadcast.CompareAndSwap(seen, epoch) {
			break
		}
	}
	for _, s := range e.shards {
		_ = e.enqueue(ctx, s, bus.ControlMessage(schema.EventFlatten, 0), false)
	}
}

func (e *Engine) done() {
	e.handled.Add(1)
	if e.inflight.Add(-1) == 0 {
		select {
		case e.wake <- struct{}{}:
		default:
		}
	}
}

// Drain waits until every queued message is handled and the sink has no
// undelivered feedback.
func (e *Engine) Drain(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		if e.quiescent() {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "drain engine").With("inflight", e.inflight.Load())
		case <-e.wake:
		case <-ticker.C:
		}
	}
}

// Settle brings sink feedback up to event time ts before a later market event
// is dispatched: it drains the shards and releases the results due by ts
// until none is left. With a sink delivering on its own it is a Drain.
func (e *Engine) Settle(ctx context.Context, ts int64) error {
	for {
		if err := e.Drain(ctx); err != nil {
			return err
		}
		if e.release == nil || e.release.Release(ctx, ts, e.Deliver) == 0 {
			return nil
		}
	}
}

// quiescent observes no work in the shards or the sink across a window in
// which no message was handled.
func (e *Engine) quiescent() bool {
	before := e.handled.Load()
	if e.inflight.Load() != 0 || !e.idle() || e.inflight.Load() != 0 {
		return false
	}
	return e.handled.Load() == before
}

// EndSession drains the engine, closes every live position at its mark and
// starts the next session. The closed records of the finished session are
// returned.
func (e *Engine) EndSession(ctx context.Context, next string) ([]risk.ClosedRecord, error) {
	if err := e.Drain(ctx); err != nil {
		return nil, err
	}
	for _, s := range e.shards {
		if err := e.enqueue(ctx, s, bus.ControlMessage(schema.EventSessionEnd, 0), true); err != nil {
			return nil, errors.Wrap(err, "publish session end").With("shard", s.id)
		}
	}
	if err := e.Drain(ctx); err != nil {
		return nil, err
	}
	history, err := e.governor.ResetSession(next)
	if err != nil {
		return nil, err
	}
	e.owners.Range(func(k, _ any) bool {
		e.owners.Delete(k)
		return true
	})
	e.sessionFlattened.Store(false)
	return history, nil
}

// SessionDate returns the session day of a timestamp.
func (e *Engine) SessionDate(ts int64) string {
	return e.calendar.SessionDate(ts)
}

// routedExecutor records the owning shard of every position before its
// intents reach the sink, so feedback never races the ownership entry.
type routedExecutor struct {
	shard int
	eng   *Engine
}

func (r routedExecutor) Submit(ctx context.Context, intent schema.OrderIntent) error {
	r.eng.owners.Store(intent.PositionID, r.shard)
	return r.eng.gateway.Submit(ctx, intent)
}

func (r routedExecutor) Cancel(ctx context.Context, cancel schema.CancelIntent) error {
	return r.eng.gateway.Cancel(ctx, cancel)
}

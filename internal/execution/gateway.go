package execution

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"golang.org/x/time/rate"

	"odte/internal/obs"
	"odte/internal/schema"
	"odte/pkg/exception"
)

// Sink is the execution collaborator receiving intents.
type Sink interface {
	Submit(ctx context.Context, intent schema.OrderIntent) error
	Cancel(ctx context.Context, cancel schema.CancelIntent) error
}

// Config bounds every interaction with the sink.
type Config struct {
	SubmitTimeout    time.Duration
	IntentsPerSecond float64
	IntentBurst      int
	BreakerFailures  uint32
	BreakerCooldown  time.Duration
}

// Gateway guards the sink with a submit timeout, an entry throttle and a
// circuit breaker. It is safe for concurrent use by every shard.
type Gateway struct {
	cfg     Config
	sink    Sink
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	metrics *obs.Metrics
}

// NewGateway wraps a sink.
func NewGateway(cfg Config, sink Sink, metrics *obs.Metrics) (*Gateway, error) {
	if sink == nil {
		return nil, exception.ErrNilSink
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 500 * time.Millisecond
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	failures := cfg.BreakerFailures
	st := gobreaker.Settings{Name: "execution"}
	st.ReadyToTrip = func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= failures }
	st.Interval = 0
	st.Timeout = cfg.BreakerCooldown
	st.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, exception.ErrDuplicateIntent) || errors.Is(err, exception.ErrUnknownIntent)
	}
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		logs.Warnf("circuit breaker %s: %s -> %s", name, from, to)
	}

	g := &Gateway{
		cfg:     cfg,
		sink:    sink,
		breaker: gobreaker.NewCircuitBreaker(st),
		metrics: metrics,
	}
	if cfg.IntentsPerSecond > 0 {
		burst := cfg.IntentBurst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.IntentsPerSecond), burst)
	}
	return g, nil
}

// Submit forwards an intent. Open and scale intents are throttled on event
// time; close intents always pass the throttle.
func (g *Gateway) Submit(ctx context.Context, intent schema.OrderIntent) error {
	if intent.Kind != schema.IntentClose && g.limiter != nil &&
		!g.limiter.AllowN(schema.TimeOf(intent.Timestamp), 1) {
		return errors.Wrap(exception.ErrIntentThrottled, intent.Kind.String()).With("position", intent.PositionID)
	}
	start := time.Now()
	_, err := g.breaker.Execute(func() (any, error) {
		return nil, g.call(ctx, func(ctx context.Context) error { return g.sink.Submit(ctx, intent) })
	})
	g.metrics.ObserveOrderFlow(time.Since(start))
	return g.wrap(err, "submit", intent.IntentID)
}

// Cancel forwards a cancel intent through the breaker.
func (g *Gateway) Cancel(ctx context.Context, cancel schema.CancelIntent) error {
	_, err := g.breaker.Execute(func() (any, error) {
		return nil, g.call(ctx, func(ctx context.Context) error { return g.sink.Cancel(ctx, cancel) })
	})
	return g.wrap(err, "cancel", cancel.IntentID)
}

// State returns the breaker state.
func (g *Gateway) State() gobreaker.State {
	return g.breaker.State()
}

func (g *Gateway) call(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.SubmitTimeout)
	defer cancel()
	err := fn(ctx)
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		return errors.Wrap(exception.ErrSubmitTimeout, err.Error())
	}
	return err
}

func (g *Gateway) wrap(err error, op string, intentID uint64) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return errors.Wrap(exception.ErrBreakerOpen, op).With("intent", intentID)
	default:
		return errors.Wrap(err, op).With("intent", intentID)
	}
}

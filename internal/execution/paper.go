package execution

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/yanun0323/errors"

	"odte/internal/schema"
	"odte/pkg/exception"
)

// Feedback is a fill or failure produced by a sink. Exactly one is set.
type Feedback struct {
	Fill    *schema.FillConfirmation
	Failure *schema.FillFailure
}

// PositionID returns the position the feedback belongs to.
func (f Feedback) PositionID() string {
	if f.Fill != nil {
		return f.Fill.PositionID
	}
	if f.Failure != nil {
		return f.Failure.PositionID
	}
	return ""
}

// Timestamp returns the event time of the feedback.
func (f Feedback) Timestamp() int64 {
	if f.Fill != nil {
		return f.Fill.Timestamp
	}
	if f.Failure != nil {
		return f.Failure.Timestamp
	}
	return 0
}

// PaperConfig controls simulated fills.
type PaperConfig struct {
	Seed        int64
	FailureRate float64
	Latency     time.Duration
	Slippage    float64
	// EventClock holds results until Release reaches their timestamp
	// instead of delivering them from Run.
	EventClock bool
}

// Validate ensures the config is within supported ranges.
func (c PaperConfig) Validate() error {
	if c.FailureRate < 0 || c.FailureRate > 1 {
		return errors.Wrap(exception.ErrInvalidArgument, "failure rate must be between 0 and 1")
	}
	if c.Latency < 0 || c.Slippage < 0 {
		return errors.Wrap(exception.ErrInvalidArgument, "latency and slippage must be >= 0")
	}
	return nil
}

// PaperSink fills intents at their price after a fixed event-time latency,
// failing a seeded fraction of them. Results are delivered asynchronously by
// Run in submission order; cancelled intents produce nothing.
type PaperSink struct {
	cfg PaperConfig

	mu          sync.Mutex
	rng         *rand.Rand
	outstanding map[uint64]struct{}
	queue       []paperResult
	notify      chan struct{}
	delivering  int
}

type paperResult struct {
	intentID uint64
	feedback Feedback
}

// NewPaperSink creates a paper sink.
func NewPaperSink(cfg PaperConfig) (*PaperSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UTC().UnixNano()
	}
	return &PaperSink{
		cfg:         cfg,
		rng:         rand.New(rand.NewSource(cfg.Seed)),
		outstanding: make(map[uint64]struct{}),
		notify:      make(chan struct{}, 1),
	}, nil
}

// Submit accepts an intent and schedules its result.
func (s *PaperSink) Submit(ctx context.Context, intent schema.OrderIntent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if _, ok := s.outstanding[intent.IntentID]; ok {
		s.mu.Unlock()
		return errors.Wrap(exception.ErrDuplicateIntent, "paper").With("intent", intent.IntentID)
	}
	s.outstanding[intent.IntentID] = struct{}{}
	ts := intent.Timestamp + schema.Micros(s.cfg.Latency)

	var fb Feedback
	if s.cfg.FailureRate > 0 && s.rng.Float64() < s.cfg.FailureRate {
		fb.Failure = &schema.FillFailure{
			PositionID: intent.PositionID,
			IntentID:   intent.IntentID,
			Reason:     "paper: simulated rejection",
			Timestamp:  ts,
		}
	} else {
		fb.Fill = &schema.FillConfirmation{
			PositionID: intent.PositionID,
			IntentID:   intent.IntentID,
			FilledSize: intent.Size,
			FillPrice:  s.fillPrice(intent),
			Timestamp:  ts,
		}
	}
	s.queue = append(s.queue, paperResult{intentID: intent.IntentID, feedback: fb})
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// Cancel withdraws an outstanding intent. Cancelling a completed intent is
// a no-op.
func (s *PaperSink) Cancel(_ context.Context, cancel schema.CancelIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.outstanding, cancel.IntentID)
	return nil
}

// Idle reports whether every accepted result has been delivered. Results
// held for an event clock are the caller's to release.
func (s *PaperSink) Idle() bool {
	if s.cfg.EventClock {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) == 0 && s.delivering == 0
}

// Release delivers, on the calling goroutine and in submission order, every
// held result timestamped at or before upTo. It returns the number
// delivered; results of cancelled intents are discarded. Without an event
// clock it delivers nothing.
func (s *PaperSink) Release(ctx context.Context, upTo int64, deliver func(context.Context, Feedback)) int {
	if !s.cfg.EventClock {
		return 0
	}
	s.mu.Lock()
	var due []Feedback
	kept := s.queue[:0]
	for _, r := range s.queue {
		if r.feedback.Timestamp() > upTo {
			kept = append(kept, r)
			continue
		}
		if _, live := s.outstanding[r.intentID]; live {
			delete(s.outstanding, r.intentID)
			due = append(due, r.feedback)
		}
	}
	s.queue = kept
	s.mu.Unlock()

	for _, fb := range due {
		deliver(ctx, fb)
	}
	return len(due)
}

// Run delivers results until the context is done. With an event clock it
// only waits: results go out through Release.
func (s *PaperSink) Run(ctx context.Context, deliver func(context.Context, Feedback)) error {
	if s.cfg.EventClock {
		<-ctx.Done()
		return nil
	}
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil
			case <-s.notify:
				continue
			}
		}
		next := s.queue[0]
		s.queue = s.queue[1:]
		_, live := s.outstanding[next.intentID]
		delete(s.outstanding, next.intentID)
		if live {
			s.delivering++
		}
		s.mu.Unlock()

		if live {
			deliver(ctx, next.feedback)
			s.mu.Lock()
			s.delivering--
			s.mu.Unlock()
		}
	}
}

func (s *PaperSink) fillPrice(intent schema.OrderIntent) float64 {
	if intent.Type != schema.OrderTypeMarket || s.cfg.Slippage == 0 {
		return intent.Price
	}
	if intent.Side == schema.OrderSideBuy {
		return intent.Price * (1 + s.cfg.Slippage)
	}
	return intent.Price * (1 - s.cfg.Slippage)
}

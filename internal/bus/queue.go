package bus

import (
	"context"
	"sync"

	"odte/internal/schema"
	"odte/pkg/exception"
)

// Message is the unit passed to a shard. Exactly one payload is meaningful,
// selected by Header.Type.
type Message struct {
	Header  schema.EventHeader
	Market  schema.MarketEvent
	Fill    schema.FillConfirmation
	Failure schema.FillFailure
}

// MarketMessage wraps a market event.
func MarketMessage(seq uint64, ev schema.MarketEvent) Message {
	return Message{Header: schema.NewHeader(schema.EventMarket, seq, ev.Timestamp), Market: ev}
}

// FillMessage wraps a fill confirmation.
func FillMessage(seq uint64, f schema.FillConfirmation) Message {
	return Message{Header: schema.NewHeader(schema.EventFillConfirmation, seq, f.Timestamp), Fill: f}
}

// FailureMessage wraps a fill failure.
func FailureMessage(seq uint64, f schema.FillFailure) Message {
	return Message{Header: schema.NewHeader(schema.EventFillFailure, seq, f.Timestamp), Failure: f}
}

// ControlMessage carries a payload-less event such as a flatten or sweep.
func ControlMessage(typ schema.EventType, ts int64) Message {
	return Message{Header: schema.NewHeader(typ, 0, ts)}
}

// Queue is a bounded single-consumer message queue.
type Queue struct {
	ch   chan Message
	done chan struct{}
	once sync.Once
}

// NewQueue allocates a queue with the given capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{ch: make(chan Message, capacity), done: make(chan struct{})}
}

// TryPublish enqueues a message without blocking.
func (q *Queue) TryPublish(m Message) error {
	select {
	case <-q.done:
		return exception.ErrQueueClosed
	default:
	}
	select {
	case q.ch <- m:
		return nil
	case <-q.done:
		return exception.ErrQueueClosed
	default:
		return exception.ErrQueueFull
	}
}

// Publish enqueues a message, waiting for capacity.
func (q *Queue) Publish(ctx context.Context, m Message) error {
	select {
	case <-q.done:
		return exception.ErrQueueClosed
	default:
	}
	select {
	case q.ch <- m:
		return nil
	case <-q.done:
		return exception.ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the queue stops accepting messages.
func (q *Queue) Done() <-chan struct{} { return q.done }

// Len returns the number of queued messages.
func (q *Queue) Len() int { return len(q.ch) }

// Close stops the queue from accepting new messages. Messages already
// queued are still delivered by Run.
func (q *Queue) Close() {
	q.once.Do(func() { close(q.done) })
}

// Run consumes messages until the context is done or the queue is closed
// and drained.
func (q *Queue) Run(ctx context.Context, handler func(Message)) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-q.ch:
			handler(m)
		case <-q.done:
			for {
				select {
				case m := <-q.ch:
					handler(m)
				default:
					return
				}
			}
		}
	}
}

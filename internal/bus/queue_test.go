package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"odte/internal/schema"
	"odte/pkg/exception"
)

func TestTryPublishFullAndClosed(t *testing.T) {
	q := NewQueue(1)
	require.NoError(t, q.TryPublish(ControlMessage(schema.EventSweep, 1)))
	assert.Equal(t, exception.ErrQueueFull, q.TryPublish(ControlMessage(schema.EventSweep, 2)))

	q.Close()
	assert.Equal(t, exception.ErrQueueClosed, q.TryPublish(ControlMessage(schema.EventSweep, 3)))
	assert.Equal(t, exception.ErrQueueClosed, q.Publish(context.Background(), ControlMessage(schema.EventSweep, 3)))
}

func TestRunDrainsAfterClose(t *testing.T) {
	q := NewQueue(8)
	for i := 1; i <= 5; i++ {
		ev := schema.MarketEvent{InstrumentID: "SPX", Timestamp: int64(i), Price: 1, Size: 1, Side: schema.SideTrade}
		require.NoError(t, q.Publish(context.Background(), MarketMessage(uint64(i), ev)))
	}
	q.Close()

	var got []int64
	done := make(chan struct{})
	go func() {
		q.Run(context.Background(), func(m Message) { got = append(got, m.Market.Timestamp) })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("run did not return after close")
	}
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, got)
}

func TestPublishHonorsContext(t *testing.T) {
	q := NewQueue(1)
	require.NoError(t, q.TryPublish(ControlMessage(schema.EventSweep, 1)))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := q.Publish(ctx, ControlMessage(schema.EventSweep, 2))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

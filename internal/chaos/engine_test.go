package chaos

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"odte/internal/bus"
	"odte/internal/schema"
)

func stream(n int) []bus.Message {
	out := make([]bus.Message, n)
	for i := range out {
		ev := schema.MarketEvent{InstrumentID: "SPX", Timestamp: int64(i + 1), Price: 1, Size: 1, Side: schema.SideTrade}
		out[i] = bus.MarketMessage(uint64(i+1), ev)
	}
	return out
}

func run(e *Engine, in []bus.Message) []bus.Message {
	var out []bus.Message
	for _, m := range in {
		out = append(out, e.Process(m)...)
	}
	return append(out, e.Flush()...)
}

func TestValidate(t *testing.T) {
	for _, cfg := range []Config{{DropRate: -0.1}, {DuplicateRate: 2}, {MaxDelay: -time.Second}} {
		_, err := NewEngine(cfg)
		assert.Error(t, err)
	}
	assert.False(t, Config{}.Enabled())
	assert.True(t, Config{ReorderWindow: 4}.Enabled())
}

func TestPassthroughWithoutFaults(t *testing.T) {
	e, err := NewEngine(Config{Seed: 1})
	require.NoError(t, err)
	in := stream(20)
	assert.Equal(t, in, run(e, in))
}

func TestSeededFaultsAreReproducible(t *testing.T) {
	cfg := Config{Seed: 42, DropRate: 0.1, DuplicateRate: 0.1, ReorderWindow: 4, MaxDelay: time.Millisecond}
	a, err := NewEngine(cfg)
	require.NoError(t, err)
	b, err := NewEngine(cfg)
	require.NoError(t, err)

	in := stream(200)
	outA, outB := run(a, in), run(b, in)
	assert.Equal(t, outA, outB)
	assert.NotEqual(t, in, outA)
}

func TestReorderKeepsEveryMessage(t *testing.T) {
	e, err := NewEngine(Config{Seed: 3, ReorderWindow: 5})
	require.NoError(t, err)

	out := run(e, stream(50))
	require.Len(t, out, 50)
	seen := make(map[int64]bool, len(out))
	for _, m := range out {
		seen[m.Market.Timestamp] = true
	}
	assert.Len(t, seen, 50)
}

func TestDelayHoldsMessagesBehindLaterEvents(t *testing.T) {
	e, err := NewEngine(Config{Seed: 5, MaxDelay: 10 * time.Millisecond})
	require.NoError(t, err)

	in := make([]bus.Message, 30)
	for i := range in {
		ev := schema.MarketEvent{InstrumentID: "SPX", Timestamp: int64(i+1) * 1_000, Price: 1, Size: 1, Side: schema.SideTrade}
		in[i] = bus.MarketMessage(uint64(i+1), ev)
	}

	var out []bus.Message
	held := 0
	for _, m := range in {
		got := e.Process(m)
		for _, r := range got {
			// nothing leaves before its own event time is reached
			assert.LessOrEqual(t, r.Market.Timestamp, m.Market.Timestamp)
		}
		if len(got) == 0 {
			held++
		}
		out = append(out, got...)
	}
	assert.Positive(t, held)
	out = append(out, e.Flush()...)

	require.Len(t, out, len(in))
	seen := make(map[int64]bool, len(out))
	for _, m := range out {
		seen[m.Market.Timestamp] = true
		assert.Equal(t, m.Header.TsEvent, m.Market.Timestamp)
	}
	assert.Len(t, seen, len(in))
	assert.NotEqual(t, in, out)
}

func TestDelayedMessagesDrainOnFlush(t *testing.T) {
	e, err := NewEngine(Config{Seed: 9, MaxDelay: time.Hour})
	require.NoError(t, err)

	in := stream(10)
	for _, m := range in {
		assert.Empty(t, e.Process(m))
	}
	out := e.Flush()
	require.Len(t, out, 10)
	assert.Empty(t, e.Flush())
}

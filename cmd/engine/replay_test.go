package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"odte/internal/chaos"
	"odte/internal/execution"
	"odte/internal/report"
)

const testConfig = `
session:
  timezone: America/New_York
  flatten_at: "15:55"
instruments:
  - name: SPX
    multiplier: 100
    lot_size: 1
engine:
  shards: 2
metrics:
  addr: ""
`

// writeFeed writes a small two-day feed: a quiet SPX tape each morning, one
// unknown instrument and one malformed line.
func writeFeed(t *testing.T, dir string) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("# two sessions\n")
	for _, day := range []int{5, 6} {
		start := time.Date(2024, 3, day, 15, 0, 0, 0, time.UTC).UnixMicro()
		for i := 0; i < 20; i++ {
			fmt.Fprintf(&b, `{"instrument":"SPX","ts":%d,"price":%.2f,"size":1,"side":"trade"}`+"\n",
				start+int64(i)*500_000, 2.00+float64(i%3)*0.01)
		}
		fmt.Fprintf(&b, `{"instrument":"ES","ts":%d,"price":5000,"size":1,"side":"trade"}`+"\n", start+10_000_000)
	}
	b.WriteString("{not json\n")

	path := filepath.Join(dir, "feed.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	return writeConfigBody(t, dir, testConfig)
}

func writeConfigBody(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const blockConfig = testConfig + `
setups:
  block_absorption:
    min_confidence: 0.5
    base_size: 1
    stop_pct: 0.5
    target_pct: 0.02
    max_hold: 30s
`

// writeBlockFeed writes a flat tape with a bid-side block that nothing moves,
// then a lift through the absorption target.
func writeBlockFeed(t *testing.T, dir string) string {
	t.Helper()
	start := time.Date(2024, 3, 5, 15, 0, 0, 0, time.UTC).UnixMicro()
	var b strings.Builder
	line := func(ts int64, price, size float64, side string) {
		fmt.Fprintf(&b, `{"instrument":"SPX","ts":%d,"price":%.2f,"size":%.0f,"side":"%s"}`+"\n", ts, price, size, side)
	}
	for i := 0; i < 20; i++ {
		line(start+int64(i)*500_000, 2.00, 1, "trade")
	}
	line(start+10_250_000, 2.00, 600, "bid")
	for ts := start + 10_500_000; ts <= start+12_500_000; ts += 500_000 {
		line(ts, 2.00, 1, "trade")
	}
	// an unpaced run well past the fill timeout before the lift
	for ts := start + 12_550_000; ts < start+16_000_000; ts += 50_000 {
		line(ts, 2.00, 1, "trade")
	}
	line(start+16_000_000, 2.05, 1, "trade")
	line(start+16_500_000, 2.05, 1, "trade")

	path := filepath.Join(dir, "block.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func TestReplayClosesEverySessionDay(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "snapshots")
	res, err := runReplay(context.Background(), replayOptions{
		ConfigPath:   writeConfig(t, dir),
		Input:        writeFeed(t, dir),
		Output:       out,
		DrainTimeout: 5 * time.Second,
		Paper:        execution.PaperConfig{Seed: 3},
		Chaos:        chaos.Config{ReorderWindow: 1},
	})
	require.NoError(t, err)

	assert.Equal(t, 42, res.Feed.Events)
	assert.Equal(t, 1, res.Feed.Invalid)
	require.Len(t, res.Sessions, 2)
	assert.Equal(t, "2024-03-05", res.Sessions[0].Summary.Session)
	assert.Equal(t, "2024-03-06", res.Sessions[1].Summary.Session)

	for _, session := range []string{"2024-03-05", "2024-03-06"} {
		snap, err := report.ReadSnapshot(filepath.Join(out, session+".json"))
		require.NoError(t, err)
		assert.Equal(t, session, snap.Summary.Session)
		assert.Len(t, snap.Trades, snap.Summary.Positions)
	}
}

func TestReplayFillsAndClosesATrade(t *testing.T) {
	dir := t.TempDir()
	res, err := runReplay(context.Background(), replayOptions{
		ConfigPath:   writeConfigBody(t, dir, blockConfig),
		Input:        writeBlockFeed(t, dir),
		DrainTimeout: 5 * time.Second,
		Paper:        execution.PaperConfig{Seed: 3},
		Chaos:        chaos.Config{ReorderWindow: 1},
	})
	require.NoError(t, err)
	require.Len(t, res.Sessions, 1)

	trades := res.Sessions[0].Trades
	require.NotEmpty(t, trades)
	var found bool
	for _, tr := range trades {
		assert.NotEqual(t, "open_failed", tr.Exit)
		assert.False(t, tr.ExecutionFailure, "position %s", tr.PositionID)
		if tr.Setup == "block_absorption" {
			found = true
			assert.Equal(t, "long", tr.Bias)
			assert.Equal(t, "target", tr.Exit)
			assert.InDelta(t, 2.00, tr.Entry, 1e-9)
			assert.InDelta(t, 5, tr.PnL, 1e-6)
		}
	}
	assert.True(t, found, "the absorbed block is traded")
	assert.Zero(t, res.Sessions[0].Summary.ExecutionFailures)
}

func TestReplayUnderChaos(t *testing.T) {
	dir := t.TempDir()
	res, err := runReplay(context.Background(), replayOptions{
		ConfigPath:   writeConfig(t, dir),
		Input:        writeFeed(t, dir),
		DrainTimeout: 5 * time.Second,
		Paper:        execution.PaperConfig{Seed: 3, FailureRate: 0.5},
		Chaos: chaos.Config{
			Seed:          11,
			DropRate:      0.2,
			DuplicateRate: 0.2,
			ReorderWindow: 4,
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Sessions, 2)
	for _, snap := range res.Sessions {
		assert.Zero(t, snap.Summary.InvariantViolations)
	}
}

func TestReplayRejectsMissingInput(t *testing.T) {
	dir := t.TempDir()
	_, err := runReplay(context.Background(), replayOptions{
		ConfigPath:   writeConfig(t, dir),
		Input:        filepath.Join(dir, "missing.jsonl"),
		DrainTimeout: time.Second,
		Chaos:        chaos.Config{ReorderWindow: 1},
	})
	require.Error(t, err)
}

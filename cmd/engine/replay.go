package main

import (
	"context"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"odte/internal/bus"
	"odte/internal/chaos"
	"odte/internal/engine"
	"odte/internal/execution"
	"odte/internal/feed"
	"odte/internal/obs"
	"odte/internal/ops"
	"odte/internal/report"
	"odte/internal/schema"
	"odte/pkg/exception"
)

type replayOptions struct {
	ConfigPath   string
	Input        string
	Output       string
	Speed        float64
	MetricsAddr  string
	DrainTimeout time.Duration
	Paper        execution.PaperConfig
	Chaos        chaos.Config
}

// replayResult is what a replay produced, one snapshot per session.
type replayResult struct {
	Feed     feed.Stats
	Sessions []report.Snapshot
}

func newReplayCommand() *cobra.Command {
	opts := replayOptions{}
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a recorded feed through the engine against the paper sink",
		Long: `Replay streams a JSONL market feed through the sharded engine. Intents
are filled by the seeded paper sink on the feed's event clock: a result is
handed to its shard before any later market event. Every session day is
closed at its end: open positions are flattened, the session report is
logged and, with --output, written as JSON.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.Input == "" {
				return errors.Wrap(exception.ErrInvalidArgument, "--input is required")
			}
			_, err := runReplay(cmd.Context(), opts)
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.ConfigPath, "config", "", "YAML config path (defaults when empty)")
	f.StringVar(&opts.Input, "input", "", "JSONL feed path")
	f.StringVar(&opts.Output, "output", "", "Directory for session snapshots")
	f.Float64Var(&opts.Speed, "speed", 0, "Playback speed (1=real-time, 0=no pacing)")
	f.StringVar(&opts.MetricsAddr, "metrics-addr", "", "Metrics listen address (overrides config)")
	f.DurationVar(&opts.DrainTimeout, "drain-timeout", 10*time.Second, "Max wait for the engine to settle at a session end")
	f.Int64Var(&opts.Paper.Seed, "paper-seed", 1, "Paper sink RNG seed")
	f.Float64Var(&opts.Paper.FailureRate, "paper-failure-rate", 0, "Paper fill failure probability [0-1]")
	f.DurationVar(&opts.Paper.Latency, "paper-latency", 0, "Paper fill latency in event time")
	f.Float64Var(&opts.Paper.Slippage, "paper-slippage", 0, "Paper fill slippage in price units")
	f.Int64Var(&opts.Chaos.Seed, "chaos-seed", 0, "Chaos RNG seed (0=now)")
	f.Float64Var(&opts.Chaos.DropRate, "chaos-drop-rate", 0, "Feed drop probability [0-1]")
	f.Float64Var(&opts.Chaos.DuplicateRate, "chaos-dup-rate", 0, "Feed duplicate probability [0-1]")
	f.IntVar(&opts.Chaos.ReorderWindow, "chaos-reorder-window", 1, "Feed reorder window (>=1)")
	f.DurationVar(&opts.Chaos.MaxDelay, "chaos-max-delay", 0, "Max receive delay")
	return cmd
}

func runReplay(ctx context.Context, opts replayOptions) (*replayResult, error) {
	cfg, err := ops.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	if opts.MetricsAddr != "" {
		cfg.Metrics.Addr = opts.MetricsAddr
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := obs.NewMetrics(reg)
	if cfg.Metrics.Addr != "" {
		srv := obs.Serve(cfg.Metrics.Addr, reg)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logs.Errorf("metrics server failed, addr: %s, err: %+v", cfg.Metrics.Addr, err)
			}
		}()
		defer func() { _ = srv.Close() }()
		logs.Infof("metrics listening, addr: %s", cfg.Metrics.Addr)
	}

	paper := opts.Paper
	paper.EventClock = true
	sink, err := execution.NewPaperSink(paper)
	if err != nil {
		return nil, err
	}
	var faults *chaos.Engine
	if opts.Chaos.Enabled() {
		if faults, err = chaos.NewEngine(opts.Chaos); err != nil {
			return nil, err
		}
		logs.Warnf("chaos enabled, drop: %.3f, dup: %.3f, reorder: %d, delay: %s",
			opts.Chaos.DropRate, opts.Chaos.DuplicateRate, opts.Chaos.ReorderWindow, opts.Chaos.MaxDelay)
	}
	playback, err := feed.NewPlayback(feed.PlaybackConfig{Speed: opts.Speed})
	if err != nil {
		return nil, err
	}

	in, err := os.Open(opts.Input)
	if err != nil {
		return nil, errors.Wrap(err, "open feed").With("path", opts.Input)
	}
	defer in.Close()

	eng, err := engine.New(engine.Options{Config: cfg, Sink: sink, Metrics: metrics})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := eng.Start(ctx); err != nil {
		return nil, err
	}

	r := &replayer{ctx: ctx, opts: opts, eng: eng, faults: faults, result: &replayResult{}}
	stats, runErr := playback.Run(ctx, in, r.onEvent)
	r.result.Feed = stats
	if runErr == nil {
		runErr = r.flush(ctx)
	}
	if runErr == nil && r.session != "" {
		runErr = r.closeSession(ctx, "")
	}
	if err := eng.Stop(); err != nil && runErr == nil {
		runErr = err
	}
	logs.Infof("replay finished, events: %d, invalid: %d, sessions: %d", stats.Events, stats.Invalid, len(r.result.Sessions))
	if runErr != nil {
		return r.result, runErr
	}
	return r.result, nil
}

// replayer feeds playback events into the engine and closes a session
// whenever the session day changes.
type replayer struct {
	ctx     context.Context
	opts    replayOptions
	eng     *engine.Engine
	faults  *chaos.Engine
	result  *replayResult
	session string
	seq     uint64
}

func (r *replayer) onEvent(ev schema.MarketEvent) error {
	ctx := r.ctx
	if day := r.eng.SessionDate(ev.Timestamp); day != r.session {
		if err := r.flush(ctx); err != nil {
			return err
		}
		if err := r.closeSession(ctx, day); err != nil {
			return err
		}
	}
	r.seq++
	m := bus.MarketMessage(r.seq, ev)
	if r.faults == nil {
		return r.dispatch(ctx, m)
	}
	for _, out := range r.faults.Process(m) {
		if err := r.dispatch(ctx, out); err != nil {
			return err
		}
	}
	return nil
}

// flush releases messages the chaos engine still holds for reordering.
func (r *replayer) flush(ctx context.Context) error {
	if r.faults == nil {
		return nil
	}
	for _, out := range r.faults.Flush() {
		if err := r.dispatch(ctx, out); err != nil {
			return err
		}
	}
	return nil
}

// dispatch forwards a message once every paper result due by its event time
// has been handled. Events of unknown instruments are counted by the engine
// and skipped.
func (r *replayer) dispatch(ctx context.Context, m bus.Message) error {
	if err := r.settle(ctx, m.Market.Timestamp); err != nil {
		return err
	}
	err := r.eng.Dispatch(ctx, m)
	if errors.Is(err, exception.ErrUnknownInstrument) {
		return nil
	}
	return err
}

func (r *replayer) settle(ctx context.Context, ts int64) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.DrainTimeout)
	defer cancel()
	return r.eng.Settle(ctx, ts)
}

// closeSession ends the running session, reports it and opens next. The
// first call only opens next. Paper results still held are delivered first.
func (r *replayer) closeSession(ctx context.Context, next string) error {
	if err := r.settle(ctx, math.MaxInt64); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.DrainTimeout)
	defer cancel()
	history, err := r.eng.EndSession(ctx, next)
	if err != nil {
		return errors.Wrap(err, "end session").With("session", r.session)
	}
	prev := r.session
	r.session = next
	if prev == "" {
		return nil
	}

	snap := report.NewSnapshot(prev, history)
	snap.Summary.Log()
	r.result.Sessions = append(r.result.Sessions, snap)
	if r.opts.Output == "" {
		return nil
	}
	path := filepath.Join(r.opts.Output, prev+".json")
	if err := report.WriteSnapshot(path, snap); err != nil {
		return err
	}
	logs.Infof("session snapshot written, session: %s, path: %s", prev, path)
	return nil
}

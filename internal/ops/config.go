package ops

import (
	"os"
	"sort"
	"time"
	_ "time/tzdata"

	"github.com/yanun0323/errors"
	"gopkg.in/yaml.v3"

	"odte/internal/risk"
	"odte/internal/schema"
	"odte/pkg/exception"
)

// MaxHorizon bounds every rolling window.
const MaxHorizon = 60 * time.Second

// Config mirrors the YAML config layout. It is loaded once per session and
// treated as read-only afterwards.
type Config struct {
	Session     SessionConfig          `yaml:"session"`
	Blackouts   []BlackoutConfig       `yaml:"blackouts"`
	Events      []EventBlackoutConfig  `yaml:"events"`
	Instruments []InstrumentConfig     `yaml:"instruments"`
	Window      WindowConfig           `yaml:"window"`
	Detectors   DetectorConfig         `yaml:"detectors"`
	Setups      map[string]SetupPolicy `yaml:"setups"`
	Risk        risk.Config            `yaml:"risk"`
	Execution   ExecutionConfig        `yaml:"execution"`
	Engine      EngineConfig           `yaml:"engine"`
	Metrics     MetricsConfig          `yaml:"metrics"`
	policies    map[schema.SetupKind]SetupPolicy
}

// SessionConfig describes the trading session clock.
type SessionConfig struct {
	Timezone  string `yaml:"timezone"`
	FlattenAt string `yaml:"flatten_at"`
}

// BlackoutConfig is a time-of-day window (HH:MM, session timezone) where no
// new position may open.
type BlackoutConfig struct {
	Label string `yaml:"label"`
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// EventBlackoutConfig blocks entries around a scheduled event.
type EventBlackoutConfig struct {
	Label  string        `yaml:"label"`
	At     time.Time     `yaml:"at"`
	Before time.Duration `yaml:"before"`
	After  time.Duration `yaml:"after"`
}

// InstrumentConfig describes an instrument entry.
type InstrumentConfig struct {
	Name       string  `yaml:"name"`
	Multiplier float64 `yaml:"multiplier"`
	LotSize    float64 `yaml:"lot_size"`
}

// WindowConfig configures the rolling window store.
type WindowConfig struct {
	Horizons      []time.Duration `yaml:"horizons"`
	BaselineAlpha float64         `yaml:"baseline_alpha"`
}

// DetectorConfig groups per-detector thresholds.
type DetectorConfig struct {
	VolumeImbalance  VolumeImbalanceParams  `yaml:"volume_imbalance"`
	FailedMomentum   FailedMomentumParams   `yaml:"failed_momentum"`
	RangeBreakFail   RangeBreakFailParams   `yaml:"range_break_fail"`
	VWAPReversion    VWAPReversionParams    `yaml:"vwap_reversion"`
	CompressionBreak CompressionBreakParams `yaml:"compression_break"`
	BlockAbsorption  BlockAbsorptionParams  `yaml:"block_absorption"`
	LiquidityVoid    LiquidityVoidParams    `yaml:"liquidity_void"`
}

type VolumeImbalanceParams struct {
	Horizon    time.Duration `yaml:"horizon"`
	Ratio      float64       `yaml:"ratio"`
	MinMovePct float64       `yaml:"min_move_pct"`
}

type FailedMomentumParams struct {
	Horizon     time.Duration `yaml:"horizon"`
	HalfHorizon time.Duration `yaml:"half_horizon"`
	MinMovePct  float64       `yaml:"min_move_pct"`
}

type RangeBreakFailParams struct {
	RangeHorizon time.Duration `yaml:"range_horizon"`
	FailHorizon  time.Duration `yaml:"fail_horizon"`
	MinRangePct  float64       `yaml:"min_range_pct"`
}

type VWAPReversionParams struct {
	Horizon         time.Duration `yaml:"horizon"`
	VelocityHorizon time.Duration `yaml:"velocity_horizon"`
	Threshold       float64       `yaml:"threshold"`
	Tests           int           `yaml:"tests"`
}

type CompressionBreakParams struct {
	ActivityHorizon time.Duration `yaml:"activity_horizon"`
	QuietHorizon    time.Duration `yaml:"quiet_horizon"`
	QuietFor        time.Duration `yaml:"quiet_for"`
	MaxTicksPerSec  float64       `yaml:"max_ticks_per_sec"`
	MaxVolumePerSec float64       `yaml:"max_volume_per_sec"`
	SpikeMultiple   float64       `yaml:"spike_multiple"`
}

type BlockAbsorptionParams struct {
	BlockSize  float64       `yaml:"block_size"`
	Hold       time.Duration `yaml:"hold"`
	MaxMovePct float64       `yaml:"max_move_pct"`
}

type LiquidityVoidParams struct {
	MinTicks   int           `yaml:"min_ticks"`
	MinMovePct float64       `yaml:"min_move_pct"`
	Recovery   time.Duration `yaml:"recovery"`
}

// SetupPolicy is the per-setup entry and exit policy.
type SetupPolicy struct {
	Enabled       *bool         `yaml:"enabled"`
	MinConfidence float64       `yaml:"min_confidence"`
	BaseSize      float64       `yaml:"base_size"`
	StopPct       float64       `yaml:"stop_pct"`
	TargetPct     float64       `yaml:"target_pct"`
	MaxHold       time.Duration `yaml:"max_hold"`
	ScaleIn       bool          `yaml:"scale_in"`
	MaxScales     int           `yaml:"max_scales"`
	ScaleFraction float64       `yaml:"scale_fraction"`
}

// IsEnabled resolves the optional enabled flag; unset means enabled.
func (p SetupPolicy) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// ExecutionConfig bounds every interaction with the execution collaborator.
type ExecutionConfig struct {
	FillTimeout      time.Duration `yaml:"fill_timeout"`
	SubmitTimeout    time.Duration `yaml:"submit_timeout"`
	MaxCloseRetries  int           `yaml:"max_close_retries"`
	IntentsPerSecond float64       `yaml:"intents_per_second"`
	IntentBurst      int           `yaml:"intent_burst"`
	BreakerFailures  uint32        `yaml:"breaker_failures"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
}

// EngineConfig sizes the sharded runtime.
type EngineConfig struct {
	Shards        int           `yaml:"shards"`
	QueueCapacity int           `yaml:"queue_capacity"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// MetricsConfig configures the metrics endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Load reads a YAML config file over the defaults and validates it.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config").With("path", path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "decode yaml").With("path", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config is within supported ranges and resolves the
// per-setup policies.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Session.FlattenAt != "" {
		if _, err := ParseClock(c.Session.FlattenAt); err != nil {
			return errors.Wrap(err, "session flatten_at")
		}
	}
	for _, b := range c.Blackouts {
		if _, err := ParseClock(b.Start); err != nil {
			return errors.Wrapf(err, "blackout %s start", b.Label)
		}
		if _, err := ParseClock(b.End); err != nil {
			return errors.Wrapf(err, "blackout %s end", b.Label)
		}
	}
	if len(c.Instruments) == 0 {
		return errors.Wrap(exception.ErrInvalidArgument, "no instruments configured")
	}
	if len(c.Window.Horizons) == 0 {
		return errors.Wrap(exception.ErrInvalidArgument, "no window horizons configured")
	}
	for _, h := range c.Window.Horizons {
		if h <= 0 || h > MaxHorizon {
			return errors.Wrapf(exception.ErrInvalidArgument, "horizon %s must be in (0, %s]", h, MaxHorizon)
		}
	}
	if c.Window.BaselineAlpha <= 0 || c.Window.BaselineAlpha > 1 {
		return errors.Wrap(exception.ErrInvalidArgument, "baseline_alpha must be in (0, 1]")
	}
	if c.Detectors.VWAPReversion.Tests < 2 {
		return errors.Wrap(exception.ErrInvalidArgument, "vwap_reversion tests must be >= 2")
	}
	if c.Risk.RUnit <= 0 || c.Risk.PerTradeR <= 0 || c.Risk.DailyR <= 0 {
		return errors.Wrap(exception.ErrInvalidArgument, "risk r_unit, per_trade_r and daily_r must be > 0")
	}
	if c.Execution.FillTimeout <= 0 || c.Execution.SubmitTimeout <= 0 {
		return errors.Wrap(exception.ErrInvalidArgument, "execution timeouts must be > 0")
	}
	if c.Execution.MaxCloseRetries < 0 {
		return errors.Wrap(exception.ErrInvalidArgument, "max_close_retries must be >= 0")
	}
	if c.Engine.Shards <= 0 {
		c.Engine.Shards = 1
	}
	if c.Engine.QueueCapacity <= 0 {
		c.Engine.QueueCapacity = 1024
	}

	policies := make(map[schema.SetupKind]SetupPolicy, len(schema.SetupKinds))
	defaults := defaultPolicy()
	for _, kind := range schema.SetupKinds {
		policies[kind] = defaults
	}
	for name, p := range c.Setups {
		kind, ok := schema.ParseSetupKind(name)
		if !ok {
			return errors.Errorf("unknown setup: %s", name)
		}
		if p.BaseSize <= 0 || p.StopPct <= 0 || p.TargetPct <= 0 || p.MaxHold <= 0 {
			return errors.Errorf("setup %s: base_size, stop_pct, target_pct and max_hold must be > 0", name)
		}
		if p.ScaleIn && (p.MaxScales <= 0 || p.ScaleFraction <= 0) {
			return errors.Errorf("setup %s: scale_in requires max_scales and scale_fraction > 0", name)
		}
		policies[kind] = p
	}
	c.policies = policies
	return nil
}

// Policy returns the resolved policy for a setup kind.
func (c *Config) Policy(kind schema.SetupKind) SetupPolicy {
	if p, ok := c.policies[kind]; ok {
		return p
	}
	return defaultPolicy()
}

// Location resolves the session timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Session.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Session.Timezone)
	if err != nil {
		return nil, errors.Wrap(err, "load session timezone").With("tz", c.Session.Timezone)
	}
	return loc, nil
}

// Registry builds the instrument registry.
func (c *Config) Registry() (*schema.Registry, error) {
	reg := schema.NewRegistry()
	for _, inst := range c.Instruments {
		if _, err := reg.Add(inst.Name, inst.Multiplier, inst.LotSize); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// SortedHorizons returns the configured horizons, deduplicated and sorted.
func (c *Config) SortedHorizons() []time.Duration {
	seen := make(map[time.Duration]struct{}, len(c.Window.Horizons))
	out := make([]time.Duration, 0, len(c.Window.Horizons))
	for _, h := range c.Window.Horizons {
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseClock parses an HH:MM or HH:MM:SS time of day into an offset from
// midnight.
func ParseClock(s string) (time.Duration, error) {
	for _, layout := range []string{"15:04:05", "15:04"} {
		t, err := time.Parse(layout, s)
		if err == nil {
			return time.Duration(t.Hour())*time.Hour +
				time.Duration(t.Minute())*time.Minute +
				time.Duration(t.Second())*time.Second, nil
		}
	}
	return 0, errors.Wrapf(exception.ErrInvalidArgument, "invalid time of day: %q", s)
}

package ops

import (
	"time"

	"odte/internal/risk"
)

// Default returns the baseline configuration. Values follow the "seconds, not
// minutes" holding style of the setups.
func Default() *Config {
	return &Config{
		Session: SessionConfig{
			Timezone:  "America/New_York",
			FlattenAt: "15:55",
		},
		Blackouts: []BlackoutConfig{
			{Label: "pre-open", Start: "00:00", End: "09:31"},
			{Label: "lunch", Start: "12:00", End: "13:00"},
			{Label: "post-close", Start: "15:50", End: "23:59:59"},
		},
		Instruments: []InstrumentConfig{
			{Name: "SPX", Multiplier: 100, LotSize: 1},
		},
		Window: WindowConfig{
			Horizons:      []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 10 * time.Second, 30 * time.Second, 60 * time.Second},
			BaselineAlpha: 0.5,
		},
		Detectors: DetectorConfig{
			VolumeImbalance: VolumeImbalanceParams{
				Horizon:    60 * time.Second,
				Ratio:      3,
				MinMovePct: 0.001,
			},
			FailedMomentum: FailedMomentumParams{
				Horizon:     4 * time.Second,
				HalfHorizon: 2 * time.Second,
				MinMovePct:  0.0005,
			},
			RangeBreakFail: RangeBreakFailParams{
				RangeHorizon: 60 * time.Second,
				FailHorizon:  10 * time.Second,
				MinRangePct:  0.0005,
			},
			VWAPReversion: VWAPReversionParams{
				Horizon:         60 * time.Second,
				VelocityHorizon: 10 * time.Second,
				Threshold:       0.001,
				Tests:           2,
			},
			CompressionBreak: CompressionBreakParams{
				ActivityHorizon: 10 * time.Second,
				QuietHorizon:    30 * time.Second,
				QuietFor:        30 * time.Second,
				MaxTicksPerSec:  1,
				MaxVolumePerSec: 10,
				SpikeMultiple:   5,
			},
			BlockAbsorption: BlockAbsorptionParams{
				BlockSize:  500,
				Hold:       2 * time.Second,
				MaxMovePct: 0.0002,
			},
			LiquidityVoid: LiquidityVoidParams{
				MinTicks:   3,
				MinMovePct: 0.001,
				Recovery:   2 * time.Second,
			},
		},
		Risk: risk.Config{
			RUnit:       100,
			PerTradeR:   2,
			DailyR:      5,
			MaxExposure: 50000,
		},
		Execution: ExecutionConfig{
			FillTimeout:      2 * time.Second,
			SubmitTimeout:    500 * time.Millisecond,
			MaxCloseRetries:  2,
			IntentsPerSecond: 20,
			IntentBurst:      10,
			BreakerFailures:  5,
			BreakerCooldown:  10 * time.Second,
		},
		Engine: EngineConfig{
			Shards:        4,
			QueueCapacity: 4096,
			SweepInterval: 250 * time.Millisecond,
		},
		Metrics: MetricsConfig{
			Addr: ":9102",
		},
	}
}

func defaultPolicy() SetupPolicy {
	return SetupPolicy{
		MinConfidence: 0.5,
		BaseSize:      1,
		StopPct:       1.5,
		TargetPct:     0.5,
		MaxHold:       30 * time.Second,
	}
}

package report

import (
	"math"
	"sort"

	"github.com/yanun0323/logs"

	"odte/internal/risk"
)

// Summary is the performance of one session's closed positions. Per-trade
// returns are R multiples: realized P&L over the risk approved at entry.
type Summary struct {
	Session             string                  `json:"session"`
	Positions           int                     `json:"positions"`
	Wins                int                     `json:"wins"`
	Losses              int                     `json:"losses"`
	TotalPnL            float64                 `json:"totalPnl"`
	GrossProfit         float64                 `json:"grossProfit"`
	GrossLoss           float64                 `json:"grossLoss"`
	WinRate             float64                 `json:"winRate"`
	ProfitFactor        float64                 `json:"profitFactor"`
	RiskDeployed        float64                 `json:"riskDeployed"`
	ReturnOnRisk        float64                 `json:"returnOnRisk"`
	TotalR              float64                 `json:"totalR"`
	MaxDrawdownR        float64                 `json:"maxDrawdownR"`
	MAR                 float64                 `json:"mar"`
	Sortino             float64                 `json:"sortino"`
	ExecutionFailures   int                     `json:"executionFailures"`
	ForcedExits         int                     `json:"forcedExits"`
	InvariantViolations int                     `json:"invariantViolations"`
	BySetup             map[string]SetupSummary `json:"bySetup"`
	ByExit              map[string]int          `json:"byExit"`
}

// SetupSummary groups the closed positions of one setup.
type SetupSummary struct {
	Positions int     `json:"positions"`
	Wins      int     `json:"wins"`
	PnL       float64 `json:"pnl"`
}

// Summarize computes the session summary. Records are ordered by close time
// before the drawdown is measured, so the result does not depend on the
// order shards reported them in.
func Summarize(session string, records []risk.ClosedRecord) Summary {
	s := Summary{
		Session: session,
		BySetup: make(map[string]SetupSummary),
		ByExit:  make(map[string]int),
	}
	if len(records) == 0 {
		return s
	}
	sorted := make([]risk.ClosedRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].ClosedAt != sorted[j].ClosedAt {
			return sorted[i].ClosedAt < sorted[j].ClosedAt
		}
		return sorted[i].PositionID < sorted[j].PositionID
	})

	var (
		equity, peak float64
		downside     []float64
	)
	for _, r := range sorted {
		s.Positions++
		s.TotalPnL += r.RealizedPnL
		s.RiskDeployed += r.RiskAtEntry
		setup := s.BySetup[r.Kind.String()]
		setup.Positions++
		setup.PnL += r.RealizedPnL
		switch {
		case r.RealizedPnL > 0:
			s.Wins++
			setup.Wins++
			s.GrossProfit += r.RealizedPnL
		case r.RealizedPnL < 0:
			s.Losses++
			s.GrossLoss -= r.RealizedPnL
		}
		s.BySetup[r.Kind.String()] = setup
		s.ByExit[r.ExitReason]++
		if r.ExecutionFailure {
			s.ExecutionFailures++
		}
		if r.Forced {
			s.ForcedExits++
		}
		if r.InvariantViolation {
			s.InvariantViolations++
		}

		if r.RiskAtEntry <= 0 {
			continue
		}
		ret := r.RealizedPnL / r.RiskAtEntry
		s.TotalR += ret
		if ret < 0 {
			downside = append(downside, ret)
		}
		equity += ret
		peak = math.Max(peak, equity)
		s.MaxDrawdownR = math.Max(s.MaxDrawdownR, peak-equity)
	}

	s.WinRate = float64(s.Wins) / float64(s.Positions)
	switch {
	case s.GrossLoss > 0:
		s.ProfitFactor = s.GrossProfit / s.GrossLoss
	case s.GrossProfit > 0:
		s.ProfitFactor = math.Inf(1)
	}
	if s.RiskDeployed > 0 {
		s.ReturnOnRisk = s.TotalPnL / s.RiskDeployed
	}
	s.MAR = s.TotalR
	if s.MaxDrawdownR > 0 {
		s.MAR = s.TotalR / s.MaxDrawdownR
	}
	s.Sortino = s.TotalR
	if dev := sampleStdDev(downside); dev > 0 {
		s.Sortino = s.TotalR / dev
	}
	return s
}

// Meets reports whether the summary clears the MAR, profit factor and win
// rate targets.
func (s Summary) Meets() bool {
	return s.MAR > 1.5 && s.ProfitFactor > 1.5 && s.WinRate > 0.5
}

// Log writes the summary to the process logger.
func (s Summary) Log() {
	logs.Infof("session %s summary, positions: %d, wins: %d, losses: %d, win rate: %.1f%%",
		s.Session, s.Positions, s.Wins, s.Losses, s.WinRate*100)
	logs.Infof("session %s pnl: %.2f, return on risk: %.2f%%, total R: %.2f, profit factor: %.2f",
		s.Session, s.TotalPnL, s.ReturnOnRisk*100, s.TotalR, s.ProfitFactor)
	logs.Infof("session %s risk, max drawdown R: %.2f, MAR: %.2f, sortino: %.2f",
		s.Session, s.MaxDrawdownR, s.MAR, s.Sortino)
	if s.ExecutionFailures > 0 || s.InvariantViolations > 0 {
		logs.Warnf("session %s execution failures: %d, invariant violations: %d, forced exits: %d",
			s.Session, s.ExecutionFailures, s.InvariantViolations, s.ForcedExits)
	} else {
		logs.Infof("session %s forced exits: %d", s.Session, s.ForcedExits)
	}
	setups := make([]string, 0, len(s.BySetup))
	for name := range s.BySetup {
		setups = append(setups, name)
	}
	sort.Strings(setups)
	for _, name := range setups {
		st := s.BySetup[name]
		logs.Infof("session %s setup %s, positions: %d, wins: %d, pnl: %.2f", s.Session, name, st.Positions, st.Wins, st.PnL)
	}
	if s.Positions > 0 && !s.Meets() {
		logs.Warnf("session %s below targets (MAR > 1.5, profit factor > 1.5, win rate > 50%%)", s.Session)
	}
}

func sampleStdDev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var ss float64
	for _, x := range xs {
		ss += (x - mean) * (x - mean)
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

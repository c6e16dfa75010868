package risk

import "odte/internal/schema"

// Ledger is the process-wide risk aggregate of one session.
type Ledger struct {
	Session           string
	OpenExposure      float64
	OpenPositions     int
	TradesToday       int
	RealizedPnLToday  float64
	UnrealizedPnL     float64
	WorstCaseOpenPnL  float64
	DailyStopBreached bool
}

// ClosedRecord is the read-only history of a terminal position.
type ClosedRecord struct {
	PositionID         string
	InstrumentID       string
	Kind               schema.SetupKind
	Bias               schema.Bias
	OpenedAt           int64
	ClosedAt           int64
	EntryPrice         float64
	Size               float64
	RiskAtEntry        float64
	RealizedPnL        float64
	ExitReason         string
	ExecutionFailure   bool
	InvariantViolation bool
	Forced             bool
}

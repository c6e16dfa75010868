package report

import (
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"

	"odte/internal/risk"
)

// Snapshot is the persisted outcome of a session.
type Snapshot struct {
	Timestamp int64   `json:"timestamp"`
	Summary   Summary `json:"summary"`
	Trades    []Trade `json:"trades"`
}

// Trade is a closed position as written to disk.
type Trade struct {
	PositionID         string  `json:"positionId"`
	Instrument         string  `json:"instrument"`
	Setup              string  `json:"setup"`
	Bias               string  `json:"bias"`
	OpenedAt           int64   `json:"openedAt"`
	ClosedAt           int64   `json:"closedAt"`
	Entry              float64 `json:"entry"`
	Size               float64 `json:"size"`
	Risk               float64 `json:"risk"`
	PnL                float64 `json:"pnl"`
	Exit               string  `json:"exit"`
	ExecutionFailure   bool    `json:"executionFailure,omitempty"`
	InvariantViolation bool    `json:"invariantViolation,omitempty"`
	Forced             bool    `json:"forced,omitempty"`
}

// NewSnapshot builds a snapshot of a finished session.
func NewSnapshot(session string, records []risk.ClosedRecord) Snapshot {
	trades := make([]Trade, 0, len(records))
	for _, r := range records {
		trades = append(trades, Trade{
			PositionID:         r.PositionID,
			Instrument:         r.InstrumentID,
			Setup:              r.Kind.String(),
			Bias:               r.Bias.String(),
			OpenedAt:           r.OpenedAt,
			ClosedAt:           r.ClosedAt,
			Entry:              r.EntryPrice,
			Size:               r.Size,
			Risk:               r.RiskAtEntry,
			PnL:                r.RealizedPnL,
			Exit:               r.ExitReason,
			ExecutionFailure:   r.ExecutionFailure,
			InvariantViolation: r.InvariantViolation,
			Forced:             r.Forced,
		})
	}
	sort.Slice(trades, func(i, j int) bool {
		if trades[i].ClosedAt != trades[j].ClosedAt {
			return trades[i].ClosedAt < trades[j].ClosedAt
		}
		return trades[i].PositionID < trades[j].PositionID
	})
	return Snapshot{
		Timestamp: time.Now().UTC().UnixNano(),
		Summary:   Summarize(session, records),
		Trades:    trades,
	}
}

// WriteSnapshot writes a snapshot to disk as JSON. JSON has no infinity: a
// session without losses is written with profitFactor 0 and grossLoss 0.
func WriteSnapshot(path string, snapshot Snapshot) error {
	if math.IsInf(snapshot.Summary.ProfitFactor, 0) {
		snapshot.Summary.ProfitFactor = 0
	}
	data, err := sonic.ConfigStd.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal session snapshot")
	}
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "create snapshot dir").With("dir", dir)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(err, "write session snapshot").With("path", path)
	}
	return nil
}

// ReadSnapshot loads a snapshot from disk.
func ReadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "read session snapshot").With("path", path)
	}
	var snap Snapshot
	if err := sonic.ConfigStd.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, errors.Wrap(err, "decode session snapshot").With("path", path)
	}
	return snap, nil
}

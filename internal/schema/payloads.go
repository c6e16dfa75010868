package schema

import (
	"math"

	"github.com/yanun0323/errors"

	"odte/pkg/exception"
)

// Side describes where a print happened relative to the book.
type Side uint16

const (
	SideUnknown Side = iota
	SideBid
	SideAsk
	SideTrade
)

func (s Side) String() string {
	switch s {
	case SideBid:
		return "bid"
	case SideAsk:
		return "ask"
	case SideTrade:
		return "trade"
	default:
		return "unknown"
	}
}

// ParseSide maps the wire name of a side.
func ParseSide(s string) Side {
	switch s {
	case "bid", "BID", "b":
		return SideBid
	case "ask", "ASK", "a":
		return SideAsk
	case "trade", "TRADE", "t":
		return SideTrade
	default:
		return SideUnknown
	}
}

// MarketEvent is a normalized tick/quote/volume event. Timestamps are
// microseconds and monotonic per instrument.
type MarketEvent struct {
	InstrumentID  string
	Timestamp     int64
	Price         float64
	Size          float64
	Side          Side
	BookImbalance float64
}

// Validate reports whether the event can be ingested.
func (e MarketEvent) Validate() error {
	switch {
	case e.InstrumentID == "":
		return errors.Wrap(exception.ErrMalformedEvent, "empty instrument")
	case e.Timestamp <= 0:
		return errors.Wrap(exception.ErrMalformedEvent, "non-positive timestamp").With("ts", e.Timestamp)
	case math.IsNaN(e.Price) || math.IsInf(e.Price, 0) || e.Price <= 0:
		return errors.Wrap(exception.ErrMalformedEvent, "invalid price").With("price", e.Price)
	case math.IsNaN(e.Size) || math.IsInf(e.Size, 0) || e.Size < 0:
		return errors.Wrap(exception.ErrMalformedEvent, "invalid size").With("size", e.Size)
	case math.IsNaN(e.BookImbalance) || e.BookImbalance < -1 || e.BookImbalance > 1:
		return errors.Wrap(exception.ErrMalformedEvent, "imbalance out of range").With("imbalance", e.BookImbalance)
	case e.Side == SideUnknown || e.Side > SideTrade:
		return errors.Wrap(exception.ErrMalformedEvent, "unknown side")
	}
	return nil
}

// SetupKind enumerates the setup detectors.
type SetupKind uint16

const (
	SetupUnknown SetupKind = iota
	SetupVolumeImbalance
	SetupFailedMomentum
	SetupRangeBreakFail
	SetupVWAPReversion
	SetupCompressionBreak
	SetupBlockAbsorption
	SetupLiquidityVoid
)

// SetupKinds lists every detector kind in declaration order.
var SetupKinds = []SetupKind{
	SetupVolumeImbalance,
	SetupFailedMomentum,
	SetupRangeBreakFail,
	SetupVWAPReversion,
	SetupCompressionBreak,
	SetupBlockAbsorption,
	SetupLiquidityVoid,
}

var setupNames = map[SetupKind]string{
	SetupVolumeImbalance:  "volume_imbalance",
	SetupFailedMomentum:   "failed_momentum",
	SetupRangeBreakFail:   "range_break_fail",
	SetupVWAPReversion:    "vwap_reversion",
	SetupCompressionBreak: "compression_break",
	SetupBlockAbsorption:  "block_absorption",
	SetupLiquidityVoid:    "liquidity_void",
}

func (k SetupKind) String() string {
	if name, ok := setupNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseSetupKind maps a config name to a SetupKind.
func ParseSetupKind(name string) (SetupKind, bool) {
	for k, n := range setupNames {
		if n == name {
			return k, true
		}
	}
	return SetupUnknown, false
}

// Priority is the fixed tie-break rank of a setup; lower wins.
func (k SetupKind) Priority() int {
	switch k {
	case SetupVolumeImbalance:
		return 0
	case SetupBlockAbsorption:
		return 1
	case SetupCompressionBreak:
		return 2
	case SetupRangeBreakFail:
		return 3
	case SetupVWAPReversion:
		return 4
	case SetupFailedMomentum:
		return 5
	case SetupLiquidityVoid:
		return 6
	default:
		return math.MaxInt
	}
}

// Bias is the suggested trade direction of a signal.
type Bias uint16

const (
	BiasUnknown Bias = iota
	BiasLong
	BiasShort
	BiasBoth
)

func (b Bias) String() string {
	switch b {
	case BiasLong:
		return "long"
	case BiasShort:
		return "short"
	case BiasBoth:
		return "both"
	default:
		return "unknown"
	}
}

// Counter returns the bias fading a move with the given sign.
func Counter(sign float64) Bias {
	switch {
	case sign > 0:
		return BiasShort
	case sign < 0:
		return BiasLong
	default:
		return BiasBoth
	}
}

// WindowSnapshot is the derived view of one instrument over one horizon.
type WindowSnapshot struct {
	Horizon           int64
	Now               int64
	VolumeSum         float64
	AvgVolumeBaseline float64
	BaselineWarm      bool
	PriceVelocity     float64
	ReturnPct         float64
	TickCount         int
	VWAP              float64
	VWAPDeviation     float64
	ImbalanceEMA      float64
	SignedVolume      float64
	High              float64
	Low               float64
	First             float64
	Last              float64
	Warm              bool
}

// Signal is emitted by a detector. Immutable once emitted.
type Signal struct {
	Kind         SetupKind
	InstrumentID string
	Timestamp    int64
	Confidence   float64
	Bias         Bias
	Price        float64
	Snapshot     WindowSnapshot
}

// PositionSide is the direction of a position leg.
type PositionSide int8

const (
	Long  PositionSide = 1
	Short PositionSide = -1
)

func (s PositionSide) String() string {
	if s == Short {
		return "short"
	}
	return "long"
}

// OrderSide describes order direction.
type OrderSide uint16

const (
	OrderSideUnknown OrderSide = iota
	OrderSideBuy
	OrderSideSell
)

func (s OrderSide) String() string {
	switch s {
	case OrderSideBuy:
		return "buy"
	case OrderSideSell:
		return "sell"
	default:
		return "unknown"
	}
}

// OpenSide is the order side that opens a leg of the given direction.
func OpenSide(side PositionSide) OrderSide {
	if side == Short {
		return OrderSideSell
	}
	return OrderSideBuy
}

// CloseSide is the order side that closes a leg of the given direction.
func CloseSide(side PositionSide) OrderSide {
	if side == Short {
		return OrderSideBuy
	}
	return OrderSideSell
}

// OrderType describes order type.
type OrderType uint16

const (
	OrderTypeUnknown OrderType = iota
	OrderTypeLimit
	OrderTypeMarket
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeLimit:
		return "limit"
	case OrderTypeMarket:
		return "market"
	default:
		return "unknown"
	}
}

// IntentKind describes why an order intent is emitted.
type IntentKind uint16

const (
	IntentUnknown IntentKind = iota
	IntentOpen
	IntentScale
	IntentClose
)

func (k IntentKind) String() string {
	switch k {
	case IntentOpen:
		return "open"
	case IntentScale:
		return "scale"
	case IntentClose:
		return "close"
	default:
		return "unknown"
	}
}

// OrderIntent is emitted to the execution collaborator.
type OrderIntent struct {
	IntentID     uint64
	PositionID   string
	InstrumentID string
	Leg          int
	Side         OrderSide
	Size         float64
	Kind         IntentKind
	Type         OrderType
	Price        float64
	Timestamp    int64
}

// CancelIntent withdraws a pending unfilled intent.
type CancelIntent struct {
	IntentID     uint64
	PositionID   string
	InstrumentID string
	Timestamp    int64
}

// FillConfirmation is fed back by the execution collaborator. IntentID is
// optional; zero matches the oldest outstanding intent of the position.
type FillConfirmation struct {
	PositionID string
	IntentID   uint64
	FilledSize float64
	FillPrice  float64
	Timestamp  int64
}

// FillFailure reports that an intent could not be filled.
type FillFailure struct {
	PositionID string
	IntentID   uint64
	Reason     string
	Timestamp  int64
}

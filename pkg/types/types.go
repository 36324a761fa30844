// Package types holds the shared vocabulary for the backtest core: the
// candle/order/fill/position/trade data model every other package imports.
// It has no internal dependencies of its own.
package types

import (
	"fmt"
	"time"
)

// ---------------------------------------------------------------------
// Candles and symbols
// ---------------------------------------------------------------------

// Symbol is an opaque instrument identifier, compared by value.
type Symbol string

// Candle is an immutable OHLCV observation. Timestamps within a sequence
// must strictly increase; Low must be the minimum of Open/High/Low/Close.
type Candle struct {
	Datetime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// Valid reports whether the candle satisfies the OHLC ordering invariant.
func (c Candle) Valid() bool {
	if c.Low > c.Open || c.Low > c.Close || c.Low > c.High {
		return false
	}
	return c.Low <= c.High
}

// ---------------------------------------------------------------------
// Enums
// ---------------------------------------------------------------------

// Side is the direction of an order or position.
type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Buy {
		return "buy"
	}
	return "sell"
}

// Sign returns +1 for Buy and -1 for Sell, used in P&L formulas.
func (s Side) Sign() float64 {
	if s == Buy {
		return 1
	}
	return -1
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType selects how an order is matched against the candle price path.
type OrderType int

const (
	Market OrderType = iota
	Limit
	Stop
	StopLimit
)

func (t OrderType) String() string {
	switch t {
	case Market:
		return "market"
	case Limit:
		return "limit"
	case Stop:
		return "stop"
	case StopLimit:
		return "stop_limit"
	default:
		return "unknown"
	}
}

// TimeInForce controls how long an order rests before expiring.
type TimeInForce int

const (
	GoodTillCancelled TimeInForce = iota
	GoodTillDate
	ImmediateOrCancel
	FillOrKill
)

func (t TimeInForce) String() string {
	switch t {
	case GoodTillCancelled:
		return "gtc"
	case GoodTillDate:
		return "gtd"
	case ImmediateOrCancel:
		return "ioc"
	case FillOrKill:
		return "fok"
	default:
		return "unknown"
	}
}

// OrderState is the order's position in its lifecycle state machine.
// Transitions are monotonic; Filled, Cancelled, Rejected and Expired are
// terminal.
type OrderState int

const (
	Pending OrderState = iota
	Submitted
	Open
	PartiallyFilled
	Filled
	Cancelled
	Rejected
	Expired
)

func (s OrderState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Submitted:
		return "submitted"
	case Open:
		return "open"
	case PartiallyFilled:
		return "partially_filled"
	case Filled:
		return "filled"
	case Cancelled:
		return "cancelled"
	case Rejected:
		return "rejected"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is one from which no further
// transition is possible.
func (s OrderState) Terminal() bool {
	switch s {
	case Filled, Cancelled, Rejected, Expired:
		return true
	default:
		return false
	}
}

// ExitReason records why a Trade's position was closed.
type ExitReason int

const (
	ExitStop ExitReason = iota
	ExitTarget
	ExitTrailing
	ExitSignal
	ExitShutdown
)

func (r ExitReason) String() string {
	switch r {
	case ExitStop:
		return "stop"
	case ExitTarget:
		return "target"
	case ExitTrailing:
		return "trailing"
	case ExitSignal:
		return "signal"
	case ExitShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// ---------------------------------------------------------------------
// Orders, fills, positions, trades
// ---------------------------------------------------------------------

// Order is mutable for the duration of its lifetime. IDs are assigned by
// an atomic counter and are unique within a single run.
type Order struct {
	ID                uint64
	Symbol            Symbol
	Side              Side
	OrderType         OrderType
	LimitPrice        float64
	HasLimitPrice     bool
	StopPrice         float64
	HasStopPrice      bool
	Quantity          float64
	FilledQuantity    float64
	RemainingQuantity float64
	AverageFillPrice  float64
	State             OrderState
	TimeInForce       TimeInForce
	GoodTillDate      time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
	StrategyTag       string
	ClientID          string
}

// Invariant checks FilledQuantity + RemainingQuantity == Quantity within a
// small float tolerance. Used by tests and sanity assertions, not on the
// hot path.
func (o *Order) Invariant() bool {
	const eps = 1e-9
	d := o.FilledQuantity + o.RemainingQuantity - o.Quantity
	return d > -eps && d < eps
}

// Fill is an immutable execution record. Timestamp is always the candle
// timestamp that produced the fill, never wall-clock time.
type Fill struct {
	OrderID    uint64
	Symbol     Symbol
	Side       Side
	Price      float64
	Quantity   float64
	Timestamp  time.Time
	Commission float64
	IsMaker    bool
}

// Position is the mutable aggregate position for one symbol. A position
// exists iff Quantity > 0; side never flips in place.
type Position struct {
	Symbol            Symbol
	Side              Side
	AverageEntryPrice float64
	Quantity          float64
	RealizedPnL       float64
	UnrealizedPnL     float64
	Fills             []Fill
	FirstEntryTime    time.Time
	LastUpdateTime    time.Time
	StopPrice         float64
	HasStopPrice      bool
	TakeProfitPrice   float64
	HasTakeProfit     bool
	TrailingStop      float64
	HasTrailingStop   bool
}

// MarkToMarket recomputes UnrealizedPnL from a current reference price.
func (p *Position) MarkToMarket(price float64) {
	p.UnrealizedPnL = (price - p.AverageEntryPrice) * p.Quantity * p.Side.Sign()
}

// Trade is an immutable closed round-trip.
type Trade struct {
	Symbol     Symbol
	Side       Side
	EntryPrice float64
	ExitPrice  float64
	Quantity   float64
	EntryTime  time.Time
	ExitTime   time.Time
	GrossPnL   float64
	Fees       float64
	Tax        float64
	NetPnL     float64
	ExitReason ExitReason
}

// ---------------------------------------------------------------------
// Performance metrics
// ---------------------------------------------------------------------

// PerformanceMetrics summarizes a completed run's trade list and equity
// curve.
type PerformanceMetrics struct {
	TotalReturn     float64
	SharpeRatio     float64
	HasSharpe       bool // false when std-dev of returns is zero (undefined)
	CalmarRatio     float64
	HasCalmar       bool
	MaxDrawdown     float64
	WinRate         float64
	ProfitFactor    float64
	HasProfitFactor bool
	Expectancy      float64
	TotalTrades     int
}

func (m PerformanceMetrics) String() string {
	return fmt.Sprintf("trades=%d win_rate=%.3f total_return=%.4f max_dd=%.4f",
		m.TotalTrades, m.WinRate, m.TotalReturn, m.MaxDrawdown)
}

// ---------------------------------------------------------------------
// Strategy-facing order requests
// ---------------------------------------------------------------------

// OrderRequest is what a Strategy emits from generate_orders. Quantity
// zero means "risk-manager-sized".
type OrderRequest struct {
	Symbol        Symbol
	Side          Side
	OrderType     OrderType
	Quantity      float64
	LimitPrice    float64
	HasLimitPrice bool
	StopPrice     float64
	HasStopPrice  bool
	TimeInForce   TimeInForce
	ClientID      string
}

// EquityPoint is one sample of the equity curve.
type EquityPoint struct {
	Timestamp time.Time
	Equity    float64
}

// RunStatus is the terminal status of one backtest run.
type RunStatus int

const (
	StatusSuccess RunStatus = iota
	StatusFailed
	StatusPartial
)

func (s RunStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	case StatusPartial:
		return "partial"
	default:
		return "unknown"
	}
}

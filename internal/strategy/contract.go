// Package strategy defines the Strategy contract every plug-in strategy
// implements, the read-only StrategyContext the engine hands it each bar,
// and one reference implementation used by tests and the demo cmd.
//
// The engine and optimizer only ever hold a Strategy handle — they never
// name a concrete strategy type, matching the teacher's per-market
// polymorphism (one Maker instance per market) generalized to an
// abstract capability set.
package strategy

import (
	"strconv"

	"btcore/internal/indicator"
	"btcore/pkg/types"
)

// Strategy is the contract a plug-in strategy implementation must
// satisfy, per spec §6.1.
type Strategy interface {
	// Name must match the strategy.name config key used to select it.
	Name() string

	// CloneBoxed returns a fresh, deep-copied instance for per-symbol and
	// per-optimization-worker isolation.
	CloneBoxed() Strategy

	// RequiredTimeframes declares auxiliary timeframes beyond the primary
	// one. Empty means primary-only.
	RequiredTimeframes() []string

	// GenerateOrders is called once per symbol per bar in Phase 3. It
	// must not mutate ctx. An OrderRequest with Quantity == 0 means
	// "size me" (the risk manager computes the quantity).
	GenerateOrders(ctx *Context) []types.OrderRequest

	// CalculateStopLoss is called once at position opening; the result is
	// cached on the Position and never recomputed.
	CalculateStopLoss(window []types.Candle, entry float64, side types.Side) float64

	// CalculateTakeProfit is called once at position opening; cached.
	CalculateTakeProfit(window []types.Candle, entry float64, side types.Side) float64

	// UpdateTrailingStop is called in Phase 2. Returning ok == false means
	// no update. The engine applies the returned price only if it
	// tightens the stop in the favorable direction.
	UpdateTrailingStop(pos *types.Position, price float64, window []types.Candle) (newStop float64, ok bool)

	// GetRegimeScore multiplies risk-manager sizing. Default should be
	// 1.0 when the strategy has no opinion.
	GetRegimeScore(window []types.Candle) float64

	// OnOrderFilled notifies the strategy of a fill; may update internal
	// state.
	OnOrderFilled(fill types.Fill, pos *types.Position)

	// OnTradeClosed notifies the strategy a trade closed.
	OnTradeClosed(trade types.Trade)

	// OnBar is the end-of-bar hook.
	OnBar(ctx *Context)

	// Init is called once before the first bar.
	Init()
}

// Context is the read-only view handed to a Strategy each bar. The
// primary-timeframe window is bounded to a configurable max lookback (see
// spec §4.5 Phase 3 / §9) so work per bar stays O(1) amortized rather than
// growing with run length.
type Context struct {
	Symbol      types.Symbol
	Primary     []types.Candle            // bounded window, most recent last, ending at current bar
	Auxiliary   map[string][]types.Candle // timeframe label -> bounded window, each entry timestamp <= current bar
	Position    *types.Position           // nil if no open position
	OpenOrders  []*types.Order
	Cash        float64
	Equity      float64
	Indicators  *IndicatorView
}

// IndicatorView exposes indicator arrays as lazy accessors over the close
// prices it was built from (the engine builds one per bar from the current
// bounded primary window), per spec §9: the contract never offers a
// recomputation helper, only array lookups and incremental state the
// caller owns.
type IndicatorView struct {
	closes []float64
	cache  map[string][]indicator.Value
}

// NewIndicatorView wraps a close-price series for one symbol, oldest
// first. Accessors take the index to read within that series.
func NewIndicatorView(closes []float64) *IndicatorView {
	return &IndicatorView{closes: closes, cache: make(map[string][]indicator.Value)}
}

// SMA returns the SMA value at index at, computing the series on first
// access per (period) key and caching it for later calls on the same view.
func (v *IndicatorView) SMA(n int, at int) (float64, bool) {
	key := smaKey(n)
	series, ok := v.cache[key]
	if !ok {
		series = indicator.SMA(v.closes, n)
		v.cache[key] = series
	}
	if at < 0 || at >= len(series) {
		return 0, false
	}
	return series[at].Val, series[at].OK
}

func smaKey(n int) string {
	return "sma:" + strconv.Itoa(n)
}

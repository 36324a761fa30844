// Package engine is the central orchestrator of the backtest core: the
// per-bar event loop that drives the order book, position manager, and
// risk manager through the phases of spec.md §4.5, invoking strategy
// callbacks and producing the final Result.
//
// Lifecycle: New() wires every component for one run; Run(ctx) executes
// the run to completion (or cancellation) and returns the Result. An
// Engine is used for exactly one run — the optimizer creates one Engine
// per worker per grid combination.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"

	"btcore/internal/book"
	"btcore/internal/config"
	"btcore/internal/data"
	"btcore/internal/position"
	"btcore/internal/risk"
	"btcore/internal/strategy"
	"btcore/pkg/types"
)

// symbolState holds the per-symbol mutable state the engine owns for the
// duration of a run: its resting-order book, strategy instance, and
// queued T+1 market orders.
type symbolState struct {
	book          *book.Book
	strat         strategy.Strategy
	pendingMarket []*types.Order
}

// Engine runs one backtest to completion.
type Engine struct {
	cfg     config.Config
	dataset *data.MultiTimeframeData
	risk    *risk.Manager
	pos     *position.Manager
	logger  *slog.Logger

	symbols []types.Symbol
	states  map[types.Symbol]*symbolState

	cash     float64
	nextID   atomic.Uint64
	equity   []types.EquityPoint
	trades   []types.Trade
	warnings []string
}

// New wires a fresh Engine for one run. template is cloned once per
// symbol for isolation, per spec.md §4.5/§6.1.
func New(cfg config.Config, dataset *data.MultiTimeframeData, template strategy.Strategy, logger *slog.Logger) *Engine {
	logger = logger.With("component", "engine")
	e := &Engine{
		cfg:     cfg,
		dataset: dataset,
		risk:    risk.NewManager(cfg.Trading, logger),
		pos:     position.New(),
		logger:  logger,
		symbols: dataset.Symbols(),
		states:  make(map[types.Symbol]*symbolState),
		cash:    cfg.Trading.InitialCapital,
	}
	for _, sym := range e.symbols {
		st := &symbolState{
			book:  book.New(sym),
			strat: template.CloneBoxed(),
		}
		st.strat.Init()
		e.states[sym] = st
	}
	return e
}

// Run iterates the candle stream to completion, or until ctx is
// cancelled between bars. Within a run there are no suspension points —
// cancellation is only checked at bar boundaries, never mid-bar, per
// spec.md §5.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	if len(e.symbols) == 0 {
		return nil, fmt.Errorf("engine: dataset has no symbols")
	}
	maxLookback := e.cfg.Backtest.MaxLookbackBars
	if maxLookback <= 0 {
		maxLookback = 300
	}
	barCount := e.dataset.Len(e.symbols[0])

	for i := 0; i < barCount; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		for _, sym := range e.symbols {
			series := e.dataset.PrimarySeries(sym)
			if i >= len(series) {
				continue
			}
			e.runBar(sym, i, series[i], maxLookback)
		}

		e.bookKeeping(i)
	}

	lastCandles := make(map[types.Symbol]types.Candle)
	for _, sym := range e.symbols {
		series := e.dataset.PrimarySeries(sym)
		if len(series) > 0 {
			lastCandles[sym] = series[len(series)-1]
		}
	}
	e.closeAllPositions(lastCandles)

	metrics := computeMetrics(e.trades, e.equity)
	return &Result{
		Metrics:     metrics,
		Trades:      e.trades,
		EquityCurve: e.equity,
		Status:      types.StatusSuccess,
		Warnings:    e.warnings,
	}, nil
}

// runBar executes phases 1 through the strategy/placement phases for one
// symbol on one bar, in the order spec.md §4.5 mandates: expire & match
// resting orders, check stops/targets/trails, let the strategy decide,
// validate & place, then the end-of-bar hook.
func (e *Engine) runBar(sym types.Symbol, idx int, candle types.Candle, maxLookback int) {
	st := e.states[sym]

	// Phase 1 — expire & match.
	st.book.ExpireGoodTillDate(candle.Datetime.Unix())
	e.executePendingMarket(sym, candle)
	e.matchRestingOrders(sym, candle)

	// Phase 2 — stops/targets/trails, pessimistic tie-break.
	e.checkStopsAndTargets(sym, idx, candle)

	// Phase 3 — strategy decides.
	window := e.dataset.WindowEndingAt(sym, idx, maxLookback)
	aux := e.buildAuxiliary(sym, candle, maxLookback, st.strat.RequiredTimeframes())
	pos, _ := e.pos.Get(sym)
	stratCtx := &strategy.Context{
		Symbol:     sym,
		Primary:    window,
		Auxiliary:  aux,
		Position:   pos,
		OpenOrders: st.book.Orders(),
		Cash:       e.cash,
		Equity:     e.currentEquity(),
		Indicators: strategy.NewIndicatorView(closesOf(window)),
	}
	requests := st.strat.GenerateOrders(stratCtx)

	// Phase 4 — validate & place.
	for _, req := range requests {
		e.validateAndPlace(sym, req, candle, window)
	}

	// End-of-bar hook.
	st.strat.OnBar(stratCtx)
}

func (e *Engine) buildAuxiliary(sym types.Symbol, candle types.Candle, maxLookback int, timeframes []string) map[string][]types.Candle {
	if len(timeframes) == 0 {
		return nil
	}
	out := make(map[string][]types.Candle, len(timeframes))
	for _, tf := range timeframes {
		out[tf] = e.dataset.AuxiliaryWindow(sym, tf, candle.Datetime.Unix(), maxLookback)
	}
	return out
}

// executePendingMarket fills market orders that were deferred to bar open
// by the T+1 execution flag (spec.md §4.5 Phase 0 / Open Question #3).
func (e *Engine) executePendingMarket(sym types.Symbol, candle types.Candle) {
	st := e.states[sym]
	if len(st.pendingMarket) == 0 {
		return
	}
	slip := e.cfg.Exchange.AssumedSlippage
	for _, o := range st.pendingMarket {
		price := candle.Open
		if o.Side == types.Buy {
			price *= 1 + slip
		} else {
			price *= 1 - slip
		}
		e.applyFill(sym, o, price, candle, false)
	}
	st.pendingMarket = nil
}

func (e *Engine) matchRestingOrders(sym types.Symbol, candle types.Candle) {
	st := e.states[sym]
	fills := st.book.FillableAt(candle, e.cfg.Exchange.AssumedSlippage)
	for _, fc := range fills {
		st.book.Cancel(fc.Order.ID)
		e.applyFill(sym, fc.Order, fc.FillPrice, candle, fc.IsMaker)
	}
}

// applyFill charges commission, folds the fill into the position manager,
// and routes any closed trade's outcome into the risk manager and
// strategy hooks. stopPrice/targetPrice are computed once, only when the
// fill opens a brand-new position — they are never recomputed afterward
// per spec.md §4.3/§9.
func (e *Engine) applyFill(sym types.Symbol, o *types.Order, price float64, candle types.Candle, isMaker bool) {
	feeRate := e.cfg.Exchange.TakerFee
	if isMaker {
		feeRate = e.cfg.Exchange.MakerFee
	}
	qty := o.RemainingQuantity
	commission := price * qty * feeRate

	o.FilledQuantity += qty
	o.RemainingQuantity = 0
	o.AverageFillPrice = price
	o.State = types.Filled
	o.UpdatedAt = candle.Datetime

	fill := types.Fill{
		OrderID:    o.ID,
		Symbol:     sym,
		Side:       o.Side,
		Price:      price,
		Quantity:   qty,
		Timestamp:  candle.Datetime,
		Commission: commission,
		IsMaker:    isMaker,
	}

	st := e.states[sym]
	existing, hadPosition := e.pos.Get(sym)

	var stopPrice, targetPrice float64
	exitReason := types.ExitSignal
	if !hadPosition {
		idx := indexOfUnixIn(e.dataset, sym, candle.Datetime.Unix())
		window := e.dataset.WindowEndingAt(sym, idx, 300)
		stopPrice = st.strat.CalculateStopLoss(window, price, o.Side)
		targetPrice = st.strat.CalculateTakeProfit(window, price, o.Side)
	} else {
		switch {
		case existing.HasStopPrice && touchedAt(existing.StopPrice, candle, existing.Side):
			exitReason = types.ExitStop
		case existing.HasTakeProfit && touchedAt(existing.TakeProfitPrice, candle, existing.Side):
			exitReason = types.ExitTarget
		}
	}

	trade, err := e.pos.ApplyFill(fill, stopPrice, targetPrice, exitReason)
	if err != nil {
		o.State = types.Rejected
		e.warnings = append(e.warnings, err.Error())
		e.logger.Warn("overfill rejected", "symbol", sym, "order_id", o.ID, "error", err)
		return
	}
	st.strat.OnOrderFilled(fill, existing)
	if trade != nil {
		e.trades = append(e.trades, *trade)
		e.risk.RecordTradeOutcome(*trade)
		st.strat.OnTradeClosed(*trade)
	}
}

// touchedAt reports whether price fell within the candle's [low, high]
// range, used to attribute a closing fill's exit reason.
func touchedAt(price float64, candle types.Candle, side types.Side) bool {
	return price >= candle.Low && price <= candle.High
}

// checkStopsAndTargets implements spec.md §4.2's pessimistic tie-break:
// when both a stop and a target could fire in the same candle, the stop
// is assumed to have touched first unless the candle's open already lies
// beyond the target.
func (e *Engine) checkStopsAndTargets(sym types.Symbol, idx int, candle types.Candle) {
	pos, ok := e.pos.Get(sym)
	if !ok {
		return
	}
	st := e.states[sym]

	stopTouched := pos.HasStopPrice && touchedAt(pos.StopPrice, candle, pos.Side)
	targetTouched := pos.HasTakeProfit && touchedAt(pos.TakeProfitPrice, candle, pos.Side)

	if stopTouched && targetTouched {
		openBeyondTarget := (pos.Side == types.Buy && candle.Open >= pos.TakeProfitPrice) ||
			(pos.Side == types.Sell && candle.Open <= pos.TakeProfitPrice)
		if !openBeyondTarget {
			targetTouched = false
		}
	}

	switch {
	case stopTouched:
		e.emitExitFill(sym, pos, pos.StopPrice, candle)
		return
	case targetTouched:
		e.emitExitFill(sym, pos, pos.TakeProfitPrice, candle)
		return
	}

	window := e.dataset.WindowEndingAt(sym, idx, 300)
	if newStop, ok := st.strat.UpdateTrailingStop(pos, candle.Close, window); ok {
		e.pos.ApplyTrailingStop(sym, newStop)
	}
}

// emitExitFill produces a market-style exit fill at exactly the
// stop/target level — no additional slippage, since the level itself was
// the trigger (spec.md §4.5 Phase 2).
func (e *Engine) emitExitFill(sym types.Symbol, pos *types.Position, price float64, candle types.Candle) {
	o := &types.Order{
		ID:                e.nextID.Add(1),
		Symbol:            sym,
		Side:              pos.Side.Opposite(),
		OrderType:         types.Market,
		Quantity:          pos.Quantity,
		RemainingQuantity: pos.Quantity,
		State:             types.Open,
		CreatedAt:         candle.Datetime,
	}
	e.applyFill(sym, o, price, candle, false)
}

// validateAndPlace runs Phase 4: risk checks on new entries, sizing when
// the strategy left Quantity at zero, and routing the resulting order to
// the book (resting types) or to an immediate/deferred fill (Market).
func (e *Engine) validateAndPlace(sym types.Symbol, req types.OrderRequest, candle types.Candle, window []types.Candle) {
	st := e.states[sym]
	_, hasPosition := e.pos.Get(sym)

	isEntry := !hasPosition
	if isEntry {
		if e.risk.ShouldHaltTrading() {
			e.logger.Debug("order rejected: trading halted", "symbol", sym)
			return
		}
		if !e.risk.CanOpenPosition(e.pos.Count(), e.portfolioHeat(sym), 0) {
			e.logger.Debug("order rejected: risk caps", "symbol", sym)
			return
		}
	}

	qty := req.Quantity
	if qty == 0 {
		entryEstimate := candle.Close
		stopEstimate := st.strat.CalculateStopLoss(window, entryEstimate, req.Side)
		qty = e.risk.CalculatePositionSize(entryEstimate, stopEstimate, e.portfolioHeat(sym), st.strat.GetRegimeScore(window))
		if qty <= 0 {
			return
		}
	}

	o := &types.Order{
		ID:                e.nextID.Add(1),
		Symbol:            sym,
		Side:              req.Side,
		OrderType:         req.OrderType,
		Quantity:          qty,
		RemainingQuantity: qty,
		TimeInForce:       req.TimeInForce,
		State:             types.Open,
		CreatedAt:         candle.Datetime,
		UpdatedAt:         candle.Datetime,
		ClientID:          req.ClientID,
	}
	if req.HasLimitPrice {
		o.LimitPrice = req.LimitPrice
		o.HasLimitPrice = true
	}
	if req.HasStopPrice {
		o.StopPrice = req.StopPrice
		o.HasStopPrice = true
	}

	switch req.OrderType {
	case types.Market:
		if e.cfg.Backtest.T1Execution {
			st.pendingMarket = append(st.pendingMarket, o)
		} else {
			e.applyFill(sym, o, candle.Open, candle, false)
		}
	default:
		st.book.Add(o)
	}
}

// portfolioHeat sums |entry - stop| * quantity across every open position
// except the named symbol (the remaining heat budget available to a new
// entry in that symbol).
func (e *Engine) portfolioHeat(exclude types.Symbol) float64 {
	var heat float64
	for sym, pos := range e.pos.All() {
		if sym == exclude {
			continue
		}
		if pos.HasStopPrice {
			dist := pos.AverageEntryPrice - pos.StopPrice
			if dist < 0 {
				dist = -dist
			}
			heat += dist * pos.Quantity
		}
	}
	return heat
}

// bookKeeping runs Phase 5: mark every open position to the bar's close,
// update the risk manager's capital tracking, and append one equity
// curve sample.
func (e *Engine) bookKeeping(idx int) {
	prices := make(map[types.Symbol]float64)
	var lastCandle types.Candle
	for _, sym := range e.symbols {
		series := e.dataset.PrimarySeries(sym)
		if idx < len(series) {
			prices[sym] = series[idx].Close
			lastCandle = series[idx]
		}
	}
	e.pos.MarkToMarket(prices)

	equity := e.currentEquity()
	e.risk.UpdateCapital(equity)
	e.equity = append(e.equity, types.EquityPoint{Timestamp: lastCandle.Datetime, Equity: equity})
}

func (e *Engine) currentEquity() float64 {
	equity := e.cash
	for _, tr := range e.trades {
		equity += tr.NetPnL
	}
	for _, pos := range e.pos.All() {
		equity += pos.UnrealizedPnL
	}
	return equity
}

// closeAllPositions liquidates every remaining open position at the final
// close price once the candle stream is exhausted, so metrics reflect
// only realized P&L (spec.md §4.5 Termination).
func (e *Engine) closeAllPositions(lastCandles map[types.Symbol]types.Candle) {
	for sym, pos := range e.pos.All() {
		candle, ok := lastCandles[sym]
		if !ok {
			continue
		}
		fee := candle.Close * pos.Quantity * e.cfg.Exchange.TakerFee
		fill := types.Fill{
			OrderID:    e.nextID.Add(1),
			Symbol:     sym,
			Side:       pos.Side.Opposite(),
			Price:      candle.Close,
			Quantity:   pos.Quantity,
			Timestamp:  candle.Datetime,
			Commission: fee,
		}
		trade, err := e.pos.ApplyFill(fill, 0, 0, types.ExitShutdown)
		if err != nil || trade == nil {
			continue
		}
		e.trades = append(e.trades, *trade)
		e.risk.RecordTradeOutcome(*trade)
		st := e.states[sym]
		st.strat.OnTradeClosed(*trade)
	}
}

func closesOf(candles []types.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// indexOfUnixIn bridges a timestamp back to its index in a symbol's
// primary-timeframe series via binary search — O(log N), so repeated
// lookups inside the fill path never reintroduce the O(N^2) anti-pattern
// spec.md §9 warns against.
func indexOfUnixIn(d *data.MultiTimeframeData, sym types.Symbol, unixTS int64) int {
	series := d.PrimarySeries(sym)
	idx := sort.Search(len(series), func(i int) bool { return series[i].Datetime.Unix() >= unixTS })
	if idx >= len(series) {
		idx = len(series) - 1
	}
	return idx
}

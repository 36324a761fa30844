package strategy

import (
	"log/slog"

	"btcore/internal/indicator"
	"btcore/pkg/types"
)

// TrendFollow is a reference Strategy implementation: it goes long when a
// fast SMA crosses above a slow SMA and flat otherwise, sizing stops at a
// multiple of ATR. It exists to exercise the Strategy contract end-to-end
// in tests and the demo cmd, the way the teacher's Maker exercises the
// quoting contract for its own market-making loop.
type TrendFollow struct {
	fastPeriod int
	slowPeriod int
	atrPeriod  int
	atrMult    float64

	logger *slog.Logger
}

// NewTrendFollow creates a trend-following reference strategy.
func NewTrendFollow(fastPeriod, slowPeriod, atrPeriod int, atrMult float64, logger *slog.Logger) *TrendFollow {
	return &TrendFollow{
		fastPeriod: fastPeriod,
		slowPeriod: slowPeriod,
		atrPeriod:  atrPeriod,
		atrMult:    atrMult,
		logger:     logger.With("component", "strategy", "name", "trend_follow"),
	}
}

func (s *TrendFollow) Name() string { return "trend_follow" }

func (s *TrendFollow) CloneBoxed() Strategy {
	clone := *s
	return &clone
}

func (s *TrendFollow) RequiredTimeframes() []string { return nil }

func (s *TrendFollow) Init() {}

func (s *TrendFollow) GenerateOrders(ctx *Context) []types.OrderRequest {
	if len(ctx.Primary) < s.slowPeriod+1 {
		return nil
	}
	closes := closesOf(ctx.Primary)
	fast := indicator.SMA(closes, s.fastPeriod)
	slow := indicator.SMA(closes, s.slowPeriod)

	n := len(closes)
	cur := n - 1
	prev := n - 2
	if !fast[cur].OK || !slow[cur].OK || !fast[prev].OK || !slow[prev].OK {
		return nil
	}

	crossedUp := fast[prev].Val <= slow[prev].Val && fast[cur].Val > slow[cur].Val
	crossedDown := fast[prev].Val >= slow[prev].Val && fast[cur].Val < slow[cur].Val

	if ctx.Position == nil && crossedUp {
		return []types.OrderRequest{{
			Symbol:    ctx.Symbol,
			Side:      types.Buy,
			OrderType: types.Market,
			Quantity:  0, // risk-manager-sized
		}}
	}

	if ctx.Position != nil && ctx.Position.Side == types.Buy && crossedDown {
		return []types.OrderRequest{{
			Symbol:    ctx.Symbol,
			Side:      types.Sell,
			OrderType: types.Market,
			Quantity:  ctx.Position.Quantity,
		}}
	}

	return nil
}

func (s *TrendFollow) CalculateStopLoss(window []types.Candle, entry float64, side types.Side) float64 {
	atr := currentATR(window, s.atrPeriod)
	if atr == 0 {
		atr = entry * 0.01
	}
	if side == types.Buy {
		return entry - atr*s.atrMult
	}
	return entry + atr*s.atrMult
}

func (s *TrendFollow) CalculateTakeProfit(window []types.Candle, entry float64, side types.Side) float64 {
	atr := currentATR(window, s.atrPeriod)
	if atr == 0 {
		atr = entry * 0.01
	}
	if side == types.Buy {
		return entry + atr*s.atrMult*2
	}
	return entry - atr*s.atrMult*2
}

func (s *TrendFollow) UpdateTrailingStop(pos *types.Position, price float64, window []types.Candle) (float64, bool) {
	atr := currentATR(window, s.atrPeriod)
	if atr == 0 {
		return 0, false
	}
	if pos.Side == types.Buy {
		candidate := price - atr*s.atrMult
		return candidate, true
	}
	candidate := price + atr*s.atrMult
	return candidate, true
}

func (s *TrendFollow) GetRegimeScore(window []types.Candle) float64 { return 1.0 }

func (s *TrendFollow) OnOrderFilled(fill types.Fill, pos *types.Position) {}

func (s *TrendFollow) OnTradeClosed(trade types.Trade) {
	s.logger.Debug("trade closed", "symbol", trade.Symbol, "net_pnl", trade.NetPnL, "reason", trade.ExitReason)
}

func (s *TrendFollow) OnBar(ctx *Context) {}

func closesOf(candles []types.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

func currentATR(window []types.Candle, period int) float64 {
	if len(window) < period+1 {
		return 0
	}
	high := make([]float64, len(window))
	low := make([]float64, len(window))
	close := make([]float64, len(window))
	for i, c := range window {
		high[i] = c.High
		low[i] = c.Low
		close[i] = c.Close
	}
	series := indicator.ATR(high, low, close, period)
	last := series[len(series)-1]
	if !last.OK {
		return 0
	}
	return last.Val
}

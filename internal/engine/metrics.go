package engine

import (
	"math"

	"btcore/pkg/types"
)

// computeMetrics derives PerformanceMetrics from a closed-trade list and an
// equity curve, per spec.md §3. Each formula is an independently testable
// pure function so the engine's hot loop never recomputes them mid-run.
func computeMetrics(trades []types.Trade, equity []types.EquityPoint) types.PerformanceMetrics {
	m := types.PerformanceMetrics{TotalTrades: len(trades)}

	if len(equity) >= 2 {
		start := equity[0].Equity
		end := equity[len(equity)-1].Equity
		if start != 0 {
			m.TotalReturn = (end - start) / start
		}
	}

	m.MaxDrawdown = maxDrawdown(equity)

	if len(trades) > 0 {
		wins, grossProfit, grossLoss := 0, 0.0, 0.0
		var netSum float64
		for _, tr := range trades {
			netSum += tr.NetPnL
			if tr.NetPnL > 0 {
				wins++
				grossProfit += tr.NetPnL
			} else {
				grossLoss += -tr.NetPnL
			}
		}
		m.WinRate = float64(wins) / float64(len(trades))
		m.Expectancy = netSum / float64(len(trades))
		if grossLoss > 0 {
			m.ProfitFactor = grossProfit / grossLoss
			m.HasProfitFactor = true
		}
	}

	sharpe, hasSharpe := sharpeRatio(equity)
	m.SharpeRatio = sharpe
	m.HasSharpe = hasSharpe

	if m.MaxDrawdown > 0 {
		m.CalmarRatio = m.TotalReturn / m.MaxDrawdown
		m.HasCalmar = true
	}

	return m
}

// maxDrawdown returns the largest peak-to-trough fractional decline in the
// equity curve.
func maxDrawdown(equity []types.EquityPoint) float64 {
	if len(equity) == 0 {
		return 0
	}
	peak := equity[0].Equity
	maxDD := 0.0
	for _, p := range equity {
		if p.Equity > peak {
			peak = p.Equity
		}
		if peak > 0 {
			dd := (peak - p.Equity) / peak
			if dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}

// barReturns converts an equity curve into a series of simple per-bar
// returns.
func barReturns(equity []types.EquityPoint) []float64 {
	if len(equity) < 2 {
		return nil
	}
	out := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		prev := equity[i-1].Equity
		if prev == 0 {
			continue
		}
		out = append(out, (equity[i].Equity-prev)/prev)
	}
	return out
}

// sharpeRatio annualizes the mean/stddev of per-bar returns using 365
// periods/year, per spec.md §3 ("annualized using 365 periods/year for
// crypto"). Returns ok=false when the standard deviation is zero — the
// ratio is mathematically undefined, per spec.md §7 category-5 handling.
func sharpeRatio(equity []types.EquityPoint) (float64, bool) {
	returns := barReturns(equity)
	if len(returns) < 2 {
		return 0, false
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var sumSq float64
	for _, r := range returns {
		d := r - mean
		sumSq += d * d
	}
	std := math.Sqrt(sumSq / float64(len(returns)-1))
	if std == 0 {
		return 0, false
	}
	return (mean / std) * math.Sqrt(365), true
}

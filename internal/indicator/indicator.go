// Package indicator implements the pure numeric kernels the strategy
// layer reads through pre-computed arrays or incremental state: SMA, EMA,
// ATR, ADX, RSI, Bollinger Bands and MACD.
//
// Every one-shot function returns a slice the same length as its input;
// elements before the warm-up window are "undefined" (Value.OK == false).
// No function panics on short input — it returns an all-undefined slice
// instead. Recomputing a full window on every bar is the anti-pattern this
// package exists to avoid: callers that need per-bar updates should use the
// incremental *State types, which cost O(1) per bar.
package indicator

import "math"

// Value is one point of an indicator series: either defined (OK) with a
// numeric Value, or undefined during warm-up.
type Value struct {
	Val float64
	OK  bool
}

func undefined(n int) []Value {
	return make([]Value, n)
}

// SMA computes the simple moving average over window n.
func SMA(prices []float64, n int) []Value {
	out := undefined(len(prices))
	if n <= 0 || len(prices) < n {
		return out
	}
	sum := 0.0
	for i, p := range prices {
		sum += p
		if i >= n {
			sum -= prices[i-n]
		}
		if i >= n-1 {
			out[i] = Value{Val: sum / float64(n), OK: true}
		}
	}
	return out
}

// EMA computes the exponential moving average over window n, seeded with
// the SMA of the first n prices.
func EMA(prices []float64, n int) []Value {
	out := undefined(len(prices))
	if n <= 0 || len(prices) < n {
		return out
	}
	alpha := 2.0 / (float64(n) + 1)
	seed := 0.0
	for i := 0; i < n; i++ {
		seed += prices[i]
	}
	seed /= float64(n)
	out[n-1] = Value{Val: seed, OK: true}
	prev := seed
	for i := n; i < len(prices); i++ {
		prev = prices[i]*alpha + prev*(1-alpha)
		out[i] = Value{Val: prev, OK: true}
	}
	return out
}

// TrueRange computes the true range series for candle highs/lows/closes.
// TrueRange[0] is always undefined (no previous close).
func TrueRange(high, low, close []float64) []Value {
	n := len(high)
	out := undefined(n)
	if n == 0 || len(low) != n || len(close) != n {
		return out
	}
	for i := 0; i < n; i++ {
		if i == 0 {
			continue
		}
		tr := math.Max(high[i]-low[i], math.Max(math.Abs(high[i]-close[i-1]), math.Abs(low[i]-close[i-1])))
		out[i] = Value{Val: tr, OK: true}
	}
	return out
}

// ATR computes Wilder's average true range over window n.
func ATR(high, low, close []float64, n int) []Value {
	tr := TrueRange(high, low, close)
	out := undefined(len(tr))
	if n <= 0 || len(tr) < n+1 {
		return out
	}
	// first ATR value = mean of the first n true ranges (indices 1..n)
	sum := 0.0
	for i := 1; i <= n; i++ {
		sum += tr[i].Val
	}
	atr := sum / float64(n)
	out[n] = Value{Val: atr, OK: true}
	for i := n + 1; i < len(tr); i++ {
		atr = (atr*float64(n-1) + tr[i].Val) / float64(n)
		out[i] = Value{Val: atr, OK: true}
	}
	return out
}

// RSI computes the Wilder-smoothed relative strength index over window n.
func RSI(prices []float64, n int) []Value {
	out := undefined(len(prices))
	if n <= 0 || len(prices) < n+1 {
		return out
	}
	var gainSum, lossSum float64
	for i := 1; i <= n; i++ {
		d := prices[i] - prices[i-1]
		if d > 0 {
			gainSum += d
		} else {
			lossSum -= d
		}
	}
	avgGain := gainSum / float64(n)
	avgLoss := lossSum / float64(n)
	out[n] = Value{Val: rsiFromAverages(avgGain, avgLoss), OK: true}
	for i := n + 1; i < len(prices); i++ {
		d := prices[i] - prices[i-1]
		gain, loss := 0.0, 0.0
		if d > 0 {
			gain = d
		} else {
			loss = -d
		}
		avgGain = (avgGain*float64(n-1) + gain) / float64(n)
		avgLoss = (avgLoss*float64(n-1) + loss) / float64(n)
		out[i] = Value{Val: rsiFromAverages(avgGain, avgLoss), OK: true}
	}
	return out
}

func rsiFromAverages(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// ADX computes Wilder's average directional index over window n.
func ADX(high, low, close []float64, n int) []Value {
	sz := len(high)
	out := undefined(sz)
	if n <= 0 || sz < 2*n+1 {
		return out
	}

	plusDM := make([]float64, sz)
	minusDM := make([]float64, sz)
	tr := make([]float64, sz)
	for i := 1; i < sz; i++ {
		upMove := high[i] - high[i-1]
		downMove := low[i-1] - low[i]
		if upMove > downMove && upMove > 0 {
			plusDM[i] = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM[i] = downMove
		}
		tr[i] = math.Max(high[i]-low[i], math.Max(math.Abs(high[i]-close[i-1]), math.Abs(low[i]-close[i-1])))
	}

	// Wilder-smooth TR, +DM, -DM over the first n periods starting at i=1.
	var smTR, smPlus, smMinus float64
	for i := 1; i <= n; i++ {
		smTR += tr[i]
		smPlus += plusDM[i]
		smMinus += minusDM[i]
	}

	dx := make([]float64, sz)
	computeDX := func(i int) float64 {
		if smTR == 0 {
			return 0
		}
		pdi := 100 * smPlus / smTR
		mdi := 100 * smMinus / smTR
		if pdi+mdi == 0 {
			return 0
		}
		return 100 * math.Abs(pdi-mdi) / (pdi + mdi)
	}
	dx[n] = computeDX(n)

	for i := n + 1; i < sz; i++ {
		smTR = smTR - smTR/float64(n) + tr[i]
		smPlus = smPlus - smPlus/float64(n) + plusDM[i]
		smMinus = smMinus - smMinus/float64(n) + minusDM[i]
		dx[i] = computeDX(i)
	}

	// First ADX = mean of the first n DX values, then Wilder-smoothed.
	if 2*n >= sz {
		return out
	}
	sum := 0.0
	for i := n; i < 2*n; i++ {
		sum += dx[i]
	}
	adx := sum / float64(n)
	out[2*n-1] = Value{Val: adx, OK: true}
	for i := 2 * n; i < sz; i++ {
		adx = (adx*float64(n-1) + dx[i]) / float64(n)
		out[i] = Value{Val: adx, OK: true}
	}
	return out
}

// Bollinger computes the middle (SMA), upper and lower bands at k standard
// deviations over window n.
func Bollinger(prices []float64, n int, k float64) (mid, upper, lower []Value) {
	sz := len(prices)
	mid = undefined(sz)
	upper = undefined(sz)
	lower = undefined(sz)
	if n <= 0 || sz < n {
		return
	}
	sma := SMA(prices, n)
	for i := n - 1; i < sz; i++ {
		mean := sma[i].Val
		var sumSq float64
		for j := i - n + 1; j <= i; j++ {
			d := prices[j] - mean
			sumSq += d * d
		}
		std := math.Sqrt(sumSq / float64(n))
		mid[i] = Value{Val: mean, OK: true}
		upper[i] = Value{Val: mean + k*std, OK: true}
		lower[i] = Value{Val: mean - k*std, OK: true}
	}
	return
}

// MACD computes the MACD line (fastEMA - slowEMA), its signal line (EMA of
// the MACD line) and the histogram (macd - signal).
func MACD(prices []float64, fast, slow, signal int) (macd, sig, hist []Value) {
	sz := len(prices)
	macd = undefined(sz)
	sig = undefined(sz)
	hist = undefined(sz)
	if fast <= 0 || slow <= 0 || signal <= 0 || sz < slow {
		return
	}
	fastEMA := EMA(prices, fast)
	slowEMA := EMA(prices, slow)

	macdSeries := make([]float64, sz)
	firstOK := -1
	for i := 0; i < sz; i++ {
		if fastEMA[i].OK && slowEMA[i].OK {
			macdSeries[i] = fastEMA[i].Val - slowEMA[i].Val
			macd[i] = Value{Val: macdSeries[i], OK: true}
			if firstOK == -1 {
				firstOK = i
			}
		}
	}
	if firstOK == -1 || sz-firstOK < signal {
		return
	}
	sigEMA := EMA(macdSeries[firstOK:], signal)
	for i, v := range sigEMA {
		idx := firstOK + i
		if v.OK {
			sig[idx] = v
			hist[idx] = Value{Val: macd[idx].Val - v.Val, OK: true}
		}
	}
	return
}

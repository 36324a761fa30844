package engine

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"btcore/internal/config"
	"btcore/internal/data"
	"btcore/internal/strategy"
	"btcore/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func baseConfig() config.Config {
	return config.Config{
		Exchange: config.ExchangeConfig{MakerFee: 0.0002, TakerFee: 0.0005, AssumedSlippage: 0.0005},
		Trading: config.TradingConfig{
			InitialCapital:             10_000,
			RiskPerTrade:               0.01,
			MaxPositions:               5,
			MaxPortfolioHeat:           0.2,
			MaxPositionPct:             0.5,
			MaxDrawdown:                0.5,
			DrawdownWarning:            0.1,
			DrawdownCritical:           0.2,
			DrawdownWarningMultiplier:  0.5,
			DrawdownCriticalMultiplier: 0.25,
			ConsecutiveLossLimit:       5,
			ConsecutiveLossMultiplier:  0.5,
		},
		Backtest: config.BacktestConfig{PrimaryTimeframe: "1h", MaxLookbackBars: 50},
	}
}

func mkCandles(closes []float64) []types.Candle {
	out := make([]types.Candle, len(closes))
	base := time.Unix(1_700_000_000, 0)
	for i, c := range closes {
		out[i] = types.Candle{
			Datetime: base.Add(time.Duration(i) * time.Hour),
			Open:     c, High: c + 0.5, Low: c - 0.5, Close: c,
		}
	}
	return out
}

func oneSymbolDataset(t *testing.T, closes []float64) *data.MultiTimeframeData {
	t.Helper()
	candles := map[types.Symbol]map[string][]types.Candle{
		"BTC": {"1h": mkCandles(closes)},
	}
	d, err := data.New("1h", candles)
	if err != nil {
		t.Fatalf("data.New: %v", err)
	}
	return d
}

// TestEngineRunsSwingToCompletion runs a down/up/down swing end to end: the
// strategy buys on the cross-up and sells on the cross-down, and the run
// must record one equity sample per bar and finish with success status.
func TestEngineRunsSwingToCompletion(t *testing.T) {
	cfg := baseConfig()
	closes := []float64{10, 9, 8, 7, 6, 12, 16, 20, 24, 10, 5}
	d := oneSymbolDataset(t, closes)
	strat := strategy.NewTrendFollow(2, 4, 3, 2.0, testLogger())

	e := New(cfg, d, strat, testLogger())
	result, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.EquityCurve) != len(closes) {
		t.Errorf("equity curve length = %d, want %d", len(result.EquityCurve), len(closes))
	}
	if result.Status != types.StatusSuccess {
		t.Errorf("status = %v, want success", result.Status)
	}
}

// TestEngineClosesOpenPositionsAtTermination is part of Scenario A/F: any
// position still open when the candle stream ends must be force-closed,
// with ExitShutdown recorded, so the trade log and equity curve agree.
func TestEngineClosesOpenPositionsAtTermination(t *testing.T) {
	cfg := baseConfig()
	// Sustained uptrend: crosses up and never crosses back down before
	// the data ends, so the position must be force-closed at shutdown.
	closes := []float64{10, 9, 8, 7, 6, 12, 14, 16, 18, 20, 22}
	d := oneSymbolDataset(t, closes)
	strat := strategy.NewTrendFollow(2, 4, 3, 2.0, testLogger())

	e := New(cfg, d, strat, testLogger())
	result, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Trades) == 0 {
		t.Fatal("expected at least one trade from forced close-out")
	}
	last := result.Trades[len(result.Trades)-1]
	if last.ExitReason != types.ExitShutdown {
		t.Errorf("final trade exit reason = %v, want shutdown", last.ExitReason)
	}
}

// TestEnginePessimisticTieBreak is Scenario B: when a single candle's
// range touches both the cached stop and target, the stop must win
// unless the candle's open already lies beyond the target.
func TestEnginePessimisticTieBreak(t *testing.T) {
	cfg := baseConfig()
	closes := []float64{10, 9, 8, 7, 6, 20}
	d := oneSymbolDataset(t, closes)
	strat := strategy.NewTrendFollow(2, 4, 3, 2.0, testLogger())
	e := New(cfg, d, strat, testLogger())

	// Force an open long position with known stop/target, then craft a
	// wide-range candle that touches both.
	e.pos.ApplyFill(types.Fill{
		Symbol: "BTC", Side: types.Buy, Price: 100, Quantity: 1,
		Timestamp: time.Unix(1_700_000_000, 0),
	}, 90, 120, types.ExitSignal)

	wideCandle := types.Candle{
		Datetime: time.Unix(1_700_003_600, 0),
		Open:     100, High: 125, Low: 85, Close: 100,
	}
	e.checkStopsAndTargets("BTC", 0, wideCandle)

	if len(e.trades) != 1 {
		t.Fatalf("expected exactly one forced exit trade, got %d", len(e.trades))
	}
	if e.trades[0].ExitReason != types.ExitStop {
		t.Errorf("exit reason = %v, want stop (pessimistic tie-break)", e.trades[0].ExitReason)
	}
	if e.trades[0].ExitPrice != 90 {
		t.Errorf("exit price = %v, want stop price 90", e.trades[0].ExitPrice)
	}
}

// TestEngineHaltsNewEntriesPastMaxDrawdown is Scenario C: once drawdown
// breaches the configured ceiling, no new entries are placed even though
// the strategy still emits signals.
func TestEngineHaltsNewEntriesPastMaxDrawdown(t *testing.T) {
	cfg := baseConfig()
	cfg.Trading.MaxDrawdown = 0.05
	d := oneSymbolDataset(t, []float64{100})
	strat := strategy.NewTrendFollow(2, 4, 3, 2.0, testLogger())
	e := New(cfg, d, strat, testLogger())

	e.risk.UpdateCapital(10_000)
	e.risk.UpdateCapital(9_000) // 10% drawdown, past the 5% ceiling

	if !e.risk.ShouldHaltTrading() {
		t.Fatal("expected halt after breaching max drawdown")
	}

	before := e.pos.Count()
	e.validateAndPlace("BTC", types.OrderRequest{Symbol: "BTC", Side: types.Buy, OrderType: types.Market}, mkCandles([]float64{100})[0], nil)
	if e.pos.Count() != before {
		t.Error("expected no new position to open while trading is halted")
	}
}

// TestEngineCapsEntryAtPortfolioHeatBudget is Scenario D: a size-me entry
// whose risk-per-trade size would exceed the remaining portfolio-heat
// budget is placed with its quantity cut so its risk equals that budget.
func TestEngineCapsEntryAtPortfolioHeatBudget(t *testing.T) {
	cfg := baseConfig()
	cfg.Trading.MaxPortfolioHeat = 0.005 // heat budget 50, below the 100 risk-per-trade budget
	d := oneSymbolDataset(t, []float64{100})
	strat := strategy.NewTrendFollow(2, 4, 3, 2.0, testLogger())
	e := New(cfg, d, strat, testLogger())

	candle := mkCandles([]float64{100})[0]
	e.validateAndPlace("BTC", types.OrderRequest{
		Symbol: "BTC", Side: types.Buy, OrderType: types.Market, Quantity: 0,
	}, candle, mkCandles([]float64{100, 99, 98, 97, 96}))

	// Sizing stop = 100 - 2*ATR(3) = 97 over the window, so the capped
	// quantity is 50 / 3.
	pos, ok := e.pos.Get("BTC")
	if !ok {
		t.Fatal("expected the entry to be placed at the heat-capped quantity")
	}
	if math.Abs(pos.Quantity-50.0/3) > 1e-9 {
		t.Errorf("quantity = %v, want %v (risk capped to the heat budget)", pos.Quantity, 50.0/3)
	}
}

// TestEngineFIFOMatchesRestingOrdersInPriceTimePriority is Scenario F,
// exercised at the engine level: resting limit orders fill against the
// candle that touches their price, oldest-at-a-level first.
func TestEngineFIFOMatchesRestingOrdersInPriceTimePriority(t *testing.T) {
	cfg := baseConfig()
	d := oneSymbolDataset(t, []float64{100, 95})
	strat := strategy.NewTrendFollow(2, 4, 3, 2.0, testLogger())
	e := New(cfg, d, strat, testLogger())

	st := e.states["BTC"]
	o1 := &types.Order{ID: 1, Symbol: "BTC", Side: types.Buy, OrderType: types.Limit, LimitPrice: 96, Quantity: 1, RemainingQuantity: 1, State: types.Open}
	o2 := &types.Order{ID: 2, Symbol: "BTC", Side: types.Buy, OrderType: types.Limit, LimitPrice: 96, Quantity: 1, RemainingQuantity: 1, State: types.Open}
	st.book.Add(o1)
	st.book.Add(o2)

	candle := types.Candle{Datetime: time.Unix(1_700_003_600, 0), Open: 98, High: 99, Low: 94, Close: 96}
	e.matchRestingOrders("BTC", candle)

	if o1.State != types.Filled || o2.State != types.Filled {
		t.Fatal("expected both resting orders to fill against the touching candle")
	}
	if st.book.Len() != 0 {
		t.Errorf("book should be empty after both orders fill, len=%d", st.book.Len())
	}
	pos, ok := e.pos.Get("BTC")
	if !ok || len(pos.Fills) != 2 || pos.Fills[0].OrderID != 1 || pos.Fills[1].OrderID != 2 {
		t.Errorf("expected fills applied in arrival order [1,2], got %+v", pos)
	}
}

// TestEngineDeterministicAcrossRuns ensures the same config/dataset/
// strategy produces byte-for-byte identical metrics, guarding against
// any accidental dependency on map iteration order, wall-clock, or other
// non-determinism.
func TestEngineDeterministicAcrossRuns(t *testing.T) {
	cfg := baseConfig()
	closes := []float64{10, 9, 8, 7, 6, 12, 14, 9, 7, 15, 18}
	d := oneSymbolDataset(t, closes)

	run := func() types.PerformanceMetrics {
		strat := strategy.NewTrendFollow(2, 4, 3, 2.0, testLogger())
		e := New(cfg, d, strat, testLogger())
		result, err := e.Run(context.Background())
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		return result.Metrics
	}

	a := run()
	b := run()
	if a != b {
		t.Errorf("non-deterministic metrics across identical runs: %+v vs %+v", a, b)
	}
}

// TestEngineNeverFillsBeforeOrderPlacement guards no-look-ahead: a limit
// order cannot fill on the same bar that would have required seeing a
// lower low before it existed. This is implicitly covered by the phase
// ordering (match happens against the CURRENT bar using orders resting
// from prior bars only); this test checks only that after the first bar,
// before the strategy has enough history, the book holds no orders.
func TestEngineNeverFillsBeforeOrderPlacement(t *testing.T) {
	cfg := baseConfig()
	closes := []float64{10, 9, 8, 7, 6, 12}
	d := oneSymbolDataset(t, closes)
	strat := strategy.NewTrendFollow(2, 4, 3, 2.0, testLogger())
	e := New(cfg, d, strat, testLogger())

	// Run only the first bar: no orders should exist yet since the
	// strategy needs slowPeriod+1 bars of history.
	e.runBar("BTC", 0, mkCandles(closes)[0], 50)
	if e.states["BTC"].book.Len() != 0 {
		t.Error("expected no resting orders before strategy has enough history")
	}
}

// TestEngineEquityExcludesPositionNotional is invariant 1 (conservation of
// value, spec.md §8): opening a position must not change equity by the
// position's notional. cash already represents the whole portfolio, so an
// open position's contribution to equity is its unrealized P&L alone, not
// average_entry_price*quantity on top of untouched cash.
func TestEngineEquityExcludesPositionNotional(t *testing.T) {
	cfg := baseConfig()
	d := oneSymbolDataset(t, []float64{100})
	strat := strategy.NewTrendFollow(2, 4, 3, 2.0, testLogger())
	e := New(cfg, d, strat, testLogger())

	if _, err := e.pos.ApplyFill(types.Fill{
		Symbol: "BTC", Side: types.Buy, Price: 100, Quantity: 10,
		Timestamp: time.Unix(1_700_000_000, 0),
	}, 90, 120, types.ExitSignal); err != nil {
		t.Fatalf("ApplyFill: %v", err)
	}
	e.pos.MarkToMarket(map[types.Symbol]float64{"BTC": 100}) // price unchanged since entry

	equity := e.currentEquity()
	if math.Abs(equity-cfg.Trading.InitialCapital) > 1e-9 {
		t.Errorf("equity = %v, want %v (entry notional must not be double-counted on top of cash)",
			equity, cfg.Trading.InitialCapital)
	}
}

// TestEngineConservationOfValue is invariant 1 in full: across a closed
// position's lifecycle, the change in equity equals realized P&L minus
// total commission — no other term may leak in.
func TestEngineConservationOfValue(t *testing.T) {
	cfg := baseConfig()
	d := oneSymbolDataset(t, []float64{100})
	strat := strategy.NewTrendFollow(2, 4, 3, 2.0, testLogger())
	e := New(cfg, d, strat, testLogger())

	before := e.currentEquity()
	if before != cfg.Trading.InitialCapital {
		t.Fatalf("initial equity = %v, want %v", before, cfg.Trading.InitialCapital)
	}

	entryTime := time.Unix(1_700_000_000, 0)
	exitTime := entryTime.Add(time.Hour)

	if _, err := e.pos.ApplyFill(types.Fill{
		Symbol: "BTC", Side: types.Buy, Price: 100, Quantity: 10,
		Timestamp: entryTime, Commission: 1.0,
	}, 90, 120, types.ExitSignal); err != nil {
		t.Fatalf("entry ApplyFill: %v", err)
	}

	trade, err := e.pos.ApplyFill(types.Fill{
		Symbol: "BTC", Side: types.Sell, Price: 105, Quantity: 10,
		Timestamp: exitTime, Commission: 1.05,
	}, 0, 0, types.ExitSignal)
	if err != nil {
		t.Fatalf("exit ApplyFill: %v", err)
	}
	if trade == nil {
		t.Fatal("expected a closed trade")
	}
	e.trades = append(e.trades, *trade)

	after := e.currentEquity()
	want := before + trade.NetPnL
	if math.Abs(after-want) > 1e-9 {
		t.Errorf("conservation of value violated: equity_after=%v, want %v (before=%v, net_pnl=%v)",
			after, want, before, trade.NetPnL)
	}
}

// fixedSignalStrategy requests one Market Buy on the first bar it sees
// with no open position, then never again. Its stop/target are fixed
// constants rather than computed, so a test can reproduce spec.md §8's
// literal Scenario A numbers exactly.
type fixedSignalStrategy struct {
	stop, target float64
	requested    bool
}

func (s *fixedSignalStrategy) Name() string { return "fixed_signal" }
func (s *fixedSignalStrategy) CloneBoxed() strategy.Strategy {
	c := *s
	return &c
}
func (s *fixedSignalStrategy) RequiredTimeframes() []string { return nil }
func (s *fixedSignalStrategy) Init()                        {}
func (s *fixedSignalStrategy) GenerateOrders(ctx *strategy.Context) []types.OrderRequest {
	if s.requested || ctx.Position != nil {
		return nil
	}
	s.requested = true
	return []types.OrderRequest{{Symbol: ctx.Symbol, Side: types.Buy, OrderType: types.Market}}
}
func (s *fixedSignalStrategy) CalculateStopLoss(window []types.Candle, entry float64, side types.Side) float64 {
	return s.stop
}
func (s *fixedSignalStrategy) CalculateTakeProfit(window []types.Candle, entry float64, side types.Side) float64 {
	return s.target
}
func (s *fixedSignalStrategy) UpdateTrailingStop(pos *types.Position, price float64, window []types.Candle) (float64, bool) {
	return 0, false
}
func (s *fixedSignalStrategy) GetRegimeScore(window []types.Candle) float64     { return 1.0 }
func (s *fixedSignalStrategy) OnOrderFilled(fill types.Fill, pos *types.Position) {}
func (s *fixedSignalStrategy) OnTradeClosed(trade types.Trade)                   {}
func (s *fixedSignalStrategy) OnBar(ctx *strategy.Context)                       {}

// TestScenarioA_SingleTradeWin reproduces spec.md §8 Scenario A's literal
// numbers to float tolerance 1e-6: capital=100000, risk_per_trade=0.02,
// fee=0.001, slippage=0, a Market Buy requested on bar t1 with stop=95/
// target=115, filled T+1 at t2's open, exiting when t4's high touches the
// target.
func TestScenarioA_SingleTradeWin(t *testing.T) {
	cfg := baseConfig()
	cfg.Exchange = config.ExchangeConfig{MakerFee: 0.001, TakerFee: 0.001, AssumedSlippage: 0}
	cfg.Trading.InitialCapital = 100_000
	cfg.Trading.RiskPerTrade = 0.02
	cfg.Trading.MaxPositionPct = 1.0
	cfg.Trading.MaxPortfolioHeat = 1.0
	cfg.Trading.MaxDrawdown = 1.0
	cfg.Trading.DrawdownWarning = 1.0
	cfg.Trading.DrawdownCritical = 1.0
	cfg.Backtest.T1Execution = true

	base := time.Unix(1_700_000_000, 0)
	candles := []types.Candle{
		{Datetime: base, Open: 100, High: 105, Low: 99, Close: 104},
		{Datetime: base.Add(time.Hour), Open: 104, High: 110, Low: 103, Close: 109},
		{Datetime: base.Add(2 * time.Hour), Open: 109, High: 112, Low: 106, Close: 111},
		{Datetime: base.Add(3 * time.Hour), Open: 111, High: 115, Low: 110, Close: 114},
	}
	d, err := data.New("1h", map[types.Symbol]map[string][]types.Candle{"BTC": {"1h": candles}})
	if err != nil {
		t.Fatalf("data.New: %v", err)
	}

	strat := &fixedSignalStrategy{stop: 95, target: 115}
	e := New(cfg, d, strat, testLogger())
	result, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(result.Trades) != 1 {
		t.Fatalf("expected exactly one trade, got %d", len(result.Trades))
	}
	trade := result.Trades[0]

	const tol = 1e-6
	wantQty := 0.02 * 100_000 / (104 - 95)
	wantGross := (115 - 104) * wantQty
	wantFees := wantQty*104*0.001 + wantQty*115*0.001
	wantNet := wantGross - wantFees

	if trade.EntryPrice != 104 {
		t.Errorf("entry price = %v, want 104", trade.EntryPrice)
	}
	if trade.ExitPrice != 115 {
		t.Errorf("exit price = %v, want 115", trade.ExitPrice)
	}
	if trade.ExitReason != types.ExitTarget {
		t.Errorf("exit reason = %v, want target", trade.ExitReason)
	}
	if math.Abs(trade.Quantity-wantQty) > tol {
		t.Errorf("quantity = %v, want %v", trade.Quantity, wantQty)
	}
	if math.Abs(trade.GrossPnL-wantGross) > tol {
		t.Errorf("gross_pnl = %v, want %v", trade.GrossPnL, wantGross)
	}
	if math.Abs(trade.Fees-wantFees) > tol {
		t.Errorf("fees = %v, want %v", trade.Fees, wantFees)
	}
	if math.Abs(trade.NetPnL-wantNet) > tol {
		t.Errorf("net_pnl = %v, want %v (spec.md §8 Scenario A ~2395.77)", trade.NetPnL, wantNet)
	}
}

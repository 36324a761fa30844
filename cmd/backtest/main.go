// btcore-backtest is the demo entrypoint for the backtest core: it loads
// a configuration file and a pre-loaded candle file, runs one backtest,
// then runs one optimizer sweep over the configured parameter grid.
//
// Architecture:
//
//	main.go                    — entry point: loads config, runs one backtest + one grid sweep
//	internal/config            — configuration schema (exchange/trading/strategy/backtest/grid)
//	internal/data              — MultiTimeframeData: immutable, shared-by-reference candle store
//	internal/engine            — per-bar event loop: phases 0-5, termination, BacktestResult
//	internal/optimizer         — grid expansion + bounded worker pool across combinations
//	internal/strategy          — Strategy contract plus the trend_follow reference strategy
//	internal/persist           — checkpoint snapshot persistence (atomic JSON write-then-rename)
//	internal/liveadapter       — reference (non-core) live order/market-data adapter
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"btcore/internal/config"
	"btcore/internal/data"
	"btcore/internal/engine"
	"btcore/internal/optimizer"
	"btcore/internal/strategy"
	"btcore/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("BTCORE_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	dataset, err := loadDataset(*cfg)
	if err != nil {
		logger.Error("failed to load candle data", "error", err)
		os.Exit(1)
	}

	factory, err := strategyFactory(cfg.Strategy.Name)
	if err != nil {
		logger.Error("unknown strategy", "error", err)
		os.Exit(1)
	}

	result, err := runSingleBacktest(ctx, *cfg, dataset, factory(cfg.Strategy.Parameters), logger)
	if err != nil {
		logger.Error("backtest failed", "error", err)
		os.Exit(1)
	}
	logger.Info("backtest complete", "metrics", result.Metrics.String())

	if len(cfg.Grid.Parameters) > 0 {
		sweep, err := optimizer.Run(ctx, *cfg, dataset, func(params map[string]interface{}) strategy.Strategy {
			return factory(params)
		}, logger)
		if err != nil {
			logger.Error("optimizer sweep failed", "error", err)
			os.Exit(1)
		}
		logger.Info("optimizer sweep complete", "combinations", len(sweep.Runs), "kept", len(sweep.Ranking))
		for rank, i := range sweep.Ranking {
			run := sweep.Runs[i]
			if run.Err != nil {
				continue
			}
			logger.Info("ranked combination", "rank", rank+1, "params", run.Combination.Params, "metrics", run.Result.Metrics.String())
		}
	}
}

func runSingleBacktest(ctx context.Context, cfg config.Config, dataset *data.MultiTimeframeData, strat strategy.Strategy, logger *slog.Logger) (*engine.Result, error) {
	eng := engine.New(cfg, dataset, strat, logger)
	start := time.Now()
	result, err := eng.Run(ctx)
	if err != nil {
		return nil, err
	}
	logger.Info("run duration", "elapsed", time.Since(start))
	return result, nil
}

// strategyFactory resolves a strategy name to a constructor reading its
// free-form parameter bag. Only trend_follow is registered in this demo;
// a real deployment would register one factory per available strategy.
func strategyFactory(name string) (func(params map[string]interface{}) strategy.Strategy, error) {
	switch name {
	case "trend_follow":
		return func(params map[string]interface{}) strategy.Strategy {
			fast := intParam(params, "fast_period", 10)
			slow := intParam(params, "slow_period", 30)
			atrPeriod := intParam(params, "atr_period", 14)
			atrMult := floatParam(params, "atr_multiple", 2.0)
			return strategy.NewTrendFollow(fast, slow, atrPeriod, atrMult, slog.Default())
		}, nil
	default:
		return nil, fmt.Errorf("no factory registered for strategy %q", name)
	}
}

func intParam(params map[string]interface{}, key string, fallback int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return fallback
	}
}

func floatParam(params map[string]interface{}, key string, fallback float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return fallback
	}
}

// candleFile is the on-disk shape of a pre-loaded candle file: symbol ->
// timeframe -> ordered OHLCV rows. Parsing this single known shape is not
// the general CSV/API ingestion spec.md places out of scope — it exists
// only so this demo entrypoint has something to run against.
type candleFile map[string]map[string][]struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

func loadDataset(cfg config.Config) (*data.MultiTimeframeData, error) {
	raw, err := os.ReadFile(cfg.Backtest.DataFile)
	if err != nil {
		return nil, fmt.Errorf("read candle file: %w", err)
	}
	var cf candleFile
	if err := json.Unmarshal(raw, &cf); err != nil {
		return nil, fmt.Errorf("parse candle file: %w", err)
	}

	candles := make(map[types.Symbol]map[string][]types.Candle, len(cf))
	for sym, timeframes := range cf {
		tfMap := make(map[string][]types.Candle, len(timeframes))
		for tf, rows := range timeframes {
			series := make([]types.Candle, len(rows))
			for i, row := range rows {
				series[i] = types.Candle{
					Datetime: time.Unix(row.Timestamp, 0),
					Open:     row.Open, High: row.High, Low: row.Low, Close: row.Close, Volume: row.Volume,
				}
			}
			tfMap[tf] = series
		}
		candles[types.Symbol(sym)] = tfMap
	}

	return data.New(cfg.Backtest.PrimaryTimeframe, candles)
}

package optimizer

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"btcore/internal/config"
	"btcore/internal/data"
	"btcore/internal/engine"
	"btcore/internal/strategy"
)

// Factory builds a fresh Strategy instance from one grid combination's
// resolved parameters. The optimizer never inspects strategy-specific
// parameter names itself — that decoding is the strategy's own
// responsibility, matching spec.md §6.1's opaque parameter bag.
type Factory func(params map[string]interface{}) strategy.Strategy

// RunResult is one grid combination's outcome. Err is set when that
// single run failed — a failure never aborts the rest of the sweep
// (spec.md §8 Scenario E / failure isolation).
type RunResult struct {
	Combination Combination
	Result      *engine.Result
	Err         error
}

// SweepResult is the full optimizer output: every run plus the ranking
// order and any grid-size warning.
type SweepResult struct {
	Runs    []RunResult
	Ranking []int // indices into Runs, best-first
	Warning string
}

// Run expands cfg.Grid, executes one Engine per combination across a
// worker pool sized to GOMAXPROCS, and ranks the successful results by
// cfg.Grid.RankBy. dataset is shared by pointer across every worker —
// never copied — per spec.md §9.
func Run(ctx context.Context, cfg config.Config, dataset *data.MultiTimeframeData, factory Factory, logger *slog.Logger) (*SweepResult, error) {
	logger = logger.With("component", "optimizer")
	combos, warning := Expand(cfg.Grid)
	if warning != "" {
		logger.Warn(warning)
	}

	runs := make([]RunResult, len(combos))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))

	for i, combo := range combos {
		i, combo := i, combo
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					err := fmt.Errorf("optimizer: run %d panicked: %v", combo.Index, r)
					logger.Warn("combination panicked", "index", combo.Index, "error", err)
					runs[i] = RunResult{Combination: combo, Err: err}
				}
			}()
			runs[i] = runOne(gctx, cfg, dataset, factory, combo, logger)
			return nil
		})
	}
	// Workers never return an error: a failed or panicking combination is
	// recorded in its RunResult.Err and the rest of the sweep carries on.
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ranking := rank(runs, cfg.Grid.RankBy)
	if cfg.Grid.TopN > 0 && cfg.Grid.TopN < len(ranking) {
		ranking = ranking[:cfg.Grid.TopN]
	}

	return &SweepResult{Runs: runs, Ranking: ranking, Warning: warning}, nil
}

func runOne(ctx context.Context, cfg config.Config, dataset *data.MultiTimeframeData, factory Factory, combo Combination, logger *slog.Logger) RunResult {
	runCfg := cfg
	runCfg.Strategy.Parameters = combo.Params

	strat := factory(combo.Params)
	e := engine.New(runCfg, dataset, strat, logger)

	result, err := e.Run(ctx)
	if err != nil {
		logger.Warn("combination failed", "index", combo.Index, "error", err)
		return RunResult{Combination: combo, Err: err}
	}
	return RunResult{Combination: combo, Result: result}
}

// rank returns indices into runs ordered best-first by the named metric.
// Failed runs always sort last. Recognized keys: total_return, sharpe,
// win_rate, profit_factor, calmar — any other key (including an empty
// one) ranks by total_return; rank itself logs nothing.
func rank(runs []RunResult, metric string) []int {
	idx := make([]int, len(runs))
	for i := range idx {
		idx[i] = i
	}
	value := func(i int) (float64, bool) {
		r := runs[i].Result
		if r == nil {
			return 0, false
		}
		switch metric {
		case "sharpe":
			return r.Metrics.SharpeRatio, r.Metrics.HasSharpe
		case "win_rate":
			return r.Metrics.WinRate, true
		case "profit_factor":
			return r.Metrics.ProfitFactor, r.Metrics.HasProfitFactor
		case "calmar":
			return r.Metrics.CalmarRatio, r.Metrics.HasCalmar
		default:
			return r.Metrics.TotalReturn, true
		}
	}
	sort.SliceStable(idx, func(a, b int) bool {
		va, oka := value(idx[a])
		vb, okb := value(idx[b])
		if oka != okb {
			return oka // defined values rank above undefined ones
		}
		if !oka {
			return false
		}
		return va > vb
	})
	return idx
}

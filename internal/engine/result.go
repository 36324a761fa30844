package engine

import "btcore/pkg/types"

// Result is the BacktestResult of spec.md §6.3: the performance metrics,
// closed trade log, equity curve, and terminal status of one run.
type Result struct {
	Metrics     types.PerformanceMetrics
	Trades      []types.Trade
	EquityCurve []types.EquityPoint
	Status      types.RunStatus
	Reason      string
	Warnings    []string
}

// Package risk enforces portfolio-level risk limits across a backtest run.
//
// The manager tracks peak equity, drawdown, and consecutive-loss streaks,
// and is consulted synchronously by the engine once per bar — no
// suspension points, no background goroutine. This mirrors the stateful-
// arbiter shape of a live risk manager (peak tracking, threshold
// multipliers, component-tagged logging) without its async channel-report
// loop, which would violate the single-threaded-per-run event model.
package risk

import (
	"log/slog"

	"btcore/internal/config"
	"btcore/pkg/types"
)

// Manager is a stateful risk arbiter for one backtest run. It is not
// safe for concurrent use — each optimizer worker owns its own Manager.
type Manager struct {
	cfg    config.TradingConfig
	logger *slog.Logger

	initialCapital    float64
	currentCapital    float64
	peakCapital       float64
	consecutiveLosses int
}

// NewManager creates a risk manager seeded with the configured initial
// capital.
func NewManager(cfg config.TradingConfig, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:            cfg,
		logger:         logger.With("component", "risk"),
		initialCapital: cfg.InitialCapital,
		currentCapital: cfg.InitialCapital,
		peakCapital:    cfg.InitialCapital,
	}
}

// UpdateCapital is called once per bar (engine Phase 5) with the current
// portfolio equity. peak_capital is monotonically non-decreasing.
func (m *Manager) UpdateCapital(equity float64) {
	m.currentCapital = equity
	if equity > m.peakCapital {
		m.peakCapital = equity
	}
}

// CurrentDrawdown returns (peak - current) / peak, clamped to >= 0.
func (m *Manager) CurrentDrawdown() float64 {
	if m.peakCapital <= 0 {
		return 0
	}
	dd := (m.peakCapital - m.currentCapital) / m.peakCapital
	if dd < 0 {
		return 0
	}
	return dd
}

// drawdownMultiplier scales position size down as drawdown worsens.
func (m *Manager) drawdownMultiplier() float64 {
	dd := m.CurrentDrawdown()
	switch {
	case dd >= m.cfg.DrawdownCritical:
		return m.cfg.DrawdownCriticalMultiplier
	case dd >= m.cfg.DrawdownWarning:
		return m.cfg.DrawdownWarningMultiplier
	default:
		return 1.0
	}
}

// streakMultiplier scales position size down after a run of losses.
func (m *Manager) streakMultiplier() float64 {
	if m.consecutiveLosses >= m.cfg.ConsecutiveLossLimit {
		return m.cfg.ConsecutiveLossMultiplier
	}
	return 1.0
}

// ShouldHaltTrading reports whether drawdown has breached the configured
// ceiling. Once true, no new entries are permitted, but existing
// positions continue to be managed (stops/targets/trails still fire).
func (m *Manager) ShouldHaltTrading() bool {
	return m.CurrentDrawdown() >= m.cfg.MaxDrawdown
}

// CanOpenPosition reports whether a new position may be opened given the
// proposed position's risk (|entry - stop| * quantity), the current
// number of open positions, and the configured caps.
func (m *Manager) CanOpenPosition(openPositionCount int, existingHeat, proposedRisk float64) bool {
	if m.ShouldHaltTrading() {
		return false
	}
	if openPositionCount >= m.cfg.MaxPositions {
		return false
	}
	if m.currentCapital <= 0 {
		return false
	}
	heatFraction := (existingHeat + proposedRisk) / m.currentCapital
	return heatFraction <= m.cfg.MaxPortfolioHeat
}

// CalculatePositionSize returns a quantity such that the worst-case loss
// equals current_capital * risk_per_trade * regime_score *
// drawdown_multiplier * streak_multiplier, capped so that
// entry_price * quantity <= current_capital * max_position_pct, and
// further capped by remaining portfolio-heat budget. Returns zero if all
// caps are violated.
func (m *Manager) CalculatePositionSize(entryPrice, stopPrice float64, existingHeat, regimeScore float64) float64 {
	stopDistance := entryPrice - stopPrice
	if stopDistance < 0 {
		stopDistance = -stopDistance
	}
	if stopDistance <= 0 || m.currentCapital <= 0 {
		return 0
	}
	if regimeScore <= 0 {
		regimeScore = 1.0
	}

	riskBudget := m.currentCapital * m.cfg.RiskPerTrade * regimeScore * m.drawdownMultiplier() * m.streakMultiplier()
	qty := riskBudget / stopDistance

	maxNotionalQty := (m.currentCapital * m.cfg.MaxPositionPct) / entryPrice
	if qty > maxNotionalQty {
		qty = maxNotionalQty
	}

	heatBudget := m.currentCapital*m.cfg.MaxPortfolioHeat - existingHeat
	if heatBudget <= 0 {
		return 0
	}
	maxHeatQty := heatBudget / stopDistance
	if qty > maxHeatQty {
		qty = maxHeatQty
	}

	if qty < 0 {
		return 0
	}
	return qty
}

// RecordWin resets the consecutive-loss streak.
func (m *Manager) RecordWin() {
	m.consecutiveLosses = 0
}

// RecordLoss increments the consecutive-loss streak.
func (m *Manager) RecordLoss() {
	m.consecutiveLosses++
}

// RecordTradeOutcome routes a closed trade's net P&L into the win/loss
// streak counters. The engine calls this once per closed Trade.
func (m *Manager) RecordTradeOutcome(trade types.Trade) {
	if trade.NetPnL >= 0 {
		m.RecordWin()
	} else {
		m.RecordLoss()
	}
}

// PeakCapital returns the monotonically non-decreasing peak capital, for
// persistence snapshots and tests.
func (m *Manager) PeakCapital() float64 { return m.peakCapital }

// ConsecutiveLosses returns the current loss streak length.
func (m *Manager) ConsecutiveLosses() int { return m.consecutiveLosses }

// CurrentCapital returns the last capital value passed to UpdateCapital.
func (m *Manager) CurrentCapital() float64 { return m.currentCapital }

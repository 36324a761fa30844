// Package position tracks the single open position per symbol and folds
// fills into it using a FIFO-weighted average entry price, mirroring the
// weighted-average-on-add / realize-on-reduce logic of a live position
// tracker but generalized from a binary YES/NO pair to arbitrary
// Buy/Sell-of-any-symbol positions.
package position

import (
	"errors"
	"fmt"

	"btcore/pkg/types"
)

// ErrOverfill is returned when a reducing fill's quantity exceeds the
// open position's quantity. The risk manager must never produce orders
// that can overfill; observing this indicates a bug upstream, and the
// offending order should be marked Rejected by the caller.
var ErrOverfill = errors.New("position: closing fill exceeds position quantity")

// Manager owns at most one open Position per symbol.
type Manager struct {
	positions map[types.Symbol]*types.Position
}

// New creates an empty position manager.
func New() *Manager {
	return &Manager{positions: make(map[types.Symbol]*types.Position)}
}

// Get returns the open position for a symbol, if any.
func (m *Manager) Get(symbol types.Symbol) (*types.Position, bool) {
	p, ok := m.positions[symbol]
	return p, ok
}

// All returns every currently open position.
func (m *Manager) All() map[types.Symbol]*types.Position {
	return m.positions
}

// Count returns the number of currently open positions.
func (m *Manager) Count() int {
	return len(m.positions)
}

// ApplyFill folds a fill into the symbol's position. stopPrice/takeProfit
// are only used when the fill opens a brand-new position (they are cached
// at open and never recomputed on subsequent same-side fills per
// spec §4.3/§9). Returns the closed Trade if this fill reduced the
// position to zero, or nil if the position remains open or was opened/
// grown.
func (m *Manager) ApplyFill(fill types.Fill, stopPrice, takeProfitPrice float64, exitReason types.ExitReason) (*types.Trade, error) {
	pos, exists := m.positions[fill.Symbol]
	if !exists {
		m.positions[fill.Symbol] = &types.Position{
			Symbol:            fill.Symbol,
			Side:              fill.Side,
			AverageEntryPrice: fill.Price,
			Quantity:          fill.Quantity,
			Fills:             []types.Fill{fill},
			FirstEntryTime:    fill.Timestamp,
			LastUpdateTime:    fill.Timestamp,
			StopPrice:         stopPrice,
			HasStopPrice:      stopPrice != 0,
			TakeProfitPrice:   takeProfitPrice,
			HasTakeProfit:     takeProfitPrice != 0,
		}
		return nil, nil
	}

	if fill.Side == pos.Side {
		// Adding fill: weighted-average entry, stop/target untouched.
		totalCost := pos.AverageEntryPrice*pos.Quantity + fill.Price*fill.Quantity
		pos.Quantity += fill.Quantity
		pos.AverageEntryPrice = totalCost / pos.Quantity
		pos.Fills = append(pos.Fills, fill)
		pos.LastUpdateTime = fill.Timestamp
		return nil, nil
	}

	// Reducing fill: opposite side.
	if fill.Quantity > pos.Quantity+1e-9 {
		return nil, fmt.Errorf("%w: symbol=%s fill_qty=%.8f position_qty=%.8f", ErrOverfill, fill.Symbol, fill.Quantity, pos.Quantity)
	}

	realized := (fill.Price - pos.AverageEntryPrice) * fill.Quantity * pos.Side.Sign()
	pos.RealizedPnL += realized
	pos.Quantity -= fill.Quantity
	pos.Fills = append(pos.Fills, fill)
	pos.LastUpdateTime = fill.Timestamp

	if pos.Quantity > 1e-9 {
		return nil, nil
	}

	fees := totalCommission(pos.Fills)
	trade := &types.Trade{
		Symbol:     fill.Symbol,
		Side:       pos.Side,
		EntryPrice: pos.AverageEntryPrice,
		ExitPrice:  fill.Price,
		Quantity:   openingQuantity(pos.Fills),
		EntryTime:  pos.FirstEntryTime,
		ExitTime:   fill.Timestamp,
		GrossPnL:   pos.RealizedPnL,
		Fees:       fees,
		NetPnL:     pos.RealizedPnL - fees,
		ExitReason: exitReason,
	}
	delete(m.positions, fill.Symbol)
	return trade, nil
}

func totalCommission(fills []types.Fill) float64 {
	var total float64
	for _, f := range fills {
		total += f.Commission
	}
	return total
}

// openingQuantity returns the quantity of the very first fill, which is
// always the size that opened the position.
func openingQuantity(fills []types.Fill) float64 {
	if len(fills) == 0 {
		return 0
	}
	return fills[0].Quantity
}

// MarkToMarket updates unrealized P&L for every open position given a map
// of current reference prices (typically each symbol's latest close).
func (m *Manager) MarkToMarket(prices map[types.Symbol]float64) {
	for sym, pos := range m.positions {
		if price, ok := prices[sym]; ok {
			pos.MarkToMarket(price)
		}
	}
}

// ApplyTrailingStop sets a new stop price if it tightens (moves in the
// favorable direction) compared to the current cached stop. Loosening
// updates are rejected, per spec §4.5 phase 2 / §9.
func (m *Manager) ApplyTrailingStop(symbol types.Symbol, newStop float64) bool {
	pos, ok := m.positions[symbol]
	if !ok {
		return false
	}
	if !pos.HasStopPrice {
		pos.StopPrice = newStop
		pos.HasStopPrice = true
		pos.TrailingStop = newStop
		pos.HasTrailingStop = true
		return true
	}
	tightens := false
	if pos.Side == types.Buy {
		tightens = newStop > pos.StopPrice
	} else {
		tightens = newStop < pos.StopPrice
	}
	if !tightens {
		return false
	}
	pos.StopPrice = newStop
	pos.TrailingStop = newStop
	pos.HasTrailingStop = true
	return true
}

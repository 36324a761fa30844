// Package book implements the per-symbol resting order book and fill
// detection against a candle's OHLC price path.
//
// A Book is owned by exactly one goroutine for the lifetime of a backtest
// run (the engine's event loop, or one optimizer worker) and is therefore
// not synchronized internally — see DESIGN.md for why the mutex the
// teacher's live order-book mirror carries is not reused here.
package book

import (
	"errors"
	"sort"

	"btcore/pkg/types"
)

// ErrOverfill is returned when a fill would reduce an order's remaining
// quantity below zero. The risk manager is responsible for never producing
// such a request; if this is observed it indicates a bug upstream.
var ErrOverfill = errors.New("book: fill exceeds order remaining quantity")

// level is one FIFO price level: orders queued in arrival order.
type level struct {
	price  float64
	orders []*types.Order
}

// Book holds the resting orders for one symbol, partitioned by side and
// indexed by price with price-time priority within a level.
type Book struct {
	symbol types.Symbol
	bids   []*level // descending by price
	asks   []*level // ascending by price
	byID   map[uint64]*types.Order
}

// New creates an empty order book for symbol.
func New(symbol types.Symbol) *Book {
	return &Book{
		symbol: symbol,
		byID:   make(map[uint64]*types.Order),
	}
}

// Add inserts a resting order into the book. The order must already be in
// state Open.
func (b *Book) Add(o *types.Order) {
	b.byID[o.ID] = o
	if o.Side == types.Buy {
		b.bids = insertLevel(b.bids, o, func(a, c float64) bool { return a > c })
	} else {
		b.asks = insertLevel(b.asks, o, func(a, c float64) bool { return a < c })
	}
}

func insertLevel(levels []*level, o *types.Order, better func(a, b float64) bool) []*level {
	price := o.LimitPrice
	if o.OrderType == types.Stop {
		price = o.StopPrice
	}
	idx := sort.Search(len(levels), func(i int) bool {
		return !better(levels[i].price, price)
	})
	if idx < len(levels) && levels[idx].price == price {
		levels[idx].orders = append(levels[idx].orders, o)
		return levels
	}
	nl := &level{price: price, orders: []*types.Order{o}}
	levels = append(levels, nil)
	copy(levels[idx+1:], levels[idx:])
	levels[idx] = nl
	return levels
}

// Cancel removes an order from the book by id. Returns false if not found.
func (b *Book) Cancel(id uint64) bool {
	o, ok := b.byID[id]
	if !ok {
		return false
	}
	delete(b.byID, id)
	if o.Side == types.Buy {
		b.bids = removeFromLevels(b.bids, o)
	} else {
		b.asks = removeFromLevels(b.asks, o)
	}
	return true
}

func removeFromLevels(levels []*level, o *types.Order) []*level {
	for li, lv := range levels {
		for oi, ord := range lv.orders {
			if ord.ID == o.ID {
				lv.orders = append(lv.orders[:oi], lv.orders[oi+1:]...)
				if len(lv.orders) == 0 {
					levels = append(levels[:li], levels[li+1:]...)
				}
				return levels
			}
		}
	}
	return levels
}

// Get returns the resting order by id, if present.
func (b *Book) Get(id uint64) (*types.Order, bool) {
	o, ok := b.byID[id]
	return o, ok
}

// FillCandidate is one order eligible to fill on the current candle.
type FillCandidate struct {
	Order     *types.Order
	FillPrice float64
	IsMaker   bool
}

// FillableAt returns, in price-time priority order, every resting order
// that the given candle's price path would fill, per the fill-condition
// table: Buy Limit fills when low <= limit; Sell Limit fills when
// high >= limit; Buy Stop fills when high >= stop (taker, stop*(1+slip));
// Sell Stop fills when low <= stop (taker, stop*(1-slip)).
func (b *Book) FillableAt(candle types.Candle, slippage float64) []FillCandidate {
	var out []FillCandidate
	for _, lv := range b.bids {
		for _, o := range lv.orders {
			if fc, ok := buyFillCandidate(o, candle, slippage); ok {
				out = append(out, fc)
			}
		}
	}
	for _, lv := range b.asks {
		for _, o := range lv.orders {
			if fc, ok := sellFillCandidate(o, candle, slippage); ok {
				out = append(out, fc)
			}
		}
	}
	return out
}

func buyFillCandidate(o *types.Order, c types.Candle, slippage float64) (FillCandidate, bool) {
	switch o.OrderType {
	case types.Limit:
		if c.Low <= o.LimitPrice {
			return FillCandidate{Order: o, FillPrice: o.LimitPrice, IsMaker: true}, true
		}
	case types.Stop:
		if c.High >= o.StopPrice {
			return FillCandidate{Order: o, FillPrice: o.StopPrice * (1 + slippage), IsMaker: false}, true
		}
	}
	return FillCandidate{}, false
}

func sellFillCandidate(o *types.Order, c types.Candle, slippage float64) (FillCandidate, bool) {
	switch o.OrderType {
	case types.Limit:
		if c.High >= o.LimitPrice {
			return FillCandidate{Order: o, FillPrice: o.LimitPrice, IsMaker: true}, true
		}
	case types.Stop:
		if c.Low <= o.StopPrice {
			return FillCandidate{Order: o, FillPrice: o.StopPrice * (1 - slippage), IsMaker: false}, true
		}
	}
	return FillCandidate{}, false
}

// ExpireGoodTillDate cancels every GTD order whose deadline is strictly
// before the candle timestamp and returns their ids.
func (b *Book) ExpireGoodTillDate(candleTime int64) []uint64 {
	var expired []uint64
	for id, o := range b.byID {
		if o.TimeInForce == types.GoodTillDate && o.GoodTillDate.Unix() < candleTime {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		b.Cancel(id)
	}
	return expired
}

// Orders returns every resting order in the book, in no particular order.
func (b *Book) Orders() []*types.Order {
	out := make([]*types.Order, 0, len(b.byID))
	for _, o := range b.byID {
		out = append(out, o)
	}
	return out
}

// Symbol returns the symbol this book holds orders for.
func (b *Book) Symbol() types.Symbol { return b.symbol }

// Len returns the number of resting orders, for resource-ceiling tests.
func (b *Book) Len() int { return len(b.byID) }

package book

import (
	"testing"
	"time"

	"btcore/pkg/types"
)

func mkOrder(id uint64, side types.Side, ot types.OrderType, limit, stop float64) *types.Order {
	o := &types.Order{
		ID:                id,
		Side:              side,
		OrderType:         ot,
		Quantity:          1,
		RemainingQuantity: 1,
		State:             types.Open,
	}
	if ot == types.Limit {
		o.LimitPrice = limit
		o.HasLimitPrice = true
	}
	if ot == types.Stop {
		o.StopPrice = stop
		o.HasStopPrice = true
	}
	return o
}

// TestFIFOBookMatching is scenario F from spec.md §8: two buy limits at the
// same price fill in arrival order when the level is touched.
func TestFIFOBookMatching(t *testing.T) {
	t.Parallel()
	b := New("BTC")
	l1 := mkOrder(1, types.Buy, types.Limit, 100, 0)
	l2 := mkOrder(2, types.Buy, types.Limit, 100, 0)
	b.Add(l1)
	b.Add(l2)

	candle := types.Candle{Open: 100, High: 101, Low: 99.5, Close: 100.5}
	fills := b.FillableAt(candle, 0)
	if len(fills) != 2 {
		t.Fatalf("expected 2 fills, got %d", len(fills))
	}
	if fills[0].Order.ID != 1 || fills[1].Order.ID != 2 {
		t.Errorf("expected FIFO order [1,2], got [%d,%d]", fills[0].Order.ID, fills[1].Order.ID)
	}
}

func TestBuyLimitFillPrice(t *testing.T) {
	t.Parallel()
	b := New("BTC")
	b.Add(mkOrder(1, types.Buy, types.Limit, 100, 0))
	candle := types.Candle{Open: 100, High: 102, Low: 99, Close: 101}
	fills := b.FillableAt(candle, 0)
	if len(fills) != 1 || fills[0].FillPrice != 100 || !fills[0].IsMaker {
		t.Fatalf("unexpected fills: %+v", fills)
	}
}

func TestSellStopSlippage(t *testing.T) {
	t.Parallel()
	b := New("BTC")
	b.Add(mkOrder(1, types.Sell, types.Stop, 0, 100))
	candle := types.Candle{Open: 101, High: 102, Low: 95, Close: 96}
	fills := b.FillableAt(candle, 0.01)
	if len(fills) != 1 {
		t.Fatalf("expected 1 fill, got %d", len(fills))
	}
	want := 100 * 0.99
	if fills[0].FillPrice != want || fills[0].IsMaker {
		t.Errorf("fill price = %v, want %v (taker)", fills[0].FillPrice, want)
	}
}

func TestNoFillWhenPriceNotTouched(t *testing.T) {
	t.Parallel()
	b := New("BTC")
	b.Add(mkOrder(1, types.Buy, types.Limit, 90, 0))
	candle := types.Candle{Open: 100, High: 102, Low: 95, Close: 101}
	if fills := b.FillableAt(candle, 0); len(fills) != 0 {
		t.Errorf("expected no fills, got %d", len(fills))
	}
}

func TestCancelRemovesOrder(t *testing.T) {
	t.Parallel()
	b := New("BTC")
	o := mkOrder(1, types.Buy, types.Limit, 100, 0)
	b.Add(o)
	if !b.Cancel(1) {
		t.Fatal("expected cancel to succeed")
	}
	candle := types.Candle{Open: 100, High: 101, Low: 99, Close: 100}
	if fills := b.FillableAt(candle, 0); len(fills) != 0 {
		t.Errorf("cancelled order should not fill, got %d fills", len(fills))
	}
}

func TestExpireGoodTillDate(t *testing.T) {
	t.Parallel()
	b := New("BTC")
	o := mkOrder(1, types.Buy, types.Limit, 100, 0)
	o.TimeInForce = types.GoodTillDate
	o.GoodTillDate = time.Unix(1000, 0)
	b.Add(o)

	expired := b.ExpireGoodTillDate(1001)
	if len(expired) != 1 || expired[0] != 1 {
		t.Fatalf("expected order 1 to expire, got %v", expired)
	}
	if b.Len() != 0 {
		t.Errorf("expected book empty after expiry, len=%d", b.Len())
	}
}

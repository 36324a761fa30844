package liveadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"btcore/pkg/types"
)

const (
	readTimeout      = 90 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
	candleBufferSize = 256
)

// wireCandle is the JSON shape a generic exchange candle feed emits —
// deliberately untyped relative to the core's types.Candle, translated
// in candleEvent below.
type wireCandle struct {
	Symbol    string  `json:"symbol"`
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// CandleEvent pairs a decoded Candle with the symbol it belongs to.
type CandleEvent struct {
	Symbol types.Symbol
	Candle types.Candle
}

// CandleFeed maintains a single WebSocket connection streaming live
// candles, auto-reconnecting with exponential backoff and re-subscribing
// to every tracked symbol on reconnect — the same lifecycle shape a
// production market-data feed uses, generalized from a book/trade event
// schema to a single candle schema since the backtest core only ever
// consumes OHLCV bars.
type CandleFeed struct {
	url  string
	conn *websocket.Conn
	connMu sync.Mutex

	subscribedMu sync.RWMutex
	subscribed   map[types.Symbol]bool

	candleCh chan CandleEvent
	logger   *slog.Logger
}

// NewCandleFeed creates a feed pointed at a WebSocket URL.
func NewCandleFeed(wsURL string, logger *slog.Logger) *CandleFeed {
	return &CandleFeed{
		url:        wsURL,
		subscribed: make(map[types.Symbol]bool),
		candleCh:   make(chan CandleEvent, candleBufferSize),
		logger:     logger.With("component", "liveadapter_feed"),
	}
}

// Candles returns a read-only channel of decoded candle events.
func (f *CandleFeed) Candles() <-chan CandleEvent { return f.candleCh }

// Subscribe tracks a symbol for subscription on (re)connect.
func (f *CandleFeed) Subscribe(sym types.Symbol) {
	f.subscribedMu.Lock()
	f.subscribed[sym] = true
	f.subscribedMu.Unlock()

	f.connMu.Lock()
	conn := f.conn
	f.connMu.Unlock()
	if conn != nil {
		_ = f.sendSubscribe(conn, sym)
	}
}

// Run connects and maintains the WebSocket connection with
// auto-reconnect. Blocks until ctx is cancelled.
func (f *CandleFeed) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.Warn("candle feed disconnected, reconnecting", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (f *CandleFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	defer func() {
		f.connMu.Lock()
		f.conn = nil
		f.connMu.Unlock()
	}()

	f.subscribedMu.RLock()
	symbols := make([]types.Symbol, 0, len(f.subscribed))
	for sym := range f.subscribed {
		symbols = append(symbols, sym)
	}
	f.subscribedMu.RUnlock()
	for _, sym := range symbols {
		if err := f.sendSubscribe(conn, sym); err != nil {
			return fmt.Errorf("resubscribe %s: %w", sym, err)
		}
	}

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var wc wireCandle
		if err := json.Unmarshal(msg, &wc); err != nil {
			f.logger.Warn("malformed candle message", "error", err)
			continue
		}

		event := CandleEvent{
			Symbol: types.Symbol(wc.Symbol),
			Candle: types.Candle{
				Datetime: time.Unix(wc.Timestamp, 0),
				Open:     wc.Open,
				High:     wc.High,
				Low:      wc.Low,
				Close:    wc.Close,
				Volume:   wc.Volume,
			},
		}
		select {
		case f.candleCh <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (f *CandleFeed) sendSubscribe(conn *websocket.Conn, sym types.Symbol) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	msg := struct {
		Type   string `json:"type"`
		Symbol string `json:"symbol"`
	}{Type: "subscribe", Symbol: string(sym)}
	return conn.WriteJSON(msg)
}

package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

const (
	kalshiPingInterval = 50 * time.Second
	kalshiReadTimeout  = 90 * time.Second
)

// KalshiFeed is the Kalshi market-data gateway: ticker-keyed subscriptions
// over a single WebSocket connection carrying orderbook_snapshot,
// orderbook_delta, and trade channels.
type KalshiFeed struct {
	conn   *conn
	cmdID  atomic.Int64
	logger *slog.Logger

	bookSnapshotCh chan BookSnapshotEvent
	bookDeltaCh    chan BookDeltaEvent
	tradeCh        chan TradeEvent
	priceCh        chan PriceEvent
}

func NewKalshiFeed(wsURL string, logger *slog.Logger) *KalshiFeed {
	f := &KalshiFeed{
		logger:         logger.With("component", "kalshi_feed"),
		bookSnapshotCh: make(chan BookSnapshotEvent, 256),
		bookDeltaCh:    make(chan BookDeltaEvent, 256),
		tradeCh:        make(chan TradeEvent, 64),
		priceCh:        make(chan PriceEvent, 64),
	}
	f.conn = newConn(wsURL, kalshiPingInterval, kalshiReadTimeout, f.logger)
	f.conn.onConnect = f.resubscribeAll
	f.conn.onMessage = f.dispatch
	return f
}

func (f *KalshiFeed) BookSnapshots() <-chan BookSnapshotEvent { return f.bookSnapshotCh }
func (f *KalshiFeed) BookDeltas() <-chan BookDeltaEvent       { return f.bookDeltaCh }
func (f *KalshiFeed) Trades() <-chan TradeEvent               { return f.tradeCh }
func (f *KalshiFeed) PriceUpdates() <-chan PriceEvent         { return f.priceCh }

// Run connects and maintains the connection. Blocks until ctx is cancelled.
func (f *KalshiFeed) Run(ctx context.Context) error { return f.conn.Run(ctx) }

// Close closes the underlying connection.
func (f *KalshiFeed) Close() error { return f.conn.Close() }

type kalshiCommand struct {
	ID     int64                  `json:"id"`
	Cmd    string                 `json:"cmd"`
	Params map[string]interface{} `json:"params"`
}

// Subscribe adds tickers for orderbook_delta updates, sending the command
// immediately if connected and re-sent on every future reconnect.
func (f *KalshiFeed) Subscribe(ticker string) error {
	f.conn.track([]string{ticker})
	return f.sendSubscribe("orderbook_delta", ticker)
}

// Unsubscribe stops tracking a ticker; Kalshi has no partial-unsubscribe
// command for a single market within a shared orderbook_delta subscription,
// so this only affects re-subscription after the next reconnect.
func (f *KalshiFeed) Unsubscribe(ticker string) {
	f.conn.untrack([]string{ticker})
}

func (f *KalshiFeed) sendSubscribe(channel, ticker string) error {
	id := f.cmdID.Add(1)
	params := map[string]interface{}{"channels": []string{channel}}
	if ticker != "" {
		params["market_ticker"] = ticker
	}
	return f.conn.writeJSON(kalshiCommand{ID: id, Cmd: "subscribe", Params: params})
}

func (f *KalshiFeed) resubscribeAll(c *conn) error {
	if err := f.sendSubscribe("ticker", ""); err != nil {
		return err
	}
	if err := f.sendSubscribe("trade", ""); err != nil {
		return err
	}
	for _, ticker := range c.trackedIDs() {
		if err := f.sendSubscribe("orderbook_delta", ticker); err != nil {
			return err
		}
	}
	return nil
}

type kalshiEnvelope struct {
	Type string `json:"type"`
}

type kalshiOrderbookSnapshotWire struct {
	Seq int64 `json:"seq"`
	Msg struct {
		MarketTicker string          `json:"market_ticker"`
		YesDollars   [][]interface{} `json:"yes_dollars"`
		NoDollars    [][]interface{} `json:"no_dollars"`
	} `json:"msg"`
}

type kalshiOrderbookDeltaWire struct {
	Seq int64 `json:"seq"`
	Msg struct {
		MarketTicker string `json:"market_ticker"`
		PriceDollars string `json:"price_dollars"`
		Delta        int    `json:"delta"`
		Side         string `json:"side"`
	} `json:"msg"`
}

type kalshiTradeWire struct {
	Msg struct {
		MarketTicker    string `json:"market_ticker"`
		TradeID         string `json:"trade_id"`
		Count           int    `json:"count"`
		YesPriceDollars string `json:"yes_price_dollars"`
		TakerSide       string `json:"taker_side"`
	} `json:"msg"`
}

// kalshiTickerWire is the ticker channel's periodic top-of-book push: a
// last-traded price (when one exists yet) plus the current best yes bid/ask.
type kalshiTickerWire struct {
	Msg struct {
		MarketTicker  string `json:"market_ticker"`
		PriceDollars  string `json:"price_dollars"`
		YesBidDollars string `json:"yes_bid_dollars"`
		YesAskDollars string `json:"yes_ask_dollars"`
	} `json:"msg"`
}

func (f *KalshiFeed) dispatch(data []byte) {
	var env kalshiEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		f.logger.Debug("ignoring non-json message", "data", string(data))
		return
	}

	switch env.Type {
	case "orderbook_snapshot":
		var w kalshiOrderbookSnapshotWire
		if err := json.Unmarshal(data, &w); err != nil {
			f.logger.Error("unmarshal orderbook_snapshot", "error", err)
			return
		}
		evt := BookSnapshotEvent{
			MarketKey: w.Msg.MarketTicker,
			Yes:       levelsFromPairs(w.Msg.YesDollars),
			No:        levelsFromPairs(w.Msg.NoDollars),
			Seq:       w.Seq,
			HaveSeq:   true,
		}
		select {
		case f.bookSnapshotCh <- evt:
		default:
			f.logger.Warn("book snapshot channel full, dropping", "ticker", evt.MarketKey)
		}

	case "orderbook_delta":
		var w kalshiOrderbookDeltaWire
		if err := json.Unmarshal(data, &w); err != nil {
			f.logger.Error("unmarshal orderbook_delta", "error", err)
			return
		}
		evt := BookDeltaEvent{
			MarketKey:    w.Msg.MarketTicker,
			Outcome:      w.Msg.Side,
			IsBid:        true,
			PriceDollars: w.Msg.PriceDollars,
			DeltaQty:     fmt.Sprintf("%d", w.Msg.Delta),
			Seq:          w.Seq,
			HaveSeq:      true,
		}
		select {
		case f.bookDeltaCh <- evt:
		default:
			f.logger.Warn("book delta channel full, dropping", "ticker", evt.MarketKey)
		}

	case "trade":
		var w kalshiTradeWire
		if err := json.Unmarshal(data, &w); err != nil {
			f.logger.Error("unmarshal trade", "error", err)
			return
		}
		side := "buy"
		if w.Msg.TakerSide == "no" {
			side = "sell"
		}
		evt := TradeEvent{
			MarketKey:    w.Msg.MarketTicker,
			TradeID:      w.Msg.TradeID,
			PriceDollars: w.Msg.YesPriceDollars,
			Quantity:     fmt.Sprintf("%d", w.Msg.Count),
			Side:         side,
			Timestamp:    time.Now(),
		}
		select {
		case f.tradeCh <- evt:
		default:
			f.logger.Warn("trade channel full, dropping", "id", evt.TradeID)
		}

	case "ticker":
		var w kalshiTickerWire
		if err := json.Unmarshal(data, &w); err != nil {
			f.logger.Error("unmarshal ticker", "error", err)
			return
		}
		evt := PriceEvent{
			MarketKey:        w.Msg.MarketTicker,
			LastPriceDollars: w.Msg.PriceDollars,
			BidPriceDollars:  w.Msg.YesBidDollars,
			AskPriceDollars:  w.Msg.YesAskDollars,
			Timestamp:        time.Now(),
		}
		select {
		case f.priceCh <- evt:
		default:
			f.logger.Warn("price channel full, dropping", "ticker", evt.MarketKey)
		}

	default:
		f.logger.Debug("unknown message type", "type", env.Type)
	}
}

// levelsFromPairs converts Kalshi's [["0.52", qty], ...] wire shape into
// LevelUpdates. Non-conforming entries are skipped.
func levelsFromPairs(pairs [][]interface{}) []LevelUpdate {
	levels := make([]LevelUpdate, 0, len(pairs))
	for _, pair := range pairs {
		if len(pair) != 2 {
			continue
		}
		price, ok := pair[0].(string)
		if !ok {
			continue
		}
		var qty string
		switch v := pair[1].(type) {
		case float64:
			qty = fmt.Sprintf("%d", int64(v))
		case string:
			qty = v
		default:
			continue
		}
		levels = append(levels, LevelUpdate{PriceDollars: price, Quantity: qty})
	}
	return levels
}

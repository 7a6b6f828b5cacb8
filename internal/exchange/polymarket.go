package exchange

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const (
	polymarketPingInterval = 10 * time.Second
	polymarketReadTimeout  = 30 * time.Second
)

// PolymarketFeed is the Polymarket market-data gateway: token-ID-keyed
// subscriptions over the public market channel, carrying full book
// snapshots and incremental price_change deltas. Polymarket has no public
// trade-tick channel on the market channel; Trades() surfaces fills derived
// from last_trade_price events.
type PolymarketFeed struct {
	conn   *conn
	logger *slog.Logger

	bookSnapshotCh chan BookSnapshotEvent
	bookDeltaCh    chan BookDeltaEvent
	tradeCh        chan TradeEvent
	priceCh        chan PriceEvent
}

func NewPolymarketFeed(wsURL string, logger *slog.Logger) *PolymarketFeed {
	f := &PolymarketFeed{
		logger:         logger.With("component", "polymarket_feed"),
		bookSnapshotCh: make(chan BookSnapshotEvent, 256),
		bookDeltaCh:    make(chan BookDeltaEvent, 256),
		tradeCh:        make(chan TradeEvent, 64),
		priceCh:        make(chan PriceEvent, 64),
	}
	f.conn = newConn(wsURL, polymarketPingInterval, polymarketReadTimeout, f.logger)
	f.conn.onConnect = f.resubscribeAll
	f.conn.onMessage = f.dispatch
	f.conn.pingFunc = func(c *conn) error { return c.writeText([]byte("PING")) }
	return f
}

func (f *PolymarketFeed) BookSnapshots() <-chan BookSnapshotEvent { return f.bookSnapshotCh }
func (f *PolymarketFeed) BookDeltas() <-chan BookDeltaEvent       { return f.bookDeltaCh }
func (f *PolymarketFeed) Trades() <-chan TradeEvent               { return f.tradeCh }
func (f *PolymarketFeed) PriceUpdates() <-chan PriceEvent         { return f.priceCh }

func (f *PolymarketFeed) Run(ctx context.Context) error { return f.conn.Run(ctx) }
func (f *PolymarketFeed) Close() error                  { return f.conn.Close() }

type polymarketSubscribeMsg struct {
	Type     string   `json:"type"`
	AssetIDs []string `json:"assets_ids,omitempty"`
}

type polymarketUpdateMsg struct {
	AssetIDs  []string `json:"assets_ids,omitempty"`
	Operation string   `json:"operation"`
}

// Subscribe adds a token ID to the market channel.
func (f *PolymarketFeed) Subscribe(tokenID string) error {
	f.conn.track([]string{tokenID})
	return f.conn.writeJSON(polymarketUpdateMsg{AssetIDs: []string{tokenID}, Operation: "subscribe"})
}

// Unsubscribe drops a token ID from the market channel.
func (f *PolymarketFeed) Unsubscribe(tokenID string) error {
	f.conn.untrack([]string{tokenID})
	return f.conn.writeJSON(polymarketUpdateMsg{AssetIDs: []string{tokenID}, Operation: "unsubscribe"})
}

func (f *PolymarketFeed) resubscribeAll(c *conn) error {
	return f.conn.writeJSON(polymarketSubscribeMsg{Type: "market", AssetIDs: c.trackedIDs()})
}

type polymarketEnvelope struct {
	EventType string `json:"event_type"`
}

type polymarketPriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// polymarketBookWire is a full order book snapshot from the market channel.
type polymarketBookWire struct {
	AssetID string                  `json:"asset_id"`
	Buys    []polymarketPriceLevel `json:"buys"`
	Sells   []polymarketPriceLevel `json:"sells"`
}

// polymarketPriceChangeWire is an incremental book update, one or more
// level changes applied atomically.
type polymarketPriceChangeWire struct {
	PriceChanges []struct {
		AssetID string `json:"asset_id"`
		Price   string `json:"price"`
		Size    string `json:"size"` // new size at that level, "0" = removed
		Side    string `json:"side"` // "BUY" or "SELL"
	} `json:"price_changes"`
}

// polymarketLastTradePriceWire is the last-trade-price tape event; used as
// this feed's only source of public trade ticks.
type polymarketLastTradePriceWire struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Side    string `json:"side"`
}

// polymarketBestBidAskWire is the top-of-book summary event; this feed's
// only source of a yes-side price tick outside of the full book/delta
// stream, since Polymarket has no separate last-price ticker channel.
type polymarketBestBidAskWire struct {
	AssetID string `json:"asset_id"`
	BestBid string `json:"best_bid"`
	BestAsk string `json:"best_ask"`
}

func (f *PolymarketFeed) dispatch(data []byte) {
	var env polymarketEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		f.logger.Debug("ignoring non-json message", "data", string(data))
		return
	}

	switch env.EventType {
	case "book":
		var w polymarketBookWire
		if err := json.Unmarshal(data, &w); err != nil {
			f.logger.Error("unmarshal book event", "error", err)
			return
		}
		evt := BookSnapshotEvent{
			MarketKey: w.AssetID,
			Yes:       levelsFromPolymarket(w.Buys),
			No:        levelsFromPolymarket(w.Sells),
		}
		select {
		case f.bookSnapshotCh <- evt:
		default:
			f.logger.Warn("book snapshot channel full, dropping", "asset", evt.MarketKey)
		}

	case "price_change":
		var w polymarketPriceChangeWire
		if err := json.Unmarshal(data, &w); err != nil {
			f.logger.Error("unmarshal price_change event", "error", err)
			return
		}
		for _, change := range w.PriceChanges {
			evt := BookDeltaEvent{
				MarketKey:    change.AssetID,
				Outcome:      "yes",
				IsBid:        change.Side == "BUY",
				PriceDollars: change.Price,
				DeltaQty:     change.Size,
			}
			select {
			case f.bookDeltaCh <- evt:
			default:
				f.logger.Warn("book delta channel full, dropping", "asset", evt.MarketKey)
			}
		}

	case "last_trade_price":
		var w polymarketLastTradePriceWire
		if err := json.Unmarshal(data, &w); err != nil {
			f.logger.Error("unmarshal last_trade_price event", "error", err)
			return
		}
		side := "buy"
		if w.Side == "SELL" {
			side = "sell"
		}
		// last_trade_price carries no trade identifier, unlike Kalshi's
		// trade_id; synthesize one so the store's id-keyed dedup sees each
		// tick as distinct instead of colliding every fill onto one row.
		evt := TradeEvent{
			MarketKey:    w.AssetID,
			TradeID:      uuid.NewString(),
			PriceDollars: w.Price,
			Quantity:     w.Size,
			Side:         side,
			Timestamp:    time.Now(),
		}
		select {
		case f.tradeCh <- evt:
		default:
			f.logger.Warn("trade channel full, dropping", "asset", evt.MarketKey)
		}

	case "best_bid_ask":
		var w polymarketBestBidAskWire
		if err := json.Unmarshal(data, &w); err != nil {
			f.logger.Error("unmarshal best_bid_ask event", "error", err)
			return
		}
		evt := PriceEvent{
			MarketKey:       w.AssetID,
			BidPriceDollars: w.BestBid,
			AskPriceDollars: w.BestAsk,
			Timestamp:       time.Now(),
		}
		select {
		case f.priceCh <- evt:
		default:
			f.logger.Warn("price channel full, dropping", "asset", evt.MarketKey)
		}

	case "tick_size_change", "new_market", "market_resolved":
		f.logger.Debug("ignoring event", "type", env.EventType)

	default:
		f.logger.Debug("unknown event type", "type", env.EventType)
	}
}

func levelsFromPolymarket(levels []polymarketPriceLevel) []LevelUpdate {
	out := make([]LevelUpdate, 0, len(levels))
	for _, l := range levels {
		out = append(out, LevelUpdate{PriceDollars: l.Price, Quantity: l.Size})
	}
	return out
}

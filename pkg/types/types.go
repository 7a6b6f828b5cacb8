// Package types defines the shared data model for the aggregation server:
// exchange identity, market identifiers, order books, trades, candles, and
// the subscription vocabulary the registry and client sessions speak. It has
// no dependency on internal packages, so it can be imported by every layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Exchange tags the upstream origin of a market. A uses human-readable
// ticker strings as both market identifier and upstream subscription key;
// B uses an opaque condition ID as market identifier but an independent
// per-outcome token ID as upstream subscription key.
type Exchange string

const (
	Kalshi     Exchange = "kalshi"
	Polymarket Exchange = "polymarket"
)

func (e Exchange) Valid() bool {
	return e == Kalshi || e == Polymarket
}

// MarketId is opaque outside the exchange it belongs to. For Kalshi it
// equals the upstream subscription key (the ticker); for Polymarket it must
// be resolved to an upstream token key before subscribing.
type MarketId string

// MarketStatus is the lifecycle state of a PredictionMarket.
type MarketStatus string

const (
	StatusOpen    MarketStatus = "open"
	StatusClosed  MarketStatus = "closed"
	StatusSettled MarketStatus = "settled"
)

// PredictionMarket is metadata about one market, owned and supplied by an
// external collaborator (internal/metadata). The core never mutates it.
type PredictionMarket struct {
	ID        MarketId
	Exchange  Exchange
	Title     string
	Ticker    string // optional, Kalshi-style human ticker
	YesPrice  decimal.Decimal
	NoPrice   decimal.Decimal
	Volume    decimal.Decimal
	Liquidity decimal.Decimal
	Status    MarketStatus
	CreatedAt time.Time
	UpdatedAt time.Time
	Options   []byte // optional multi-outcome metadata blob, opaque to the core
}

// Outcome is the binary side of a prediction market.
type Outcome string

const (
	Yes Outcome = "yes"
	No  Outcome = "no"
)

// Side is the aggressor side of a trade, when known.
type Side string

const (
	Buy     Side = "buy"
	Sell    Side = "sell"
	Unknown Side = "unknown"
)

// OrderBookLevel is a single price level: both fields non-negative, fixed
// scale. A level with Quantity <= 0 must not appear in a book; it is removed.
type OrderBookLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// OrderBook holds four ordered sequences for one market. YesBids is sorted
// descending by price, YesAsks ascending, and symmetrically for the No
// side. Within a sequence, prices are strictly distinct.
type OrderBook struct {
	YesBids   []OrderBookLevel
	YesAsks   []OrderBookLevel
	NoBids    []OrderBookLevel
	NoAsks    []OrderBookLevel
	Timestamp time.Time
}

// Clone returns a deep, independent copy suitable for handing to a reader
// that must not observe further mutation (broadcast fan-out, snapshotting).
func (b OrderBook) Clone() OrderBook {
	return OrderBook{
		YesBids:   append([]OrderBookLevel(nil), b.YesBids...),
		YesAsks:   append([]OrderBookLevel(nil), b.YesAsks...),
		NoBids:    append([]OrderBookLevel(nil), b.NoBids...),
		NoAsks:    append([]OrderBookLevel(nil), b.NoAsks...),
		Timestamp: b.Timestamp,
	}
}

// BestBid returns the highest bid level on the given side, if any.
func (b OrderBook) BestBid(outcome Outcome) (OrderBookLevel, bool) {
	levels := b.YesBids
	if outcome == No {
		levels = b.NoBids
	}
	if len(levels) == 0 {
		return OrderBookLevel{}, false
	}
	return levels[0], true
}

// BestAsk returns the lowest ask level on the given side, if any.
func (b OrderBook) BestAsk(outcome Outcome) (OrderBookLevel, bool) {
	levels := b.YesAsks
	if outcome == No {
		levels = b.NoAsks
	}
	if len(levels) == 0 {
		return OrderBookLevel{}, false
	}
	return levels[0], true
}

// Trade is one executed fill. Id is globally unique within Exchange;
// duplicate ingest with the same (Exchange, Id) is idempotent.
type Trade struct {
	Id        string
	MarketId  MarketId
	Exchange  Exchange
	Timestamp time.Time
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Outcome   Outcome
	Side      Side
}

// PriceSnapshot is a periodic top-of-book or last-price observation.
type PriceSnapshot struct {
	Exchange  Exchange
	MarketId  MarketId
	YesPrice  decimal.Decimal
	NoPrice   decimal.Decimal
	Timestamp time.Time
}

// OrderBookSnapshot is the serialized form of an OrderBook as persisted by
// the periodic snapshot task; each *Json field holds a JSON-encoded
// []OrderBookLevel.
type OrderBookSnapshot struct {
	Exchange    Exchange
	MarketId    MarketId
	YesBidsJson []byte
	YesAsksJson []byte
	NoBidsJson  []byte
	NoAsksJson  []byte
	Timestamp   time.Time
}

// PriceCandle is a bucketed OHLCV observation. Timestamp is the bucket
// start. Candles are always derived, never stored directly.
type PriceCandle struct {
	Timestamp  time.Time
	Open       decimal.Decimal
	High       decimal.Decimal
	Low        decimal.Decimal
	Close      decimal.Decimal
	Volume     decimal.Decimal
	BuyVolume  decimal.Decimal
	SellVolume decimal.Decimal
}

// Channel identifies one of the broadcast streams a client may subscribe to.
type Channel string

const (
	ChannelPrice      Channel = "price"
	ChannelOrderBook  Channel = "orderbook"
	ChannelTrades     Channel = "trades"
	ChannelGlobalNews Channel = "global_news"
	ChannelMarketNews Channel = "market_news"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelPrice, ChannelOrderBook, ChannelTrades, ChannelGlobalNews, ChannelMarketNews:
		return true
	default:
		return false
	}
}

// GlobalMarketId is the sentinel market identifier used by global channels
// (GlobalNews), which are not bound to any single market.
const GlobalMarketId MarketId = "__global__"

// IsMarketBound reports whether a channel is backed by an upstream exchange
// feed (and therefore drives gateway subscribe/unsubscribe reference
// counting). GlobalNews and MarketNews are served by an external news
// collaborator, not an on-demand exchange subscription, so neither triggers
// upstream events even though MarketNews is scoped to one market.
func (c Channel) IsMarketBound() bool {
	return c == ChannelPrice || c == ChannelOrderBook || c == ChannelTrades
}

// SubscriptionKey identifies one broadcast stream.
type SubscriptionKey struct {
	Exchange Exchange
	MarketId MarketId
	Channel  Channel
}

// ClientId is a monotonically assigned identifier, unique for the lifetime
// of one downstream streaming connection.
type ClientId uint64

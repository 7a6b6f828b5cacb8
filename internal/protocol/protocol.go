// Package protocol defines the JSON wire frames exchanged with downstream
// streaming clients: inbound Subscribe/Unsubscribe/Ping, outbound
// acknowledgements, data updates, and errors. Framing is JSON-over-WebSocket;
// binary frames are rejected by the session before reaching this package.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"marketagg/pkg/types"
)

// ErrorCode enumerates the machine-readable error codes sent to clients.
type ErrorCode string

const (
	ErrInvalidMessage ErrorCode = "invalid_message"
	ErrSlowConsumer   ErrorCode = "slow_consumer"
)

// Subscription is the wire form of types.SubscriptionKey.
type Subscription struct {
	Channel  types.Channel  `json:"channel"`
	Exchange types.Exchange `json:"exchange"`
	MarketId types.MarketId `json:"market_id"`
}

func (s Subscription) Key() types.SubscriptionKey {
	return types.SubscriptionKey{Exchange: s.Exchange, MarketId: s.MarketId, Channel: s.Channel}
}

func FromKey(k types.SubscriptionKey) Subscription {
	return Subscription{Channel: k.Channel, Exchange: k.Exchange, MarketId: k.MarketId}
}

// envelope is the common discriminant every frame (in either direction) carries.
type envelope struct {
	Type string `json:"type"`
}

// ---- inbound (client -> server) ----

type InboundMessage struct {
	Type         string          `json:"type"`
	Subscription *Subscription   `json:"subscription,omitempty"`
	Timestamp    int64           `json:"timestamp,omitempty"`
}

const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
)

// ParseInbound decodes one client frame. A malformed payload or unknown
// discriminant is reported as an error; callers translate it into an
// Error{code: invalid_message} reply per the Decode propagation policy.
func ParseInbound(data []byte) (InboundMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return InboundMessage{}, fmt.Errorf("decode frame: %w", err)
	}

	var msg InboundMessage
	switch env.Type {
	case TypeSubscribe, TypeUnsubscribe:
		if err := json.Unmarshal(data, &msg); err != nil {
			return InboundMessage{}, fmt.Errorf("decode %s frame: %w", env.Type, err)
		}
		if msg.Subscription == nil {
			return InboundMessage{}, fmt.Errorf("%s frame missing subscription", env.Type)
		}
		if !msg.Subscription.Exchange.Valid() {
			return InboundMessage{}, fmt.Errorf("unknown exchange %q", msg.Subscription.Exchange)
		}
		if !msg.Subscription.Channel.Valid() {
			return InboundMessage{}, fmt.Errorf("unknown channel %q", msg.Subscription.Channel)
		}
	case TypePing:
		if err := json.Unmarshal(data, &msg); err != nil {
			return InboundMessage{}, fmt.Errorf("decode ping frame: %w", err)
		}
	default:
		return InboundMessage{}, fmt.Errorf("unknown frame type %q", env.Type)
	}
	return msg, nil
}

// ---- outbound (server -> client) ----

type Subscribed struct {
	Type         string       `json:"type"`
	Subscription Subscription `json:"subscription"`
}

func NewSubscribed(key types.SubscriptionKey) Subscribed {
	return Subscribed{Type: "subscribed", Subscription: FromKey(key)}
}

type Unsubscribed struct {
	Type         string       `json:"type"`
	Subscription Subscription `json:"subscription"`
}

func NewUnsubscribed(key types.SubscriptionKey) Unsubscribed {
	return Unsubscribed{Type: "unsubscribed", Subscription: FromKey(key)}
}

type Pong struct {
	Type            string `json:"type"`
	ClientTimestamp int64  `json:"client_timestamp"`
	ServerTimestamp int64  `json:"server_timestamp"`
}

func NewPong(clientTs int64) Pong {
	return Pong{Type: "pong", ClientTimestamp: clientTs, ServerTimestamp: time.Now().UnixMilli()}
}

type ErrorMessage struct {
	Type    string    `json:"type"`
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func NewError(code ErrorCode, message string) ErrorMessage {
	return ErrorMessage{Type: "error", Code: code, Message: message}
}

type PriceUpdate struct {
	Type      string         `json:"type"`
	Exchange  types.Exchange `json:"exchange"`
	MarketId  types.MarketId `json:"market_id"`
	YesPrice  decimal.Decimal `json:"yes_price"`
	NoPrice   decimal.Decimal `json:"no_price"`
	Timestamp time.Time      `json:"timestamp"`
}

func NewPriceUpdate(s types.PriceSnapshot) PriceUpdate {
	return PriceUpdate{
		Type:      "price_update",
		Exchange:  s.Exchange,
		MarketId:  s.MarketId,
		YesPrice:  s.YesPrice,
		NoPrice:   s.NoPrice,
		Timestamp: s.Timestamp,
	}
}

type levelPair [2]decimal.Decimal

func levelsToPairs(levels []types.OrderBookLevel) []levelPair {
	out := make([]levelPair, len(levels))
	for i, l := range levels {
		out[i] = levelPair{l.Price, l.Quantity}
	}
	return out
}

type OrderBookUpdate struct {
	Type       string         `json:"type"`
	Exchange   types.Exchange `json:"exchange"`
	MarketId   types.MarketId `json:"market_id"`
	UpdateType string         `json:"update_type"` // "snapshot" or "delta"
	YesBids    []levelPair    `json:"yes_bids"`
	YesAsks    []levelPair    `json:"yes_asks"`
	NoBids     []levelPair    `json:"no_bids"`
	NoAsks     []levelPair    `json:"no_asks"`
	Timestamp  time.Time      `json:"timestamp"`
}

func NewOrderBookUpdate(exchange types.Exchange, marketId types.MarketId, updateType string, book types.OrderBook) OrderBookUpdate {
	return OrderBookUpdate{
		Type:       "order_book_update",
		Exchange:   exchange,
		MarketId:   marketId,
		UpdateType: updateType,
		YesBids:    levelsToPairs(book.YesBids),
		YesAsks:    levelsToPairs(book.YesAsks),
		NoBids:     levelsToPairs(book.NoBids),
		NoAsks:     levelsToPairs(book.NoAsks),
		Timestamp:  book.Timestamp,
	}
}

type TradeUpdate struct {
	Type     string         `json:"type"`
	Exchange types.Exchange `json:"exchange"`
	MarketId types.MarketId `json:"market_id"`
	Trade    types.Trade    `json:"trade"`
}

func NewTradeUpdate(t types.Trade) TradeUpdate {
	return TradeUpdate{Type: "trade_update", Exchange: t.Exchange, MarketId: t.MarketId, Trade: t}
}

type MarketContext struct {
	Exchange types.Exchange `json:"exchange"`
	MarketId types.MarketId `json:"market_id"`
}

type NewsUpdate struct {
	Type          string         `json:"type"`
	Item          json.RawMessage `json:"item"`
	MarketContext *MarketContext `json:"market_context,omitempty"`
}

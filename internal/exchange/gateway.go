// Package exchange implements the upstream gateways for Kalshi and
// Polymarket: WebSocket feeds that normalize each exchange's wire protocol
// into the shared OrderBookSnapshot / OrderBookDelta / Trade event model,
// plus the REST rate limiter shared by their metadata lookups.
//
// Both gateways reconnect with exponential backoff and re-subscribe to every
// tracked market on reconnect. A read deadline ensures a silently dead
// connection is detected within a couple of missed pings.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
)

// BookSnapshotEvent carries a full order-book replace for one market.
type BookSnapshotEvent struct {
	MarketKey string // upstream subscription key: Kalshi ticker or Polymarket token ID
	Yes       []LevelUpdate
	No        []LevelUpdate
	Seq       int64
	HaveSeq   bool
}

// LevelUpdate is one price/quantity pair within a snapshot.
type LevelUpdate struct {
	PriceDollars string
	Quantity     string
}

// BookDeltaEvent carries a single incremental level change for one market.
// Outcome and IsBid together select one of the four level sequences in
// types.OrderBook (yes bids, yes asks, no bids, no asks).
type BookDeltaEvent struct {
	MarketKey    string
	Outcome      string // "yes" or "no"
	IsBid        bool
	PriceDollars string
	DeltaQty     string
	Seq          int64
	HaveSeq      bool
}

// TradeEvent carries one executed fill observed on the upstream feed.
type TradeEvent struct {
	MarketKey    string
	TradeID      string
	PriceDollars string
	Quantity     string
	Side         string // "buy", "sell", or "" if unknown
	Timestamp    time.Time
}

// PriceEvent carries a yes-side price tick for one market, in whatever mix
// of last/bid/ask the upstream ticker actually reported; empty fields mean
// the exchange didn't report that one. The aggregator resolves these into a
// single yes_price using a prefer-last-then-mid-then-bid policy.
type PriceEvent struct {
	MarketKey        string
	LastPriceDollars string
	BidPriceDollars  string
	AskPriceDollars  string
	Timestamp        time.Time
}

// conn is the shared reconnect/dispatch scaffold used by both exchange
// gateways. Each gateway supplies its own subscribe-command encoding and
// message dispatch function; conn owns the socket lifecycle.
type conn struct {
	url    string
	logger *slog.Logger

	ws   *websocket.Conn
	wsMu sync.Mutex

	pingInterval time.Duration
	readTimeout  time.Duration

	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	onConnect func(c *conn) error   // send initial subscriptions
	onMessage func(data []byte)     // dispatch one inbound frame
	pingFunc  func(c *conn) error   // send one keepalive ping
}

func newConn(url string, pingInterval, readTimeout time.Duration, logger *slog.Logger) *conn {
	return &conn{
		url:          url,
		logger:       logger,
		pingInterval: pingInterval,
		readTimeout:  readTimeout,
		subscribed:   make(map[string]bool),
	}
}

// Run connects and maintains the connection with exponential backoff.
// Blocks until ctx is cancelled.
func (c *conn) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := c.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.logger.Warn("websocket disconnected, reconnecting", "error", err, "backoff", backoff)

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

func (c *conn) connectAndRead(ctx context.Context) error {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.wsMu.Lock()
	c.ws = ws
	c.wsMu.Unlock()

	defer func() {
		c.wsMu.Lock()
		ws.Close()
		c.ws = nil
		c.wsMu.Unlock()
	}()

	if c.onConnect != nil {
		if err := c.onConnect(c); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	c.logger.Info("websocket connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	if c.pingFunc != nil {
		go c.pingLoop(pingCtx)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		ws.SetReadDeadline(time.Now().Add(c.readTimeout))
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		if c.onMessage != nil {
			c.onMessage(msg)
		}
	}
}

func (c *conn) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.pingFunc(c); err != nil {
				c.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

// track records ids as subscribed, for re-subscription after reconnect.
func (c *conn) track(ids []string) {
	c.subscribedMu.Lock()
	for _, id := range ids {
		c.subscribed[id] = true
	}
	c.subscribedMu.Unlock()
}

func (c *conn) untrack(ids []string) {
	c.subscribedMu.Lock()
	for _, id := range ids {
		delete(c.subscribed, id)
	}
	c.subscribedMu.Unlock()
}

func (c *conn) trackedIDs() []string {
	c.subscribedMu.RLock()
	defer c.subscribedMu.RUnlock()
	ids := make([]string, 0, len(c.subscribed))
	for id := range c.subscribed {
		ids = append(ids, id)
	}
	return ids
}

func (c *conn) writeJSON(v interface{}) error {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if c.ws == nil {
		return fmt.Errorf("websocket not connected")
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(v)
}

func (c *conn) writeText(data []byte) error {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if c.ws == nil {
		return fmt.Errorf("websocket not connected")
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close gracefully closes the underlying connection, if any.
func (c *conn) Close() error {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if c.ws != nil {
		return c.ws.Close()
	}
	return nil
}

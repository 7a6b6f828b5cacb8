// Package aggregator coordinates the exchange gateways, the order-book
// cache, the trade store, and the subscription registry: it normalizes
// upstream events into the shared data model, applies them to the cache,
// persists trades and periodic snapshots, and broadcasts downstream wire
// frames to subscribed clients.
package aggregator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"marketagg/internal/book"
	"marketagg/internal/exchange"
	"marketagg/internal/metadata"
	"marketagg/internal/protocol"
	"marketagg/internal/registry"
	"marketagg/internal/store"
	"marketagg/pkg/types"
)

// ConnectionHealth reports one exchange gateway's connectivity.
type ConnectionHealth struct {
	Exchange        types.Exchange
	Connected       bool
	LastMessageTime time.Time
	MessageCount    uint64
	Stale           bool
}

// Health is the aggregator's overall status, served by the health endpoint.
type Health struct {
	Kalshi              ConnectionHealth
	Polymarket          ConnectionHealth
	ActiveSubscriptions int
	Healthy             bool
}

// connectionMetrics is the atomic, lock-free health counter for one gateway.
type connectionMetrics struct {
	connected     atomic.Bool
	lastMessageMs atomic.Int64
	messageCount  atomic.Uint64
}

func newConnectionMetrics() *connectionMetrics { return &connectionMetrics{} }

func (m *connectionMetrics) setConnected(connected bool) { m.connected.Store(connected) }

func (m *connectionMetrics) recordMessage() {
	m.lastMessageMs.Store(time.Now().UnixMilli())
	m.messageCount.Add(1)
}

func (m *connectionMetrics) health(exchange types.Exchange, staleAfter time.Duration) ConnectionHealth {
	connected := m.connected.Load()
	lastMs := m.lastMessageMs.Load()
	count := m.messageCount.Load()

	var lastTime time.Time
	if lastMs > 0 {
		lastTime = time.UnixMilli(lastMs)
	}

	stale := !connected
	if connected && lastMs > 0 {
		stale = time.Since(lastTime) > staleAfter
	}

	return ConnectionHealth{
		Exchange:        exchange,
		Connected:       connected,
		LastMessageTime: lastTime,
		MessageCount:    count,
		Stale:           stale,
	}
}

// Config controls the aggregator's optional components and timings.
type Config struct {
	KalshiEnabled     bool
	PolymarketEnabled bool
	SnapshotInterval  time.Duration
	StaleAfter        time.Duration
	RetentionDays     int
	// IdleAfter bounds how long a cached order book with no subscriber may
	// go without an update before its entry is evicted (spec.md:59 — "eligible for
	// eviction only when subscriber count = 0 and last update > T_idle").
	IdleAfter time.Duration
}

// Aggregator wires together the gateways, cache, store, and registry.
type Aggregator struct {
	cfg      Config
	logger   *slog.Logger
	cache    *book.Cache
	store    *store.Store
	reg      *registry.Registry
	metadata metadata.Cache

	kalshi     *exchange.KalshiFeed
	polymarket *exchange.PolymarketFeed

	kalshiMetrics     *connectionMetrics
	polymarketMetrics *connectionMetrics

	subsMu sync.RWMutex
	subs   map[types.Exchange]map[types.MarketId]struct{}

	// polymarketTokens maps an upstream token ID back to the (marketId,
	// outcome) pair it was subscribed under, since Polymarket book events
	// arrive keyed by token rather than by condition ID.
	tokensMu         sync.RWMutex
	polymarketTokens map[string]tokenBinding
}

type tokenBinding struct {
	marketId types.MarketId
	outcome  types.Outcome
}

func New(cfg Config, logger *slog.Logger, cache *book.Cache, st *store.Store, reg *registry.Registry, md metadata.Cache, kalshi *exchange.KalshiFeed, polymarket *exchange.PolymarketFeed) *Aggregator {
	return &Aggregator{
		cfg:               cfg,
		logger:            logger.With("component", "aggregator"),
		cache:             cache,
		store:             st,
		reg:               reg,
		metadata:          md,
		kalshi:            kalshi,
		polymarket:        polymarket,
		kalshiMetrics:     newConnectionMetrics(),
		polymarketMetrics: newConnectionMetrics(),
		subs:              make(map[types.Exchange]map[types.MarketId]struct{}),
		polymarketTokens:  make(map[string]tokenBinding),
	}
}

// Health returns the current connectivity and subscription snapshot.
func (a *Aggregator) Health() Health {
	kalshiHealth := a.kalshiMetrics.health(types.Kalshi, a.cfg.StaleAfter)
	polyHealth := a.polymarketMetrics.health(types.Polymarket, a.cfg.StaleAfter)

	a.subsMu.RLock()
	total := 0
	for _, set := range a.subs {
		total += len(set)
	}
	a.subsMu.RUnlock()

	healthy := (!a.cfg.KalshiEnabled || !kalshiHealth.Stale) && (!a.cfg.PolymarketEnabled || !polyHealth.Stale)

	return Health{
		Kalshi:              kalshiHealth,
		Polymarket:          polyHealth,
		ActiveSubscriptions: total,
		Healthy:             healthy,
	}
}

// Run starts every background task and blocks until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	if a.cfg.KalshiEnabled && a.kalshi != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.kalshi.Run(ctx); err != nil && ctx.Err() == nil {
				a.logger.Error("kalshi feed stopped", "error", err)
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.consumeKalshi(ctx)
		}()
	}

	if a.cfg.PolymarketEnabled && a.polymarket != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.polymarket.Run(ctx); err != nil && ctx.Err() == nil {
				a.logger.Error("polymarket feed stopped", "error", err)
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.consumePolymarket(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.consumeSubscriptionEvents(ctx)
	}()

	if a.store != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.snapshotTask(ctx)
		}()
	}

	if a.cfg.IdleAfter > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.idleEvictionTask(ctx)
		}()
	}

	wg.Wait()
	return ctx.Err()
}

// Subscribe begins tracking a market on the given exchange, issuing the
// upstream gateway subscription on first interest (the registry's
// first-subscriber event drives this call; it is also exposed directly for
// bootstrapping).
func (a *Aggregator) Subscribe(ctx context.Context, exchange types.Exchange, marketId types.MarketId) error {
	a.subsMu.Lock()
	set, ok := a.subs[exchange]
	if !ok {
		set = make(map[types.MarketId]struct{})
		a.subs[exchange] = set
	}
	if _, already := set[marketId]; already {
		a.subsMu.Unlock()
		return nil
	}
	set[marketId] = struct{}{}
	a.subsMu.Unlock()

	a.logger.Info("subscribing", "exchange", exchange, "market_id", marketId)

	switch exchange {
	case types.Kalshi:
		if a.kalshi == nil {
			return nil
		}
		return a.kalshi.Subscribe(string(marketId))

	case types.Polymarket:
		if a.polymarket == nil {
			return nil
		}
		yesToken, noToken, ok := a.metadata.ResolveTokens(ctx, marketId)
		if !ok {
			a.logger.Warn("could not resolve polymarket tokens, falling back to market id", "market_id", marketId)
			token := string(marketId)
			a.tokensMu.Lock()
			a.polymarketTokens[token] = tokenBinding{marketId: marketId, outcome: types.Yes}
			a.tokensMu.Unlock()
			return a.polymarket.Subscribe(token)
		}
		a.tokensMu.Lock()
		a.polymarketTokens[yesToken] = tokenBinding{marketId: marketId, outcome: types.Yes}
		a.polymarketTokens[noToken] = tokenBinding{marketId: marketId, outcome: types.No}
		a.tokensMu.Unlock()

		if err := a.polymarket.Subscribe(yesToken); err != nil {
			return err
		}
		return a.polymarket.Subscribe(noToken)
	}
	return nil
}

// Unsubscribe stops tracking a market, issuing the upstream unsubscribe.
func (a *Aggregator) Unsubscribe(exchange types.Exchange, marketId types.MarketId) {
	a.subsMu.Lock()
	if set, ok := a.subs[exchange]; ok {
		delete(set, marketId)
	}
	a.subsMu.Unlock()

	a.logger.Info("unsubscribing", "exchange", exchange, "market_id", marketId)

	switch exchange {
	case types.Kalshi:
		if a.kalshi != nil {
			a.kalshi.Unsubscribe(string(marketId))
		}

	case types.Polymarket:
		if a.polymarket == nil {
			return
		}
		a.tokensMu.Lock()
		var toRemove []string
		for token, binding := range a.polymarketTokens {
			if binding.marketId == marketId {
				toRemove = append(toRemove, token)
			}
		}
		for _, token := range toRemove {
			delete(a.polymarketTokens, token)
		}
		a.tokensMu.Unlock()

		for _, token := range toRemove {
			a.polymarket.Unsubscribe(token)
		}
	}
}

// consumeSubscriptionEvents drains the registry's first/last-subscriber
// events and drives upstream subscribe/unsubscribe accordingly.
func (a *Aggregator) consumeSubscriptionEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-a.reg.Events():
			if !ok {
				return
			}
			if ev.Subscribers > 0 {
				if err := a.Subscribe(ctx, ev.Key.Exchange, ev.Key.MarketId); err != nil {
					a.logger.Warn("upstream subscribe failed", "key", ev.Key, "error", err)
				}
			} else {
				a.Unsubscribe(ev.Key.Exchange, ev.Key.MarketId)
			}
		}
	}
}

func (a *Aggregator) consumeKalshi(ctx context.Context) {
	snapshots := a.kalshi.BookSnapshots()
	deltas := a.kalshi.BookDeltas()
	trades := a.kalshi.Trades()
	prices := a.kalshi.PriceUpdates()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-snapshots:
			if !ok {
				return
			}
			a.kalshiMetrics.setConnected(true)
			a.kalshiMetrics.recordMessage()
			a.applyKalshiSnapshot(evt)
		case evt, ok := <-deltas:
			if !ok {
				return
			}
			a.kalshiMetrics.recordMessage()
			a.applyKalshiDelta(evt)
		case evt, ok := <-trades:
			if !ok {
				return
			}
			a.kalshiMetrics.recordMessage()
			a.handleTrade(types.Kalshi, types.MarketId(evt.MarketKey), types.Yes, evt)
		case evt, ok := <-prices:
			if !ok {
				return
			}
			a.kalshiMetrics.recordMessage()
			a.handlePriceEvent(types.Kalshi, types.MarketId(evt.MarketKey), evt)
		}
	}
}

func (a *Aggregator) consumePolymarket(ctx context.Context) {
	snapshots := a.polymarket.BookSnapshots()
	deltas := a.polymarket.BookDeltas()
	trades := a.polymarket.Trades()
	prices := a.polymarket.PriceUpdates()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-snapshots:
			if !ok {
				return
			}
			a.polymarketMetrics.setConnected(true)
			a.polymarketMetrics.recordMessage()
			a.applyPolymarketSnapshot(evt)
		case evt, ok := <-deltas:
			if !ok {
				return
			}
			a.polymarketMetrics.recordMessage()
			a.applyPolymarketDelta(evt)
		case evt, ok := <-trades:
			if !ok {
				return
			}
			a.polymarketMetrics.recordMessage()
			binding, ok := a.lookupToken(evt.MarketKey)
			if !ok {
				continue
			}
			a.handleTrade(types.Polymarket, binding.marketId, binding.outcome, evt)
		case evt, ok := <-prices:
			if !ok {
				return
			}
			a.polymarketMetrics.recordMessage()
			binding, ok := a.lookupToken(evt.MarketKey)
			if !ok {
				continue
			}
			a.handlePriceEvent(types.Polymarket, binding.marketId, evt)
		}
	}
}

func (a *Aggregator) lookupToken(token string) (tokenBinding, bool) {
	a.tokensMu.RLock()
	defer a.tokensMu.RUnlock()
	b, ok := a.polymarketTokens[token]
	return b, ok
}

// applyKalshiSnapshot converts a bid-only Kalshi snapshot into a full
// types.OrderBook, deriving the complementary ask side (YesAsk = 1 -
// NoBid, NoAsk = 1 - YesBid) since Kalshi's binary markets never report
// asks directly.
func (a *Aggregator) applyKalshiSnapshot(evt exchange.BookSnapshotEvent) {
	marketId := types.MarketId(evt.MarketKey)
	yesBids := decodeLevels(evt.Yes)
	noBids := decodeLevels(evt.No)

	ob := types.OrderBook{
		YesBids:   yesBids,
		NoBids:    noBids,
		YesAsks:   complementLevels(noBids),
		NoAsks:    complementLevels(yesBids),
		Timestamp: time.Now(),
	}
	a.cache.Insert(marketId, ob, evt.Seq, evt.HaveSeq)
	a.broadcastBook(types.Kalshi, marketId, "snapshot", ob)
}

func (a *Aggregator) applyKalshiDelta(evt exchange.BookDeltaEvent) {
	marketId := types.MarketId(evt.MarketKey)
	outcome := types.Yes
	if evt.Outcome == "no" {
		outcome = types.No
	}
	price, err := decimal.NewFromString(evt.PriceDollars)
	if err != nil {
		a.logger.Warn("bad delta price", "value", evt.PriceDollars, "error", err)
		return
	}
	deltaQty, err := decimal.NewFromString(evt.DeltaQty)
	if err != nil {
		a.logger.Warn("bad delta qty", "value", evt.DeltaQty, "error", err)
		return
	}

	ob, result := a.cache.ApplyDelta(marketId, outcome, true, price, deltaQty, evt.Seq, evt.HaveSeq)
	switch result {
	case book.DeltaApplied:
		ob.YesAsks = complementLevels(ob.NoBids)
		ob.NoAsks = complementLevels(ob.YesBids)
		a.broadcastBook(types.Kalshi, marketId, "delta", ob)
	case book.DeltaInvalidated:
		a.logger.Warn("sequence gap invalidated kalshi book, awaiting fresh snapshot", "market_id", marketId)
	}
}

func (a *Aggregator) applyPolymarketSnapshot(evt exchange.BookSnapshotEvent) {
	binding, ok := a.lookupToken(evt.MarketKey)
	if !ok {
		return
	}
	marketId := binding.marketId
	bids := decodeLevels(evt.Yes)
	asks := decodeLevels(evt.No)

	existing, _ := a.cache.Get(marketId)
	ob := existing
	ob.Timestamp = time.Now()
	if binding.outcome == types.Yes {
		ob.YesBids, ob.YesAsks = bids, asks
	} else {
		ob.NoBids, ob.NoAsks = bids, asks
	}
	a.cache.Insert(marketId, ob, 0, false)
	a.broadcastBook(types.Polymarket, marketId, "snapshot", ob)
}

func (a *Aggregator) applyPolymarketDelta(evt exchange.BookDeltaEvent) {
	binding, ok := a.lookupToken(evt.MarketKey)
	if !ok {
		return
	}
	price, err := decimal.NewFromString(evt.PriceDollars)
	if err != nil {
		return
	}
	qty, err := decimal.NewFromString(evt.DeltaQty)
	if err != nil {
		return
	}

	// Polymarket price_change reports an absolute new size, not a signed
	// delta; convert to the delta ApplyDelta expects by diffing against
	// the cached level first.
	existing, hasBook := a.cache.Get(binding.marketId)
	if !hasBook {
		return
	}
	side := bookSide(existing, binding.outcome, evt.IsBid)
	delta := qty.Sub(currentQuantity(side, price))

	ob, result := a.cache.ApplyDelta(binding.marketId, binding.outcome, evt.IsBid, price, delta, 0, false)
	if result == book.DeltaApplied {
		a.broadcastBook(types.Polymarket, binding.marketId, "delta", ob)
	}
}

func bookSide(ob types.OrderBook, outcome types.Outcome, isBid bool) []types.OrderBookLevel {
	switch {
	case outcome == types.Yes && isBid:
		return ob.YesBids
	case outcome == types.Yes && !isBid:
		return ob.YesAsks
	case outcome == types.No && isBid:
		return ob.NoBids
	default:
		return ob.NoAsks
	}
}

func currentQuantity(levels []types.OrderBookLevel, price decimal.Decimal) decimal.Decimal {
	for _, l := range levels {
		if l.Price.Equal(price) {
			return l.Quantity
		}
	}
	return decimal.Zero
}

func (a *Aggregator) handleTrade(exch types.Exchange, marketId types.MarketId, outcome types.Outcome, evt exchange.TradeEvent) {
	price, err := decimal.NewFromString(evt.PriceDollars)
	if err != nil {
		return
	}
	qty, err := decimal.NewFromString(evt.Quantity)
	if err != nil {
		return
	}
	side := types.Unknown
	switch evt.Side {
	case "buy":
		side = types.Buy
	case "sell":
		side = types.Sell
	}

	trade := types.Trade{
		Id:        evt.TradeID,
		MarketId:  marketId,
		Exchange:  exch,
		Timestamp: evt.Timestamp,
		Price:     price,
		Quantity:  qty,
		Outcome:   outcome,
		Side:      side,
	}

	if a.store != nil {
		ctx := context.Background()
		if err := a.store.StoreTrade(ctx, trade); err != nil {
			a.logger.Warn("failed to store trade", "error", err)
		}
	}

	a.broadcastTrade(exch, marketId, trade)
}

// handlePriceEvent resolves a ticker's yes price under a prefer-last-then-
// mid-then-bid policy and broadcasts it on the Price channel; no-side price
// is always derived as 1 - yes, since neither exchange reports it directly.
func (a *Aggregator) handlePriceEvent(exch types.Exchange, marketId types.MarketId, evt exchange.PriceEvent) {
	yes, ok := yesPriceFrom(evt)
	if !ok {
		return
	}
	no := decimal.NewFromInt(1).Sub(yes)
	a.broadcastPrice(exch, marketId, yes, no, evt.Timestamp)
}

func yesPriceFrom(evt exchange.PriceEvent) (decimal.Decimal, bool) {
	if evt.LastPriceDollars != "" {
		if p, err := decimal.NewFromString(evt.LastPriceDollars); err == nil {
			return p, true
		}
	}
	bid, bidErr := decimal.NewFromString(evt.BidPriceDollars)
	ask, askErr := decimal.NewFromString(evt.AskPriceDollars)
	if bidErr == nil && askErr == nil {
		return bid.Add(ask).Div(decimal.NewFromInt(2)), true
	}
	if bidErr == nil {
		return bid, true
	}
	return decimal.Decimal{}, false
}

func (a *Aggregator) broadcastPrice(exch types.Exchange, marketId types.MarketId, yes, no decimal.Decimal, ts time.Time) {
	key := types.SubscriptionKey{Exchange: exch, MarketId: marketId, Channel: types.ChannelPrice}
	if !a.reg.HasAnyMarketSubscribers(exch, marketId) {
		return
	}
	snap := types.PriceSnapshot{Exchange: exch, MarketId: marketId, YesPrice: yes, NoPrice: no, Timestamp: ts}
	payload, err := json.Marshal(protocol.NewPriceUpdate(snap))
	if err != nil {
		a.logger.Error("marshal price update", "error", err)
		return
	}
	a.reg.Broadcast(key, payload)
}

func (a *Aggregator) broadcastBook(exch types.Exchange, marketId types.MarketId, updateType string, ob types.OrderBook) {
	key := types.SubscriptionKey{Exchange: exch, MarketId: marketId, Channel: types.ChannelOrderBook}
	if !a.reg.HasAnyMarketSubscribers(exch, marketId) {
		return
	}
	payload, err := json.Marshal(protocol.NewOrderBookUpdate(exch, marketId, updateType, ob))
	if err != nil {
		a.logger.Error("marshal order book update", "error", err)
		return
	}
	a.reg.Broadcast(key, payload)
}

func (a *Aggregator) broadcastTrade(exch types.Exchange, marketId types.MarketId, trade types.Trade) {
	key := types.SubscriptionKey{Exchange: exch, MarketId: marketId, Channel: types.ChannelTrades}
	if !a.reg.HasAnyMarketSubscribers(exch, marketId) {
		return
	}
	payload, err := json.Marshal(protocol.NewTradeUpdate(trade))
	if err != nil {
		a.logger.Error("marshal trade update", "error", err)
		return
	}
	a.reg.Broadcast(key, payload)
}

// snapshotTask periodically persists the full order-book cache and prunes
// snapshots past retention.
func (a *Aggregator) snapshotTask(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.SnapshotInterval)
	defer ticker.Stop()

	lastPrune := time.Time{}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			books := a.cache.Snapshot()
			for marketId, ob := range books {
				exch := a.exchangeOf(marketId)
				if err := a.store.StoreOrderBookSnapshot(ctx, exch, marketId, ob); err != nil {
					a.logger.Warn("failed to store orderbook snapshot", "market_id", marketId, "error", err)
				}
				if snap, ok := priceSnapshotFrom(exch, marketId, ob); ok {
					if err := a.store.StorePriceSnapshot(ctx, snap); err != nil {
						a.logger.Warn("failed to store price snapshot", "market_id", marketId, "error", err)
					}
				}
			}

			if time.Since(lastPrune) > 24*time.Hour {
				deleted, err := a.store.PruneOrderBookSnapshots(ctx, a.cfg.RetentionDays)
				if err != nil {
					a.logger.Warn("failed to prune orderbook snapshots", "error", err)
				} else if deleted > 0 {
					a.logger.Info("pruned old orderbook snapshots", "deleted", deleted)
				}
				lastPrune = time.Now()
			}
		}
	}
}

func (a *Aggregator) exchangeOf(marketId types.MarketId) types.Exchange {
	a.subsMu.RLock()
	defer a.subsMu.RUnlock()
	for exch, set := range a.subs {
		if _, ok := set[marketId]; ok {
			return exch
		}
	}
	return types.Kalshi
}

// idleEvictionTask periodically drops cached order books that have no
// subscriber and have not updated in a.cfg.IdleAfter (spec.md:59 — "An
// order-book cache entry is created on first snapshot for its market and
// retained while any client subscribes; eligible for eviction only when
// subscriber count = 0 and last update > T_idle").
func (a *Aggregator) idleEvictionTask(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.IdleAfter)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.evictIdleBooks(time.Now())
		}
	}
}

func (a *Aggregator) evictIdleBooks(now time.Time) {
	for marketId := range a.cache.Snapshot() {
		exch := a.exchangeOf(marketId)
		if a.reg.HasAnyMarketSubscribers(exch, marketId) {
			continue
		}
		if !a.cache.IsIdle(marketId, a.cfg.IdleAfter, now) {
			continue
		}
		a.cache.Evict(marketId)
		a.logger.Debug("evicted idle order book", "exchange", exch, "market_id", marketId)
	}
}

func priceSnapshotFrom(exch types.Exchange, marketId types.MarketId, ob types.OrderBook) (types.PriceSnapshot, bool) {
	if len(ob.YesBids) == 0 && len(ob.NoBids) == 0 {
		return types.PriceSnapshot{}, false
	}
	snap := types.PriceSnapshot{Exchange: exch, MarketId: marketId, Timestamp: ob.Timestamp}
	if len(ob.YesBids) > 0 {
		snap.YesPrice = ob.YesBids[0].Price
	}
	if len(ob.NoBids) > 0 {
		snap.NoPrice = ob.NoBids[0].Price
	}
	return snap, true
}

func decodeLevels(levels []exchange.LevelUpdate) []types.OrderBookLevel {
	out := make([]types.OrderBookLevel, 0, len(levels))
	for _, l := range levels {
		price, err := decimal.NewFromString(l.PriceDollars)
		if err != nil {
			continue
		}
		qty, err := decimal.NewFromString(l.Quantity)
		if err != nil {
			continue
		}
		if qty.Sign() <= 0 {
			continue
		}
		out = append(out, types.OrderBookLevel{Price: price, Quantity: qty})
	}
	return out
}

// complementLevels converts a set of bid levels on one binary side into
// implied ask levels on the other: price' = 1 - price, same quantity.
func complementLevels(levels []types.OrderBookLevel) []types.OrderBookLevel {
	one := decimal.NewFromInt(1)
	out := make([]types.OrderBookLevel, 0, len(levels))
	for _, l := range levels {
		out = append(out, types.OrderBookLevel{Price: one.Sub(l.Price), Quantity: l.Quantity})
	}
	return out
}

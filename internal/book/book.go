// Package book is the in-memory order-book cache (C4): one authoritative
// book per subscribed market, kept coherent by applying snapshots and
// sequenced deltas from the exchange gateways. It generalizes a per-market
// reader/writer-locked book (the teacher's internal/market.Book) from a
// single fixed market into a shared, keyed cache the aggregator's decode
// routines write into and every reader observes as an immutable clone.
package book

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"marketagg/pkg/types"
)

// entry is one market's book plus the sequence-tracking state needed to
// decide whether an incoming delta can be applied, dropped, or must
// invalidate the cache and request a fresh snapshot.
type entry struct {
	mu        sync.RWMutex
	book      types.OrderBook
	lastSeq   int64
	haveSeq   bool
	updatedAt time.Time
}

// Cache is safe for concurrent use. Per spec, only one goroutine (the
// decode routine owning a given exchange) ever writes a given market's
// entry; readers always receive a cloned OrderBook.
type Cache struct {
	mapMu sync.RWMutex
	books map[types.MarketId]*entry
}

func New() *Cache {
	return &Cache{books: make(map[types.MarketId]*entry)}
}

// Insert replaces any prior cached book for marketId with ob (full
// snapshot). The sequence counter, if provided, resets the reconciliation
// state.
func (c *Cache) Insert(marketId types.MarketId, ob types.OrderBook, seq int64, haveSeq bool) {
	e := c.entryFor(marketId)
	e.mu.Lock()
	e.book = ob.Clone()
	e.lastSeq = seq
	e.haveSeq = haveSeq
	e.updatedAt = ob.Timestamp
	e.mu.Unlock()
}

// DeltaResult reports the outcome of ApplyDelta.
type DeltaResult int

const (
	// DeltaApplied means the delta was applied and Book holds the updated
	// snapshot.
	DeltaApplied DeltaResult = iota
	// DeltaDroppedNoBook means no cached book exists yet for this market;
	// the delta was dropped (delta-before-snapshot).
	DeltaDroppedNoBook
	// DeltaDroppedStaleSeq means seq <= last_applied_seq; the delta is a
	// duplicate or reorder and was dropped.
	DeltaDroppedStaleSeq
	// DeltaInvalidated means seq > last_applied_seq+1: a gap was detected,
	// the cached entry for this market was invalidated, and further deltas
	// are dropped until a fresh snapshot is inserted. The cache does not
	// request that snapshot.
	DeltaInvalidated
)

// ApplyDelta mutates one side of marketId's book: locates the level at
// price, computes new_qty = old_qty + deltaQty, removes the level if
// new_qty <= 0, otherwise inserts/updates it and re-sorts. seq is the
// exchange-provided monotonic sequence number for this market, if any
// (haveSeq=false for exchanges that provide no ordering guarantee, in which
// case deltas apply in arrival order under the single-writer discipline).
func (c *Cache) ApplyDelta(marketId types.MarketId, outcome types.Outcome, isBid bool, price, deltaQty decimal.Decimal, seq int64, haveSeq bool) (types.OrderBook, DeltaResult) {
	c.mapMu.RLock()
	e, ok := c.books[marketId]
	c.mapMu.RUnlock()
	if !ok {
		return types.OrderBook{}, DeltaDroppedNoBook
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.book.Timestamp.IsZero() {
		return types.OrderBook{}, DeltaDroppedNoBook
	}

	if haveSeq && e.haveSeq {
		if seq <= e.lastSeq {
			return types.OrderBook{}, DeltaDroppedStaleSeq
		}
		if seq > e.lastSeq+1 {
			c.invalidateLocked(e)
			return types.OrderBook{}, DeltaInvalidated
		}
	}

	applyLevel(&e.book, outcome, isBid, price, deltaQty)
	e.book.Timestamp = time.Now()
	e.updatedAt = e.book.Timestamp
	if haveSeq {
		e.lastSeq = seq
		e.haveSeq = true
	}
	return e.book.Clone(), DeltaApplied
}

// invalidateLocked drops the book so the next write must be a fresh Insert.
// Called with e.mu held.
func (c *Cache) invalidateLocked(e *entry) {
	e.book = types.OrderBook{}
	e.haveSeq = false
}

func sideOf(ob *types.OrderBook, outcome types.Outcome, isBid bool) *[]types.OrderBookLevel {
	switch {
	case outcome == types.Yes && isBid:
		return &ob.YesBids
	case outcome == types.Yes && !isBid:
		return &ob.YesAsks
	case outcome == types.No && isBid:
		return &ob.NoBids
	default:
		return &ob.NoAsks
	}
}

func applyLevel(ob *types.OrderBook, outcome types.Outcome, isBid bool, price, deltaQty decimal.Decimal) {
	side := sideOf(ob, outcome, isBid)
	levels := *side

	idx := -1
	for i, l := range levels {
		if l.Price.Equal(price) {
			idx = i
			break
		}
	}

	var newQty decimal.Decimal
	if idx >= 0 {
		newQty = levels[idx].Quantity.Add(deltaQty)
	} else {
		newQty = deltaQty
	}

	switch {
	case newQty.Sign() <= 0:
		if idx >= 0 {
			levels = append(levels[:idx], levels[idx+1:]...)
		}
	case idx >= 0:
		levels[idx].Quantity = newQty
	default:
		levels = append(levels, types.OrderBookLevel{Price: price, Quantity: newQty})
	}

	sortSide(levels, isBid)
	*side = levels
}

// sortSide keeps bids descending by price and asks ascending, matching the
// ordering invariant on types.OrderBook.
func sortSide(levels []types.OrderBookLevel, isBid bool) {
	sort.Slice(levels, func(i, j int) bool {
		if isBid {
			return levels[i].Price.GreaterThan(levels[j].Price)
		}
		return levels[i].Price.LessThan(levels[j].Price)
	})
}

// Get returns a cloned snapshot of marketId's cached book, if present.
func (c *Cache) Get(marketId types.MarketId) (types.OrderBook, bool) {
	c.mapMu.RLock()
	e, ok := c.books[marketId]
	c.mapMu.RUnlock()
	if !ok {
		return types.OrderBook{}, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.book.Timestamp.IsZero() {
		return types.OrderBook{}, false
	}
	return e.book.Clone(), true
}

// Snapshot returns a clone of every cached book, keyed by market. Used by
// the periodic persistence task; safe to call concurrently with writers.
func (c *Cache) Snapshot() map[types.MarketId]types.OrderBook {
	c.mapMu.RLock()
	entries := make([]struct {
		id types.MarketId
		e  *entry
	}, 0, len(c.books))
	for id, e := range c.books {
		entries = append(entries, struct {
			id types.MarketId
			e  *entry
		}{id, e})
	}
	c.mapMu.RUnlock()

	out := make(map[types.MarketId]types.OrderBook, len(entries))
	for _, it := range entries {
		it.e.mu.RLock()
		if !it.e.book.Timestamp.IsZero() {
			out[it.id] = it.e.book.Clone()
		}
		it.e.mu.RUnlock()
	}
	return out
}

// IsIdle reports whether marketId's entry has had no update for longer than
// idleAfter. Used by the eviction sweep: an entry is eligible for removal
// only when its subscriber count is zero (a fact the cache itself does not
// track — the caller, which owns the registry, supplies that condition) and
// it has been idle this long.
func (c *Cache) IsIdle(marketId types.MarketId, idleAfter time.Duration, now time.Time) bool {
	c.mapMu.RLock()
	e, ok := c.books[marketId]
	c.mapMu.RUnlock()
	if !ok {
		return true
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return now.Sub(e.updatedAt) > idleAfter
}

// Evict removes marketId's cached entry entirely.
func (c *Cache) Evict(marketId types.MarketId) {
	c.mapMu.Lock()
	delete(c.books, marketId)
	c.mapMu.Unlock()
}

func (c *Cache) entryFor(marketId types.MarketId) *entry {
	c.mapMu.RLock()
	e, ok := c.books[marketId]
	c.mapMu.RUnlock()
	if ok {
		return e
	}

	c.mapMu.Lock()
	defer c.mapMu.Unlock()
	if e, ok := c.books[marketId]; ok {
		return e
	}
	e = &entry{}
	c.books[marketId] = e
	return e
}

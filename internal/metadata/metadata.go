// Package metadata defines the read-only market-metadata collaborator the
// aggregator consults for PredictionMarket lookups and Polymarket token-ID
// resolution, plus a small resty-backed default adapter. The core never
// constructs market metadata itself; it is always injected through Cache.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"marketagg/internal/exchange"
	"marketagg/pkg/types"
)

// Cache is the read-only market-metadata collaborator. The aggregator uses
// it only to resolve a Polymarket MarketId (condition ID) to its upstream
// token IDs; it does not call Market, and no order-book snapshot is fetched
// through this interface. Kalshi needs no resolution since its MarketId
// already equals its upstream subscription key.
type Cache interface {
	// Market returns the known metadata for a market, if any.
	Market(ctx context.Context, exchange types.Exchange, marketId types.MarketId) (types.PredictionMarket, bool)

	// ResolveTokens returns the Polymarket CLOB token IDs (yes, no) for a
	// condition ID. It always looks the ID up on Polymarket; Kalshi markets
	// have no token IDs to resolve.
	ResolveTokens(ctx context.Context, marketId types.MarketId) (yesToken, noToken string, ok bool)
}

// RESTAdapter is the default Cache implementation: an in-memory cache
// fronting a resty client that refreshes entries from each exchange's
// public REST API, falling back to the last-known value on a failed
// refresh rather than returning nothing.
type RESTAdapter struct {
	http *resty.Client

	kalshiMarketsURL     string
	polymarketMarketsURL string

	// kalshiLimiter and polymarketLimiter throttle metadata REST reads
	// against each exchange's published rate limit; they are the only
	// users of exchange.RateLimiter in this module.
	kalshiLimiter     *exchange.RateLimiter
	polymarketLimiter *exchange.RateLimiter

	mu      sync.Mutex
	entries map[cacheKey]cacheEntry
}

type cacheKey struct {
	exchange types.Exchange
	marketId types.MarketId
}

type cacheEntry struct {
	market     types.PredictionMarket
	yesToken   string
	noToken    string
	refreshed  time.Time
}

// NewRESTAdapter builds a RESTAdapter. kalshiMarketsURL and
// polymarketMarketsURL are the base REST endpoints for market lookup
// (e.g. "https://api.elections.kalshi.com/trade-api/v2/markets" and
// "https://gamma-api.polymarket.com/markets").
func NewRESTAdapter(kalshiMarketsURL, polymarketMarketsURL string) *RESTAdapter {
	return &RESTAdapter{
		http: resty.New().
			SetTimeout(10 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(300 * time.Millisecond),
		kalshiMarketsURL:     kalshiMarketsURL,
		polymarketMarketsURL: polymarketMarketsURL,
		kalshiLimiter:        exchange.NewRateLimiter(),
		polymarketLimiter:    exchange.NewRateLimiter(),
		entries:              make(map[cacheKey]cacheEntry),
	}
}

// cacheTTL bounds how long a fetched entry is served before being
// refreshed; a failed refresh falls back to the stale entry rather than
// returning nothing.
const cacheTTL = 5 * time.Minute

func (a *RESTAdapter) Market(ctx context.Context, exchange types.Exchange, marketId types.MarketId) (types.PredictionMarket, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := cacheKey{exchange: exchange, marketId: marketId}
	entry, known := a.entries[key]
	if known && time.Since(entry.refreshed) < cacheTTL {
		return entry.market, true
	}

	market, yesToken, noToken, err := a.fetch(ctx, exchange, marketId)
	if err != nil {
		if known {
			return entry.market, true
		}
		return types.PredictionMarket{}, false
	}
	a.entries[key] = cacheEntry{market: market, yesToken: yesToken, noToken: noToken, refreshed: time.Now()}
	return market, true
}

func (a *RESTAdapter) ResolveTokens(ctx context.Context, marketId types.MarketId) (string, string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := cacheKey{exchange: types.Polymarket, marketId: marketId}
	if entry, ok := a.entries[key]; ok && entry.yesToken != "" && time.Since(entry.refreshed) < cacheTTL {
		return entry.yesToken, entry.noToken, true
	}

	market, yesToken, noToken, err := a.fetch(ctx, types.Polymarket, marketId)
	if err != nil || yesToken == "" {
		if entry, ok := a.entries[key]; ok && entry.yesToken != "" {
			return entry.yesToken, entry.noToken, true
		}
		return "", "", false
	}
	a.entries[key] = cacheEntry{market: market, yesToken: yesToken, noToken: noToken, refreshed: time.Now()}
	return yesToken, noToken, true
}

type kalshiMarketResponse struct {
	Market struct {
		Ticker     string `json:"ticker"`
		EventTicker string `json:"event_ticker"`
		Title      string `json:"title"`
		Status     string `json:"status"`
		YesBid     int    `json:"yes_bid"`
		NoBid      int    `json:"no_bid"`
		Volume     int64  `json:"volume"`
		OpenInterest int64 `json:"open_interest"`
	} `json:"market"`
}

type polymarketGammaMarket struct {
	ConditionID string `json:"conditionId"`
	Question    string `json:"question"`
	ClosedBool  bool   `json:"closed"`
	Volume      string `json:"volume"`
	Liquidity   string `json:"liquidity"`
	ClobTokenIds string `json:"clobTokenIds"` // JSON-encoded array: ["yesTokenId","noTokenId"]
}

func (a *RESTAdapter) fetch(ctx context.Context, exchange types.Exchange, marketId types.MarketId) (types.PredictionMarket, string, string, error) {
	switch exchange {
	case types.Kalshi:
		if err := a.kalshiLimiter.Book.Wait(ctx); err != nil {
			return types.PredictionMarket{}, "", "", fmt.Errorf("rate limit kalshi market fetch: %w", err)
		}
		var result kalshiMarketResponse
		resp, err := a.http.R().
			SetContext(ctx).
			SetResult(&result).
			Get(fmt.Sprintf("%s/%s", a.kalshiMarketsURL, marketId))
		if err != nil {
			return types.PredictionMarket{}, "", "", fmt.Errorf("fetch kalshi market: %w", err)
		}
		if resp.StatusCode() != 200 {
			return types.PredictionMarket{}, "", "", fmt.Errorf("fetch kalshi market: status %d", resp.StatusCode())
		}
		m := result.Market
		status := types.StatusOpen
		if m.Status != "active" && m.Status != "initialized" {
			status = types.StatusClosed
		}
		return types.PredictionMarket{
			ID:        marketId,
			Exchange:  types.Kalshi,
			Title:     m.Title,
			Ticker:    m.Ticker,
			YesPrice:  decimal.NewFromInt(int64(m.YesBid)).Div(decimal.NewFromInt(100)),
			NoPrice:   decimal.NewFromInt(int64(m.NoBid)).Div(decimal.NewFromInt(100)),
			Volume:    decimal.NewFromInt(m.Volume),
			Liquidity: decimal.NewFromInt(m.OpenInterest),
			Status:    status,
			UpdatedAt: time.Now(),
		}, "", "", nil

	case types.Polymarket:
		if err := a.polymarketLimiter.Book.Wait(ctx); err != nil {
			return types.PredictionMarket{}, "", "", fmt.Errorf("rate limit polymarket market fetch: %w", err)
		}
		var result polymarketGammaMarket
		resp, err := a.http.R().
			SetContext(ctx).
			SetResult(&result).
			SetQueryParam("condition_ids", string(marketId)).
			Get(a.polymarketMarketsURL)
		if err != nil {
			return types.PredictionMarket{}, "", "", fmt.Errorf("fetch polymarket market: %w", err)
		}
		if resp.StatusCode() != 200 {
			return types.PredictionMarket{}, "", "", fmt.Errorf("fetch polymarket market: status %d", resp.StatusCode())
		}
		status := types.StatusOpen
		if result.ClosedBool {
			status = types.StatusClosed
		}
		volume, _ := decimal.NewFromString(result.Volume)
		liquidity, _ := decimal.NewFromString(result.Liquidity)
		yesToken, noToken := parseClobTokenIds(result.ClobTokenIds)
		return types.PredictionMarket{
			ID:        marketId,
			Exchange:  types.Polymarket,
			Title:     result.Question,
			Volume:    volume,
			Liquidity: liquidity,
			Status:    status,
			UpdatedAt: time.Now(),
		}, yesToken, noToken, nil

	default:
		return types.PredictionMarket{}, "", "", fmt.Errorf("unknown exchange %q", exchange)
	}
}

// parseClobTokenIds parses Polymarket's clobTokenIds field, a JSON-encoded
// two-element array `["yesTokenId","noTokenId"]` returned as a plain
// string by the gamma API. A malformed or short array resolves to no
// tokens rather than erroring, since callers already handle a failed
// resolution by falling back to the market ID.
func parseClobTokenIds(raw string) (yes, no string) {
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil || len(ids) < 2 {
		return "", ""
	}
	return ids[0], ids[1]
}

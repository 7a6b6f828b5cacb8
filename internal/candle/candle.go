// Package candle builds OHLCV PriceCandles from stored trades, and from a
// hybrid of externally supplied native price points joined with
// trade-derived buy/sell volume. Candles are always derived on demand,
// never persisted.
package candle

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"marketagg/internal/store"
	"marketagg/pkg/types"
)

// Interval is a candle bucket width.
type Interval time.Duration

const (
	OneMinute      Interval = Interval(time.Minute)
	FifteenMinutes Interval = Interval(15 * time.Minute)
	OneHour        Interval = Interval(time.Hour)
	FourHours      Interval = Interval(4 * time.Hour)
	OneDay         Interval = Interval(24 * time.Hour)
)

// Timeframe is a caller-facing preset that resolves to a lookback window
// and a bucket interval.
type Timeframe string

const (
	Timeframe1H  Timeframe = "1H"
	Timeframe24H Timeframe = "24H"
	Timeframe7D  Timeframe = "7D"
	Timeframe30D Timeframe = "30D"
	TimeframeAll Timeframe = "ALL"
)

// Resolve maps a timeframe preset to its lookback window and interval, per
// the preset table: 1H->1m, 24H->15m, 7D->1h, 30D->4h, ALL->1d.
func (tf Timeframe) Resolve(now time.Time) (from time.Time, interval Interval) {
	switch tf {
	case Timeframe1H:
		return now.Add(-time.Hour), OneMinute
	case Timeframe24H:
		return now.Add(-24 * time.Hour), FifteenMinutes
	case Timeframe7D:
		return now.AddDate(0, 0, -7), OneHour
	case Timeframe30D:
		return now.AddDate(0, 0, -30), FourHours
	default:
		return now.AddDate(0, 0, -90), OneDay
	}
}

// Builder constructs candles from a trade store.
type Builder struct {
	store *store.Store
}

func NewBuilder(s *store.Store) *Builder {
	return &Builder{store: s}
}

func bucketStart(t time.Time, interval Interval) time.Time {
	secs := int64(interval / Interval(time.Second))
	return time.Unix((t.Unix()/secs)*secs, 0).UTC()
}

// BuildFromTrades fetches trades for (exchange, marketId) over [from, to]
// and buckets them into candles at the given interval, in ascending order.
// An empty trade set yields an empty sequence.
func (b *Builder) BuildFromTrades(ctx context.Context, exchange types.Exchange, marketId types.MarketId, interval Interval, from, to time.Time) ([]types.PriceCandle, error) {
	trades, err := b.store.GetTrades(ctx, exchange, marketId, from, to)
	if err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		return nil, nil
	}

	buckets := make(map[int64][]types.Trade)
	var order []int64
	for _, t := range trades {
		start := bucketStart(t.Timestamp, interval).Unix()
		if _, ok := buckets[start]; !ok {
			order = append(order, start)
		}
		buckets[start] = append(buckets[start], t)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	candles := make([]types.PriceCandle, 0, len(order))
	for _, ts := range order {
		candles = append(candles, candleFromTrades(time.Unix(ts, 0).UTC(), buckets[ts]))
	}
	return candles, nil
}

func candleFromTrades(bucketTs time.Time, trades []types.Trade) types.PriceCandle {
	sort.Slice(trades, func(i, j int) bool { return trades[i].Timestamp.Before(trades[j].Timestamp) })

	c := types.PriceCandle{
		Timestamp:  bucketTs,
		Open:       trades[0].Price,
		Close:      trades[len(trades)-1].Price,
		High:       trades[0].Price,
		Low:        trades[0].Price,
		Volume:     decimal.Zero,
		BuyVolume:  decimal.Zero,
		SellVolume: decimal.Zero,
	}
	for _, t := range trades {
		if t.Price.GreaterThan(c.High) {
			c.High = t.Price
		}
		if t.Price.LessThan(c.Low) {
			c.Low = t.Price
		}
		c.Volume = c.Volume.Add(t.Quantity)
		switch t.Side {
		case types.Buy:
			c.BuyVolume = c.BuyVolume.Add(t.Quantity)
		case types.Sell:
			c.SellVolume = c.SellVolume.Add(t.Quantity)
		}
	}
	return c
}

// PricePoint is a native price observation supplied by an external source
// (the metadata collaborator's own price history), used by hybrid mode.
type PricePoint struct {
	Timestamp time.Time
	Price     decimal.Decimal
}

// BuildHybrid buckets externally supplied price points the same way
// BuildFromTrades buckets trades, then joins in buy/sell/total volume
// derived from stored trades from the earliest point up to one hour past the
// latest point. Buckets with no matching trades get zero volume.
func (b *Builder) BuildHybrid(ctx context.Context, exchange types.Exchange, marketId types.MarketId, points []PricePoint, interval Interval) ([]types.PriceCandle, error) {
	if len(points) == 0 {
		return nil, nil
	}

	from, to := points[0].Timestamp, points[0].Timestamp
	for _, p := range points[1:] {
		if p.Timestamp.Before(from) {
			from = p.Timestamp
		}
		if p.Timestamp.After(to) {
			to = p.Timestamp
		}
	}

	trades, err := b.store.GetTrades(ctx, exchange, marketId, from, to.Add(time.Hour))
	if err != nil {
		return nil, err
	}

	tradeBuckets := make(map[int64][]types.Trade)
	for _, t := range trades {
		start := bucketStart(t.Timestamp, interval).Unix()
		tradeBuckets[start] = append(tradeBuckets[start], t)
	}

	priceBuckets := make(map[int64][]PricePoint)
	var order []int64
	for _, p := range points {
		start := bucketStart(p.Timestamp, interval).Unix()
		if _, ok := priceBuckets[start]; !ok {
			order = append(order, start)
		}
		priceBuckets[start] = append(priceBuckets[start], p)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	candles := make([]types.PriceCandle, 0, len(order))
	for _, ts := range order {
		candles = append(candles, candleFromPricesAndTrades(time.Unix(ts, 0).UTC(), priceBuckets[ts], tradeBuckets[ts]))
	}
	return candles, nil
}

func candleFromPricesAndTrades(bucketTs time.Time, points []PricePoint, trades []types.Trade) types.PriceCandle {
	sort.Slice(points, func(i, j int) bool { return points[i].Timestamp.Before(points[j].Timestamp) })

	c := types.PriceCandle{
		Timestamp:  bucketTs,
		Open:       points[0].Price,
		Close:      points[len(points)-1].Price,
		High:       points[0].Price,
		Low:        points[0].Price,
		Volume:     decimal.Zero,
		BuyVolume:  decimal.Zero,
		SellVolume: decimal.Zero,
	}
	for _, p := range points {
		if p.Price.GreaterThan(c.High) {
			c.High = p.Price
		}
		if p.Price.LessThan(c.Low) {
			c.Low = p.Price
		}
	}
	for _, t := range trades {
		c.Volume = c.Volume.Add(t.Quantity)
		switch t.Side {
		case types.Buy:
			c.BuyVolume = c.BuyVolume.Add(t.Quantity)
		case types.Sell:
			c.SellVolume = c.SellVolume.Add(t.Quantity)
		}
	}
	return c
}

// FillGaps synthesizes missing buckets between existing candles using the
// previous candle's close for OHLC and zero for all volumes. candles must
// already be sorted ascending by Timestamp.
func FillGaps(candles []types.PriceCandle, interval Interval) []types.PriceCandle {
	if len(candles) < 2 {
		return candles
	}

	step := time.Duration(interval)
	filled := make([]types.PriceCandle, 0, len(candles))
	prevClose := candles[0].Close

	for _, c := range candles {
		if len(filled) > 0 {
			expected := filled[len(filled)-1].Timestamp.Add(step)
			for expected.Before(c.Timestamp) {
				filled = append(filled, types.PriceCandle{
					Timestamp:  expected,
					Open:       prevClose,
					High:       prevClose,
					Low:        prevClose,
					Close:      prevClose,
					Volume:     decimal.Zero,
					BuyVolume:  decimal.Zero,
					SellVolume: decimal.Zero,
				})
				expected = expected.Add(step)
			}
		}
		filled = append(filled, c)
		prevClose = c.Close
	}
	return filled
}

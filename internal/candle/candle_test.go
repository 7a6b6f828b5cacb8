package candle

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"marketagg/internal/store"
	"marketagg/pkg/types"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func trade(id string, price, qty string, side types.Side, ts time.Time) types.Trade {
	return types.Trade{
		Id:        id,
		MarketId:  "market1",
		Exchange:  types.Kalshi,
		Timestamp: ts,
		Price:     dec(price),
		Quantity:  dec(qty),
		Outcome:   types.Yes,
		Side:      side,
	}
}

func TestBuildFromTradesEmptyYieldsNoCandles(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	b := NewBuilder(s)

	candles, err := b.BuildFromTrades(context.Background(), types.Kalshi, "market1", OneMinute, time.Now().Add(-time.Hour), time.Now())
	if err != nil {
		t.Fatalf("BuildFromTrades: %v", err)
	}
	if len(candles) != 0 {
		t.Errorf("len(candles) = %d, want 0", len(candles))
	}
}

func TestBuildFromTradesSingleTrade(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	b := NewBuilder(s)
	ctx := context.Background()

	now := time.Now().Truncate(time.Minute)
	tr := trade("t1", "0.55", "100", types.Buy, now)
	if err := s.StoreTrade(ctx, tr); err != nil {
		t.Fatalf("StoreTrade: %v", err)
	}

	candles, err := b.BuildFromTrades(ctx, types.Kalshi, "market1", OneMinute, now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("BuildFromTrades: %v", err)
	}
	if len(candles) != 1 {
		t.Fatalf("len(candles) = %d, want 1", len(candles))
	}
	c := candles[0]
	if !c.Open.Equal(dec("0.55")) || !c.High.Equal(dec("0.55")) || !c.Low.Equal(dec("0.55")) || !c.Close.Equal(dec("0.55")) {
		t.Errorf("candle OHLC = %+v, want all 0.55", c)
	}
	if !c.BuyVolume.Equal(dec("100")) || !c.SellVolume.Equal(decimal.Zero) {
		t.Errorf("buy/sell volume = %v/%v, want 100/0", c.BuyVolume, c.SellVolume)
	}
}

func TestBuildFromTradesBucketsAndSeparatesVolume(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	b := NewBuilder(s)
	ctx := context.Background()

	base := time.Now().Truncate(time.Minute)
	trades := []types.Trade{
		trade("t1", "0.50", "10", types.Buy, base),
		trade("t2", "0.60", "20", types.Sell, base.Add(30*time.Second)),
		trade("t3", "0.55", "5", types.Buy, base.Add(time.Minute)),
	}
	if _, err := s.StoreTrades(ctx, trades); err != nil {
		t.Fatalf("StoreTrades: %v", err)
	}

	candles, err := b.BuildFromTrades(ctx, types.Kalshi, "market1", OneMinute, base.Add(-time.Minute), base.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("BuildFromTrades: %v", err)
	}
	if len(candles) != 2 {
		t.Fatalf("len(candles) = %d, want 2 buckets", len(candles))
	}

	first := candles[0]
	if !first.Open.Equal(dec("0.50")) {
		t.Errorf("first.Open = %v, want 0.50", first.Open)
	}
	if !first.Close.Equal(dec("0.60")) {
		t.Errorf("first.Close = %v, want 0.60", first.Close)
	}
	if !first.High.Equal(dec("0.60")) || !first.Low.Equal(dec("0.50")) {
		t.Errorf("first high/low = %v/%v, want 0.60/0.50", first.High, first.Low)
	}
	if !first.BuyVolume.Equal(dec("10")) || !first.SellVolume.Equal(dec("20")) {
		t.Errorf("first buy/sell = %v/%v, want 10/20", first.BuyVolume, first.SellVolume)
	}
	if !first.Volume.Equal(dec("30")) {
		t.Errorf("first.Volume = %v, want 30", first.Volume)
	}

	second := candles[1]
	if !second.Open.Equal(dec("0.55")) || !second.Close.Equal(dec("0.55")) {
		t.Errorf("second OHLC open/close = %v/%v, want 0.55/0.55", second.Open, second.Close)
	}
}

func TestBuildHybridJoinsPriceAndTradeVolume(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	b := NewBuilder(s)
	ctx := context.Background()

	base := time.Now().Truncate(time.Hour)
	if _, err := s.StoreTrades(ctx, []types.Trade{
		trade("t1", "0.40", "7", types.Buy, base.Add(10*time.Minute)),
		trade("t2", "0.45", "3", types.Sell, base.Add(20*time.Minute)),
	}); err != nil {
		t.Fatalf("StoreTrades: %v", err)
	}

	points := []PricePoint{
		{Timestamp: base.Add(5 * time.Minute), Price: dec("0.40")},
		{Timestamp: base.Add(50 * time.Minute), Price: dec("0.48")},
	}

	candles, err := b.BuildHybrid(ctx, types.Kalshi, "market1", points, OneHour)
	if err != nil {
		t.Fatalf("BuildHybrid: %v", err)
	}
	if len(candles) != 1 {
		t.Fatalf("len(candles) = %d, want 1", len(candles))
	}
	c := candles[0]
	if !c.Open.Equal(dec("0.40")) || !c.Close.Equal(dec("0.48")) {
		t.Errorf("hybrid open/close = %v/%v, want 0.40/0.48", c.Open, c.Close)
	}
	if !c.BuyVolume.Equal(dec("7")) || !c.SellVolume.Equal(dec("3")) {
		t.Errorf("hybrid buy/sell = %v/%v, want 7/3", c.BuyVolume, c.SellVolume)
	}
}

func TestBuildHybridEmptyPointsYieldsNoCandles(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	b := NewBuilder(s)

	candles, err := b.BuildHybrid(context.Background(), types.Kalshi, "market1", nil, OneHour)
	if err != nil {
		t.Fatalf("BuildHybrid: %v", err)
	}
	if len(candles) != 0 {
		t.Errorf("len(candles) = %d, want 0", len(candles))
	}
}

func TestFillGapsCarriesForwardPrevClose(t *testing.T) {
	t.Parallel()
	base := time.Now().Truncate(time.Minute)
	candles := []types.PriceCandle{
		{Timestamp: base, Open: dec("0.5"), High: dec("0.5"), Low: dec("0.5"), Close: dec("0.5"), Volume: dec("10")},
		{Timestamp: base.Add(3 * time.Minute), Open: dec("0.6"), High: dec("0.6"), Low: dec("0.6"), Close: dec("0.6"), Volume: dec("5")},
	}

	filled := FillGaps(candles, OneMinute)
	if len(filled) != 4 {
		t.Fatalf("len(filled) = %d, want 4", len(filled))
	}
	for _, c := range filled[1:3] {
		if !c.Open.Equal(dec("0.5")) || !c.Close.Equal(dec("0.5")) {
			t.Errorf("gap candle OHLC = %+v, want carried-forward 0.5", c)
		}
		if !c.Volume.IsZero() {
			t.Errorf("gap candle Volume = %v, want 0", c.Volume)
		}
	}
	if !filled[3].Open.Equal(dec("0.6")) {
		t.Errorf("final candle not preserved: %+v", filled[3])
	}
}

func TestFillGapsNoOpBelowTwoCandles(t *testing.T) {
	t.Parallel()
	candles := []types.PriceCandle{{Timestamp: time.Now()}}
	filled := FillGaps(candles, OneMinute)
	if len(filled) != 1 {
		t.Errorf("len(filled) = %d, want 1 (no-op)", len(filled))
	}
}

func TestTimeframeResolvePresets(t *testing.T) {
	t.Parallel()
	now := time.Now()

	cases := []struct {
		tf       Timeframe
		interval Interval
	}{
		{Timeframe1H, OneMinute},
		{Timeframe24H, FifteenMinutes},
		{Timeframe7D, OneHour},
		{Timeframe30D, FourHours},
		{TimeframeAll, OneDay},
	}
	for _, c := range cases {
		from, interval := c.tf.Resolve(now)
		if interval != c.interval {
			t.Errorf("%s: interval = %v, want %v", c.tf, interval, c.interval)
		}
		if !from.Before(now) {
			t.Errorf("%s: from = %v, want before now", c.tf, from)
		}
	}
}

package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"marketagg/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testTrade(id string, marketId types.MarketId, price float64, offset time.Duration) types.Trade {
	return types.Trade{
		Id:        id,
		MarketId:  marketId,
		Exchange:  types.Kalshi,
		Timestamp: time.Now().Add(offset).Truncate(time.Second),
		Price:     decimal.NewFromFloat(price),
		Quantity:  decimal.NewFromInt(100),
		Outcome:   types.Yes,
		Side:      types.Buy,
	}
}

func TestStoreAndRetrieveTrade(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	trade := testTrade("trade1", "market1", 0.55, 0)
	if err := s.StoreTrade(ctx, trade); err != nil {
		t.Fatalf("StoreTrade: %v", err)
	}

	latest, err := s.GetLatestTrade(ctx, types.Kalshi, "market1")
	if err != nil {
		t.Fatalf("GetLatestTrade: %v", err)
	}
	if latest == nil {
		t.Fatal("GetLatestTrade returned nil")
	}
	if latest.Id != "trade1" {
		t.Errorf("latest.Id = %q, want trade1", latest.Id)
	}
}

func TestStoreTradeIsIdempotent(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	trade := testTrade("trade1", "market1", 0.55, 0)
	if err := s.StoreTrade(ctx, trade); err != nil {
		t.Fatalf("StoreTrade: %v", err)
	}
	if err := s.StoreTrade(ctx, trade); err != nil {
		t.Fatalf("second StoreTrade: %v", err)
	}

	count, err := s.GetTradeCount(ctx, types.Kalshi, "market1")
	if err != nil {
		t.Fatalf("GetTradeCount: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1 after duplicate insert", count)
	}
}

func TestStoreBatchTrades(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	trades := []types.Trade{
		testTrade("trade1", "market1", 0.50, -100*time.Second),
		testTrade("trade2", "market1", 0.55, -50*time.Second),
		testTrade("trade3", "market1", 0.60, 0),
	}
	stored, err := s.StoreTrades(ctx, trades)
	if err != nil {
		t.Fatalf("StoreTrades: %v", err)
	}
	if stored != 3 {
		t.Errorf("stored = %d, want 3", stored)
	}

	count, err := s.GetTradeCount(ctx, types.Kalshi, "market1")
	if err != nil {
		t.Fatalf("GetTradeCount: %v", err)
	}
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
}

func TestStoreBatchTradesExcludesDuplicates(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	first := testTrade("trade1", "market1", 0.50, 0)
	if err := s.StoreTrade(ctx, first); err != nil {
		t.Fatalf("StoreTrade: %v", err)
	}

	stored, err := s.StoreTrades(ctx, []types.Trade{first, testTrade("trade2", "market1", 0.51, 0)})
	if err != nil {
		t.Fatalf("StoreTrades: %v", err)
	}
	if stored != 1 {
		t.Errorf("stored = %d, want 1 (trade1 already present)", stored)
	}
}

func TestTradeExists(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	trade := testTrade("trade1", "market1", 0.55, 0)
	if err := s.StoreTrade(ctx, trade); err != nil {
		t.Fatalf("StoreTrade: %v", err)
	}

	exists, err := s.TradeExists(ctx, types.Kalshi, "trade1")
	if err != nil {
		t.Fatalf("TradeExists: %v", err)
	}
	if !exists {
		t.Error("TradeExists = false, want true")
	}

	exists, err = s.TradeExists(ctx, types.Kalshi, "trade_nonexistent")
	if err != nil {
		t.Fatalf("TradeExists: %v", err)
	}
	if exists {
		t.Error("TradeExists = true for an id that was never stored")
	}
}

func TestGetTradesRangeOrdersAscending(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	trades := []types.Trade{
		testTrade("t3", "market1", 0.60, 0),
		testTrade("t1", "market1", 0.50, -200*time.Second),
		testTrade("t2", "market1", 0.55, -100*time.Second),
	}
	if _, err := s.StoreTrades(ctx, trades); err != nil {
		t.Fatalf("StoreTrades: %v", err)
	}

	got, err := s.GetTrades(ctx, types.Kalshi, "market1", time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("GetTrades: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len(got) = %d, want 3", len(got))
	}
	if got[0].Id != "t1" || got[1].Id != "t2" || got[2].Id != "t3" {
		t.Errorf("order = %v, %v, %v; want t1, t2, t3", got[0].Id, got[1].Id, got[2].Id)
	}
}

func TestGetVolumeInRange(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	trades := []types.Trade{
		testTrade("t1", "market1", 0.50, -100*time.Second),
		testTrade("t2", "market1", 0.55, 0),
	}
	if _, err := s.StoreTrades(ctx, trades); err != nil {
		t.Fatalf("StoreTrades: %v", err)
	}

	vol, err := s.GetVolumeInRange(ctx, types.Kalshi, "market1", time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("GetVolumeInRange: %v", err)
	}
	if !vol.Equal(decimal.NewFromInt(200)) {
		t.Errorf("volume = %v, want 200", vol)
	}
}

func TestPriceSnapshotRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Second)
	snap := types.PriceSnapshot{
		Exchange:  types.Polymarket,
		MarketId:  "cond-1",
		YesPrice:  decimal.NewFromFloat(0.62),
		NoPrice:   decimal.NewFromFloat(0.38),
		Timestamp: now,
	}
	if err := s.StorePriceSnapshot(ctx, snap); err != nil {
		t.Fatalf("StorePriceSnapshot: %v", err)
	}

	got, err := s.GetPriceAtTime(ctx, types.Polymarket, "cond-1", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("GetPriceAtTime: %v", err)
	}
	if got == nil {
		t.Fatal("GetPriceAtTime returned nil")
	}
	if !got.YesPrice.Equal(snap.YesPrice) {
		t.Errorf("YesPrice = %v, want %v", got.YesPrice, snap.YesPrice)
	}
}

func TestGetPriceAtTimeReturnsNilBeforeAnySnapshot(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	got, err := s.GetPriceAtTime(ctx, types.Polymarket, "cond-none", time.Now())
	if err != nil {
		t.Fatalf("GetPriceAtTime: %v", err)
	}
	if got != nil {
		t.Errorf("GetPriceAtTime = %+v, want nil", got)
	}
}

func TestStoreOrderBookSnapshotSucceeds(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	ob := types.OrderBook{
		YesBids:   []types.OrderBookLevel{{Price: decimal.NewFromFloat(0.55), Quantity: decimal.NewFromInt(100)}},
		YesAsks:   []types.OrderBookLevel{{Price: decimal.NewFromFloat(0.57), Quantity: decimal.NewFromInt(50)}},
		Timestamp: time.Now().Truncate(time.Second),
	}
	if err := s.StoreOrderBookSnapshot(ctx, types.Kalshi, "market1", ob); err != nil {
		t.Fatalf("StoreOrderBookSnapshot: %v", err)
	}
}

func TestPruneOrderBookSnapshots(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	old := types.OrderBook{Timestamp: time.Now().AddDate(0, 0, -100)}
	recent := types.OrderBook{Timestamp: time.Now()}
	if err := s.StoreOrderBookSnapshot(ctx, types.Kalshi, "market1", old); err != nil {
		t.Fatalf("StoreOrderBookSnapshot (old): %v", err)
	}
	if err := s.StoreOrderBookSnapshot(ctx, types.Kalshi, "market1", recent); err != nil {
		t.Fatalf("StoreOrderBookSnapshot (recent): %v", err)
	}

	deleted, err := s.PruneOrderBookSnapshots(ctx, 90)
	if err != nil {
		t.Fatalf("PruneOrderBookSnapshots: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
}

func TestGetBulkStatsInRange(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	trades := []types.Trade{
		testTrade("t1", "market1", 0.5, 0),
		testTrade("t2", "market1", 0.5, 0),
		testTrade("t3", "market2", 0.5, 0),
	}
	if _, err := s.StoreTrades(ctx, trades); err != nil {
		t.Fatalf("StoreTrades: %v", err)
	}

	stats, err := s.GetBulkStatsInRange(ctx, types.Kalshi, []types.MarketId{"market1", "market2"}, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("GetBulkStatsInRange: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("len(stats) = %d, want 2", len(stats))
	}
	if stats[0].MarketId != "market1" || stats[0].TxnCount != 2 {
		t.Errorf("stats[0] = %+v, want market1 with TxnCount=2", stats[0])
	}
}

package exchange

import (
	"log/slog"
	"testing"
)

func TestLevelsFromPairsParsesStringAndNumericQuantity(t *testing.T) {
	t.Parallel()
	pairs := [][]interface{}{
		{"0.52", float64(100)},
		{"0.55", "40"},
		{"bad"}, // malformed, skipped
	}
	levels := levelsFromPairs(pairs)
	if len(levels) != 2 {
		t.Fatalf("len(levels) = %d, want 2", len(levels))
	}
	if levels[0].PriceDollars != "0.52" || levels[0].Quantity != "100" {
		t.Errorf("levels[0] = %+v, want {0.52 100}", levels[0])
	}
	if levels[1].PriceDollars != "0.55" || levels[1].Quantity != "40" {
		t.Errorf("levels[1] = %+v, want {0.55 40}", levels[1])
	}
}

func TestKalshiDispatchOrderbookSnapshot(t *testing.T) {
	t.Parallel()
	f := NewKalshiFeed("wss://example.invalid", slog.Default())

	msg := []byte(`{"type":"orderbook_snapshot","seq":5,"msg":{"market_ticker":"FOO-BAR","yes_dollars":[["0.52",100]],"no_dollars":[["0.45",50]]}}`)
	f.dispatch(msg)

	select {
	case evt := <-f.bookSnapshotCh:
		if evt.MarketKey != "FOO-BAR" {
			t.Errorf("MarketKey = %q, want FOO-BAR", evt.MarketKey)
		}
		if evt.Seq != 5 || !evt.HaveSeq {
			t.Errorf("Seq/HaveSeq = %d/%v, want 5/true", evt.Seq, evt.HaveSeq)
		}
		if len(evt.Yes) != 1 || len(evt.No) != 1 {
			t.Errorf("Yes/No lengths = %d/%d, want 1/1", len(evt.Yes), len(evt.No))
		}
	default:
		t.Fatal("expected a book snapshot event")
	}
}

func TestKalshiDispatchOrderbookDelta(t *testing.T) {
	t.Parallel()
	f := NewKalshiFeed("wss://example.invalid", slog.Default())

	msg := []byte(`{"type":"orderbook_delta","seq":6,"msg":{"market_ticker":"FOO-BAR","price_dollars":"0.52","delta":-10,"side":"yes"}}`)
	f.dispatch(msg)

	select {
	case evt := <-f.bookDeltaCh:
		if evt.MarketKey != "FOO-BAR" || evt.Outcome != "yes" || evt.DeltaQty != "-10" {
			t.Errorf("evt = %+v", evt)
		}
	default:
		t.Fatal("expected a book delta event")
	}
}

func TestKalshiDispatchTrade(t *testing.T) {
	t.Parallel()
	f := NewKalshiFeed("wss://example.invalid", slog.Default())

	msg := []byte(`{"type":"trade","msg":{"market_ticker":"FOO-BAR","trade_id":"t1","count":25,"yes_price_dollars":"0.60","taker_side":"no"}}`)
	f.dispatch(msg)

	select {
	case evt := <-f.tradeCh:
		if evt.TradeID != "t1" || evt.Side != "sell" || evt.Quantity != "25" {
			t.Errorf("evt = %+v", evt)
		}
	default:
		t.Fatal("expected a trade event")
	}
}

func TestKalshiDispatchTicker(t *testing.T) {
	t.Parallel()
	f := NewKalshiFeed("wss://example.invalid", slog.Default())

	msg := []byte(`{"type":"ticker","msg":{"market_ticker":"FOO-BAR","price_dollars":"0.61","yes_bid_dollars":"0.60","yes_ask_dollars":"0.62"}}`)
	f.dispatch(msg)

	select {
	case evt := <-f.priceCh:
		if evt.MarketKey != "FOO-BAR" || evt.LastPriceDollars != "0.61" || evt.BidPriceDollars != "0.60" || evt.AskPriceDollars != "0.62" {
			t.Errorf("evt = %+v", evt)
		}
	default:
		t.Fatal("expected a price event")
	}
}

func TestKalshiDispatchUnknownTypeIgnored(t *testing.T) {
	t.Parallel()
	f := NewKalshiFeed("wss://example.invalid", slog.Default())
	f.dispatch([]byte(`{"type":"market_lifecycle_v2"}`))

	select {
	case <-f.bookSnapshotCh:
		t.Fatal("unexpected book snapshot event")
	case <-f.bookDeltaCh:
		t.Fatal("unexpected book delta event")
	case <-f.tradeCh:
		t.Fatal("unexpected trade event")
	default:
	}
}

package registry

import (
	"testing"

	"marketagg/pkg/types"
)

func testKey() types.SubscriptionKey {
	return types.SubscriptionKey{Exchange: types.Kalshi, MarketId: "TICKER-X", Channel: types.ChannelPrice}
}

func TestSubscribeFirstSubscriberEmitsEvent(t *testing.T) {
	t.Parallel()
	r := New(0, 0, nil)
	id := r.NewClientId()
	r.RegisterClient(id)
	key := testKey()

	first := r.Subscribe(id, key)
	if !first {
		t.Fatal("Subscribe returned first=false for an empty key")
	}

	select {
	case ev := <-r.Events():
		if ev.Key != key || ev.Subscribers != 1 {
			t.Fatalf("unexpected event %+v", ev)
		}
	default:
		t.Fatal("expected a refcount event for the first subscriber")
	}
}

func TestSecondSubscriberDoesNotEmit(t *testing.T) {
	t.Parallel()
	r := New(0, 0, nil)
	a, b := r.NewClientId(), r.NewClientId()
	r.RegisterClient(a)
	r.RegisterClient(b)
	key := testKey()

	r.Subscribe(a, key)
	<-r.Events()

	if second := r.Subscribe(b, key); second {
		t.Fatal("Subscribe returned first=true for a key with an existing subscriber")
	}
	select {
	case ev := <-r.Events():
		t.Fatalf("unexpected event on second subscribe: %+v", ev)
	default:
	}

	if count := r.SubscriberCount(key); count != 2 {
		t.Fatalf("SubscriberCount = %d, want 2", count)
	}
}

func TestUnsubscribeLastSubscriberEmitsEvent(t *testing.T) {
	t.Parallel()
	r := New(0, 0, nil)
	id := r.NewClientId()
	r.RegisterClient(id)
	key := testKey()

	r.Subscribe(id, key)
	<-r.Events()

	last := r.Unsubscribe(id, key)
	if !last {
		t.Fatal("Unsubscribe returned last=false for the sole subscriber")
	}
	ev := <-r.Events()
	if ev.Subscribers != 0 {
		t.Fatalf("ev.Subscribers = %d, want 0", ev.Subscribers)
	}
	if r.IsSubscribed(id, key) {
		t.Fatal("IsSubscribed true after Unsubscribe")
	}
}

func TestRemoveClientDropsAllSubscriptions(t *testing.T) {
	t.Parallel()
	r := New(0, 0, nil)
	id := r.NewClientId()
	r.RegisterClient(id)

	keyA := testKey()
	keyB := types.SubscriptionKey{Exchange: types.Polymarket, MarketId: "cond-1", Channel: types.ChannelTrades}

	r.Subscribe(id, keyA)
	<-r.Events()
	r.Subscribe(id, keyB)
	<-r.Events()

	r.RemoveClient(id)

	<-r.Events() // keyA drained
	<-r.Events() // keyB drained

	if r.TotalSubscriptions() != 0 {
		t.Fatalf("TotalSubscriptions = %d, want 0 after RemoveClient", r.TotalSubscriptions())
	}
	if r.TotalClients() != 0 {
		t.Fatalf("TotalClients = %d, want 0 after RemoveClient", r.TotalClients())
	}
}

func TestNonMarketBoundChannelNeverEmits(t *testing.T) {
	t.Parallel()
	r := New(0, 0, nil)
	id := r.NewClientId()
	r.RegisterClient(id)
	key := types.SubscriptionKey{Exchange: types.Kalshi, MarketId: "TICKER-X", Channel: types.ChannelMarketNews}

	r.Subscribe(id, key)
	select {
	case ev := <-r.Events():
		t.Fatalf("unexpected event for non-market-bound channel: %+v", ev)
	default:
	}
}

func TestBroadcastDeliversToSubscribersOnly(t *testing.T) {
	t.Parallel()
	r := New(0, 0, nil)
	subscribed := r.NewClientId()
	idle := r.NewClientId()
	ch := r.RegisterClient(subscribed)
	r.RegisterClient(idle)

	key := testKey()
	r.Subscribe(subscribed, key)
	<-r.Events()

	r.Broadcast(key, []byte(`{"type":"price_update"}`))

	select {
	case msg := <-ch:
		if msg.Key != key {
			t.Fatalf("msg.Key = %+v, want %+v", msg.Key, key)
		}
	default:
		t.Fatal("expected subscribed client to receive the broadcast")
	}
}

func TestDropCountIncrementsWhenClientBufferFull(t *testing.T) {
	t.Parallel()
	r := New(0, 1, nil) // clientCapacity=1
	id := r.NewClientId()
	ch := r.RegisterClient(id)
	key := testKey()
	r.Subscribe(id, key)
	<-r.Events()

	r.Broadcast(key, []byte("1")) // fills the buffer
	r.Broadcast(key, []byte("2")) // dropped
	r.Broadcast(key, []byte("3")) // dropped

	if count := r.DropCount(id); count != 2 {
		t.Fatalf("DropCount = %d, want 2", count)
	}

	r.ResetDrops(id)
	if count := r.DropCount(id); count != 0 {
		t.Fatalf("DropCount after reset = %d, want 0", count)
	}
	<-ch // drain so the test doesn't leak
}

func TestHasAnyMarketSubscribers(t *testing.T) {
	t.Parallel()
	r := New(0, 0, nil)
	id := r.NewClientId()
	r.RegisterClient(id)
	key := types.SubscriptionKey{Exchange: types.Polymarket, MarketId: "cond-9", Channel: types.ChannelOrderBook}

	if r.HasAnyMarketSubscribers(types.Polymarket, "cond-9") {
		t.Fatal("expected no subscribers before Subscribe")
	}
	r.Subscribe(id, key)
	<-r.Events()
	if !r.HasAnyMarketSubscribers(types.Polymarket, "cond-9") {
		t.Fatal("expected a subscriber after Subscribe")
	}
}

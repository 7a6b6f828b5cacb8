// Package registry tracks which downstream clients are subscribed to which
// broadcast streams and fans out messages to them. It mirrors a dual-index
// subscription map (key -> client set, client -> key set) plus a broadcast
// bus, generalized from a single-process subscription manager into Go's
// channel-based concurrency model: each client gets one buffered channel,
// and Broadcast fans a message out to every client currently subscribed to
// its key.
package registry

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"marketagg/pkg/types"
)

// BroadcastMessage pairs a subscription key with the encoded frame body
// destined for every client subscribed to that key.
type BroadcastMessage struct {
	Key     types.SubscriptionKey
	Payload []byte
}

// RefCountEvent is emitted whenever a market-bound subscription key (one
// whose Channel.IsMarketBound is true) transitions between zero and one
// subscriber; keys on other channels emit no event. The aggregator consumes these on a one-way
// channel to drive upstream gateway subscribe/unsubscribe calls without the
// registry ever calling back into the aggregator directly — this channel is
// the only link between the two, avoiding a cyclic dependency.
type RefCountEvent struct {
	Key         types.SubscriptionKey
	Subscribers int // count after the transition
}

const (
	// defaultBusCapacity bounds the registry's outbound event channel; the
	// aggregator is expected to drain it promptly since it only carries
	// refcount transitions, not per-message payloads.
	defaultBusCapacity = 256

	// defaultClientCapacity bounds each client's broadcast receive buffer.
	defaultClientCapacity = 256
)

// Registry is safe for concurrent use by many client-session goroutines and
// by the aggregator's broadcast producers.
type Registry struct {
	mu       sync.RWMutex
	subs     map[types.SubscriptionKey]map[types.ClientId]struct{}
	byClient map[types.ClientId]map[types.SubscriptionKey]struct{}
	clients  map[types.ClientId]chan BroadcastMessage
	drops    map[types.ClientId]*atomic.Int64

	nextClientId atomic.Uint64

	events chan RefCountEvent

	clientCapacity int
	logger         *slog.Logger
}

// New constructs an empty Registry. busCapacity bounds the refcount-event
// channel handed to the aggregator; clientCapacity bounds each client's
// broadcast buffer (0 uses the default for both).
func New(busCapacity, clientCapacity int, logger *slog.Logger) *Registry {
	if busCapacity <= 0 {
		busCapacity = defaultBusCapacity
	}
	if clientCapacity <= 0 {
		clientCapacity = defaultClientCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		subs:           make(map[types.SubscriptionKey]map[types.ClientId]struct{}),
		byClient:       make(map[types.ClientId]map[types.SubscriptionKey]struct{}),
		clients:        make(map[types.ClientId]chan BroadcastMessage),
		drops:          make(map[types.ClientId]*atomic.Int64),
		events:         make(chan RefCountEvent, busCapacity),
		clientCapacity: clientCapacity,
		logger:         logger.With("component", "registry"),
	}
}

// Events returns the one-way channel of subscriber-count transitions. The
// aggregator is the sole consumer; the registry never reads from it.
func (r *Registry) Events() <-chan RefCountEvent {
	return r.events
}

// NewClientId allocates a fresh, monotonically increasing client identifier.
func (r *Registry) NewClientId() types.ClientId {
	return types.ClientId(r.nextClientId.Add(1))
}

// RegisterClient opens a broadcast receive channel for a new client. The
// returned channel must be drained by the client's write pump and released
// via RemoveClient on disconnect.
func (r *Registry) RegisterClient(id types.ClientId) <-chan BroadcastMessage {
	ch := make(chan BroadcastMessage, r.clientCapacity)
	r.mu.Lock()
	r.clients[id] = ch
	r.byClient[id] = make(map[types.SubscriptionKey]struct{})
	r.drops[id] = &atomic.Int64{}
	r.mu.Unlock()
	return ch
}

// DropCount returns the number of broadcast messages dropped for id since
// registration (or the last ResetDrops call) because its buffer was full.
// The client session polls this to enforce the slow-consumer policy: a
// client whose drop count reaches the session's fixed threshold is force-closed
// with an Error{code: slow_consumer} frame rather than left to silently miss
// an unbounded number of updates.
func (r *Registry) DropCount(id types.ClientId) int64 {
	r.mu.RLock()
	counter, ok := r.drops[id]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	return counter.Load()
}

// ResetDrops zeroes id's drop counter, e.g. after a period of healthy
// delivery.
func (r *Registry) ResetDrops(id types.ClientId) {
	r.mu.RLock()
	counter, ok := r.drops[id]
	r.mu.RUnlock()
	if ok {
		counter.Store(0)
	}
}

// Subscribe registers client id for key. It returns firstSubscriber=true iff
// no other client was previously subscribed to this key — the signal the
// caller uses to decide whether an upstream gateway subscribe is needed.
// id must already have been passed to RegisterClient.
func (r *Registry) Subscribe(id types.ClientId, key types.SubscriptionKey) (firstSubscriber bool) {
	r.mu.Lock()
	clients, ok := r.subs[key]
	if !ok {
		clients = make(map[types.ClientId]struct{})
		r.subs[key] = clients
	}
	firstSubscriber = len(clients) == 0
	clients[id] = struct{}{}

	keys, ok := r.byClient[id]
	if !ok {
		keys = make(map[types.SubscriptionKey]struct{})
		r.byClient[id] = keys
	}
	keys[key] = struct{}{}
	count := len(clients)
	r.mu.Unlock()

	if key.Channel.IsMarketBound() && firstSubscriber {
		r.emit(RefCountEvent{Key: key, Subscribers: count})
	}
	r.logger.Debug("client subscribed", "client_id", id, "key", key, "subscribers", count)
	return firstSubscriber
}

// Unsubscribe removes client id from key. It returns lastSubscriber=true iff
// this was the final client subscribed to the key — the signal the caller
// uses to decide whether an upstream gateway unsubscribe is needed.
func (r *Registry) Unsubscribe(id types.ClientId, key types.SubscriptionKey) (lastSubscriber bool) {
	r.mu.Lock()
	clients, ok := r.subs[key]
	if ok {
		delete(clients, id)
		if len(clients) == 0 {
			delete(r.subs, key)
			lastSubscriber = true
		}
	}
	if keys, ok := r.byClient[id]; ok {
		delete(keys, key)
	}
	remaining := len(clients)
	r.mu.Unlock()

	if key.Channel.IsMarketBound() && lastSubscriber {
		r.emit(RefCountEvent{Key: key, Subscribers: 0})
	}
	r.logger.Debug("client unsubscribed", "client_id", id, "key", key, "subscribers", remaining)
	return lastSubscriber
}

// RemoveClient drops every subscription held by id and closes its broadcast
// channel, as on disconnect. Each key that transitions to zero subscribers
// emits a RefCountEvent, exactly as an explicit Unsubscribe would.
func (r *Registry) RemoveClient(id types.ClientId) {
	r.mu.Lock()
	keys := r.byClient[id]
	delete(r.byClient, id)

	var drained []types.SubscriptionKey
	for key := range keys {
		clients, ok := r.subs[key]
		if !ok {
			continue
		}
		delete(clients, id)
		if len(clients) == 0 {
			delete(r.subs, key)
			drained = append(drained, key)
		}
	}

	if ch, ok := r.clients[id]; ok {
		close(ch)
		delete(r.clients, id)
	}
	delete(r.drops, id)
	r.mu.Unlock()

	for _, key := range drained {
		if key.Channel.IsMarketBound() {
			r.emit(RefCountEvent{Key: key, Subscribers: 0})
		}
	}
	r.logger.Debug("client removed", "client_id", id, "keys_dropped", len(keys))
}

// IsSubscribed reports whether client id currently holds key.
func (r *Registry) IsSubscribed(id types.ClientId, key types.SubscriptionKey) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byClient[id][key]
	return ok
}

// SubscriberCount returns the number of clients currently subscribed to key.
func (r *Registry) SubscriberCount(key types.SubscriptionKey) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[key])
}

// HasAnyMarketSubscribers reports whether any channel for (exchange,
// marketId) has at least one subscriber, across price/orderbook/trades.
func (r *Registry) HasAnyMarketSubscribers(exchange types.Exchange, marketId types.MarketId) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for key, clients := range r.subs {
		if key.Exchange == exchange && key.MarketId == marketId && len(clients) > 0 {
			return true
		}
	}
	return false
}

// TotalSubscriptions returns the number of distinct keys with at least one
// subscriber.
func (r *Registry) TotalSubscriptions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// TotalClients returns the number of distinct registered clients.
func (r *Registry) TotalClients() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Broadcast delivers payload to every client subscribed to key. Delivery is
// non-blocking per client: a client whose buffer is full is skipped for this
// message rather than stalling the producer, and a warning is logged. Slow
// consumer eviction is the client session's responsibility, not the
// registry's.
func (r *Registry) Broadcast(key types.SubscriptionKey, payload []byte) {
	r.mu.RLock()
	clients := r.subs[key]
	targets := make([]chan BroadcastMessage, 0, len(clients))
	ids := make([]types.ClientId, 0, len(clients))
	counters := make([]*atomic.Int64, 0, len(clients))
	for id := range clients {
		if ch, ok := r.clients[id]; ok {
			targets = append(targets, ch)
			ids = append(ids, id)
			counters = append(counters, r.drops[id])
		}
	}
	r.mu.RUnlock()

	msg := BroadcastMessage{Key: key, Payload: payload}
	for i, ch := range targets {
		select {
		case ch <- msg:
		default:
			if counters[i] != nil {
				counters[i].Add(1)
			}
			r.logger.Warn("dropping broadcast, client buffer full", "client_id", ids[i], "key", key)
		}
	}
}

// BroadcastToAll delivers payload to every subscriber of the sentinel global
// channel, used for news items with no single-market scope.
func (r *Registry) BroadcastToAll(channel types.Channel, payload []byte) {
	r.Broadcast(types.SubscriptionKey{Exchange: types.Kalshi, MarketId: types.GlobalMarketId, Channel: channel}, payload)
}

func (r *Registry) emit(ev RefCountEvent) {
	select {
	case r.events <- ev:
	default:
		r.logger.Warn("refcount event bus full, dropping event", "key", ev.Key)
	}
}

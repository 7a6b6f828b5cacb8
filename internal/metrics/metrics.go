// Package metrics exposes the aggregation server's operational state as
// Prometheus metrics: per-exchange gateway connectivity and staleness,
// active subscription and client counts, and broadcast drop counters. No
// file in the retrieval pack wires prometheus/client_golang directly, so
// this package follows the library's own idiomatic usage (collectors held
// per Metrics instance and registered against a dedicated registry, scraped via
// promhttp.HandlerFor) rather than any one example's style.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"marketagg/internal/aggregator"
	"marketagg/internal/registry"
	"marketagg/pkg/types"
)

// Metrics owns a private Prometheus registry so this package never competes
// with the default global one and can be constructed more than once in
// tests.
type Metrics struct {
	registry *prometheus.Registry

	gatewayConnected    *prometheus.GaugeVec
	gatewayMessageCount *prometheus.GaugeVec
	gatewayStale        *prometheus.GaugeVec
	activeSubscriptions prometheus.Gauge
	connectedClients    prometheus.Gauge
	broadcastDrops       *prometheus.CounterVec
}

// New constructs a Metrics instance with every collector registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		gatewayConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "aggregator",
			Subsystem: "gateway",
			Name:      "connected",
			Help:      "1 if the exchange gateway's WebSocket is currently connected, 0 otherwise.",
		}, []string{"exchange"}),
		gatewayMessageCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "aggregator",
			Subsystem: "gateway",
			Name:      "message_count",
			Help:      "Total messages received from the exchange gateway since the aggregator started.",
		}, []string{"exchange"}),
		gatewayStale: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "aggregator",
			Subsystem: "gateway",
			Name:      "stale",
			Help:      "1 if the exchange gateway is disconnected or has not delivered a message within the configured staleness window.",
		}, []string{"exchange"}),
		activeSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aggregator",
			Name:      "active_subscriptions",
			Help:      "Number of markets the aggregator currently tracks for upstream subscription.",
		}),
		connectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aggregator",
			Name:      "connected_clients",
			Help:      "Number of currently connected downstream WebSocket clients.",
		}),
		broadcastDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aggregator",
			Subsystem: "broadcast",
			Name:      "drops_total",
			Help:      "Total broadcast messages dropped because a client's receive buffer was full.",
		}, []string{"client_id"}),
	}

	reg.MustRegister(
		m.gatewayConnected,
		m.gatewayMessageCount,
		m.gatewayStale,
		m.activeSubscriptions,
		m.connectedClients,
		m.broadcastDrops,
	)
	return m
}

// Handler returns the /metrics HTTP handler for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveAggregatorHealth copies one Health snapshot into the gateway
// gauges. Called on a short interval by whatever owns the Metrics instance
// (cmd/server does so every 5s); the aggregator runs no periodic
// health-logging task of its own.
func (m *Metrics) ObserveAggregatorHealth(h aggregator.Health) {
	m.observeConnection(types.Kalshi, h.Kalshi)
	m.observeConnection(types.Polymarket, h.Polymarket)
	m.activeSubscriptions.Set(float64(h.ActiveSubscriptions))
}

func (m *Metrics) observeConnection(exchange types.Exchange, h aggregator.ConnectionHealth) {
	label := string(exchange)
	m.gatewayMessageCount.WithLabelValues(label).Set(float64(h.MessageCount))
	m.gatewayConnected.WithLabelValues(label).Set(boolToFloat(h.Connected))
	m.gatewayStale.WithLabelValues(label).Set(boolToFloat(h.Stale))
}

// ObserveRegistry copies the current connected-client count from reg.
func (m *Metrics) ObserveRegistry(reg *registry.Registry) {
	m.connectedClients.Set(float64(reg.TotalClients()))
}

// RecordBroadcastDrop increments the drop counter for one client. Callers
// typically invoke this from the same poll loop that enforces the
// slow-consumer disconnect policy (internal/session), not from the
// registry's hot broadcast path, to keep label cardinality low and bounded
// by currently-connected clients.
func (m *Metrics) RecordBroadcastDrop(clientID types.ClientId, count int64) {
	m.broadcastDrops.WithLabelValues(strconv.FormatUint(uint64(clientID), 10)).Add(float64(count))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

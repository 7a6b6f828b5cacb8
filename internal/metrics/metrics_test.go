package metrics

import (
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"marketagg/internal/aggregator"
	"marketagg/internal/registry"
	"marketagg/pkg/types"
)

func TestObserveAggregatorHealthExposesGauges(t *testing.T) {
	t.Parallel()
	m := New()

	m.ObserveAggregatorHealth(aggregator.Health{
		Kalshi:              aggregator.ConnectionHealth{Connected: true, MessageCount: 42},
		Polymarket:          aggregator.ConnectionHealth{Connected: false, Stale: true},
		ActiveSubscriptions: 7,
		Healthy:             false,
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		`aggregator_gateway_connected{exchange="kalshi"} 1`,
		`aggregator_gateway_message_count{exchange="kalshi"} 42`,
		`aggregator_gateway_stale{exchange="polymarket"} 1`,
		`aggregator_active_subscriptions 7`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q\n%s", want, body)
		}
	}
}

func TestObserveRegistryReflectsClientCount(t *testing.T) {
	t.Parallel()
	m := New()
	reg := registry.New(8, 8, slog.Default())
	reg.RegisterClient(reg.NewClientId())
	reg.RegisterClient(reg.NewClientId())

	m.ObserveRegistry(reg)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	if !strings.Contains(rec.Body.String(), "aggregator_connected_clients 2") {
		t.Errorf("expected connected_clients=2, body:\n%s", rec.Body.String())
	}
}

func TestRecordBroadcastDropIncrementsCounter(t *testing.T) {
	t.Parallel()
	m := New()
	m.RecordBroadcastDrop(types.ClientId(5), 3)
	m.RecordBroadcastDrop(types.ClientId(5), 2)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	if !strings.Contains(rec.Body.String(), `aggregator_broadcast_drops_total{client_id="5"} 5`) {
		t.Errorf("expected drop counter to accumulate to 5, body:\n%s", rec.Body.String())
	}
}

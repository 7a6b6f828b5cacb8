// Aggregation server — normalizes real-time order book and trade feeds from
// Kalshi and Polymarket into a single schema and fans them out to WebSocket
// subscribers.
//
// Architecture:
//
//	main.go                      — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	internal/exchange/kalshi.go  — Kalshi gateway: sequence-numbered bid-only book + trade feed
//	internal/exchange/polymarket.go — Polymarket gateway: token-keyed explicit bid/ask book + trade feed
//	internal/aggregator         — orchestrator: consumes both gateways, reconciles books, persists, broadcasts
//	internal/book                — per-market order book cache with sequence-gap detection
//	internal/registry            — subscription fan-out bus (key -> clients, client -> keys)
//	internal/session              — one downstream client's WebSocket read/write pump pair
//	internal/metadata             — market/token metadata lookups backing subscription resolution
//	internal/store                 — SQLite persistence for trades and order book snapshots
//	internal/metrics               — Prometheus scrape endpoint
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"marketagg/internal/aggregator"
	"marketagg/internal/book"
	"marketagg/internal/config"
	"marketagg/internal/exchange"
	"marketagg/internal/metadata"
	"marketagg/internal/metrics"
	"marketagg/internal/registry"
	"marketagg/internal/session"
	"marketagg/internal/store"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("AGG_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	cache := book.New()
	reg := registry.New(cfg.Bus.EventCapacity, cfg.Bus.ClientCapacity, logger)
	mdCache := metadata.NewRESTAdapter(cfg.Exchanges.Kalshi.RESTBaseURL, cfg.Exchanges.Polymarket.RESTBaseURL)

	var kalshiFeed *exchange.KalshiFeed
	if cfg.Exchanges.Kalshi.Enabled {
		kalshiFeed = exchange.NewKalshiFeed(cfg.Exchanges.Kalshi.WSURL, logger)
	}
	var polymarketFeed *exchange.PolymarketFeed
	if cfg.Exchanges.Polymarket.Enabled {
		polymarketFeed = exchange.NewPolymarketFeed(cfg.Exchanges.Polymarket.WSURL, logger)
	}

	agg := aggregator.New(aggregator.Config{
		KalshiEnabled:     cfg.Exchanges.Kalshi.Enabled,
		PolymarketEnabled: cfg.Exchanges.Polymarket.Enabled,
		SnapshotInterval:  cfg.Snapshot.Interval,
		StaleAfter:        cfg.Health.StaleAfter,
		RetentionDays:     cfg.Store.RetentionDays,
		IdleAfter:         cfg.Bus.IdleAfter,
	}, logger, cache, st, reg, mdCache, kalshiFeed, polymarketFeed)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := agg.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("aggregator stopped", "error", err)
		}
	}()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		go metricsTask(ctx, m, agg, reg)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", newWebSocketHandler(cfg.Listen.AllowedOrigins, reg, logger, m))
	mux.HandleFunc("/health", newHealthHandler(agg))
	if m != nil {
		mux.Handle("/metrics", m.Handler())
	}

	httpServer := &http.Server{
		Addr:    cfg.Listen.Addr,
		Handler: mux,
	}

	go func() {
		logger.Info("listening", "addr", cfg.Listen.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
		}
	}()

	logger.Info("aggregation server started",
		"kalshi_enabled", cfg.Exchanges.Kalshi.Enabled,
		"polymarket_enabled", cfg.Exchanges.Polymarket.Enabled,
		"metrics_enabled", cfg.Metrics.Enabled,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	cancel()
}

func newWebSocketHandler(allowedOrigins []string, reg *registry.Registry, logger *slog.Logger, m *metrics.Metrics) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), allowedOrigins, r.Host)
		},
	}

	// m is typed nil when metrics are disabled; only assign drops when m is
	// a real instance so session sees a true nil interface, not a non-nil
	// interface wrapping a nil *metrics.Metrics.
	var drops session.DropRecorder
	if m != nil {
		drops = m
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Error("websocket upgrade failed", "error", err)
			return
		}
		session.New(conn, reg, logger, drops).Run()
	}
}

func newHealthHandler(agg *aggregator.Aggregator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := agg.Health()
		w.Header().Set("Content-Type", "application/json")
		if !h.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(h)
	}
}

func metricsTask(ctx context.Context, m *metrics.Metrics, agg *aggregator.Aggregator, reg *registry.Registry) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ObserveAggregatorHealth(agg.Health())
			m.ObserveRegistry(reg)
		}
	}
}

// isOriginAllowed mirrors a browser-facing CORS check: no Origin header
// means a non-browser client, always allowed; otherwise the origin must
// match an explicit allowlist entry, or (absent an allowlist) be localhost
// or the request's own host.
func isOriginAllowed(origin string, allowed []string, reqHost string) bool {
	if origin == "" {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}

	normalized := normalizeOrigin(originURL.Scheme, originURL.Host)
	if normalized == "" {
		return false
	}

	if len(allowed) > 0 {
		for _, a := range allowed {
			u, err := url.Parse(a)
			if err != nil {
				continue
			}
			if normalized == normalizeOrigin(u.Scheme, u.Host) {
				return true
			}
		}
		return false
	}

	host := strings.ToLower(originURL.Hostname())
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}

	reqHostname := normalizeHost(reqHost)
	return reqHostname != "" && host == reqHostname
}

func normalizeOrigin(scheme, host string) string {
	if scheme == "" || host == "" {
		return ""
	}
	return strings.ToLower(scheme) + "://" + strings.ToLower(host)
}

func normalizeHost(hostport string) string {
	hostport = strings.TrimSpace(hostport)
	if hostport == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(hostport)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

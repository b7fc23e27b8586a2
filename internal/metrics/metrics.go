// Package metrics provides Prometheus instrumentation for the market engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts total trades executed, partitioned by side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predictx_trades_total",
		Help: "Total number of trades executed",
	}, []string{"side"})

	// TradeLatency tracks the duration of the atomic trade section.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "predictx_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// TradeRejections counts trades refused before any write, by reason.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predictx_trade_rejections_total",
		Help: "Trades rejected by precondition checks",
	}, []string{"side", "reason"})

	// TransactionConflicts counts commits aborted by a concurrent writer.
	TransactionConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "predictx_transaction_conflicts_total",
		Help: "Atomic sections aborted due to a concurrent modification",
	})

	// ActiveEvents tracks the number of events open for trading.
	ActiveEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "predictx_active_events",
		Help: "Number of events currently open for trading",
	})

	// EventVolume tracks cumulative USD volume per event.
	EventVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predictx_event_volume_total",
		Help: "Cumulative trade volume in playmoney",
	}, []string{"event_id", "side"})

	// EventLiquidity is the sum of total_liquidity across an event's
	// outcomes after the last trade. Buys and sells round the
	// redistribution differently, so this drifts over time.
	EventLiquidity = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "predictx_event_liquidity",
		Help: "Aggregate outcome liquidity per event",
	}, []string{"event_id"})

	// NegativeLiquidityOutcomes counts trades that left an outcome with
	// negative total_liquidity.
	NegativeLiquidityOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predictx_negative_liquidity_outcomes_total",
		Help: "Trades that left an outcome with negative liquidity",
	}, []string{"event_id"})

	// SettlementPayouts tracks playmoney paid to winning holders.
	SettlementPayouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "predictx_settlement_payout_total",
		Help: "Playmoney credited to holders of winning outcomes",
	})

	// BrokerPublishFailures counts trade events that could not be published.
	BrokerPublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "predictx_broker_publish_failures_total",
		Help: "Trade notifications that failed to publish to the broker",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "predictx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predictx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "predictx_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern uses the matched chi pattern rather than the raw path so
// ids do not blow up label cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack is forwarded so WebSocket upgrades work behind the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

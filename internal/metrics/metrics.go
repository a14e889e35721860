// Package metrics provides Prometheus instrumentation for the options engine.
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
	// TradesPlaced counts accepted trades, partitioned by direction.
	TradesPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "options_trades_placed_total",
		Help: "Total number of trades placed",
	}, []string{"direction"})

	// PlacementRejections counts refused placements by error kind.
	PlacementRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "options_placement_rejections_total",
		Help: "Trade placements rejected, by error kind",
	}, []string{"kind"})

	// StakeVolume tracks cumulative staked cents per wallet kind.
	StakeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "options_stake_cents_total",
		Help: "Cumulative stake in cents",
	}, []string{"wallet_kind"})

	// Settlements counts settled trades by outcome (win, lose,
	// already_settled) and source (on_demand, sweep).
	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "options_settlements_total",
		Help: "Trade settlements by outcome and source",
	}, []string{"outcome", "source"})

	// SettlementErrors counts failed settlement attempts by error kind.
	SettlementErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "options_settlement_errors_total",
		Help: "Failed settlement attempts, by error kind",
	}, []string{"kind", "source"})

	SettlementLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "options_settlement_latency_seconds",
		Help:    "Single-trade settlement latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"source"})

	// SweepRuns counts sweep ticks by result (ran, skipped, failed).
	SweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "options_sweep_runs_total",
		Help: "Settlement sweep runs by result",
	}, []string{"result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "options_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// NotificationsDropped counts events a notifier discarded, by channel.
	NotificationsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "options_notifications_dropped_total",
		Help: "Notifications dropped, by channel",
	}, []string{"channel"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "options_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "options_http_request_duration_seconds",
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

// routePattern labels by chi route template so trade and user ids do not
// explode label cardinality.
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

// Hijack lets the WebSocket upgrader take over the connection through the
// wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

// Package metrics provides Prometheus instrumentation for the delta engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

var (
	// PortfolioDelta is the signed notional exposure across all positions.
	PortfolioDelta = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "delta_portfolio_delta",
		Help: "Signed portfolio delta in quote currency",
	})

	// TotalBalance is the ledger total balance including P&L and funding.
	TotalBalance = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "delta_total_balance",
		Help: "Total balance including unrealized P&L and funding",
	})

	CurrentDrawdown = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "delta_current_drawdown_ratio",
		Help: "Drawdown from peak balance",
	})

	MaxMarginUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "delta_max_margin_utilization_ratio",
		Help: "Highest margin utilization across exchanges",
	})

	// ActivePositions tracks open arbitrage positions.
	ActivePositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "delta_active_positions",
		Help: "Number of open arbitrage positions",
	})

	// TradesTotal counts arbitrage positions opened, partitioned by mode.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "delta_trades_total",
		Help: "Arbitrage positions opened",
	}, []string{"mode"})

	// PositionsClosed counts closed positions by close reason.
	PositionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "delta_positions_closed_total",
		Help: "Arbitrage positions closed",
	}, []string{"reason"})

	// HedgesTotal counts hedge executions by final status.
	HedgesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "delta_hedges_total",
		Help: "Hedge executions by status",
	}, []string{"status"})

	// RiskRejections counts trades and hedges refused by the risk validator.
	RiskRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "delta_risk_rejections_total",
		Help: "Trades rejected by risk limits",
	}, []string{"reason"})

	EmergencyStops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "delta_emergency_stops_total",
		Help: "Times the emergency stop flag was raised",
	})

	// TickDuration tracks strategy cycle latency.
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "delta_tick_duration_seconds",
		Help:    "Strategy cycle duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "delta_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "delta_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "delta_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// SetDecimal sets a gauge from a decimal.
func SetDecimal(g prometheus.Gauge, v decimal.Decimal) {
	f, _ := v.Float64()
	g.Set(f)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

// Package metrics provides Prometheus instrumentation for the backtest engine.
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
	// DaysProcessed counts committed trading days across all runs.
	DaysProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backtest_days_processed_total",
		Help: "Total number of committed trading days",
	})

	// FillsTotal counts ledger transactions, partitioned by direction.
	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backtest_fills_total",
		Help: "Total number of transaction records appended",
	}, []string{"direction"})

	// FilledVolume tracks cumulative executed quantity.
	FilledVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backtest_filled_volume_total",
		Help: "Cumulative executed quantity in shares",
	}, []string{"direction"})

	// RejectionsTotal counts unfilled orders by reason.
	RejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backtest_rejections_total",
		Help: "Orders not filled, by reason",
	}, []string{"reason"})

	// Equity is the latest committed equity of the running backtest.
	Equity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backtest_equity",
		Help: "Equity at the last committed day",
	})

	// Drawdown is the current drawdown from the running equity peak.
	Drawdown = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backtest_drawdown_ratio",
		Help: "Current drawdown from the equity peak",
	})

	// RunDuration tracks wall-clock time per run by outcome.
	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "backtest_run_duration_seconds",
		Help:    "Backtest run duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
	}, []string{"outcome"})

	// RunsActive tracks runs currently executing.
	RunsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backtest_runs_active",
		Help: "Number of backtests currently running",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backtest_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backtest_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "backtest_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveRun records one finished run.
func ObserveRun(d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	RunDuration.WithLabelValues(outcome).Observe(d.Seconds())
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

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern labels by chi route (/api/v1/runs/{runID}) so run ids do not
// become label values. Unrouted requests fall back to the raw path.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer cannot hijack")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

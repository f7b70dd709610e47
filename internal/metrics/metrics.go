package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Terminal metrics
var (
	TerminalSessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wadm_terminal_sessions_active",
			Help: "Number of active terminal sessions",
		},
	)

	TerminalSessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wadm_terminal_sessions_total",
			Help: "Terminal sessions by how they ended",
		},
		[]string{"reason"},
	)

	TerminalRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wadm_terminal_rejections_total",
			Help: "Terminal connections refused before a shell was started",
		},
		[]string{"cause"},
	)

	TerminalBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wadm_terminal_bytes_total",
			Help: "Bytes relayed between clients and shells",
		},
		[]string{"direction"},
	)

	TerminalSessionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wadm_terminal_session_duration_seconds",
			Help:    "Lifetime of terminal sessions",
			Buckets: []float64{1, 10, 60, 300, 900, 3600, 4 * 3600, 24 * 3600},
		},
	)

	TerminalSpawnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wadm_terminal_spawn_duration_seconds",
			Help:    "Time to allocate a PTY and start the shell",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
	)
)

// API metrics
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wadm_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wadm_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	AuthAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wadm_auth_attempts_total",
			Help: "Total auth attempts",
		},
		[]string{"type", "result"},
	)

	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wadm_events_published_total",
			Help: "Audit events forwarded to NATS",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		TerminalSessionsActive,
		TerminalSessionsTotal,
		TerminalRejectionsTotal,
		TerminalBytesTotal,
		TerminalSessionDuration,
		TerminalSpawnDuration,
		HTTPRequestsTotal,
		HTTPRequestDuration,
		AuthAttemptsTotal,
		EventsPublishedTotal,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// EchoMiddleware returns Echo middleware that instruments HTTP requests.
func EchoMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					status = he.Code
				}
			}

			path := c.Path()
			if path == "" {
				path = "unmatched"
			}
			HTTPRequestsTotal.WithLabelValues(c.Request().Method, path, strconv.Itoa(status)).Inc()
			HTTPRequestDuration.WithLabelValues(c.Request().Method, path).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// StartMetricsServer starts a standalone HTTP server serving /metrics on the given address.
func StartMetricsServer(addr string, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
	return srv
}

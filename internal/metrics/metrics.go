package metrics

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Session metrics
var (
	SessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "termbridge_sessions_active",
			Help: "Number of currently attached terminal sessions",
		},
		[]string{"mode"},
	)

	SessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "termbridge_sessions_total",
			Help: "Total terminal sessions by how they ended",
		},
		[]string{"mode", "result"},
	)

	SpawnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "termbridge_spawn_duration_seconds",
			Help:    "Time to start the child program in a pseudo-terminal",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
		[]string{"mode"},
	)

	SyncEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "termbridge_sync_events_total",
			Help: "State markers extracted from primary program output",
		},
	)

	DroppedMarkersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "termbridge_dropped_markers_total",
			Help: "Markers removed from output whose payload was not valid JSON",
		},
	)

	PTYBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "termbridge_pty_bytes_total",
			Help: "Bytes moved between clients and child programs",
		},
		[]string{"direction"},
	)
)

// HTTP metrics
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "termbridge_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "termbridge_http_request_duration_seconds",
			Help:    "HTTP request latency, excluding websocket upgrades",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "termbridge_events_published_total",
			Help: "Journal events published to NATS",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(
		SessionsActive,
		SessionsTotal,
		SpawnDuration,
		SyncEventsTotal,
		DroppedMarkersTotal,
		PTYBytesTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
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
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}

			path := c.Path()
			if path == "" {
				path = "unmatched"
			}
			HTTPRequestsTotal.WithLabelValues(c.Request().Method, path, strconv.Itoa(status)).Inc()
			// Upgraded connections live for the whole session.
			if c.Request().Header.Get("Upgrade") == "" {
				HTTPRequestDuration.WithLabelValues(c.Request().Method, path).Observe(time.Since(start).Seconds())
			}
			return err
		}
	}
}

// StartMetricsServer starts a standalone HTTP server serving /metrics on the given address.
func StartMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics: server on %s stopped: %v", addr, err)
		}
	}()
	return srv
}

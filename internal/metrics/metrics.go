package metrics

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Session metrics
var (
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "webterm_sessions_active",
			Help: "Number of currently active terminal sessions",
		},
	)

	SessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webterm_sessions_total",
			Help: "Total terminal sessions by how they ended",
		},
		[]string{"result"}, // "setup_failed", or the activity that ended the session
	)

	SessionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "webterm_session_duration_seconds",
			Help:    "Lifetime of terminal sessions",
			Buckets: []float64{1, 10, 60, 300, 900, 3600, 14400},
		},
	)

	FramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webterm_frames_total",
			Help: "WebSocket frames by direction and type",
		},
		[]string{"direction", "type"},
	)

	BytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webterm_pty_bytes_total",
			Help: "Bytes moved between WebSocket and PTY",
		},
		[]string{"direction"}, // "in" (to PTY) or "out" (from PTY)
	)
)

// Workspace fetch metrics
var (
	FetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webterm_workspace_fetches_total",
			Help: "Total workspace fetches",
		},
		[]string{"status"}, // "ok", "empty", "error"
	)

	FetchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "webterm_workspace_fetch_duration_seconds",
			Help:    "Time to fetch a workspace",
			Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0},
		},
	)

	FetchedObjectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "webterm_workspace_objects_fetched_total",
			Help: "Total objects written by workspace fetches",
		},
	)
)

// HTTP metrics
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webterm_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		SessionsActive,
		SessionsTotal,
		SessionDuration,
		FramesTotal,
		BytesTotal,
		FetchesTotal,
		FetchDuration,
		FetchedObjectsTotal,
		HTTPRequestsTotal,
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
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}

			HTTPRequestsTotal.WithLabelValues(
				c.Request().Method,
				c.Path(),
				strconv.Itoa(status),
			).Inc()
			return err
		}
	}
}

package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Session-subsystem metrics.
var (
	AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_auth_failures_total",
			Help: "Authentication failures by reason.",
		},
		[]string{"reason"},
	)

	CSRFRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "session_csrf_rejections_total",
		Help: "Requests rejected by the double-submit CSRF check.",
	})

	RateLimitDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_rate_limit_drops_total",
			Help: "Requests rejected by the rate limiter.",
		},
		[]string{"scope"},
	)

	RefreshRotations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "session_refresh_rotations_total",
		Help: "Successful refresh-token rotations.",
	})

	RefreshFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "session_refresh_failures_total",
		Help: "Refresh attempts that ended the session.",
	})

	PrincipalCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "session_principal_cache_hits_total",
		Help: "Principal lookups served from the in-process cache.",
	})

	PrincipalCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "session_principal_cache_misses_total",
		Help: "Principal lookups that went to the identity provider.",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		AuthFailures, CSRFRejections, RateLimitDrops,
		RefreshRotations, RefreshFailures,
		PrincipalCacheHits, PrincipalCacheMisses,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument wraps a handler with RPS/latency/in-flight accounting.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath maps request paths onto the known route set so metric
// cardinality stays bounded no matter what clients probe for.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	switch path {
	case "", "/":
		return "/"
	case "/healthz", "/readyz", "/metrics",
		"/v1/session", "/v1/session/refresh",
		"/v1/admin/verify", "/v1/workspaces":
		return path
	}
	return "/other"
}

// statusWriter records the response code written by the wrapped handler.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

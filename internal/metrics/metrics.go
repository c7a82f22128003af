package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadmod_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "threadmod_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	// Store metrics
	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "threadmod_store_latency_seconds",
			Help:    "Record store call latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5, 10},
		},
		[]string{"op"},
	)

	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadmod_store_errors_total",
			Help: "Record store calls that failed as unavailable",
		},
		[]string{"op"},
	)

	// Cache metrics
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadmod_cache_lookups_total",
			Help: "Query cache lookups by result",
		},
		[]string{"namespace", "result"}, // "hit", "miss" or "error"
	)

	CacheInvalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadmod_cache_invalidations_total",
			Help: "Namespace invalidations after mutations",
		},
		[]string{"namespace"},
	)

	// Moderation metrics
	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadmod_moderation_transitions_total",
			Help: "Successful comment status transitions",
		},
		[]string{"from", "to"},
	)

	ModerationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadmod_moderation_failures_total",
			Help: "Rejected moderation attempts by reason",
		},
		[]string{"reason"},
	)

	CommentsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threadmod_comments_created_total",
			Help: "Total comments created",
		},
	)

	// Notifier metrics
	EventsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threadmod_events_published_total",
			Help: "Moderation events published",
		},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threadmod_events_dropped_total",
			Help: "Events discarded from full subscriber queues",
		},
	)

	Subscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "threadmod_event_subscribers",
			Help: "Open event subscriptions",
		},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadmod_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"endpoint"},
	)
)

// Middleware records request counts and latency labelled by route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "silentpetals"

const (
	likeResultRecorded  = "recorded"
	likeResultDuplicate = "duplicate"
)

// Recorder owns the service and HTTP collectors. A nil *Recorder discards
// every observation.
type Recorder struct {
	gatherer           prometheus.Gatherer
	confessionsCreated prometheus.Counter
	likesApplied       *prometheus.CounterVec
	feedDegraded       prometheus.Counter
	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
}

// NewRecorder registers the collectors on registry. Use a fresh
// prometheus.NewRegistry in tests to avoid duplicate registration.
func NewRecorder(registry *prometheus.Registry) *Recorder {
	factory := promauto.With(registry)
	return &Recorder{
		gatherer: registry,
		confessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "confessions_created_total",
			Help:      "Confessions stored.",
		}),
		likesApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "confession_likes_total",
			Help:      "Like requests that succeeded, by whether a new like was recorded.",
		}, []string{"result"}),
		feedDegraded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_degraded_total",
			Help:      "Feed requests answered with an empty list because the store failed.",
		}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (r *Recorder) ConfessionCreated() {
	if r == nil {
		return
	}
	r.confessionsCreated.Inc()
}

func (r *Recorder) LikeApplied(duplicate bool) {
	if r == nil {
		return
	}
	result := likeResultRecorded
	if duplicate {
		result = likeResultDuplicate
	}
	r.likesApplied.WithLabelValues(result).Inc()
}

func (r *Recorder) FeedDegraded() {
	if r == nil {
		return
	}
	r.feedDegraded.Inc()
}

// ObserveRequest records one served HTTP request.
func (r *Recorder) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// Handler exposes the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

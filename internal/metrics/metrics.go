// Package metrics exposes Prometheus collectors for the HTTP layer and the
// progression and streak flows.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codequest_http_requests_total",
		Help: "HTTP requests by method, route pattern and status code",
	}, []string{"method", "route", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "codequest_http_request_duration_seconds",
		Help:    "HTTP request latency by route pattern",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
	}, []string{"route"})

	tasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codequest_tasks_completed_total",
		Help: "Completed tasks by difficulty",
	}, []string{"difficulty"})

	xpAwarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codequest_xp_awarded_total",
		Help: "Experience points awarded",
	})

	levelUps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codequest_level_ups_total",
		Help: "Levels gained across all users",
	})

	streakSyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codequest_streak_syncs_total",
		Help: "Streak syncs by outcome",
	}, []string{"outcome"})

	githubRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codequest_github_requests_total",
		Help: "Outbound GitHub API requests by endpoint and outcome",
	}, []string{"endpoint", "outcome"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func TaskCompleted(difficulty string, xp int) {
	tasksCompleted.WithLabelValues(difficulty).Inc()
	if xp > 0 {
		xpAwarded.Add(float64(xp))
	}
}

func LevelsGained(n int) {
	if n > 0 {
		levelUps.Add(float64(n))
	}
}

// StreakSync records a sync outcome: "ok", "degraded" or "error".
func StreakSync(outcome string) {
	streakSyncs.WithLabelValues(outcome).Inc()
}

func GitHubRequest(endpoint, outcome string) {
	githubRequests.WithLabelValues(endpoint, outcome).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Middleware counts requests per matched ServeMux pattern, so path
// parameters never blow up label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

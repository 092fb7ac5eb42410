// Package metrics declares the Prometheus collectors of the grading
// pipeline and its HTTP surface.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	AnswersGraded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autograder_answers_graded_total",
			Help: "Answers graded, by grading method and outcome",
		},
		[]string{"method", "outcome"},
	)

	TaskTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autograder_task_transitions_total",
			Help: "Grading task status transitions, by task kind and new status",
		},
		[]string{"kind", "status"},
	)

	LLMDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autograder_llm_request_duration_seconds",
			Help:    "Duration of remote grading calls",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"backend", "outcome"},
	)

	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autograder_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autograder_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"method", "endpoint"},
	)
)

var registerOnce sync.Once

// Init registers the collectors with the default registry. It is safe
// to call more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(AnswersGraded, TaskTransitions, LLMDuration, RequestCounter, RequestDuration)
	})
}

// ObserveLLM records the duration of one remote grading call.
func ObserveLLM(backend string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	LLMDuration.WithLabelValues(backend, outcome).Observe(time.Since(start).Seconds())
}

// Middleware counts requests by route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		endpoint := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			endpoint = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		RequestCounter.WithLabelValues(r.Method, endpoint, strconv.Itoa(status)).Inc()
		RequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

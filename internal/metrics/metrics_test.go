package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/api/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(RequestCounter.WithLabelValues("GET", "/api/items/{id}", "418"))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/items/42", nil))
	after := testutil.ToFloat64(RequestCounter.WithLabelValues("GET", "/api/items/{id}", "418"))
	if after-before != 1 {
		t.Errorf("expected counter to grow by 1, grew by %v", after-before)
	}
}

func TestObserveLLM(t *testing.T) {
	Init()
	ObserveLLM("openai", time.Now(), nil)
	ObserveLLM("openai", time.Now(), errors.New("boom"))
	if n := testutil.CollectAndCount(LLMDuration); n < 2 {
		t.Errorf("expected ok and error series, got %d", n)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	Init()
	Init()
	AnswersGraded.WithLabelValues("auto", "scored").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "autograder_answers_graded_total") {
		t.Error("metrics output misses autograder_answers_graded_total")
	}
}

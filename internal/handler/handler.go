// Package handler serves the operator JSON API of the grading pipeline.
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pavelanni/autograder/internal/grading"
	"github.com/pavelanni/autograder/internal/i18n"
	"github.com/pavelanni/autograder/internal/metrics"
	"github.com/pavelanni/autograder/internal/seed"
	"github.com/pavelanni/autograder/internal/store"
	"github.com/pavelanni/autograder/internal/validate"
)

// Config holds the server settings the handlers need.
type Config struct {
	// Lang is the feedback language when a request does not ask for one.
	Lang string
	// Token protects the /api routes when set.
	Token string
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store  *store.Store
	orch   *grading.Orchestrator
	seeds  *seed.Loader
	config Config
	logger *slog.Logger
}

func New(st *store.Store, orch *grading.Orchestrator, seeds *seed.Loader, cfg Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: st, orch: orch, seeds: seeds, config: cfg, logger: logger}
}

// Router builds the full HTTP surface with its middleware.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(i18n.Middleware(h.config.Lang))

	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", metrics.Handler())
	r.Route("/api", func(api chi.Router) {
		api.Use(requireToken(h.config.Token))
		h.Routes(api)
	})
	return r
}

// Routes registers the API routes.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/submissions/{submissionID}/grade", h.handleGradeSubmission)
	r.Post("/submissions/{submissionID}/regrade", h.handleRegrade)
	r.Post("/grading/bulk", h.handleBulkGrade)
	r.Put("/answers/{answerID}/grade", h.handleManualGrade)

	r.Get("/grading/tasks", h.handleListTasks)
	r.Get("/grading/tasks/stats", h.handleTaskStats)
	r.Post("/grading/tasks/{taskID}/retry", h.handleRetryTask)

	r.Get("/grading/configs", h.handleListConfigs)
	r.Post("/grading/configs", h.handleSaveConfig)
	r.Get("/grading/services", h.handleServices)

	r.Post("/fixtures", h.handleUploadFixtures)
	r.Get("/exams/{examID}/export", h.handleExport)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorResponse struct {
	Error  string                `json:"error"`
	Fields []validate.FieldError `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// fail maps an error from the grading layer to a response.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var fields validate.Errors
	switch {
	case errors.As(err, &fields):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "validation failed", Fields: fields})
	case errors.Is(err, store.ErrNotFound), errors.Is(err, grading.ErrSubmissionsNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, validate.ErrInvalid),
		errors.Is(err, grading.ErrBatchTooLarge),
		errors.Is(err, grading.ErrEmptyBatch),
		errors.Is(err, grading.ErrScoreOutOfRange),
		errors.Is(err, store.ErrExamMismatch):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, grading.ErrNotSubmitted),
		errors.Is(err, store.ErrTaskNotFailed),
		errors.Is(err, store.ErrRetriesExhausted),
		errors.Is(err, store.ErrTaskActive):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, grading.ErrNoQueue):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(body io.Reader, v any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// decode reads a JSON request body into v and validates it.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := decodeBody(r.Body, v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	if err := h.orch.Validate(v); err != nil {
		h.fail(w, r, err)
		return false
	}
	return true
}

func idParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

package handler

import (
	"net/http"
	"strconv"

	"github.com/pavelanni/autograder/internal/model"
)

// GradeRequest selects an optional backend for one grading run.
type GradeRequest struct {
	Service       string               `json:"grading_service" validate:"omitempty,max=64"`
	ServiceConfig *model.ServiceConfig `json:"service_config"`
}

type BulkGradeRequest struct {
	GradeRequest
	SubmissionIDs []int64 `json:"submission_ids" validate:"required,min=1,max=100,dive,gt=0"`
}

type ManualGradeRequest struct {
	Score    *float64 `json:"score" validate:"required,gte=0"`
	Feedback string   `json:"feedback" validate:"max=5000"`
}

// optionalGrade decodes a grading request body that may be empty.
func (h *Handler) optionalGrade(w http.ResponseWriter, r *http.Request) (GradeRequest, bool) {
	var req GradeRequest
	if r.ContentLength == 0 {
		return req, true
	}
	return req, h.decode(w, r, &req)
}

func (h *Handler) handleGradeSubmission(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "submissionID")
	if !ok {
		return
	}
	req, ok := h.optionalGrade(w, r)
	if !ok {
		return
	}
	taskID, err := h.orch.GradeSubmission(r.Context(), id, req.Service, req.ServiceConfig)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"submission_id": id,
		"task_id":       taskID,
		"status":        model.TaskPending,
	})
}

func (h *Handler) handleBulkGrade(w http.ResponseWriter, r *http.Request) {
	var req BulkGradeRequest
	if !h.decode(w, r, &req) {
		return
	}
	taskIDs, err := h.orch.BulkGrade(r.Context(), req.SubmissionIDs, req.Service, req.ServiceConfig)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_ids": taskIDs,
		"count":    len(taskIDs),
	})
}

func (h *Handler) handleRegrade(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "submissionID")
	if !ok {
		return
	}
	all := false
	if v := r.URL.Query().Get("all"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid all")
			return
		}
		all = b
	}
	req, ok := h.optionalGrade(w, r)
	if !ok {
		return
	}
	n, err := h.orch.Regrade(r.Context(), id, all, req.Service, req.ServiceConfig)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"submission_id": id,
		"enqueued":      n,
	})
}

func (h *Handler) handleManualGrade(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "answerID")
	if !ok {
		return
	}
	var req ManualGradeRequest
	if !h.decode(w, r, &req) {
		return
	}
	av, err := h.orch.ManualGrade(r.Context(), id, *req.Score, req.Feedback)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, av)
}

func (h *Handler) handleListTasks(w http.ResponseWriter, r *http.Request) {
	status := model.TaskStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = model.TaskFailed
	}
	if !status.Valid() {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	tasks, err := h.orch.TasksByStatus(r.Context(), status, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []model.GradingTask{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handler) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.orch.TaskStats(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "taskID")
	if !ok {
		return
	}
	task, err := h.orch.RetryTask(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

package handler

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/pavelanni/autograder/internal/export"
	"github.com/pavelanni/autograder/internal/model"
	"github.com/pavelanni/autograder/internal/seed"
)

const maxFixtureSize = 10 << 20

// redact hides stored API keys from responses.
func redact(c model.GradingConfiguration) model.GradingConfiguration {
	if c.ServiceConfig.APIKey != "" {
		c.ServiceConfig.APIKey = "***"
	}
	return c
}

func (h *Handler) handleListConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := h.store.ListConfigs(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]model.GradingConfiguration, 0, len(configs))
	for _, c := range configs {
		out = append(out, redact(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleSaveConfig(w http.ResponseWriter, r *http.Request) {
	c := model.DefaultConfiguration("")
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := decodeBody(r.Body, &c); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	saved, err := h.orch.SaveConfig(r.Context(), c)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, redact(saved))
}

func (h *Handler) handleServices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.Services())
}

// handleUploadFixtures imports a YAML fixture sent as the "fixture" form
// file. Content that was imported before is reported as skipped.
func (h *Handler) handleUploadFixtures(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFixtureSize+1<<20)
	if err := r.ParseMultipartForm(maxFixtureSize); err != nil {
		writeError(w, http.StatusBadRequest, "file too large")
		return
	}

	file, header, err := r.FormFile("fixture")
	if err != nil {
		writeError(w, http.StatusBadRequest, "no file uploaded")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read file")
		return
	}

	res, err := h.seeds.Load(r.Context(), header.Filename, data)
	if errors.Is(err, seed.ErrInvalidFixture) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Skipped {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	examID, ok := idParam(w, r, "examID")
	if !ok {
		return
	}
	format := export.FormatJSON
	if v := r.URL.Query().Get("format"); v != "" {
		f, err := export.ParseFormat(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		format = f
	}
	exp, err := h.store.ExportExam(r.Context(), examID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	// Render fully before writing so failures can still change the status.
	var buf bytes.Buffer
	if err := export.Write(&buf, exp, format); err != nil {
		h.fail(w, r, err)
		return
	}
	filename := fmt.Sprintf("exam-%d-grades.%s", examID, format)
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Write(buf.Bytes())
}

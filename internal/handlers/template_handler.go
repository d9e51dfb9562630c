package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/licitometro/internal/interfaces"
	"github.com/ternarybob/licitometro/internal/models"
)

// TemplateHandler serves template CRUD, runs, test runs and run history
type TemplateHandler struct {
	templates    interfaces.TemplateService
	jobs         interfaces.JobOrchestrator
	previewLimit int
	logger       arbor.ILogger
}

// NewTemplateHandler creates a new template handler
func NewTemplateHandler(templates interfaces.TemplateService, jobs interfaces.JobOrchestrator, previewLimit int, logger arbor.ILogger) *TemplateHandler {
	return &TemplateHandler{
		templates:    templates,
		jobs:         jobs,
		previewLimit: previewLimit,
		logger:       logger,
	}
}

// RunResponse is returned when a job is started
type RunResponse struct {
	JobID  string           `json:"jobId"`
	Status models.JobStatus `json:"status"`
}

// RunRequest is the optional body of a run; priority overrides the template's own
type RunRequest struct {
	Priority string `json:"priority,omitempty"`
}

// BatchRunRequest starts several templates under one batch id
type BatchRunRequest struct {
	TemplateIDs []string `json:"templateIds"`
	Priority    string   `json:"priority,omitempty"`
}

// HistoryResponse wraps a template's run history
type HistoryResponse struct {
	Runs []*models.RunHistoryRecord `json:"runs"`
}

// TestRequest is the optional body of a test run. Template replaces the stored
// definition, which allows previewing unsaved edits.
type TestRequest struct {
	Limit    int                   `json:"limit,omitempty"`
	Template *models.TemplatePatch `json:"template,omitempty"`
}

// ListTemplatesHandler handles GET /templates
func (h *TemplateHandler) ListTemplatesHandler(w http.ResponseWriter, r *http.Request) {
	templates, err := h.templates.List(r.Context())
	if err != nil {
		WriteServiceError(w, h.logger, err, "list templates")
		return
	}
	if templates == nil {
		templates = []*models.Template{}
	}
	WriteJSON(w, http.StatusOK, templates)
}

// CreateTemplateHandler handles POST /templates
func (h *TemplateHandler) CreateTemplateHandler(w http.ResponseWriter, r *http.Request) {
	var patch models.TemplatePatch
	if err := DecodeJSON(r, w, &patch); err != nil {
		WriteServiceError(w, h.logger, err, "create template")
		return
	}

	created, err := h.templates.Create(r.Context(), models.NewTemplateFromPatch(&patch))
	if err != nil {
		WriteServiceError(w, h.logger, err, "create template")
		return
	}
	WriteJSON(w, http.StatusCreated, created)
}

// GetTemplateHandler handles GET /templates/{id}
func (h *TemplateHandler) GetTemplateHandler(w http.ResponseWriter, r *http.Request, id string) {
	template, err := h.templates.Get(r.Context(), id)
	if err != nil {
		WriteServiceError(w, h.logger, err, "get template")
		return
	}
	WriteJSON(w, http.StatusOK, template)
}

// UpdateTemplateHandler handles PUT /templates/{id}
func (h *TemplateHandler) UpdateTemplateHandler(w http.ResponseWriter, r *http.Request, id string) {
	var patch models.TemplatePatch
	if err := DecodeJSON(r, w, &patch); err != nil {
		WriteServiceError(w, h.logger, err, "update template")
		return
	}

	updated, err := h.templates.Update(r.Context(), id, &patch)
	if err != nil {
		WriteServiceError(w, h.logger, err, "update template")
		return
	}
	WriteJSON(w, http.StatusOK, updated)
}

// DeleteTemplateHandler handles DELETE /templates/{id}
func (h *TemplateHandler) DeleteTemplateHandler(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.templates.Delete(r.Context(), id); err != nil {
		WriteServiceError(w, h.logger, err, "delete template")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "Template deleted",
	})
}

// RunTemplateHandler handles POST /templates/{id}/run
func (h *TemplateHandler) RunTemplateHandler(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var req RunRequest
	if r.ContentLength != 0 {
		if err := DecodeJSON(r, w, &req); err != nil {
			WriteServiceError(w, h.logger, err, "start job")
			return
		}
	}
	priority, err := models.ParseJobPriority(req.Priority)
	if err != nil {
		WriteServiceError(w, h.logger, err, "start job")
		return
	}

	job, err := h.jobs.StartWithOptions(r.Context(), id, models.StartOptions{
		Trigger:  models.JobTriggerManual,
		Priority: priority,
	})
	if err != nil {
		WriteServiceError(w, h.logger, err, "start job")
		return
	}
	WriteJSON(w, http.StatusAccepted, RunResponse{JobID: job.ID, Status: job.Status})
}

// RunBatchHandler handles POST /templates/batch/run
func (h *TemplateHandler) RunBatchHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var req BatchRunRequest
	if err := DecodeJSON(r, w, &req); err != nil {
		WriteServiceError(w, h.logger, err, "start batch")
		return
	}
	priority, err := models.ParseJobPriority(req.Priority)
	if err != nil {
		WriteServiceError(w, h.logger, err, "start batch")
		return
	}

	batch, err := h.jobs.StartBatch(r.Context(), req.TemplateIDs, priority)
	if err != nil {
		WriteServiceError(w, h.logger, err, "start batch")
		return
	}
	WriteJSON(w, http.StatusAccepted, batch)
}

// TestTemplateHandler handles POST /templates/{id}/test. Nothing is persisted.
func (h *TemplateHandler) TestTemplateHandler(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var req TestRequest
	if r.ContentLength != 0 {
		if err := DecodeJSON(r, w, &req); err != nil {
			WriteServiceError(w, h.logger, err, "test template")
			return
		}
	}

	var template *models.Template
	if id != "" {
		stored, err := h.templates.Get(r.Context(), id)
		if err != nil {
			WriteServiceError(w, h.logger, err, "test template")
			return
		}
		template = stored
		if req.Template != nil {
			req.Template.Apply(template)
		}
	} else {
		if req.Template == nil {
			WriteServiceError(w, h.logger, models.NewValidationError("template is required"), "test template")
			return
		}
		template = models.NewTemplateFromPatch(req.Template)
		template.ID = "preview"
		for i := range template.Fields {
			if template.Fields[i].ID == "" {
				template.Fields[i].ID = template.Fields[i].Name
			}
		}
	}

	if err := h.templates.Validate(template); err != nil {
		WriteServiceError(w, h.logger, err, "test template")
		return
	}

	limit := req.Limit
	if limit <= 0 || limit > h.previewLimit {
		limit = h.previewLimit
	}

	result, err := h.jobs.Preview(r.Context(), template, limit)
	if err != nil {
		WriteServiceError(w, h.logger, err, "test template")
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

// HistoryHandler handles GET /templates/{id}/history
func (h *TemplateHandler) HistoryHandler(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	runs, err := h.jobs.GetHistory(r.Context(), id)
	if err != nil {
		WriteServiceError(w, h.logger, err, "get run history")
		return
	}
	if runs == nil {
		runs = []*models.RunHistoryRecord{}
	}
	WriteJSON(w, http.StatusOK, HistoryResponse{Runs: runs})
}

// TemplateJobsHandler handles GET /templates/{id}/jobs
func (h *TemplateHandler) TemplateJobsHandler(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	if _, err := h.templates.Get(r.Context(), id); err != nil {
		WriteServiceError(w, h.logger, err, "list jobs")
		return
	}
	jobs, err := h.jobs.ListJobs(r.Context(), id)
	if err != nil {
		WriteServiceError(w, h.logger, err, "list jobs")
		return
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}
	WriteJSON(w, http.StatusOK, jobs)
}

// HandleTemplates routes /templates
func (h *TemplateHandler) HandleTemplates(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "GET":
		h.ListTemplatesHandler(w, r)
	case "POST":
		h.CreateTemplateHandler(w, r)
	default:
		WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// HandleTemplate routes /templates/{id} and its sub-resources
func (h *TemplateHandler) HandleTemplate(w http.ResponseWriter, r *http.Request) {
	segments := PathSegments(r.URL.Path, "templates")

	switch {
	case len(segments) == 0:
		h.HandleTemplates(w, r)
	case len(segments) == 1 && segments[0] == "test":
		h.TestTemplateHandler(w, r, "")
	case len(segments) == 2 && segments[0] == "batch" && segments[1] == "run":
		h.RunBatchHandler(w, r)
	case len(segments) == 1:
		id := segments[0]
		switch r.Method {
		case "GET":
			h.GetTemplateHandler(w, r, id)
		case "PUT", "PATCH":
			h.UpdateTemplateHandler(w, r, id)
		case "DELETE":
			h.DeleteTemplateHandler(w, r, id)
		default:
			WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	case len(segments) == 2:
		id := segments[0]
		switch segments[1] {
		case "run":
			h.RunTemplateHandler(w, r, id)
		case "test":
			h.TestTemplateHandler(w, r, id)
		case "history":
			h.HistoryHandler(w, r, id)
		case "jobs":
			h.TemplateJobsHandler(w, r, id)
		default:
			WriteError(w, http.StatusNotFound, "Not found")
		}
	default:
		WriteError(w, http.StatusNotFound, "Not found")
	}
}

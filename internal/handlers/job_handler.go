package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/licitometro/internal/interfaces"
	"github.com/ternarybob/licitometro/internal/models"
)

// JobHandler serves job status polling, cancellation, listings and batch status
type JobHandler struct {
	jobs         interfaces.JobOrchestrator
	records      interfaces.RecordStorage
	pollInterval time.Duration
	logger       arbor.ILogger
}

// NewJobHandler creates a new job handler
func NewJobHandler(jobs interfaces.JobOrchestrator, records interfaces.RecordStorage, pollInterval time.Duration, logger arbor.ILogger) *JobHandler {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &JobHandler{
		jobs:         jobs,
		records:      records,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

// setPollHint tells clients how long to wait before polling a live job again
func (h *JobHandler) setPollHint(w http.ResponseWriter, job *models.Job) {
	if job != nil && job.Status.IsActive() {
		w.Header().Set("X-Poll-Interval", h.pollInterval.String())
	}
}

// ListJobsHandler handles GET /jobs?templateId=&limit=
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	jobs, err := h.jobs.ListJobs(r.Context(), r.URL.Query().Get("templateId"))
	if err != nil {
		WriteServiceError(w, h.logger, err, "list jobs")
		return
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}
	if limit := QueryInt(r, "limit", 0); limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	WriteJSON(w, http.StatusOK, jobs)
}

// GetJobStatusHandler handles GET /jobs/{id} and GET /jobs/{id}/status
func (h *JobHandler) GetJobStatusHandler(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	job, err := h.jobs.GetStatus(r.Context(), id)
	if err != nil {
		WriteServiceError(w, h.logger, err, "get job status")
		return
	}
	h.setPollHint(w, job)
	WriteJSON(w, http.StatusOK, job)
}

// CancelJobHandler handles POST /jobs/{id}/cancel. Cancelling a finished job returns it unchanged.
func (h *JobHandler) CancelJobHandler(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	job, err := h.jobs.Cancel(r.Context(), id)
	if err != nil {
		WriteServiceError(w, h.logger, err, "cancel job")
		return
	}

	h.logger.Info().Str("job_id", id).Str("status", string(job.Status)).Msg("Job cancellation requested")
	h.setPollHint(w, job)
	WriteJSON(w, http.StatusOK, job)
}

// GetJobRecordsHandler handles GET /jobs/{id}/records
func (h *JobHandler) GetJobRecordsHandler(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	if _, err := h.jobs.GetStatus(r.Context(), id); err != nil {
		WriteServiceError(w, h.logger, err, "list records")
		return
	}
	records, err := h.records.ListRecordsByJob(r.Context(), id)
	if err != nil {
		WriteServiceError(w, h.logger, err, "list records")
		return
	}
	if records == nil {
		records = []*models.Record{}
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobId":   id,
		"records": records,
		"total":   len(records),
	})
}

// GetBatchHandler handles GET /batches/{id}
func (h *JobHandler) GetBatchHandler(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	batch, err := h.jobs.GetBatch(r.Context(), id)
	if err != nil {
		WriteServiceError(w, h.logger, err, "get batch status")
		return
	}
	if batch.Status != models.BatchStateCompleted {
		w.Header().Set("X-Poll-Interval", h.pollInterval.String())
	}
	WriteJSON(w, http.StatusOK, batch)
}

// HandleBatch routes /batches/{id}
func (h *JobHandler) HandleBatch(w http.ResponseWriter, r *http.Request) {
	segments := PathSegments(r.URL.Path, "batches")
	if len(segments) != 1 {
		WriteError(w, http.StatusNotFound, "Not found")
		return
	}
	h.GetBatchHandler(w, r, segments[0])
}

// HandleJob routes /jobs, /jobs/{id} and its sub-resources
func (h *JobHandler) HandleJob(w http.ResponseWriter, r *http.Request) {
	segments := PathSegments(r.URL.Path, "jobs")

	switch {
	case len(segments) == 0:
		h.ListJobsHandler(w, r)
	case len(segments) == 1:
		h.GetJobStatusHandler(w, r, segments[0])
	case len(segments) == 2:
		id := segments[0]
		switch segments[1] {
		case "status":
			h.GetJobStatusHandler(w, r, id)
		case "cancel":
			h.CancelJobHandler(w, r, id)
		case "records":
			h.GetJobRecordsHandler(w, r, id)
		default:
			WriteError(w, http.StatusNotFound, "Not found")
		}
	default:
		WriteError(w, http.StatusNotFound, "Not found")
	}
}

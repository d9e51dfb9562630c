package models

import "time"

// BatchState summarizes the jobs of a batch
type BatchState string

const (
	BatchStatePending   BatchState = "pending"   // every job still waits for a worker
	BatchStateRunning   BatchState = "running"   // at least one job is pending or running
	BatchStateCompleted BatchState = "completed" // every job is terminal
)

// BatchRejection records a template of a batch request that could not be started
type BatchRejection struct {
	TemplateID string `json:"templateId"`
	Error      string `json:"error"`
}

// Batch groups jobs started by one request
type Batch struct {
	ID        string           `json:"id"`
	Priority  JobPriority      `json:"priority,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
	JobIDs    []string         `json:"jobIds"`
	Rejected  []BatchRejection `json:"rejected,omitempty"`
}

// BatchTotals sums the progress counters of a batch's jobs
type BatchTotals struct {
	TotalFound      int     `json:"totalFound"`
	Processed       int     `json:"processed"`
	Saved           int     `json:"saved"`
	Skipped         int     `json:"skipped"`
	Errors          int     `json:"errors"`
	PercentComplete float64 `json:"percentComplete"`
}

// BatchStatus is the pollable view of a batch
type BatchStatus struct {
	Batch
	Status BatchState        `json:"status"`
	Counts map[JobStatus]int `json:"counts"`
	Totals BatchTotals       `json:"totals"`
	Jobs   []*Job            `json:"jobs"`
}

// NewBatchStatus aggregates the current snapshots of the batch's jobs
func NewBatchStatus(batch *Batch, jobs []*Job) *BatchStatus {
	status := &BatchStatus{
		Batch:  *batch,
		Counts: make(map[JobStatus]int),
		Jobs:   jobs,
	}
	status.JobIDs = append([]string{}, batch.JobIDs...)
	status.Rejected = append([]BatchRejection(nil), batch.Rejected...)

	active, pending := 0, 0
	for _, job := range jobs {
		status.Counts[job.Status]++
		switch job.Status {
		case JobStatusPending:
			pending++
			active++
		case JobStatusRunning:
			active++
		}

		p := job.Progress
		status.Totals.TotalFound += p.TotalFound
		status.Totals.Processed += p.Processed
		status.Totals.Saved += p.Saved
		status.Totals.Skipped += p.Skipped
		status.Totals.Errors += p.Errors
	}

	total := status.Totals.TotalFound
	if total < 1 {
		total = 1
	}
	status.Totals.PercentComplete = float64(status.Totals.Processed) / float64(total) * 100

	switch {
	case len(jobs) > 0 && pending == len(jobs):
		status.Status = BatchStatePending
	case active > 0:
		status.Status = BatchStateRunning
	default:
		status.Status = BatchStateCompleted
	}
	return status
}

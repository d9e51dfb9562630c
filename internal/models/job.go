package models

import (
	"fmt"
	"strings"
	"time"
)

// JobStatus represents the lifecycle state of a scraping job.
// Transitions only move forward: pending -> running -> completed|failed|cancelled.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// IsActive reports whether the job counts against the one-job-per-template rule
func (s JobStatus) IsActive() bool {
	return s == JobStatusPending || s == JobStatusRunning
}

// CanTransitionTo enforces the forward-only state machine
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusRunning || next == JobStatusFailed || next == JobStatusCancelled
	case JobStatusRunning:
		return next.IsTerminal()
	}
	return false
}

// JobOutcome sub-classifies a completed job
type JobOutcome string

const (
	JobOutcomeSuccess JobOutcome = "success" // errors == 0
	JobOutcomePartial JobOutcome = "partial" // errors > 0 with at least one processed item
)

// JobTrigger records what started the job
type JobTrigger string

const (
	JobTriggerManual    JobTrigger = "manual"
	JobTriggerScheduled JobTrigger = "scheduled"
)

// JobPriority orders jobs waiting for a worker slot. Higher priorities are served
// first, equal priorities in admission order.
type JobPriority string

const (
	JobPriorityLow      JobPriority = "low"
	JobPriorityMedium   JobPriority = "medium"
	JobPriorityHigh     JobPriority = "high"
	JobPriorityCritical JobPriority = "critical"
)

// Rank returns the ordering weight of the priority; unset counts as medium
func (p JobPriority) Rank() int {
	switch p {
	case JobPriorityLow:
		return 0
	case JobPriorityHigh:
		return 2
	case JobPriorityCritical:
		return 3
	}
	return 1
}

// ParseJobPriority accepts a priority name in any case. An empty name is valid and
// means "not set".
func ParseJobPriority(name string) (JobPriority, error) {
	p := JobPriority(strings.ToLower(strings.TrimSpace(name)))
	switch p {
	case "", JobPriorityLow, JobPriorityMedium, JobPriorityHigh, JobPriorityCritical:
		return p, nil
	}
	return "", NewValidationError(fmt.Sprintf("priority must be one of [low medium high critical], got %q", name))
}

// StartOptions qualify a job start
type StartOptions struct {
	Trigger  JobTrigger
	Priority JobPriority // empty falls back to the template's priority
	BatchID  string
}

// ProgressSnapshot is the pollable progress of a job.
// Item counters partition processed: Processed == Saved + Skipped.
// Errors counts field-level extraction failures.
type ProgressSnapshot struct {
	TotalFound       int      `json:"totalFound"`
	Processed        int      `json:"processed"`
	Saved            int      `json:"saved"`
	Errors           int      `json:"errors"`
	Skipped          int      `json:"skipped"`
	PercentComplete  float64  `json:"percentComplete"`
	ItemsPerMinute   float64  `json:"itemsPerMinute"`
	ElapsedSeconds   float64  `json:"elapsedSeconds"`
	SuccessRate      float64  `json:"successRate"`
	CurrentStatus    string   `json:"currentStatus"`
	LastSavedSummary string   `json:"lastSavedSummary,omitempty"`
	RecentErrors     []string `json:"recentErrors"`
}

// Job is one execution of a template. Only the orchestrator mutates it.
type Job struct {
	ID           string           `json:"id"`
	TemplateID   string           `json:"templateId" badgerhold:"index"`
	TemplateName string           `json:"templateName"`
	Status       JobStatus        `json:"status" badgerhold:"index"`
	Outcome      JobOutcome       `json:"outcome,omitempty"`
	Trigger      JobTrigger       `json:"trigger"`
	Priority     JobPriority      `json:"priority"`
	BatchID      string           `json:"batchId,omitempty" badgerhold:"index"`
	CreatedAt    time.Time        `json:"createdAt"`
	StartedAt    *time.Time       `json:"startedAt,omitempty"`
	FinishedAt   *time.Time       `json:"finishedAt,omitempty"`
	Progress     ProgressSnapshot `json:"progress"`
	Error        string           `json:"error,omitempty"`
}

// Clone returns a deep copy safe to hand to concurrent readers
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	c.Progress.RecentErrors = append([]string{}, j.Progress.RecentErrors...)
	return &c
}

// HistoryStatus is the status recorded in a RunHistoryRecord
type HistoryStatus string

const (
	HistoryStatusSuccess   HistoryStatus = "success"
	HistoryStatusPartial   HistoryStatus = "partial"
	HistoryStatusError     HistoryStatus = "error"
	HistoryStatusCancelled HistoryStatus = "cancelled"
)

// HistoryStatusFor maps a terminal job to its history classification
func HistoryStatusFor(job *Job) HistoryStatus {
	switch job.Status {
	case JobStatusCompleted:
		if job.Outcome == JobOutcomePartial {
			return HistoryStatusPartial
		}
		return HistoryStatusSuccess
	case JobStatusCancelled:
		return HistoryStatusCancelled
	}
	return HistoryStatusError
}

// RunHistoryRecord is the append-only audit entry written when a job reaches a terminal state
type RunHistoryRecord struct {
	ID             string        `json:"id"`
	JobID          string        `json:"jobId" badgerhold:"index"`
	TemplateID     string        `json:"templateId" badgerhold:"index"`
	StartedAt      time.Time     `json:"startedAt"`
	FinishedAt     time.Time     `json:"finishedAt"`
	Status         HistoryStatus `json:"status"`
	ItemsProcessed int           `json:"itemsProcessed"`
	ItemsSaved     int           `json:"itemsSaved"`
	Errors         int           `json:"errors"`
	Error          string        `json:"error,omitempty"`
}

// NewRunHistoryRecord builds the history entry for a terminal job
func NewRunHistoryRecord(id string, job *Job) *RunHistoryRecord {
	rec := &RunHistoryRecord{
		ID:             id,
		JobID:          job.ID,
		TemplateID:     job.TemplateID,
		StartedAt:      job.CreatedAt,
		Status:         HistoryStatusFor(job),
		ItemsProcessed: job.Progress.Processed,
		ItemsSaved:     job.Progress.Saved,
		Errors:         job.Progress.Errors,
		Error:          job.Error,
	}
	if job.StartedAt != nil {
		rec.StartedAt = *job.StartedAt
	}
	if job.FinishedAt != nil {
		rec.FinishedAt = *job.FinishedAt
	}
	return rec
}

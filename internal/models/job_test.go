package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJobStatusTransitions(t *testing.T) {
	tests := []struct {
		from     JobStatus
		to       JobStatus
		expected bool
	}{
		{JobStatusPending, JobStatusRunning, true},
		{JobStatusPending, JobStatusCancelled, true},
		{JobStatusPending, JobStatusFailed, true},
		{JobStatusPending, JobStatusCompleted, false},
		{JobStatusRunning, JobStatusCompleted, true},
		{JobStatusRunning, JobStatusFailed, true},
		{JobStatusRunning, JobStatusCancelled, true},
		{JobStatusRunning, JobStatusPending, false},
		{JobStatusCompleted, JobStatusRunning, false},
		{JobStatusFailed, JobStatusCancelled, false},
		{JobStatusCancelled, JobStatusCompleted, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestJobStatusClassification(t *testing.T) {
	assert.True(t, JobStatusPending.IsActive())
	assert.True(t, JobStatusRunning.IsActive())
	assert.False(t, JobStatusCompleted.IsActive())

	for _, s := range []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCancelled} {
		assert.True(t, s.IsTerminal(), s)
	}
	assert.False(t, JobStatusRunning.IsTerminal())
}

func TestHistoryStatusFor(t *testing.T) {
	assert.Equal(t, HistoryStatusSuccess, HistoryStatusFor(&Job{Status: JobStatusCompleted, Outcome: JobOutcomeSuccess}))
	assert.Equal(t, HistoryStatusPartial, HistoryStatusFor(&Job{Status: JobStatusCompleted, Outcome: JobOutcomePartial}))
	assert.Equal(t, HistoryStatusError, HistoryStatusFor(&Job{Status: JobStatusFailed}))
	assert.Equal(t, HistoryStatusCancelled, HistoryStatusFor(&Job{Status: JobStatusCancelled}))
}

func TestJobClone_IsDeep(t *testing.T) {
	started := time.Now()
	job := &Job{
		ID:        "job-1",
		Status:    JobStatusRunning,
		StartedAt: &started,
		Progress:  ProgressSnapshot{RecentErrors: []string{"boom"}},
	}

	clone := job.Clone()
	clone.Progress.RecentErrors[0] = "changed"
	*clone.StartedAt = started.Add(time.Hour)

	assert.Equal(t, "boom", job.Progress.RecentErrors[0])
	assert.Equal(t, started, *job.StartedAt)
}

func TestNewRunHistoryRecord(t *testing.T) {
	started := time.Now().Add(-time.Minute)
	finished := time.Now()
	job := &Job{
		ID:         "job-1",
		TemplateID: "tpl-1",
		Status:     JobStatusCompleted,
		Outcome:    JobOutcomePartial,
		StartedAt:  &started,
		FinishedAt: &finished,
		Progress:   ProgressSnapshot{Processed: 3, Saved: 2, Skipped: 1, Errors: 1},
	}

	rec := NewRunHistoryRecord("run-1", job)
	assert.Equal(t, "job-1", rec.JobID)
	assert.Equal(t, "tpl-1", rec.TemplateID)
	assert.Equal(t, HistoryStatusPartial, rec.Status)
	assert.Equal(t, 3, rec.ItemsProcessed)
	assert.Equal(t, 2, rec.ItemsSaved)
	assert.Equal(t, started, rec.StartedAt)
	assert.Equal(t, finished, rec.FinishedAt)
}

func TestErrorTaxonomy(t *testing.T) {
	assert.True(t, errors.Is(ErrAlreadyRunning, ErrConflict))
	assert.True(t, errors.Is(NotFoundf("template %s", "x"), ErrNotFound))
	assert.True(t, errors.Is(Conflictf("template %s in use", "x"), ErrConflict))

	assert.NoError(t, (&ValidationError{}).OrNil())
	assert.Error(t, NewValidationError("bad").OrNil())
}

func TestHashValues_Canonical(t *testing.T) {
	a := map[string]interface{}{"title": "Obra", "budget": 10.5}
	b := map[string]interface{}{"budget": 10.5, "title": "Obra"}
	assert.Equal(t, HashValues(a), HashValues(b))
	assert.NotEqual(t, HashValues(a), HashValues(map[string]interface{}{"title": "Otra"}))
}

func TestJobPriority(t *testing.T) {
	assert.Greater(t, JobPriorityCritical.Rank(), JobPriorityHigh.Rank())
	assert.Greater(t, JobPriorityHigh.Rank(), JobPriorityMedium.Rank())
	assert.Greater(t, JobPriorityMedium.Rank(), JobPriorityLow.Rank())
	assert.Equal(t, JobPriorityMedium.Rank(), JobPriority("").Rank(), "unset ranks as medium")

	p, err := ParseJobPriority(" HIGH ")
	assert.NoError(t, err)
	assert.Equal(t, JobPriorityHigh, p)

	p, err = ParseJobPriority("")
	assert.NoError(t, err)
	assert.Equal(t, JobPriority(""), p)

	_, err = ParseJobPriority("urgent")
	assert.True(t, IsValidationError(err))
}

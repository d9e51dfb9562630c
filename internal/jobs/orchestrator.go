// Package jobs owns the job lifecycle: admission under the one-active-job-per-template
// rule, a bounded worker pool, runners publishing progress snapshots, cancellation,
// terminal bookkeeping and run history.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/licitometro/internal/common"
	"github.com/ternarybob/licitometro/internal/interfaces"
	"github.com/ternarybob/licitometro/internal/models"
	"github.com/ternarybob/licitometro/internal/services/retry"
	"github.com/ternarybob/licitometro/internal/services/transform"
)

// Orchestrator implements interfaces.JobOrchestrator
type Orchestrator struct {
	templates  interfaces.TemplateStorage
	jobs       interfaces.JobStorage
	history    interfaces.RunHistoryStorage
	records    interfaces.RecordStorage
	extraction interfaces.ExtractionService
	transforms *transform.Service
	policy     *retry.Policy
	config     *common.ReconConfig
	logger     arbor.ILogger
	pool       *workerPool

	// admitMu serializes admission, template guards and the release of a template's active slot
	admitMu sync.Mutex

	// mu guards the registry below; never held while calling storage or extraction
	mu     sync.RWMutex
	runs   map[string]*run
	active map[string]string // templateID -> jobID of its pending or running job
	order  []string          // job ids, oldest first
	closed bool

	batches    map[string]*models.Batch
	batchOrder []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator creates the job orchestrator
func NewOrchestrator(
	storage interfaces.StorageManager,
	extraction interfaces.ExtractionService,
	transforms *transform.Service,
	config *common.ReconConfig,
	logger arbor.ILogger,
) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())

	return &Orchestrator{
		templates:  storage.TemplateStorage(),
		jobs:       storage.JobStorage(),
		history:    storage.RunHistoryStorage(),
		records:    storage.RecordStorage(),
		extraction: extraction,
		transforms: transforms,
		policy:     retry.NewPolicy(config),
		config:     config,
		logger:     logger,
		pool:       newWorkerPool(config.Workers),
		runs:       make(map[string]*run),
		active:     make(map[string]string),
		batches:    make(map[string]*models.Batch),
		ctx:        ctx,
		cancel:     cancel,
	}
}

var _ interfaces.JobOrchestrator = (*Orchestrator)(nil)

// Start admits a new job for the template. The job is Pending until a worker slot is free.
func (o *Orchestrator) Start(ctx context.Context, templateID string, trigger models.JobTrigger) (*models.Job, error) {
	return o.StartWithOptions(ctx, templateID, models.StartOptions{Trigger: trigger})
}

// StartWithOptions admits a new job with an explicit priority or batch. Without a
// priority the template's own priority applies.
func (o *Orchestrator) StartWithOptions(ctx context.Context, templateID string, opts models.StartOptions) (*models.Job, error) {
	o.admitMu.Lock()
	defer o.admitMu.Unlock()

	o.mu.RLock()
	closed := o.closed
	activeJobID, busy := o.active[templateID]
	o.mu.RUnlock()

	if closed {
		return nil, fmt.Errorf("orchestrator is shutting down")
	}
	if busy {
		return nil, fmt.Errorf("%w (job %s)", models.ErrAlreadyRunning, activeJobID)
	}

	template, err := o.templates.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if !template.Active {
		return nil, models.ErrTemplateInactive
	}

	trigger := opts.Trigger
	if trigger == "" {
		trigger = models.JobTriggerManual
	}
	priority := opts.Priority
	if priority == "" {
		priority = template.Priority
	}
	if priority == "" {
		priority = models.JobPriorityMedium
	}

	job := &models.Job{
		ID:           common.NewJobID(),
		TemplateID:   template.ID,
		TemplateName: template.Name,
		Status:       models.JobStatusPending,
		Trigger:      trigger,
		Priority:     priority,
		BatchID:      opts.BatchID,
		CreatedAt:    time.Now(),
		Progress: models.ProgressSnapshot{
			CurrentStatus: "waiting for a worker",
			RecentErrors:  []string{},
		},
	}

	if err := o.jobs.SaveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	r := newRun(job)

	o.mu.Lock()
	o.runs[job.ID] = r
	o.active[templateID] = job.ID
	o.order = append(o.order, job.ID)
	o.evictLocked()
	o.wg.Add(1)
	o.mu.Unlock()

	o.logger.Info().
		Str("job_id", job.ID).
		Str("template_id", templateID).
		Str("trigger", string(trigger)).
		Str("priority", string(priority)).
		Msg("Job admitted")

	common.SafeGo(o.logger, "recon-runner-"+job.ID, func() {
		defer o.wg.Done()
		o.execute(r, job)
	})

	return job.Clone(), nil
}

// Cancel requests a cooperative stop. The runner honours it at the next item boundary.
// Cancelling a terminal job is a no-op that returns the job unchanged.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) (*models.Job, error) {
	o.mu.RLock()
	r, ok := o.runs[jobID]
	o.mu.RUnlock()

	if !ok {
		// Evicted or from a previous process; those are always terminal
		return o.jobs.GetJob(ctx, jobID)
	}

	current := r.load()
	if current.Status.IsTerminal() {
		return current.Clone(), nil
	}

	r.requestStop()
	o.logger.Info().
		Str("job_id", jobID).
		Str("status", string(current.Status)).
		Msg("Cancellation requested")

	return r.load().Clone(), nil
}

// GetStatus returns a copy of the last published snapshot
func (o *Orchestrator) GetStatus(ctx context.Context, jobID string) (*models.Job, error) {
	o.mu.RLock()
	r, ok := o.runs[jobID]
	o.mu.RUnlock()

	if ok {
		return r.load().Clone(), nil
	}
	return o.jobs.GetJob(ctx, jobID)
}

// GetHistory returns the run history of a template, most recent first
func (o *Orchestrator) GetHistory(ctx context.Context, templateID string) ([]*models.RunHistoryRecord, error) {
	runs, err := o.history.ListRuns(ctx, templateID, 0)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		if _, err := o.templates.GetTemplate(ctx, templateID); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

// ListJobs returns jobs most recent first, optionally for one template. Jobs still
// in the registry are reported with their live snapshot.
func (o *Orchestrator) ListJobs(ctx context.Context, templateID string) ([]*models.Job, error) {
	stored, err := o.jobs.ListJobs(ctx, &interfaces.JobListOptions{
		TemplateID: templateID,
		Limit:      o.config.MaxRetainedJobs,
	})
	if err != nil {
		return nil, err
	}

	o.mu.RLock()
	defer o.mu.RUnlock()

	result := make([]*models.Job, 0, len(stored))
	for _, job := range stored {
		if r, ok := o.runs[job.ID]; ok {
			result = append(result, r.load().Clone())
			continue
		}
		result = append(result, job)
	}
	return result, nil
}

// HasActiveJob reports whether the template has a pending or running job
func (o *Orchestrator) HasActiveJob(templateID string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.active[templateID]
	return ok
}

// GuardTemplate runs fn with job admission blocked, so a template cannot change
// underneath a job that is being started
func (o *Orchestrator) GuardTemplate(ctx context.Context, templateID string, fn func() error) error {
	o.admitMu.Lock()
	defer o.admitMu.Unlock()

	o.mu.RLock()
	jobID, busy := o.active[templateID]
	o.mu.RUnlock()

	if busy {
		return models.Conflictf("template %s is in use by job %s", templateID, jobID)
	}
	return fn()
}

// finish moves the job to its terminal state. History is appended and the job persisted
// before the terminal snapshot becomes visible to pollers.
func (o *Orchestrator) finish(r *run, job *models.Job, status models.JobStatus, outcome models.JobOutcome, message string, logger arbor.ILogger) {
	if !job.Status.CanTransitionTo(status) {
		logger.Warn().
			Str("from", string(job.Status)).
			Str("to", string(status)).
			Msg("Ignoring invalid job transition")
		return
	}

	now := time.Now()
	job.Status = status
	job.Outcome = outcome
	job.FinishedAt = &now
	job.Error = message
	job.Progress.CurrentStatus = string(status)
	if job.StartedAt != nil {
		job.Progress.ElapsedSeconds = now.Sub(*job.StartedAt).Seconds()
	}

	// Bookkeeping outlives shutdown cancellation
	ctx := context.Background()

	record := models.NewRunHistoryRecord(common.NewHistoryID(), job)
	if _, err := o.policy.Do(ctx, logger, func(ctx context.Context) error {
		err := o.history.AppendRun(ctx, record)
		if errors.Is(err, models.ErrConflict) {
			return nil
		}
		return err
	}); err != nil {
		logger.Error().Err(err).Msg("Failed to append run history")
	}

	if _, err := o.policy.Do(ctx, logger, func(ctx context.Context) error {
		return o.jobs.SaveJob(ctx, job)
	}); err != nil {
		logger.Error().Err(err).Msg("Failed to persist terminal job")
	}

	o.admitMu.Lock()
	o.mu.Lock()
	r.publish(job)
	if o.active[job.TemplateID] == job.ID {
		delete(o.active, job.TemplateID)
	}
	close(r.done)
	o.evictLocked()
	o.mu.Unlock()
	o.admitMu.Unlock()

	event := logger.Info()
	if status == models.JobStatusFailed {
		event = logger.Warn()
	}
	event.
		Str("status", string(status)).
		Str("outcome", string(outcome)).
		Int("processed", job.Progress.Processed).
		Int("saved", job.Progress.Saved).
		Int("skipped", job.Progress.Skipped).
		Int("errors", job.Progress.Errors).
		Str("error", message).
		Msg("Job finished")
}

// evictLocked drops the oldest terminal jobs beyond the retention limit. They remain
// readable from storage.
func (o *Orchestrator) evictLocked() {
	limit := o.config.MaxRetainedJobs
	if limit <= 0 || len(o.order) <= limit {
		return
	}

	kept := o.order[:0]
	excess := len(o.order) - limit
	for _, id := range o.order {
		r := o.runs[id]
		if excess > 0 && r != nil && r.finished() {
			delete(o.runs, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	o.order = kept
}

// RecoverInterrupted marks jobs left pending or running by a previous process as failed
func (o *Orchestrator) RecoverInterrupted(ctx context.Context) (int, error) {
	stale, err := o.jobs.ListJobs(ctx, &interfaces.JobListOptions{
		Statuses: []models.JobStatus{models.JobStatusPending, models.JobStatusRunning},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list interrupted jobs: %w", err)
	}

	recovered := 0
	for _, job := range stale {
		o.mu.RLock()
		_, live := o.runs[job.ID]
		o.mu.RUnlock()
		if live {
			continue
		}

		now := time.Now()
		job.Status = models.JobStatusFailed
		job.Outcome = ""
		job.FinishedAt = &now
		job.Error = "interrupted by restart"
		job.Progress.CurrentStatus = string(models.JobStatusFailed)

		if err := o.history.AppendRun(ctx, models.NewRunHistoryRecord(common.NewHistoryID(), job)); err != nil && !errors.Is(err, models.ErrConflict) {
			return recovered, fmt.Errorf("failed to record interrupted job %s: %w", job.ID, err)
		}
		if err := o.jobs.SaveJob(ctx, job); err != nil {
			return recovered, fmt.Errorf("failed to update interrupted job %s: %w", job.ID, err)
		}

		o.logger.Warn().
			Str("job_id", job.ID).
			Str("template_id", job.TemplateID).
			Msg("Marked interrupted job as failed")
		recovered++
	}
	return recovered, nil
}

// Stats reports worker pool usage
func (o *Orchestrator) Stats() map[string]interface{} {
	busy, size, waiting := o.pool.stats()

	o.mu.RLock()
	defer o.mu.RUnlock()
	return map[string]interface{}{
		"workers":      size,
		"busy_workers": busy,
		"waiting_jobs": waiting,
		"active_jobs":  len(o.active),
		"retained":     len(o.runs),
		"batches":      len(o.batches),
	}
}

// Shutdown stops admitting jobs, interrupts running ones and waits for their bookkeeping
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.logger.Info().Msg("Job orchestrator stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for runners: %w", ctx.Err())
	}
}

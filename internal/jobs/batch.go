package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/licitometro/internal/common"
	"github.com/ternarybob/licitometro/internal/interfaces"
	"github.com/ternarybob/licitometro/internal/models"
)

// StartBatch starts one job per template under a shared batch id. A template that
// cannot be started is reported in the batch instead of failing it; the call fails
// only when no job could be started.
func (o *Orchestrator) StartBatch(ctx context.Context, templateIDs []string, priority models.JobPriority) (*models.BatchStatus, error) {
	seen := make(map[string]bool, len(templateIDs))
	ids := make([]string, 0, len(templateIDs))
	for _, id := range templateIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, models.NewValidationError("templateIds must contain at least one template id")
	}

	batch := &models.Batch{
		ID:        common.NewBatchID(),
		Priority:  priority,
		CreatedAt: time.Now(),
		JobIDs:    []string{},
	}
	logger := o.logger.WithCorrelationId(batch.ID)

	jobs := make([]*models.Job, 0, len(ids))
	var firstErr error
	for _, id := range ids {
		job, err := o.StartWithOptions(ctx, id, models.StartOptions{
			Trigger:  models.JobTriggerManual,
			Priority: priority,
			BatchID:  batch.ID,
		})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			batch.Rejected = append(batch.Rejected, models.BatchRejection{TemplateID: id, Error: err.Error()})
			logger.Warn().
				Err(err).
				Str("batch_id", batch.ID).
				Str("template_id", id).
				Msg("Batch template not started")
			continue
		}
		batch.JobIDs = append(batch.JobIDs, job.ID)
		jobs = append(jobs, job)
	}

	if len(jobs) == 0 {
		return nil, fmt.Errorf("no template of the batch could be started: %w", firstErr)
	}

	o.mu.Lock()
	o.batches[batch.ID] = batch
	o.batchOrder = append(o.batchOrder, batch.ID)
	o.evictBatchesLocked()
	o.mu.Unlock()

	logger.Info().
		Str("batch_id", batch.ID).
		Int("jobs", len(batch.JobIDs)).
		Int("rejected", len(batch.Rejected)).
		Msg("Batch started")

	return models.NewBatchStatus(batch, jobs), nil
}

// GetBatch aggregates the current snapshots of a batch's jobs. Batches no longer held
// in memory are rebuilt from their persisted jobs, without the rejection list.
func (o *Orchestrator) GetBatch(ctx context.Context, batchID string) (*models.BatchStatus, error) {
	o.mu.RLock()
	batch, ok := o.batches[batchID]
	o.mu.RUnlock()

	if !ok {
		stored, err := o.jobs.ListJobs(ctx, &interfaces.JobListOptions{BatchID: batchID})
		if err != nil {
			return nil, err
		}
		if len(stored) == 0 {
			return nil, models.NotFoundf("batch %s", batchID)
		}

		// stored is most recent first
		oldest := stored[len(stored)-1]
		batch = &models.Batch{
			ID:        batchID,
			Priority:  oldest.Priority,
			CreatedAt: oldest.CreatedAt,
			JobIDs:    make([]string, 0, len(stored)),
		}
		for i := len(stored) - 1; i >= 0; i-- {
			batch.JobIDs = append(batch.JobIDs, stored[i].ID)
		}
	}

	jobs := make([]*models.Job, 0, len(batch.JobIDs))
	for _, id := range batch.JobIDs {
		job, err := o.GetStatus(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to read job %s of batch %s: %w", id, batchID, err)
		}
		jobs = append(jobs, job)
	}
	return models.NewBatchStatus(batch, jobs), nil
}

// evictBatchesLocked forgets the oldest batches beyond the retention limit
func (o *Orchestrator) evictBatchesLocked() {
	limit := o.config.MaxRetainedJobs
	if limit <= 0 || len(o.batchOrder) <= limit {
		return
	}
	excess := len(o.batchOrder) - limit
	for _, id := range o.batchOrder[:excess] {
		delete(o.batches, id)
	}
	o.batchOrder = append([]string(nil), o.batchOrder[excess:]...)
}

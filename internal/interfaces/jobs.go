package interfaces

import (
	"context"

	"github.com/ternarybob/licitometro/internal/models"
)

// JobOrchestrator owns the job lifecycle: start, cancel, status polling and history
type JobOrchestrator interface {
	// Start creates a pending job for the template; models.ErrAlreadyRunning if one is active
	Start(ctx context.Context, templateID string, trigger models.JobTrigger) (*models.Job, error)

	// StartWithOptions is Start with an explicit priority or batch id
	StartWithOptions(ctx context.Context, templateID string, opts models.StartOptions) (*models.Job, error)

	// StartBatch starts one job per template under a shared batch id
	StartBatch(ctx context.Context, templateIDs []string, priority models.JobPriority) (*models.BatchStatus, error)

	// GetBatch aggregates the current snapshots of a batch's jobs
	GetBatch(ctx context.Context, batchID string) (*models.BatchStatus, error)

	// Cancel requests a cooperative stop. Cancelling a terminal job is a no-op.
	Cancel(ctx context.Context, jobID string) (*models.Job, error)

	// GetStatus returns a consistent copy of the job's current snapshot
	GetStatus(ctx context.Context, jobID string) (*models.Job, error)

	GetHistory(ctx context.Context, templateID string) ([]*models.RunHistoryRecord, error)
	ListJobs(ctx context.Context, templateID string) ([]*models.Job, error)

	// Preview runs the extraction pipeline over a bounded sample without persisting anything
	Preview(ctx context.Context, template *models.Template, limit int) (*models.PreviewResult, error)

	// GuardTemplate runs fn while no job can be started, failing with models.ErrConflict
	// when the template has an active job
	GuardTemplate(ctx context.Context, templateID string, fn func() error) error
}

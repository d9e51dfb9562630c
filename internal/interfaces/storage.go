package interfaces

import (
	"context"

	"github.com/ternarybob/licitometro/internal/models"
)

// TemplateStorage - persistence for Template definitions
type TemplateStorage interface {
	SaveTemplate(ctx context.Context, template *models.Template) error
	GetTemplate(ctx context.Context, id string) (*models.Template, error) // wraps models.ErrNotFound
	ListTemplates(ctx context.Context) ([]*models.Template, error)
	DeleteTemplate(ctx context.Context, id string) error
	CountTemplates(ctx context.Context) (int, error)
}

// JobListOptions filters job listings
type JobListOptions struct {
	TemplateID string
	BatchID    string
	Statuses   []models.JobStatus
	Limit      int
}

// JobStorage - persistence for Jobs (written on creation and on reaching a terminal state)
type JobStorage interface {
	SaveJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error) // wraps models.ErrNotFound
	ListJobs(ctx context.Context, opts *JobListOptions) ([]*models.Job, error)
}

// RunHistoryStorage - append-only run history
type RunHistoryStorage interface {
	AppendRun(ctx context.Context, record *models.RunHistoryRecord) error
	GetRunByJob(ctx context.Context, jobID string) (*models.RunHistoryRecord, error)
	ListRuns(ctx context.Context, templateID string, limit int) ([]*models.RunHistoryRecord, error)
}

// RecordStorage - extracted records produced by runs
type RecordStorage interface {
	AppendRecord(ctx context.Context, record *models.Record) error
	ListRecordsByJob(ctx context.Context, jobID string) ([]*models.Record, error)
	ListRecordsByTemplate(ctx context.Context, templateID string, limit int) ([]*models.Record, error)
	CountRecordsByTemplate(ctx context.Context, templateID string) (int, error)
}

// StorageManager - composite storage interface
type StorageManager interface {
	TemplateStorage() TemplateStorage
	JobStorage() JobStorage
	RunHistoryStorage() RunHistoryStorage
	RecordStorage() RecordStorage
	// LoadTemplatesFromFiles seeds templates from YAML/TOML files in dirPath
	LoadTemplatesFromFiles(ctx context.Context, dirPath string) error
	DB() interface{}
	Close() error
}

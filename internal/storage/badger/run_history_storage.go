package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/licitometro/internal/interfaces"
	"github.com/ternarybob/licitometro/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// RunHistoryStorage implements the append-only RunHistoryStorage interface for Badger
type RunHistoryStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewRunHistoryStorage creates a new RunHistoryStorage instance
func NewRunHistoryStorage(db *BadgerDB, logger arbor.ILogger) interfaces.RunHistoryStorage {
	return &RunHistoryStorage{
		db:     db,
		logger: logger,
	}
}

// AppendRun inserts a history record. Records are never overwritten: a second
// record for the same job is rejected with models.ErrConflict.
func (s *RunHistoryStorage) AppendRun(ctx context.Context, record *models.RunHistoryRecord) error {
	if record.ID == "" || record.JobID == "" {
		return fmt.Errorf("run history ID and job ID are required")
	}

	existing, err := s.GetRunByJob(ctx, record.JobID)
	if err == nil && existing != nil {
		return models.Conflictf("run history for job %s already written", record.JobID)
	}

	if err := s.db.Store().Insert(record.ID, record); err != nil {
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return models.Conflictf("run history %s already written", record.ID)
		}
		return fmt.Errorf("failed to append run history: %w", err)
	}
	return nil
}

func (s *RunHistoryStorage) GetRunByJob(ctx context.Context, jobID string) (*models.RunHistoryRecord, error) {
	var records []models.RunHistoryRecord
	if err := s.db.Store().Find(&records, badgerhold.Where("JobID").Eq(jobID).Limit(1)); err != nil {
		return nil, fmt.Errorf("failed to get run history: %w", err)
	}
	if len(records) == 0 {
		return nil, models.NotFoundf("run history for job %s", jobID)
	}
	return &records[0], nil
}

// ListRuns returns a template's runs most recent first; limit <= 0 returns all
func (s *RunHistoryStorage) ListRuns(ctx context.Context, templateID string, limit int) ([]*models.RunHistoryRecord, error) {
	query := badgerhold.Where("TemplateID").Eq(templateID).SortBy("FinishedAt").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}

	var records []models.RunHistoryRecord
	if err := s.db.Store().Find(&records, query); err != nil {
		return nil, fmt.Errorf("failed to list run history: %w", err)
	}

	result := make([]*models.RunHistoryRecord, len(records))
	for i := range records {
		result[i] = &records[i]
	}
	return result, nil
}

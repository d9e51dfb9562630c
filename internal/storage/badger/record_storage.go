package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/licitometro/internal/interfaces"
	"github.com/ternarybob/licitometro/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// RecordStorage implements the RecordStorage interface for Badger
type RecordStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewRecordStorage creates a new RecordStorage instance
func NewRecordStorage(db *BadgerDB, logger arbor.ILogger) interfaces.RecordStorage {
	return &RecordStorage{
		db:     db,
		logger: logger,
	}
}

func (s *RecordStorage) AppendRecord(ctx context.Context, record *models.Record) error {
	if record.ID == "" {
		return fmt.Errorf("record ID is required")
	}
	if err := s.db.Store().Insert(record.ID, record); err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}
	return nil
}

func (s *RecordStorage) ListRecordsByJob(ctx context.Context, jobID string) ([]*models.Record, error) {
	var records []models.Record
	if err := s.db.Store().Find(&records, badgerhold.Where("JobID").Eq(jobID).SortBy("ExtractedAt")); err != nil {
		return nil, fmt.Errorf("failed to list records by job: %w", err)
	}
	return toRecordPointers(records), nil
}

// ListRecordsByTemplate returns a template's records most recent first; limit <= 0 returns all
func (s *RecordStorage) ListRecordsByTemplate(ctx context.Context, templateID string, limit int) ([]*models.Record, error) {
	query := badgerhold.Where("TemplateID").Eq(templateID).SortBy("ExtractedAt").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}

	var records []models.Record
	if err := s.db.Store().Find(&records, query); err != nil {
		return nil, fmt.Errorf("failed to list records by template: %w", err)
	}
	return toRecordPointers(records), nil
}

func (s *RecordStorage) CountRecordsByTemplate(ctx context.Context, templateID string) (int, error) {
	count, err := s.db.Store().Count(&models.Record{}, badgerhold.Where("TemplateID").Eq(templateID))
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return int(count), nil
}

func toRecordPointers(records []models.Record) []*models.Record {
	result := make([]*models.Record, len(records))
	for i := range records {
		result[i] = &records[i]
	}
	return result
}

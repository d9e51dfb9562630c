package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/licitometro/internal/interfaces"
	"github.com/ternarybob/licitometro/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// TemplateStorage implements the TemplateStorage interface for Badger
type TemplateStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewTemplateStorage creates a new TemplateStorage instance
func NewTemplateStorage(db *BadgerDB, logger arbor.ILogger) interfaces.TemplateStorage {
	return &TemplateStorage{
		db:     db,
		logger: logger,
	}
}

func (s *TemplateStorage) SaveTemplate(ctx context.Context, template *models.Template) error {
	if template.ID == "" {
		return fmt.Errorf("template ID is required")
	}

	now := time.Now()
	if template.CreatedAt.IsZero() {
		template.CreatedAt = now
	}
	template.UpdatedAt = now

	if err := s.db.Store().Upsert(template.ID, template); err != nil {
		return fmt.Errorf("failed to save template: %w", err)
	}
	return nil
}

func (s *TemplateStorage) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	var template models.Template
	if err := s.db.Store().Get(id, &template); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, models.NotFoundf("template %s", id)
		}
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	return &template, nil
}

func (s *TemplateStorage) ListTemplates(ctx context.Context) ([]*models.Template, error) {
	var templates []models.Template
	if err := s.db.Store().Find(&templates, badgerhold.Where("ID").Ne("").SortBy("CreatedAt")); err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}

	result := make([]*models.Template, len(templates))
	for i := range templates {
		result[i] = &templates[i]
	}
	return result, nil
}

func (s *TemplateStorage) DeleteTemplate(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, &models.Template{}); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return models.NotFoundf("template %s", id)
		}
		return fmt.Errorf("failed to delete template: %w", err)
	}
	return nil
}

func (s *TemplateStorage) CountTemplates(ctx context.Context) (int, error) {
	count, err := s.db.Store().Count(&models.Template{}, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to count templates: %w", err)
	}
	return int(count), nil
}

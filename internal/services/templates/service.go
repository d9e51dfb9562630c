// Package templates is the validated Template Store: it assigns identifiers, applies every
// save-time rule and refuses edits to templates with an in-flight job.
package templates

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/licitometro/internal/common"
	"github.com/ternarybob/licitometro/internal/interfaces"
	"github.com/ternarybob/licitometro/internal/models"
	"github.com/ternarybob/licitometro/internal/services/extraction"
	"github.com/ternarybob/licitometro/internal/services/transform"
)

// Guard serializes template mutations with job admission
type Guard interface {
	GuardTemplate(ctx context.Context, templateID string, fn func() error) error
}

// Service implements interfaces.TemplateService
type Service struct {
	storage    interfaces.TemplateStorage
	guard      Guard
	transforms *transform.Service
	logger     arbor.ILogger

	listenersMu sync.RWMutex
	listeners   []interfaces.TemplateListener
}

// NewService creates a template service
func NewService(storage interfaces.TemplateStorage, guard Guard, transforms *transform.Service, logger arbor.ILogger) *Service {
	return &Service{
		storage:    storage,
		guard:      guard,
		transforms: transforms,
		logger:     logger,
	}
}

var _ interfaces.TemplateService = (*Service)(nil)

// AddListener registers a listener for template saves and deletes
func (s *Service) AddListener(listener interfaces.TemplateListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, listener)
}

func (s *Service) notifySaved(template *models.Template) {
	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()
	for _, l := range s.listeners {
		l.TemplateSaved(template.Clone())
	}
}

func (s *Service) notifyDeleted(id string) {
	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()
	for _, l := range s.listeners {
		l.TemplateDeleted(id)
	}
}

// Validate applies the structural rules plus selector syntax and transformation names
func (s *Service) Validate(template *models.Template) error {
	verr := &models.ValidationError{}

	if err := template.Validate(); err != nil {
		if ve, ok := err.(*models.ValidationError); ok {
			verr.Messages = append(verr.Messages, ve.Messages...)
		} else {
			verr.Add("%v", err)
		}
	}

	for i, f := range template.Fields {
		if f.Selector == "" {
			continue
		}
		if err := extraction.ValidateSelector(f.Selector); err != nil {
			verr.Add("fields[%d].selector: %v", i, err)
		}
	}
	if template.ItemSelector != "" {
		if err := extraction.ValidateSelector(template.ItemSelector); err != nil {
			verr.Add("itemSelector: %v", err)
		}
	}
	if template.NextPageSelector != "" {
		if err := extraction.ValidateSelector(template.NextPageSelector); err != nil {
			verr.Add("nextPageSelector: %v", err)
		}
	}

	for i, m := range template.Mappings {
		if m.Transformation == "" {
			continue
		}
		if err := s.transforms.Validate(m.Transformation); err != nil {
			verr.Add("mappings[%d].transformation: %v", i, err)
		}
	}

	return verr.OrNil()
}

// assignIDs fills in identifiers the client left empty
func assignIDs(template *models.Template) {
	if template.ID == "" {
		template.ID = common.NewTemplateID()
	}
	for i := range template.Fields {
		if template.Fields[i].ID == "" {
			template.Fields[i].ID = common.NewFieldID()
		}
	}
	for i := range template.DestinationFields {
		if template.DestinationFields[i].ID == "" {
			template.DestinationFields[i].ID = common.NewFieldID()
		}
	}
}

// Create validates and stores a new template. A client-supplied id must not be taken.
func (s *Service) Create(ctx context.Context, template *models.Template) (*models.Template, error) {
	if template == nil {
		return nil, models.NewValidationError("template body is required")
	}

	t := template.Clone()
	if t.ID != "" {
		if _, err := s.storage.GetTemplate(ctx, t.ID); err == nil {
			return nil, models.Conflictf("template %s already exists", t.ID)
		}
	}
	assignIDs(t)
	// Timestamps are owned by the store
	t.CreatedAt = time.Time{}

	if err := s.Validate(t); err != nil {
		s.logger.Debug().Err(err).Str("template_name", t.Name).Msg("Template rejected")
		return nil, err
	}

	if err := s.storage.SaveTemplate(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to create template: %w", err)
	}

	s.logger.Info().
		Str("template_id", t.ID).
		Str("template_name", t.Name).
		Int("fields", len(t.Fields)).
		Msg("Template created")

	s.notifySaved(t)
	return t.Clone(), nil
}

// Get returns one template
func (s *Service) Get(ctx context.Context, id string) (*models.Template, error) {
	return s.storage.GetTemplate(ctx, id)
}

// List returns every template, oldest first
func (s *Service) List(ctx context.Context) ([]*models.Template, error) {
	return s.storage.ListTemplates(ctx)
}

// Update applies a patch. Templates with a pending or running job are immutable.
func (s *Service) Update(ctx context.Context, id string, patch *models.TemplatePatch) (*models.Template, error) {
	if _, err := s.storage.GetTemplate(ctx, id); err != nil {
		return nil, err
	}

	var updated *models.Template
	err := s.guard.GuardTemplate(ctx, id, func() error {
		current, err := s.storage.GetTemplate(ctx, id)
		if err != nil {
			return err
		}

		t := current.Clone()
		patch.Apply(t)
		t.ID = id
		t.CreatedAt = current.CreatedAt
		assignIDs(t)

		if err := s.Validate(t); err != nil {
			return err
		}
		if err := s.storage.SaveTemplate(ctx, t); err != nil {
			return fmt.Errorf("failed to update template: %w", err)
		}
		updated = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("template_id", id).Msg("Template updated")

	s.notifySaved(updated)
	return updated.Clone(), nil
}

// Delete removes a template. Templates with a pending or running job cannot be deleted.
func (s *Service) Delete(ctx context.Context, id string) error {
	if _, err := s.storage.GetTemplate(ctx, id); err != nil {
		return err
	}

	err := s.guard.GuardTemplate(ctx, id, func() error {
		return s.storage.DeleteTemplate(ctx, id)
	})
	if err != nil {
		return err
	}

	s.logger.Info().Str("template_id", id).Msg("Template deleted")

	s.notifyDeleted(id)
	return nil
}

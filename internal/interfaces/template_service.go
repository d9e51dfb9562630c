package interfaces

import (
	"context"

	"github.com/ternarybob/licitometro/internal/models"
)

// TemplateService is the validated Template Store used by handlers
type TemplateService interface {
	Create(ctx context.Context, template *models.Template) (*models.Template, error)
	Get(ctx context.Context, id string) (*models.Template, error)
	Update(ctx context.Context, id string, patch *models.TemplatePatch) (*models.Template, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*models.Template, error)

	// Validate applies every save-time rule without persisting
	Validate(template *models.Template) error
}

// TemplateListener is notified after templates are saved or deleted
type TemplateListener interface {
	TemplateSaved(template *models.Template)
	TemplateDeleted(templateID string)
}

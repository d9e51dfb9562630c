package interfaces

import (
	"context"

	"github.com/ternarybob/licitometro/internal/models"
)

// ExtractRequest identifies one field to extract from one candidate page
type ExtractRequest struct {
	PageURL          string
	Field            models.Field
	RenderJavaScript bool
}

// ExtractionService is the page-fetch and selector-extraction capability called by job runners.
// Implementations return models.ValidationError for local input failures and an error
// carrying the HTTP status for remote ones, so the retry policy can classify them.
type ExtractionService interface {
	// Discover enumerates the candidate item URLs for a template
	Discover(ctx context.Context, template *models.Template) ([]string, error)

	// Extract returns the raw value of a field on a page. A selector matching nothing yields "".
	Extract(ctx context.Context, req ExtractRequest) (string, error)

	Close() error
}

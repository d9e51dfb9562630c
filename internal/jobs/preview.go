package jobs

import (
	"context"

	"github.com/ternarybob/licitometro/internal/models"
)

// Preview runs the extraction pipeline over the first limit candidates of a template.
// Nothing is persisted: no job, no records, no history.
func (o *Orchestrator) Preview(ctx context.Context, template *models.Template, limit int) (*models.PreviewResult, error) {
	if err := template.Validate(); err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = o.config.PreviewLimit
	}
	if limit <= 0 {
		limit = 5
	}

	logger := o.logger.WithCorrelationId("preview-" + template.ID)
	p := &pipeline{
		template:   template,
		extraction: o.extraction,
		transforms: o.transforms,
		policy:     o.policy,
		logger:     logger,
	}

	candidates, err := p.discover(ctx)
	if err != nil {
		return nil, err
	}

	result := &models.PreviewResult{
		TemplateID: template.ID,
		TotalFound: len(candidates),
		Rows:       []models.PreviewRow{},
	}

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	for _, pageURL := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		item := p.process(ctx, pageURL)
		result.Rows = append(result.Rows, models.PreviewRow{
			SourceURL: pageURL,
			Values:    item.Values,
			Errors:    item.Errors,
			Skipped:   item.Skipped(),
		})
	}

	logger.Info().
		Str("template_id", template.ID).
		Int("total_found", result.TotalFound).
		Int("rows", len(result.Rows)).
		Msg("Template preview finished")

	return result, nil
}

package jobs

import (
	"context"
	"fmt"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/licitometro/internal/interfaces"
	"github.com/ternarybob/licitometro/internal/models"
	"github.com/ternarybob/licitometro/internal/services/retry"
	"github.com/ternarybob/licitometro/internal/services/transform"
)

const maxErrorSummary = 300

// itemResult is the outcome of extracting one candidate item
type itemResult struct {
	Values          map[string]interface{}
	Errors          []string // one summary per field-level failure
	MissingRequired []string // names of required fields without a value
}

// Skipped reports whether the item cannot be saved
func (r *itemResult) Skipped() bool {
	return len(r.MissingRequired) > 0
}

// pipeline extracts, transforms and maps the fields of a template for one page at a time.
// It is shared by job runs and template previews.
type pipeline struct {
	template   *models.Template
	extraction interfaces.ExtractionService
	transforms *transform.Service
	policy     *retry.Policy
	logger     arbor.ILogger
}

// discover enumerates candidate items under the retry policy
func (p *pipeline) discover(ctx context.Context) ([]string, error) {
	var candidates []string
	attempts, err := p.policy.Do(ctx, p.logger, func(ctx context.Context) error {
		found, err := p.extraction.Discover(ctx, p.template)
		if err != nil {
			return err
		}
		candidates = found
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrDiscovery, err)
	}

	p.logger.Debug().
		Int("attempts", attempts).
		Int("candidates", len(candidates)).
		Msg("Discovery finished")

	return candidates, nil
}

// process runs every field of the template against one page. A failing field is
// recorded and the remaining fields are still attempted.
func (p *pipeline) process(ctx context.Context, pageURL string) *itemResult {
	result := &itemResult{Values: make(map[string]interface{})}

	raw := make(map[string]string, len(p.template.Fields))
	failed := make(map[string]bool)
	empty := make(map[string]bool) // source field ids whose output value is nil

	for _, field := range p.template.Fields {
		var value string
		_, err := p.policy.Do(ctx, p.logger, func(ctx context.Context) error {
			v, err := p.extraction.Extract(ctx, interfaces.ExtractRequest{
				PageURL:          pageURL,
				Field:            field,
				RenderJavaScript: p.template.RenderJavaScript,
			})
			if err != nil {
				return err
			}
			value = v
			return nil
		})
		if err != nil {
			failed[field.ID] = true
			result.Errors = append(result.Errors, summarize(pageURL, field.Name, err))
			continue
		}
		raw[field.ID] = value
	}

	if len(p.template.Mappings) == 0 {
		for _, field := range p.template.Fields {
			value, ok := raw[field.ID]
			if !ok {
				continue
			}
			coerced, err := p.transforms.Coerce(value, field.Type, pageURL)
			if err != nil {
				failed[field.ID] = true
				result.Errors = append(result.Errors, summarize(pageURL, field.Name, err))
				continue
			}
			if coerced == nil {
				empty[field.ID] = true
			}
			result.Values[field.Name] = coerced
		}
	} else {
		for _, m := range p.template.Mappings {
			source, _ := p.template.FieldByID(m.SourceFieldID)
			dest, _ := p.template.DestinationByID(m.DestinationFieldID)

			value, ok := raw[m.SourceFieldID]
			if !ok {
				continue
			}
			transformed, err := p.transforms.Apply(m.Transformation, value, pageURL)
			if err == nil {
				var coerced interface{}
				coerced, err = p.transforms.Coerce(transformed, dest.Type, pageURL)
				if err == nil {
					if coerced == nil {
						empty[m.SourceFieldID] = true
					}
					result.Values[dest.Name] = coerced
					continue
				}
			}
			failed[m.SourceFieldID] = true
			result.Errors = append(result.Errors, summarize(pageURL, source.Name+"->"+dest.Name, err))
		}
	}

	for _, field := range p.template.Fields {
		if !field.Required {
			continue
		}
		if failed[field.ID] || empty[field.ID] || strings.TrimSpace(raw[field.ID]) == "" {
			result.MissingRequired = append(result.MissingRequired, field.Name)
		}
	}

	return result
}

// savedSummary is a one-line description of a saved item for the progress snapshot
func (p *pipeline) savedSummary(pageURL string, values map[string]interface{}) string {
	names := make([]string, 0, len(p.template.Fields))
	if len(p.template.Mappings) == 0 {
		for _, f := range p.template.Fields {
			names = append(names, f.Name)
		}
	} else {
		for _, m := range p.template.Mappings {
			if dest, ok := p.template.DestinationByID(m.DestinationFieldID); ok {
				names = append(names, dest.Name)
			}
		}
	}

	for _, name := range names {
		if s, ok := values[name].(string); ok && strings.TrimSpace(s) != "" {
			return truncate(strings.TrimSpace(s), 120)
		}
	}
	return pageURL
}

func summarize(pageURL, field string, err error) string {
	return truncate(fmt.Sprintf("%s [%s]: %v", pageURL, field, err), maxErrorSummary)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}

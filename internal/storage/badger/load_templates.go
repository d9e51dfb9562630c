package badger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/licitometro/internal/interfaces"
	"github.com/ternarybob/licitometro/internal/models"
	"gopkg.in/yaml.v3"
)

// TemplateFile is the on-disk form of a template (YAML or TOML)
type TemplateFile struct {
	ID                string                    `yaml:"id" toml:"id"`
	Name              string                    `yaml:"name" toml:"name"`
	Description       string                    `yaml:"description" toml:"description"`
	URL               string                    `yaml:"url" toml:"url"`
	ItemSelector      string                    `yaml:"item_selector" toml:"item_selector"`
	NextPageSelector  string                    `yaml:"next_page_selector" toml:"next_page_selector"`
	MaxPages          int                       `yaml:"max_pages" toml:"max_pages"`
	RenderJavaScript  bool                      `yaml:"render_javascript" toml:"render_javascript"`
	Schedule          string                    `yaml:"schedule" toml:"schedule"`
	Priority          string                    `yaml:"priority" toml:"priority"`
	Active            *bool                     `yaml:"active" toml:"active"`
	Fields            []models.Field            `yaml:"fields" toml:"fields"`
	DestinationFields []models.DestinationField `yaml:"destination_fields" toml:"destination_fields"`
	Mappings          []models.Mapping          `yaml:"mappings" toml:"mappings"`
}

// ToTemplate converts the file form to a Template. A missing id is derived from the
// file name and missing field ids default to the field name, so mappings in files
// may reference fields by name.
func (f *TemplateFile) ToTemplate(fileName string) *models.Template {
	id := f.ID
	if id == "" {
		id = "tpl_" + strings.TrimSuffix(fileName, filepath.Ext(fileName))
	}

	tpl := &models.Template{
		ID:                id,
		Name:              f.Name,
		Description:       f.Description,
		URL:               f.URL,
		ItemSelector:      f.ItemSelector,
		NextPageSelector:  f.NextPageSelector,
		MaxPages:          f.MaxPages,
		RenderJavaScript:  f.RenderJavaScript,
		Schedule:          f.Schedule,
		Priority:          models.JobPriority(strings.ToLower(strings.TrimSpace(f.Priority))),
		Active:            f.Active == nil || *f.Active,
		Fields:            append([]models.Field(nil), f.Fields...),
		DestinationFields: append([]models.DestinationField(nil), f.DestinationFields...),
		Mappings:          append([]models.Mapping(nil), f.Mappings...),
	}

	for i := range tpl.Fields {
		if tpl.Fields[i].ID == "" {
			tpl.Fields[i].ID = tpl.Fields[i].Name
		}
	}
	for i := range tpl.DestinationFields {
		if tpl.DestinationFields[i].ID == "" {
			tpl.DestinationFields[i].ID = tpl.DestinationFields[i].Name
		}
	}
	return tpl
}

// ParseTemplateFile decodes a template file by extension (.yaml, .yml or .toml)
func ParseTemplateFile(fileName string, data []byte) (*TemplateFile, error) {
	var file TemplateFile
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse template YAML: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse template TOML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported template file extension: %s", filepath.Ext(fileName))
	}
	return &file, nil
}

// LoadTemplatesFromFiles loads templates from YAML/TOML files in the specified directory.
// Invalid files are logged and skipped; existing templates keep their creation time.
func LoadTemplatesFromFiles(ctx context.Context, templateStorage interfaces.TemplateStorage, templatesDir string, logger arbor.ILogger) error {
	if templatesDir == "" {
		return nil
	}
	if _, err := os.Stat(templatesDir); os.IsNotExist(err) {
		logger.Debug().Str("dir", templatesDir).Msg("Templates directory does not exist, skipping")
		return nil
	}

	logger.Info().Str("dir", templatesDir).Msg("Loading templates from files")

	entries, err := os.ReadDir(templatesDir)
	if err != nil {
		return fmt.Errorf("failed to read templates directory: %w", err)
	}

	loadedCount := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".toml":
		default:
			continue
		}

		data, err := os.ReadFile(filepath.Join(templatesDir, entry.Name()))
		if err != nil {
			logger.Warn().Err(err).Str("file", entry.Name()).Msg("Failed to read template file")
			continue
		}

		file, err := ParseTemplateFile(entry.Name(), data)
		if err != nil {
			logger.Warn().Err(err).Str("file", entry.Name()).Msg("Failed to parse template file")
			continue
		}

		tpl := file.ToTemplate(entry.Name())
		if err := tpl.Validate(); err != nil {
			logger.Warn().Err(err).Str("file", entry.Name()).Str("template_id", tpl.ID).Msg("Template file failed validation - skipping")
			continue
		}

		if existing, err := templateStorage.GetTemplate(ctx, tpl.ID); err == nil && existing != nil {
			tpl.CreatedAt = existing.CreatedAt
		}

		if err := templateStorage.SaveTemplate(ctx, tpl); err != nil {
			logger.Warn().Err(err).Str("file", entry.Name()).Str("template_id", tpl.ID).Msg("Failed to save template")
			continue
		}

		logger.Info().Str("file", entry.Name()).Str("template_id", tpl.ID).Str("name", tpl.Name).Msg("Template loaded from file")
		loadedCount++
	}

	if loadedCount > 0 {
		logger.Info().Int("count", loadedCount).Msg("Templates loaded from files")
	} else {
		logger.Debug().Msg("No templates loaded from files")
	}

	return nil
}

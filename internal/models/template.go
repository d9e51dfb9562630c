package models

import (
	"net/url"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

// FieldType is the declared type of an extracted value
type FieldType string

const (
	FieldTypeText   FieldType = "text"
	FieldTypeNumber FieldType = "number"
	FieldTypeDate   FieldType = "date"
	FieldTypeURL    FieldType = "url"
	FieldTypeLink   FieldType = "link"
	FieldTypeImage  FieldType = "image"
	FieldTypeHTML   FieldType = "html"
)

// IsValidFieldType checks if a field type is one of the supported constants
func IsValidFieldType(t FieldType) bool {
	switch t {
	case FieldTypeText, FieldTypeNumber, FieldTypeDate, FieldTypeURL, FieldTypeLink, FieldTypeImage, FieldTypeHTML:
		return true
	}
	return false
}

// IsURLType reports whether values of this type are resolved against the page URL
func (t FieldType) IsURLType() bool {
	return t == FieldTypeURL || t == FieldTypeLink || t == FieldTypeImage
}

// Field identifies one atomic value to extract from a page.
// Selector is a CSS selector, optionally suffixed with "@attr" to read an attribute.
type Field struct {
	ID       string    `json:"id" yaml:"id" toml:"id"`
	Name     string    `json:"name" yaml:"name" toml:"name" validate:"required"`
	Selector string    `json:"selector" yaml:"selector" toml:"selector" validate:"required"`
	Type     FieldType `json:"type" yaml:"type" toml:"type" validate:"required,oneof=text number date url link image html"`
	Required bool      `json:"required" yaml:"required" toml:"required"`
}

// DestinationField defines one column of the output record
type DestinationField struct {
	ID   string    `json:"id" yaml:"id" toml:"id"`
	Name string    `json:"name" yaml:"name" toml:"name" validate:"required"`
	Type FieldType `json:"type" yaml:"type" toml:"type" validate:"required,oneof=text number date url link image html"`
}

// Mapping moves a source field into a destination field, optionally through a
// transformation chain such as "trim|parseDate"
type Mapping struct {
	SourceFieldID      string `json:"sourceFieldId" yaml:"source_field_id" toml:"source_field_id" validate:"required"`
	DestinationFieldID string `json:"destinationFieldId" yaml:"destination_field_id" toml:"destination_field_id" validate:"required"`
	Transformation     string `json:"transformation,omitempty" yaml:"transformation" toml:"transformation"`
}

// Template is a reusable definition of what to extract from a site and how to shape it
type Template struct {
	ID                string             `json:"id"`
	Name              string             `json:"name" validate:"required"`
	Description       string             `json:"description"`
	URL               string             `json:"url" validate:"required,url"`
	Fields            []Field            `json:"fields" validate:"dive"`
	DestinationFields []DestinationField `json:"destinationFields,omitempty" validate:"dive"`
	Mappings          []Mapping          `json:"mappings,omitempty" validate:"dive"`

	// Discovery: without ItemSelector the template URL is the only candidate
	ItemSelector     string `json:"itemSelector,omitempty"`
	NextPageSelector string `json:"nextPageSelector,omitempty"`
	MaxPages         int    `json:"maxPages,omitempty" validate:"gte=0"`
	RenderJavaScript bool   `json:"renderJavaScript,omitempty"`

	Schedule  string      `json:"schedule,omitempty"` // 5-field cron expression
	Priority  JobPriority `json:"priority,omitempty" validate:"omitempty,oneof=low medium high critical"`
	Active    bool        `json:"active" badgerhold:"index"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

var (
	structValidator     *validator.Validate
	structValidatorOnce sync.Once
)

func getValidator() *validator.Validate {
	structValidatorOnce.Do(func() {
		structValidator = validator.New()
		// Report json names so messages match what API clients sent
		structValidator.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return structValidator
}

// Validate checks the structural rules of a template and collects every violation.
// Selector syntax and transformation names are checked by the template service.
func (t *Template) Validate() error {
	verr := &ValidationError{}

	if err := getValidator().Struct(t); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range fieldErrs {
				verr.Messages = append(verr.Messages, describeFieldError(fe))
			}
		} else {
			verr.Add("%v", err)
		}
	}

	if strings.TrimSpace(t.Name) == "" && t.Name != "" {
		verr.Add("name must not be blank")
	}
	if t.URL != "" {
		if u, err := url.Parse(t.URL); err == nil && u.Scheme != "http" && u.Scheme != "https" {
			verr.Add("url must use http or https, got %q", u.Scheme)
		}
	}
	if len(t.Fields) == 0 {
		verr.Add("fields must contain at least one field")
	}

	sourceIDs := make(map[string]bool, len(t.Fields))
	names := make(map[string]bool, len(t.Fields))
	for i, f := range t.Fields {
		if f.ID != "" {
			if sourceIDs[f.ID] {
				verr.Add("fields[%d].id %q is duplicated", i, f.ID)
			}
			sourceIDs[f.ID] = true
		}
		if f.Name != "" {
			if names[f.Name] {
				verr.Add("fields[%d].name %q is duplicated", i, f.Name)
			}
			names[f.Name] = true
		}
		if f.Selector != "" && strings.TrimSpace(f.Selector) == "" {
			verr.Add("fields[%d].selector must not be blank", i)
		}
	}

	destIDs := make(map[string]bool, len(t.DestinationFields))
	for i, d := range t.DestinationFields {
		if d.ID != "" {
			if destIDs[d.ID] {
				verr.Add("destinationFields[%d].id %q is duplicated", i, d.ID)
			}
			destIDs[d.ID] = true
		}
	}

	covered := make(map[string]int, len(t.Mappings))
	for i, m := range t.Mappings {
		if m.SourceFieldID != "" && !sourceIDs[m.SourceFieldID] {
			verr.Add("mappings[%d].sourceFieldId %q does not reference a field of this template", i, m.SourceFieldID)
		}
		if m.DestinationFieldID != "" && !destIDs[m.DestinationFieldID] {
			verr.Add("mappings[%d].destinationFieldId %q does not reference a destination field of this template", i, m.DestinationFieldID)
		}
		if prev, ok := covered[m.DestinationFieldID]; ok && m.DestinationFieldID != "" {
			verr.Add("mappings[%d] covers destination %q already covered by mappings[%d]", i, m.DestinationFieldID, prev)
			continue
		}
		covered[m.DestinationFieldID] = i
	}

	if t.Schedule != "" {
		if _, err := ParseSchedule(t.Schedule); err != nil {
			verr.Add("schedule %q is invalid: %v", t.Schedule, err)
		}
	}

	if t.NextPageSelector != "" && t.ItemSelector == "" {
		verr.Add("nextPageSelector requires itemSelector")
	}

	return verr.OrNil()
}

// ParseSchedule parses a standard 5-field cron expression
func ParseSchedule(spec string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser.Parse(spec)
}

func describeFieldError(fe validator.FieldError) string {
	field := fe.Namespace()
	if idx := strings.Index(field, "."); idx >= 0 {
		field = field[idx+1:]
	}
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return field + " must be one of [" + fe.Param() + "], got \"" + toString(fe.Value()) + "\""
	case "url":
		return field + " must be a valid absolute URL"
	case "gte":
		return field + " must be greater than or equal to " + fe.Param()
	default:
		return field + " failed '" + fe.Tag() + "' validation"
	}
}

func toString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case FieldType:
		return string(s)
	case JobPriority:
		return string(s)
	}
	return ""
}

// FieldByID returns the source field with the given id
func (t *Template) FieldByID(id string) (Field, bool) {
	for _, f := range t.Fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

// DestinationByID returns the destination field with the given id
func (t *Template) DestinationByID(id string) (DestinationField, bool) {
	for _, d := range t.DestinationFields {
		if d.ID == id {
			return d, true
		}
	}
	return DestinationField{}, false
}

// Clone returns a deep copy so runners never observe later edits
func (t *Template) Clone() *Template {
	if t == nil {
		return nil
	}
	c := *t
	c.Fields = append([]Field(nil), t.Fields...)
	c.DestinationFields = append([]DestinationField(nil), t.DestinationFields...)
	c.Mappings = append([]Mapping(nil), t.Mappings...)
	return &c
}

// TemplatePatch is a partial template update; nil members are left unchanged
type TemplatePatch struct {
	Name              *string             `json:"name,omitempty"`
	Description       *string             `json:"description,omitempty"`
	URL               *string             `json:"url,omitempty"`
	Fields            *[]Field            `json:"fields,omitempty"`
	DestinationFields *[]DestinationField `json:"destinationFields,omitempty"`
	Mappings          *[]Mapping          `json:"mappings,omitempty"`
	ItemSelector      *string             `json:"itemSelector,omitempty"`
	NextPageSelector  *string             `json:"nextPageSelector,omitempty"`
	MaxPages          *int                `json:"maxPages,omitempty"`
	RenderJavaScript  *bool               `json:"renderJavaScript,omitempty"`
	Schedule          *string             `json:"schedule,omitempty"`
	Priority          *JobPriority        `json:"priority,omitempty"`
	Active            *bool               `json:"active,omitempty"`
}

// Apply copies every set member of the patch onto t
func (p *TemplatePatch) Apply(t *Template) {
	if p == nil {
		return
	}
	if p.Name != nil {
		t.Name = *p.Name
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.URL != nil {
		t.URL = *p.URL
	}
	if p.Fields != nil {
		t.Fields = append([]Field(nil), (*p.Fields)...)
	}
	if p.DestinationFields != nil {
		t.DestinationFields = append([]DestinationField(nil), (*p.DestinationFields)...)
	}
	if p.Mappings != nil {
		t.Mappings = append([]Mapping(nil), (*p.Mappings)...)
	}
	if p.ItemSelector != nil {
		t.ItemSelector = *p.ItemSelector
	}
	if p.NextPageSelector != nil {
		t.NextPageSelector = *p.NextPageSelector
	}
	if p.MaxPages != nil {
		t.MaxPages = *p.MaxPages
	}
	if p.RenderJavaScript != nil {
		t.RenderJavaScript = *p.RenderJavaScript
	}
	if p.Schedule != nil {
		t.Schedule = *p.Schedule
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.Active != nil {
		t.Active = *p.Active
	}
}

// NewTemplateFromPatch builds a new template from a create request; templates are active unless told otherwise
func NewTemplateFromPatch(p *TemplatePatch) *Template {
	t := &Template{Active: true}
	p.Apply(t)
	return t
}

package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Record is one saved item: the destination values extracted from a candidate page
type Record struct {
	ID          string                 `json:"id"`
	JobID       string                 `json:"jobId" badgerhold:"index"`
	TemplateID  string                 `json:"templateId" badgerhold:"index"`
	SourceURL   string                 `json:"sourceUrl"`
	Values      map[string]interface{} `json:"values"`
	ContentHash string                 `json:"contentHash"`
	ExtractedAt time.Time              `json:"extractedAt"`
}

// HashValues returns the sha256 of the values in canonical form.
// encoding/json sorts map keys, so equal value sets always hash equally.
func HashValues(values map[string]interface{}) string {
	data, err := json.Marshal(values)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// PreviewRow is one item of a template test run
type PreviewRow struct {
	SourceURL string                 `json:"sourceUrl"`
	Values    map[string]interface{} `json:"values"`
	Errors    []string               `json:"errors,omitempty"`
	Skipped   bool                   `json:"skipped"`
}

// PreviewResult is returned by a template test run; nothing of it is persisted
type PreviewResult struct {
	TemplateID string       `json:"templateId"`
	TotalFound int          `json:"totalFound"`
	Rows       []PreviewRow `json:"rows"`
}

package common

import (
	"github.com/google/uuid"
)

// NewTemplateID generates a unique template ID with the "tpl_" prefix
func NewTemplateID() string {
	return "tpl_" + uuid.New().String()
}

// NewFieldID generates a unique field ID with the "fld_" prefix
func NewFieldID() string {
	return "fld_" + uuid.New().String()
}

// NewJobID generates a unique job ID with the "job_" prefix
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// NewRecordID generates a unique extracted record ID with the "rec_" prefix
func NewRecordID() string {
	return "rec_" + uuid.New().String()
}

// NewHistoryID generates a unique run history ID with the "run_" prefix
func NewHistoryID() string {
	return "run_" + uuid.New().String()
}

// NewBatchID generates a unique batch ID with the "bat_" prefix
func NewBatchID() string {
	return "bat_" + uuid.New().String()
}

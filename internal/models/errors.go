package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned for unknown template or job ids
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when an operation collides with an in-flight job
	ErrConflict = errors.New("conflict")

	// ErrAlreadyRunning is returned by start when the template already has an active job
	ErrAlreadyRunning = fmt.Errorf("%w: a job is already running for this template", ErrConflict)

	// ErrTemplateInactive is returned when starting a template whose active flag is off
	ErrTemplateInactive = fmt.Errorf("%w: template is inactive", ErrConflict)

	// ErrDiscovery marks a failure to enumerate candidate pages; fatal to the job
	ErrDiscovery = errors.New("discovery failed")

	// ErrCancelled marks a job stopped on request. It is a terminal state, not a failure.
	ErrCancelled = errors.New("job cancelled")
)

// ValidationError carries the field-level messages of a rejected template
type ValidationError struct {
	Messages []string `json:"messages"`
}

// NewValidationError builds a ValidationError from one or more messages
func NewValidationError(messages ...string) *ValidationError {
	return &ValidationError{Messages: messages}
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Messages, "; ")
}

// Add appends a formatted message
func (e *ValidationError) Add(format string, args ...interface{}) {
	e.Messages = append(e.Messages, fmt.Sprintf(format, args...))
}

// OrNil returns nil when no messages were collected, so callers can return it directly
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Messages) == 0 {
		return nil
	}
	return e
}

// IsValidationError reports whether err is or wraps a ValidationError
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// NotFoundf returns an error wrapping ErrNotFound
func NotFoundf(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}

// Conflictf returns an error wrapping ErrConflict
func Conflictf(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrConflict)
}

package extraction

import (
	"fmt"
)

// FetchError is a failed page fetch. StatusCode is 0 when no response arrived,
// which the retry policy treats as transient.
type FetchError struct {
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status > 0 {
		if e.Err != nil {
			return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.Status, e.Err)
		}
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// StatusCode returns the HTTP status of the response, 0 if none
func (e *FetchError) StatusCode() int { return e.Status }

// ExtractionError is a field-level failure on one page
type ExtractionError struct {
	URL   string
	Field string
	Err   error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("field %s on %s: %v", e.Field, e.URL, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

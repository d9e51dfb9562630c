package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/licitometro/internal/models"
)

// maxBodyBytes caps request bodies; templates are small documents
const maxBodyBytes = 1 << 20

// RequireMethod validates that the HTTP request uses the specified method.
// Returns true if the method matches, false otherwise (and writes error response).
func RequireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return false
	}
	return true
}

// WriteJSON writes a JSON response with the specified status code and data.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// ErrorResponse is the body of every error response
type ErrorResponse struct {
	Status   string   `json:"status"`
	Error    string   `json:"error"`
	Messages []string `json:"messages,omitempty"`
}

// WriteError writes a standard error JSON response.
func WriteError(w http.ResponseWriter, statusCode int, message string) error {
	return WriteJSON(w, statusCode, ErrorResponse{
		Status: "error",
		Error:  message,
	})
}

// StatusForError maps the error taxonomy onto HTTP status codes
func StatusForError(err error) int {
	switch {
	case models.IsValidationError(err):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrDiscovery):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WriteServiceError writes err with the status of its taxonomy. Validation errors
// carry their field-level messages; internal errors are logged and not echoed.
func WriteServiceError(w http.ResponseWriter, logger arbor.ILogger, err error, action string) error {
	status := StatusForError(err)

	var ve *models.ValidationError
	if errors.As(err, &ve) {
		return WriteJSON(w, status, ErrorResponse{
			Status:   "error",
			Error:    "validation failed",
			Messages: ve.Messages,
		})
	}

	if status == http.StatusInternalServerError {
		logger.Error().Err(err).Msg("Failed to " + action)
		return WriteError(w, status, "Failed to "+action)
	}
	return WriteError(w, status, err.Error())
}

// DecodeJSON decodes a size-limited request body. A malformed body is a validation error.
func DecodeJSON(r *http.Request, w http.ResponseWriter, v interface{}) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	decoder := json.NewDecoder(body)
	if err := decoder.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return models.NewValidationError("request body is required")
		}
		return models.NewValidationError(fmt.Sprintf("invalid JSON body: %v", err))
	}
	return nil
}

// PathSegments returns the path segments after the resource name, accepting both
// "/api/{resource}/..." and "/{resource}/...".
// Example: PathSegments("/api/templates/tpl_1/run", "templates") -> ["tpl_1", "run"]
func PathSegments(path, resource string) []string {
	path = strings.TrimPrefix(path, "/api")
	path = strings.TrimPrefix(path, "/"+resource)

	var segments []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	return segments
}

// QueryInt reads a positive integer query parameter, falling back to def
func QueryInt(r *http.Request, name string, def int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-predict/pkg/apperrors"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error   string   `json:"error"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

// MessageResponse acknowledges an action that has no other payload.
type MessageResponse struct {
	Message string `json:"message"`
}

// ErrorResponse writes a JSON error response and returns any encoding error.
func ErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) error {
	return ErrorResponseWithDetails(w, statusCode, errorCode, message, nil)
}

// ErrorResponseWithDetails is ErrorResponse with a list of detail messages,
// such as the errors of a failed validation.
func ErrorResponseWithDetails(w http.ResponseWriter, statusCode int, errorCode, message string, details []string) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(ErrorBody{
		Error:   errorCode,
		Message: message,
		Details: details,
	})
}

// WriteJSON writes a JSON response and returns any encoding error.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	return json.NewEncoder(w).Encode(data)
}

// writeServiceError maps a service error onto a status code and error code.
func writeServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, apperrors.ErrNotReady):
		status, code = http.StatusServiceUnavailable, "system_not_ready"
	case errors.Is(err, apperrors.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, apperrors.ErrInvalidInput):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, apperrors.ErrConflict):
		status, code = http.StatusConflict, "conflict"
	default:
		logger.Error("Request failed", zap.Error(err))
	}
	if err := ErrorResponse(w, status, code, err.Error()); err != nil {
		logger.Error("Failed to write error response", zap.Error(err))
	}
}

func writeResponse(w http.ResponseWriter, data any, logger *zap.Logger) {
	if err := WriteJSON(w, http.StatusOK, data); err != nil {
		logger.Error("Failed to write response", zap.Error(err))
	}
}

package apperrors

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidInput = errors.New("invalid input")
	ErrNotReady     = errors.New("system not ready")

	// ErrSchemaLoad is returned when reference tables are missing, unreadable,
	// or disagree on their column set. Fatal to startup.
	ErrSchemaLoad = errors.New("failed to load reference schema")

	ErrModelLoad   = errors.New("failed to load model")
	ErrMappingLoad = errors.New("failed to load label mappings")

	// ErrConfidenceUnsupported means the classifier cannot produce class
	// probabilities, so no confidence column can be built.
	ErrConfidenceUnsupported = errors.New("model does not support confidence scores")

	ErrPredictionFailed = errors.New("prediction failed")
)

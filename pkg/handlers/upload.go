package handlers

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-predict/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-predict/pkg/services"
	"github.com/ekaya-inc/ekaya-predict/pkg/tabular"
)

// multipartMemory is how much of a multipart body is buffered in memory
// before spilling to temporary files.
const multipartMemory = 32 << 20

// UploadHandler runs uploaded datasets through the prediction pipeline.
type UploadHandler struct {
	pipeline    services.PipelineService
	maxUploadMB int64
	logger      *zap.Logger
}

// NewUploadHandler creates a new upload handler. maxUploadMB <= 0 disables
// the size cap.
func NewUploadHandler(pipeline services.PipelineService, maxUploadMB int64, logger *zap.Logger) *UploadHandler {
	return &UploadHandler{pipeline: pipeline, maxUploadMB: maxUploadMB, logger: logger}
}

// RegisterRoutes registers the upload route on the given mux.
func (h *UploadHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/upload-csv", h.UploadCSV)
}

// UploadCSV handles POST /api/upload-csv (multipart field "file", optional
// user_id as query or form value). The enriched dataset is returned as a
// CSV attachment.
func (h *UploadHandler) UploadCSV(w http.ResponseWriter, r *http.Request) {
	if h.maxUploadMB > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadMB<<20)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			h.fail(w, http.StatusRequestEntityTooLarge, "file_too_large",
				fmt.Sprintf("Upload exceeds %d MB", h.maxUploadMB), nil)
			return
		}
		h.fail(w, http.StatusBadRequest, "invalid_request", "Expected a multipart form with a 'file' field", nil)
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		h.fail(w, http.StatusBadRequest, "invalid_request", "Missing 'file' field", nil)
		return
	}
	defer file.Close()

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = r.FormValue("user_id")
	}
	h.logger.Info("Received CSV upload",
		zap.String("filename", header.Filename),
		zap.Int64("size", header.Size),
		zap.String("user_id", userID))

	result, err := h.pipeline.Process(withRequestInfo(r, userID), &services.UploadRequest{
		Body:     file,
		Filename: header.Filename,
		UserID:   userID,
	})
	if err != nil {
		h.writePipelineError(w, err)
		return
	}

	var buf bytes.Buffer
	if err := tabular.WriteCSV(&buf, result.Table); err != nil {
		h.logger.Error("Failed to encode prediction results", zap.Error(err))
		h.fail(w, http.StatusInternalServerError, "internal_error", err.Error(), nil)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", result.FileName))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		h.logger.Error("Failed to write prediction results", zap.Error(err))
	}
}

func (h *UploadHandler) writePipelineError(w http.ResponseWriter, err error) {
	var verr *services.ValidationError
	switch {
	case errors.As(err, &verr):
		h.fail(w, http.StatusBadRequest, "validation_failed", "CSV validation failed", verr.Verdict.Errors)
	case errors.Is(err, apperrors.ErrNotReady):
		h.fail(w, http.StatusServiceUnavailable, "system_not_ready",
			"System not ready. Please wait for initialization to complete.", nil)
	case errors.Is(err, apperrors.ErrInvalidInput):
		h.fail(w, http.StatusBadRequest, "invalid_csv", "Invalid CSV file format", []string{err.Error()})
	case errors.Is(err, apperrors.ErrConfidenceUnsupported):
		h.fail(w, http.StatusBadRequest, "confidence_unsupported", err.Error(), nil)
	case errors.Is(err, apperrors.ErrPredictionFailed):
		h.logger.Error("Prediction failed", zap.Error(err))
		h.fail(w, http.StatusInternalServerError, "prediction_failed", "Error generating predictions", []string{err.Error()})
	default:
		h.logger.Error("Upload failed", zap.Error(err))
		h.fail(w, http.StatusInternalServerError, "internal_error", err.Error(), nil)
	}
}

func (h *UploadHandler) fail(w http.ResponseWriter, status int, code, message string, details []string) {
	if err := ErrorResponseWithDetails(w, status, code, message, details); err != nil {
		h.logger.Error("Failed to write error response", zap.Error(err))
	}
}

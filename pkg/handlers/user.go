package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-predict/pkg/models"
	"github.com/ekaya-inc/ekaya-predict/pkg/services"
)

// UserHandler serves per-user activity counters and prediction file history.
type UserHandler struct {
	activity *services.ActivityService
	logger   *zap.Logger
}

// NewUserHandler creates a new user handler.
func NewUserHandler(activity *services.ActivityService, logger *zap.Logger) *UserHandler {
	return &UserHandler{activity: activity, logger: logger}
}

// RegisterRoutes registers the user handler's routes on the given mux.
func (h *UserHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/user/stats", h.Stats)
	mux.HandleFunc("POST /api/user/search", h.RecordSearch)
	mux.HandleFunc("POST /api/user/upload", h.RecordUpload)
	mux.HandleFunc("GET /api/user/prediction-files", h.PredictionFiles)
}

// Stats handles GET /api/user/stats?user_id=
// Unknown users and store failures both answer with zeroed counters.
func (h *UserHandler) Stats(w http.ResponseWriter, r *http.Request) {
	userID, ok := RequireQuery(w, r, "user_id", h.logger)
	if !ok {
		return
	}
	writeResponse(w, h.activity.Stats(r.Context(), userID), h.logger)
}

// RecordSearch handles POST /api/user/search?user_id=
func (h *UserHandler) RecordSearch(w http.ResponseWriter, r *http.Request) {
	h.record(w, r, models.ActivitySearch, "Search")
}

// RecordUpload handles POST /api/user/upload?user_id=
func (h *UserHandler) RecordUpload(w http.ResponseWriter, r *http.Request) {
	h.record(w, r, models.ActivityUpload, "Upload")
}

// record bumps a counter. A store failure is reported in the message, not
// as an error status.
func (h *UserHandler) record(w http.ResponseWriter, r *http.Request, kind models.ActivityKind, label string) {
	userID, ok := RequireQuery(w, r, "user_id", h.logger)
	if !ok {
		return
	}
	if _, err := h.activity.Record(r.Context(), userID, kind); err != nil {
		h.logger.Warn("Failed to record activity",
			zap.String("user_id", userID),
			zap.String("kind", string(kind)),
			zap.Error(err))
		writeResponse(w, MessageResponse{Message: "Failed to record " + string(kind) + ", but processed"}, h.logger)
		return
	}
	writeResponse(w, MessageResponse{Message: label + " recorded successfully"}, h.logger)
}

// PredictionFiles handles GET /api/user/prediction-files?user_id=
func (h *UserHandler) PredictionFiles(w http.ResponseWriter, r *http.Request) {
	userID, ok := RequireQuery(w, r, "user_id", h.logger)
	if !ok {
		return
	}
	files, err := h.activity.PredictionFiles(r.Context(), userID)
	if err != nil {
		h.logger.Error("Failed to list prediction files",
			zap.String("user_id", userID),
			zap.Error(err))
		if err := ErrorResponse(w, http.StatusInternalServerError, "list_prediction_files_failed", err.Error()); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}
	h.logger.Info("Listed prediction files",
		zap.String("user_id", userID),
		zap.Int("count", len(files)))
	writeResponse(w, files, h.logger)
}

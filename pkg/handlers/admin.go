package handlers

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-predict/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-predict/pkg/audit"
	"github.com/ekaya-inc/ekaya-predict/pkg/services"
)

// ReloadResponse describes a freshly published runtime.
type ReloadResponse struct {
	RequiredColumns int            `json:"required_columns"`
	MappingColumns  int            `json:"mapping_columns"`
	Model           map[string]any `json:"model,omitempty"`
}

// AdminHandler triggers runtime reloads and lookup bulk loads.
type AdminHandler struct {
	runtime *services.RuntimeHolder
	loader  *services.LookupLoader
	auditor *audit.SecurityAuditor
	// jobCtx bounds background jobs; request contexts end with the response.
	jobCtx context.Context
	logger *zap.Logger
}

// NewAdminHandler creates a new admin handler. loader may be nil when the
// lookup store is disabled.
func NewAdminHandler(jobCtx context.Context, runtime *services.RuntimeHolder, loader *services.LookupLoader, auditor *audit.SecurityAuditor, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		runtime: runtime,
		loader:  loader,
		auditor: auditor,
		jobCtx:  jobCtx,
		logger:  logger,
	}
}

// RegisterRoutes registers the admin handler's routes on the given mux.
func (h *AdminHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/admin/reload", h.Reload)
	mux.HandleFunc("POST /api/admin/lookup/load", h.StartLookupLoad)
	mux.HandleFunc("GET /api/admin/lookup/status", h.LookupStatus)
}

// Reload handles POST /api/admin/reload. On failure the previous runtime
// keeps serving.
func (h *AdminHandler) Reload(w http.ResponseWriter, r *http.Request) {
	ctx := withRequestInfo(r, "")

	rt, err := h.runtime.Reload(ctx)
	if err != nil {
		h.audit(ctx, audit.EventRuntimeReload, map[string]string{"result": "failed", "error": err.Error()})
		if err := ErrorResponse(w, http.StatusInternalServerError, "reload_failed", err.Error()); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}
	h.audit(ctx, audit.EventRuntimeReload, map[string]string{"result": "ok"})

	writeResponse(w, ReloadResponse{
		RequiredColumns: len(rt.Schema.RequiredColumns),
		MappingColumns:  len(rt.Mapping),
		Model:           rt.ModelInfo,
	}, h.logger)
}

// StartLookupLoad handles POST /api/admin/lookup/load. The load runs in
// the background; poll /api/admin/lookup/status for progress.
func (h *AdminHandler) StartLookupLoad(w http.ResponseWriter, r *http.Request) {
	if !h.lookupEnabled(w) {
		return
	}
	ctx := withRequestInfo(r, "")

	if err := h.loader.Start(h.jobCtx); err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			if err := ErrorResponse(w, http.StatusConflict, "load_in_progress", "A lookup load is already running"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
		writeServiceError(w, err, h.logger)
		return
	}
	h.audit(ctx, audit.EventLookupLoad, map[string]string{"result": "started"})

	if err := WriteJSON(w, http.StatusAccepted, h.loader.Status()); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// LookupStatus handles GET /api/admin/lookup/status
func (h *AdminHandler) LookupStatus(w http.ResponseWriter, r *http.Request) {
	if !h.lookupEnabled(w) {
		return
	}
	writeResponse(w, h.loader.Status(), h.logger)
}

func (h *AdminHandler) lookupEnabled(w http.ResponseWriter) bool {
	if h.loader != nil {
		return true
	}
	if err := ErrorResponse(w, http.StatusNotFound, "lookup_disabled", "The lookup store is not configured"); err != nil {
		h.logger.Error("Failed to write error response", zap.Error(err))
	}
	return false
}

func (h *AdminHandler) audit(ctx context.Context, event audit.SecurityEventType, details map[string]string) {
	if h.auditor != nil {
		h.auditor.LogAdminAction(ctx, event, details)
	}
}

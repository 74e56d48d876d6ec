package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-predict/pkg/services"
)

// StatusResponse is the readiness report returned by GET /api/status.
type StatusResponse struct {
	*services.RuntimeStatus
	DatabaseReady bool `json:"database_ready"`
}

// StatusHandler reports whether the service can accept uploads.
type StatusHandler struct {
	runtime *services.RuntimeHolder
	search  *services.SearchService
	logger  *zap.Logger
}

// NewStatusHandler creates a new status handler.
func NewStatusHandler(runtime *services.RuntimeHolder, search *services.SearchService, logger *zap.Logger) *StatusHandler {
	return &StatusHandler{runtime: runtime, search: search, logger: logger}
}

// RegisterRoutes registers the status and diagnostics routes on the given mux.
func (h *StatusHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", h.Status)
	mux.HandleFunc("GET /api/debug/system", h.DebugSystem)
}

// Status handles GET /api/status. It always answers 200; callers read the
// ready flag.
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{RuntimeStatus: h.runtime.Status()}
	if h.search != nil {
		resp.DatabaseReady = h.search.LookupReady(r.Context())
	}
	writeResponse(w, resp, h.logger)
}

// DebugSystem handles GET /api/debug/system: reference file headers and
// sample sizes plus the loaded model type.
func (h *StatusHandler) DebugSystem(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, h.runtime.SystemReport(), h.logger)
}

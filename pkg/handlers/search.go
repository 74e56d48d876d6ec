package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-predict/pkg/services"
)

// SearchHandler serves column and value lookups over the reference data.
type SearchHandler struct {
	search *services.SearchService
	logger *zap.Logger
}

// NewSearchHandler creates a new search handler.
func NewSearchHandler(search *services.SearchService, logger *zap.Logger) *SearchHandler {
	return &SearchHandler{search: search, logger: logger}
}

// RegisterRoutes registers the search handler's routes on the given mux.
func (h *SearchHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/search/column", h.SearchColumns)
	mux.HandleFunc("GET /api/search/value", h.SearchValues)
	mux.HandleFunc("GET /api/column/values", h.ColumnValues)
	mux.HandleFunc("GET /api/column/info", h.ColumnInfo)
}

// SearchColumns handles GET /api/search/column?query=
// An empty query matches every column.
func (h *SearchHandler) SearchColumns(w http.ResponseWriter, r *http.Request) {
	ctx := withRequestInfo(r, r.URL.Query().Get("user_id"))

	columns, err := h.search.SearchColumns(ctx, r.URL.Query().Get("query"))
	if err != nil {
		writeServiceError(w, err, h.logger)
		return
	}
	h.logger.Debug("Column search", zap.Int("matches", len(columns)))
	writeResponse(w, columns, h.logger)
}

// SearchValues handles GET /api/search/value?column=&query=&limit=
func (h *SearchHandler) SearchValues(w http.ResponseWriter, r *http.Request) {
	column, ok := RequireQuery(w, r, "column", h.logger)
	if !ok {
		return
	}
	limit, ok := QueryLimit(w, r, services.DefaultSearchLimit, h.logger)
	if !ok {
		return
	}
	ctx := withRequestInfo(r, r.URL.Query().Get("user_id"))

	values, err := h.search.SearchValues(ctx, column, r.URL.Query().Get("query"), limit)
	if err != nil {
		writeServiceError(w, err, h.logger)
		return
	}
	h.logger.Debug("Value search",
		zap.String("column", column),
		zap.Int("matches", len(values)))
	writeResponse(w, values, h.logger)
}

// ColumnValues handles GET /api/column/values?column=&limit=
func (h *SearchHandler) ColumnValues(w http.ResponseWriter, r *http.Request) {
	column, ok := RequireQuery(w, r, "column", h.logger)
	if !ok {
		return
	}
	limit, ok := QueryLimit(w, r, services.DefaultValuesLimit, h.logger)
	if !ok {
		return
	}

	values, err := h.search.ColumnValues(r.Context(), column, limit)
	if err != nil {
		writeServiceError(w, err, h.logger)
		return
	}
	writeResponse(w, values, h.logger)
}

// ColumnInfo handles GET /api/column/info
func (h *SearchHandler) ColumnInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.search.ColumnInfo(r.Context())
	if err != nil {
		writeServiceError(w, err, h.logger)
		return
	}
	writeResponse(w, info, h.logger)
}

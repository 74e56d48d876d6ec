package handlers

import (
	"context"
	"net"
	"net/http"
	"strconv"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-predict/pkg/audit"
)

// withRequestInfo attaches the request ID, client IP and user ID to the
// request context for audit logging.
func withRequestInfo(r *http.Request, userID string) context.Context {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return audit.WithRequestInfo(r.Context(), audit.RequestInfo{
		RequestID: chimw.GetReqID(r.Context()),
		UserID:    userID,
		ClientIP:  ip,
	})
}

// RequireQuery returns the named query parameter, or writes a 400 response
// and returns false when it is missing.
func RequireQuery(w http.ResponseWriter, r *http.Request, name string, logger *zap.Logger) (string, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		if err := ErrorResponse(w, http.StatusBadRequest, "missing_parameter", "Query parameter '"+name+"' is required"); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
		return "", false
	}
	return v, true
}

// QueryLimit parses the limit query parameter. A missing parameter returns
// def. A malformed or negative value writes a 400 response and returns false.
func QueryLimit(w http.ResponseWriter, r *http.Request, def int, logger *zap.Logger) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer"); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
		return 0, false
	}
	return n, true
}

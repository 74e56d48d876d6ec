package middleware

import (
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Stack wraps h with the standard middleware, outermost first: request ID,
// real client IP, CORS, request logging, panic recovery.
func Stack(h http.Handler, logger *zap.Logger, allowedOrigins []string) http.Handler {
	chain := []func(http.Handler) http.Handler{
		chimw.RequestID,
		chimw.RealIP,
		CORS(allowedOrigins),
		RequestLogger(logger),
		chimw.Recoverer,
	}
	for i := len(chain) - 1; i >= 0; i-- {
		h = chain[i](h)
	}
	return h
}

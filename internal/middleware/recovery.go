package middleware

import (
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	apperrors "rae-backend/internal/errors"
	"rae-backend/pkg/api"
)

// Recovery converts handler panics into 500 responses with the standard
// error envelope. A partially written response is left alone; the server
// closes the connection.
func Recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("handler panicked",
						zap.Any("panic", rec),
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
						zap.String("request_id", GetRequestIDFromRequest(r)),
						zap.ByteString("stack", debug.Stack()),
					)
					if w.Header().Get("Content-Type") == "" {
						api.Error(w, http.StatusInternalServerError,
							apperrors.CodeInternalError.String(),
							"internal server error",
							GetRequestIDFromRequest(r))
					}
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

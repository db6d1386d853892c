package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"rae-backend/pkg/auth"
)

// RequestLogger emits one structured line per request after it completes.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(ww, r)

			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = r.URL.Path
			}
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("route", route),
				zap.Int("status", ww.status),
				zap.Duration("took", time.Since(start)),
				zap.String("request_id", GetRequestIDFromRequest(r)),
			}
			if principal, err := auth.PrincipalFromContext(r.Context()); err == nil {
				fields = append(fields, zap.String("tenant_id", principal.TenantID))
			}

			switch {
			case ww.status >= http.StatusInternalServerError:
				logger.Error("request failed", fields...)
			case ww.status >= http.StatusBadRequest:
				logger.Warn("request rejected", fields...)
			default:
				logger.Info("request served", fields...)
			}
		})
	}
}

package middleware

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	apperrors "rae-backend/internal/errors"
	"rae-backend/pkg/api"
	"rae-backend/pkg/auth"
)

// Auth resolves the caller's tenant. With validation enabled, a request
// identifies itself through exactly one of a bearer token or the X-Tenant-Id
// header; presenting both or neither is a 401. With validation disabled the
// header is the only identification path. An optional X-Project-ID header
// scopes the principal to one project when the token carries none.
func Auth(validator *auth.JWTValidator, enabled bool, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := GetRequestIDFromRequest(r)
			bearer := strings.TrimSpace(r.Header.Get("Authorization"))
			headerTenant := strings.TrimSpace(r.Header.Get("X-Tenant-Id"))

			var principal *auth.Principal
			switch {
			case enabled && bearer != "" && headerTenant != "":
				api.Error(w, http.StatusUnauthorized,
					apperrors.CodeTenantMismatch.String(),
					"present either a bearer token or X-Tenant-Id, not both",
					requestID)
				return

			case enabled && bearer != "":
				claims, err := validator.ValidateToken(bearer)
				if err != nil {
					code := apperrors.CodeTokenInvalid
					if errors.Is(err, auth.ErrExpiredToken) {
						code = apperrors.CodeTokenExpired
					}
					logger.Warn("token rejected",
						zap.Error(err),
						zap.String("path", r.URL.Path),
						zap.String("request_id", requestID))
					api.Error(w, http.StatusUnauthorized, code.String(),
						"invalid or expired credentials", requestID)
					return
				}
				principal = &auth.Principal{
					TenantID:  claims.TenantID,
					ProjectID: claims.ProjectID,
					Roles:     claims.Roles,
				}

			case headerTenant != "":
				principal = &auth.Principal{TenantID: headerTenant}

			default:
				api.Error(w, http.StatusUnauthorized,
					apperrors.CodeTenantMissing.String(),
					"request carries no tenant identity",
					requestID)
				return
			}

			if principal.ProjectID == "" {
				principal.ProjectID = strings.TrimSpace(r.Header.Get("X-Project-ID"))
			}

			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
		})
	}
}

// RequireRole guards a subtree behind a role carried in the token claims.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := auth.PrincipalFromContext(r.Context())
			if err != nil || !principal.HasRole(role) {
				api.Error(w, http.StatusForbidden,
					apperrors.CodeInsufficientRole.String(),
					"caller lacks the required role",
					GetRequestIDFromRequest(r))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

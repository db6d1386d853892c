// Package handlers implements the HTTP handlers of the service. Handlers
// decode and validate, resolve the tenant scope from the authenticated
// principal, call one service method, and map the outcome onto the shared
// response envelope. Tenant identity never comes from a request body.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	apperrors "rae-backend/internal/errors"
	"rae-backend/internal/middleware"
	"rae-backend/pkg/api"
	"rae-backend/pkg/auth"
)

// decodeJSON fills dst from the request body. An absent body decodes as the
// zero request, so routes whose fields are all optional accept a bare POST.
func decodeJSON(r *http.Request, dst any) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		return apperrors.Validation(apperrors.CodeInvalidInput, "invalid request body").
			WithCause(err).Build()
	}
	return nil
}

// respondError writes the error envelope for a classified error, or a plain
// 500 for anything unclassified. Server-side failures are logged with the
// request ID; caller mistakes are not.
func respondError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	requestID := middleware.GetRequestIDFromRequest(r)

	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		detail := appErr.Message
		if appErr.Details != "" {
			detail += ": " + appErr.Details
		}
		status := appErr.HTTPStatus()
		if status >= http.StatusInternalServerError {
			logger.Error("request failed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("request_id", requestID),
				zap.Error(err))
		}
		api.Error(w, status, appErr.Code.String(), detail, requestID)
		return
	}

	logger.Error("unclassified error",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("request_id", requestID),
		zap.Error(err))
	api.Error(w, http.StatusInternalServerError,
		apperrors.CodeInternalError.String(), "internal server error", requestID)
}

// requireScope returns the authenticated principal. The auth middleware puts
// one on every wired route; a missing principal means the route was mounted
// outside the chain and the request cannot be scoped.
func requireScope(w http.ResponseWriter, r *http.Request) (*auth.Principal, bool) {
	principal, err := auth.PrincipalFromContext(r.Context())
	if err != nil {
		api.Error(w, http.StatusUnauthorized,
			apperrors.CodeTenantMissing.String(),
			"request carries no tenant identity",
			middleware.GetRequestIDFromRequest(r))
		return nil, false
	}
	return principal, true
}

// resolveProject picks the effective project: the explicit request value
// wins, then the principal's, and a scope without either is a caller error.
func resolveProject(principal *auth.Principal, explicit string) (string, error) {
	project := strings.TrimSpace(explicit)
	if project == "" {
		project = principal.ProjectID
	}
	if project == "" {
		return "", apperrors.Validation(apperrors.CodeMissingField, "project is required").
			WithDetails("field 'project'").Build()
	}
	return project, nil
}

// queryInt parses an optional integer query parameter, 0 when absent.
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperrors.Validation(apperrors.CodeInvalidInput,
			"parameter '"+name+"' must be an integer").Build()
	}
	return v, nil
}

// queryFloat parses an optional float query parameter, 0 when absent.
func queryFloat(r *http.Request, name string) (float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, apperrors.Validation(apperrors.CodeInvalidInput,
			"parameter '"+name+"' must be a number").Build()
	}
	return v, nil
}

// queryBool parses an optional boolean query parameter, false when absent.
func queryBool(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, apperrors.Validation(apperrors.CodeInvalidInput,
			"parameter '"+name+"' must be a boolean").Build()
	}
	return v, nil
}

// queryCSV splits a comma-separated query parameter, dropping empty items.
func queryCSV(r *http.Request, name string) []string {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

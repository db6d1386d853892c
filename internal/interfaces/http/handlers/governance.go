package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "rae-backend/internal/errors"
	"rae-backend/internal/interfaces/http/dto"
	"rae-backend/internal/service/governance"
	"rae-backend/pkg/api"
	"rae-backend/pkg/auth"
)

// GovernanceHandler serves the /v1/governance routes. Reports are scoped to
// the caller's own tenant; the admin role may read and set any tenant.
type GovernanceHandler struct {
	governance *governance.Service
	logger     *zap.Logger
}

// NewGovernanceHandler wires the governance handler.
func NewGovernanceHandler(svc *governance.Service, logger *zap.Logger) *GovernanceHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GovernanceHandler{governance: svc, logger: logger}
}

// TenantUsage handles GET /v1/governance/tenant/{tenant_id}.
func (h *GovernanceHandler) TenantUsage(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantScope(w, r)
	if !ok {
		return
	}

	windowDays, err := queryInt(r, "window_days")
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	report, err := h.governance.TenantUsage(r.Context(), tenantID, windowDays)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	api.Success(w, http.StatusOK, report)
}

// Budget handles GET /v1/governance/tenant/{tenant_id}/budget.
func (h *GovernanceHandler) Budget(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantScope(w, r)
	if !ok {
		return
	}

	report, err := h.governance.Budget(r.Context(), tenantID)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	api.Success(w, http.StatusOK, report)
}

// SetBudget handles PUT /v1/governance/tenant/{tenant_id}/budget. The route
// is admin-gated, so the path tenant may differ from the caller's own.
func (h *GovernanceHandler) SetBudget(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireScope(w, r); !ok {
		return
	}
	tenantID := chi.URLParam(r, "tenant_id")
	if tenantID == "" {
		respondError(w, r, h.logger, apperrors.Validation(apperrors.CodeMissingField,
			"tenant_id is required").WithDetails("path parameter 'tenant_id'").Build())
		return
	}
	var req dto.SetBudgetRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	if err := dto.Validate(req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	report, err := h.governance.SetBudget(r.Context(), tenantID, req.BudgetUSDMonthly, req.BudgetTokensMonthly)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	api.Success(w, http.StatusOK, report)
}

// tenantScope resolves the path tenant and enforces that the caller either
// owns it or carries the admin role. Refusals are audit-logged with both
// identities.
func (h *GovernanceHandler) tenantScope(w http.ResponseWriter, r *http.Request) (string, bool) {
	principal, ok := requireScope(w, r)
	if !ok {
		return "", false
	}
	tenantID := chi.URLParam(r, "tenant_id")
	if tenantID == "" {
		respondError(w, r, h.logger, apperrors.Validation(apperrors.CodeMissingField,
			"tenant_id is required").WithDetails("path parameter 'tenant_id'").Build())
		return "", false
	}
	if tenantID != principal.TenantID && !principal.HasRole(auth.RoleAdmin) {
		h.logger.Warn("cross-tenant governance access refused",
			zap.String("tenant_id", principal.TenantID),
			zap.String("requested_tenant_id", tenantID),
			zap.String("path", r.URL.Path))
		respondError(w, r, h.logger, apperrors.Forbidden(apperrors.CodeCrossTenantAccess,
			"access to another tenant's reports is not allowed").Build())
		return "", false
	}
	return tenantID, true
}

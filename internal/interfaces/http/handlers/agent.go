package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"rae-backend/internal/domain"
	"rae-backend/internal/interfaces/http/dto"
	"rae-backend/internal/observability"
	"rae-backend/internal/service/orchestrator"
	"rae-backend/pkg/api"
)

// AgentHandler serves POST /v1/agent/execute.
type AgentHandler struct {
	tasks   *orchestrator.Service
	metrics *observability.Collector
	logger  *zap.Logger
}

// NewAgentHandler wires the agent handler.
func NewAgentHandler(tasks *orchestrator.Service, metrics *observability.Collector, logger *zap.Logger) *AgentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AgentHandler{tasks: tasks, metrics: metrics, logger: logger}
}

// Execute retrieves context for the prompt, runs the model, and returns the
// answer with its grounding and cost. Budget refusals surface as 402 before
// any model call is made.
func (h *AgentHandler) Execute(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireScope(w, r)
	if !ok {
		return
	}
	var req dto.ExecuteTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	if err := dto.Validate(req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	project, err := resolveProject(principal, req.Project)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	res, err := h.tasks.ExecuteTask(r.Context(), orchestrator.TaskRequest{
		TenantID:   principal.TenantID,
		ProjectID:  project,
		Prompt:     req.Prompt,
		Model:      req.Model,
		K:          req.K,
		UseGraph:   req.UseGraph,
		GraphDepth: req.GraphDepth,
		Profile:    domain.WeightProfile(req.Profile),
		Rerank:     req.Rerank,
		MaxTokens:  req.MaxTokens,
		History:    req.History,
	})
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	h.metrics.TaskCostUSD.Add(res.Cost.TotalEstimate)
	api.Success(w, http.StatusOK, res)
}

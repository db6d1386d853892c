// Package orchestrator executes agent tasks end to end: budget precheck,
// hybrid retrieval, reflection injection, the model completion, atomic cost
// accounting and post-hoc episode capture.
package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"rae-backend/internal/config"
	"rae-backend/internal/domain"
	apperrors "rae-backend/internal/errors"
	"rae-backend/internal/service/cost"
	"rae-backend/internal/service/llm"
	memorysvc "rae-backend/internal/service/memory"
	"rae-backend/internal/service/retrieval"
)

const (
	taskSystemPrompt = `You are an assistant executing a task for an agent. Ground your answer in the provided context; when the context does not cover the question, say so instead of inventing details.`

	// injectionListLimit bounds how many reflective memories are even
	// considered for injection; the token budget trims further.
	injectionListLimit = 10
)

// TaskRequest is one agent task. Model, K, GraphDepth and MaxTokens fall
// back to configuration defaults when zero.
type TaskRequest struct {
	TenantID  string
	ProjectID string
	Prompt    string

	Model      string
	K          int
	UseGraph   bool
	GraphDepth int
	Profile    domain.WeightProfile
	Rerank     *bool
	MaxTokens  int64
	History    []string
}

// TaskCost is the accounting block returned to the caller. TotalEstimate is
// computed from the pricing table and is non-zero for every model call.
type TaskCost struct {
	InputTokens   int64   `json:"input_tokens"`
	OutputTokens  int64   `json:"output_tokens"`
	TotalEstimate float64 `json:"total_estimate"`
}

// UsedMemory is one retrieved memory the answer was grounded on.
type UsedMemory struct {
	ID         string  `json:"id"`
	Layer      string  `json:"layer"`
	Content    string  `json:"content"`
	FinalScore float64 `json:"final_score"`
}

// TaskResult is the orchestrator's reply.
type TaskResult struct {
	Answer       string       `json:"answer"`
	UsedMemories []UsedMemory `json:"used_memories"`
	Cost         TaskCost     `json:"cost"`
	Model        string       `json:"model"`
	CacheHit     bool         `json:"cache_hit"`
}

// Service ties retrieval, the model and cost governance into the single
// execute-task operation.
type Service struct {
	search   *retrieval.Service
	memories *memorysvc.Service
	provider llm.Provider
	costs    *cost.Service
	llmCfg   config.LLMConfig
	reflCfg  config.Reflection
	logger   *zap.Logger
}

// NewService wires the orchestrator.
func NewService(
	search *retrieval.Service,
	memories *memorysvc.Service,
	provider llm.Provider,
	costs *cost.Service,
	llmCfg config.LLMConfig,
	reflCfg config.Reflection,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		search:   search,
		memories: memories,
		provider: provider,
		costs:    costs,
		llmCfg:   llmCfg,
		reflCfg:  reflCfg,
		logger:   logger,
	}
}

// ExecuteTask runs the full task flow. The budget precheck happens before
// retrieval, so a tenant without headroom costs nothing: no provider call,
// no cost log rows.
func (s *Service) ExecuteTask(ctx context.Context, req TaskRequest) (*TaskResult, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, apperrors.Validation(apperrors.CodeQueryEmpty, "prompt must not be empty").Build()
	}
	model := req.Model
	if model == "" {
		model = s.llmCfg.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = s.llmCfg.MaxTokens
	}

	est := cost.EstimateCompletion(model, llm.EstimateTokens(req.Prompt), maxTokens)
	if err := s.costs.CheckBudget(ctx, req.TenantID, est); err != nil {
		return nil, err
	}

	res, err := s.search.Search(ctx, retrieval.SearchRequest{
		TenantID:   req.TenantID,
		ProjectID:  req.ProjectID,
		Query:      req.Prompt,
		K:          req.K,
		Profile:    req.Profile,
		UseGraph:   req.UseGraph,
		GraphDepth: req.GraphDepth,
		Rerank:     req.Rerank,
		History:    req.History,
	})
	if err != nil {
		return nil, err
	}

	// Accounting row for the retrieval leg: a cache hit skipped the query
	// embedding, a miss paid for one (zero USD with the local embedder).
	if res.CacheHit {
		s.costs.RecordFree(ctx, req.TenantID, req.ProjectID, model, domain.OperationCacheHit)
	} else {
		s.costs.RecordFree(ctx, req.TenantID, req.ProjectID, "local", domain.OperationEmbedding)
	}

	system := taskSystemPrompt
	if preamble := s.reflectionPreamble(ctx, req.TenantID, req.ProjectID); preamble != "" {
		system += "\n\n" + preamble
	}
	prompt := req.Prompt
	if res.SynthesizedContext != "" {
		prompt = res.SynthesizedContext + "\n\n" + req.Prompt
	}

	callCtx := ctx
	if timeout := s.llmCfg.Timeout.Std(); timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	comp, err := s.provider.Complete(callCtx, llm.Request{
		System:      system,
		Prompt:      prompt,
		Model:       model,
		Temperature: s.llmCfg.Temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return nil, err
	}

	taskCost := TaskCost{
		InputTokens:  comp.Usage.InputTokens,
		OutputTokens: comp.Usage.OutputTokens,
	}
	taskCost.TotalEstimate = cost.CostUSD(comp.Model, taskCost.InputTokens, taskCost.OutputTokens)
	if err := s.costs.AddUsage(ctx, &domain.CostLog{
		TenantID:     req.TenantID,
		ProjectID:    req.ProjectID,
		Model:        comp.Model,
		Operation:    domain.OperationCompletion,
		InputTokens:  taskCost.InputTokens,
		OutputTokens: taskCost.OutputTokens,
		TotalCostUSD: taskCost.TotalEstimate,
	}); err != nil {
		s.logger.Warn("cost accounting failed for completed task",
			zap.String("tenant_id", req.TenantID),
			zap.Error(err))
	}

	used := make([]UsedMemory, 0, len(res.Results))
	usedIDs := make([]string, 0, len(res.Results))
	for _, sm := range res.Results {
		used = append(used, UsedMemory{
			ID:         sm.Memory.ID,
			Layer:      string(sm.Memory.Layer),
			Content:    sm.Memory.Content,
			FinalScore: sm.FinalScore,
		})
		usedIDs = append(usedIDs, sm.Memory.ID)
	}

	s.recordEpisode(ctx, req, comp.Text, usedIDs, taskCost.TotalEstimate)

	return &TaskResult{
		Answer:       comp.Text,
		UsedMemories: used,
		Cost:         taskCost,
		Model:        comp.Model,
		CacheHit:     res.CacheHit,
	}, nil
}

// reflectionPreamble collects recent reflective memories into a system
// prompt block, newest first, stopping at the injection token budget.
// Injection is best-effort: a listing failure logs and yields nothing.
func (s *Service) reflectionPreamble(ctx context.Context, tenantID, projectID string) string {
	budget := s.reflCfg.InjectionTokenBudget
	if budget <= 0 {
		return ""
	}
	reflections, err := s.memories.List(ctx, memorysvc.ListRequest{
		TenantID:  tenantID,
		ProjectID: projectID,
		Layer:     string(domain.LayerReflective),
		Limit:     injectionListLimit,
	})
	if err != nil {
		s.logger.Warn("reflection injection skipped",
			zap.String("tenant_id", tenantID),
			zap.Error(err))
		return ""
	}

	remaining := int64(budget)
	var parts []string
	for _, m := range reflections {
		tokens := llm.EstimateTokens(m.Content)
		if tokens > remaining {
			break
		}
		remaining -= tokens
		parts = append(parts, "- "+m.Content)
	}
	if len(parts) == 0 {
		return ""
	}
	return "Reflections from earlier sessions:\n" + strings.Join(parts, "\n")
}

// recordEpisode stores the exchange as an episodic memory for the
// reflection pipeline to consume later. Failures are logged; the answer has
// already been produced and is returned regardless.
func (s *Service) recordEpisode(ctx context.Context, req TaskRequest, answer string, usedIDs []string, costUSD float64) {
	content := fmt.Sprintf("Task: %s\n\nAnswer: %s", strings.TrimSpace(req.Prompt), strings.TrimSpace(answer))
	if len(usedIDs) > 0 {
		content += "\n\nUsed memories: " + strings.Join(usedIDs, ", ")
	}
	content += fmt.Sprintf("\nCost: $%.6f", costUSD)
	if len(content) > domain.MaxContentLength {
		content = content[:domain.MaxContentLength]
	}

	_, err := s.memories.Store(ctx, memorysvc.StoreRequest{
		TenantID:   req.TenantID,
		ProjectID:  req.ProjectID,
		Content:    content,
		Source:     "agent_task",
		Layer:      string(domain.LayerEpisodic),
		Tags:       []string{"agent_task"},
		Importance: 0.5,
	})
	if err != nil {
		s.logger.Warn("post-hoc episode store failed",
			zap.String("tenant_id", req.TenantID),
			zap.Error(err))
	}
}

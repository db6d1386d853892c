// Package retrieval implements the hybrid search pipeline: query analysis,
// parallel strategy execution, weighted fusion, reranking and context
// synthesis, fronted by the fingerprinted context cache.
package retrieval

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"rae-backend/internal/domain"
	"rae-backend/internal/service/llm"
)

// analyzerSystemPrompt instructs the model to classify the query. The JSON
// shape matches analyzerVerdict exactly.
const analyzerSystemPrompt = `You classify retrieval queries for a memory system.
Given a query (and optional recent conversation turns), respond with JSON only:
{"intent": "<factual|conceptual|navigational|procedural|exploratory|relational>",
 "confidence": <0.0-1.0>,
 "weights": {"vector": <w>, "fulltext": <w>, "graph": <w>, "semantic": <w>}}
Weights express how much each retrieval strategy should contribute and must be
non-negative. Favor "graph" for questions about relationships or dependencies,
"fulltext" for exact names and identifiers, "vector" for paraphrased recall.`

// analyzerVerdict is the wire shape of the model's classification.
type analyzerVerdict struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
	Weights    struct {
		Vector   float64 `json:"vector"`
		Fulltext float64 `json:"fulltext"`
		Graph    float64 `json:"graph"`
		Semantic float64 `json:"semantic"`
	} `json:"weights"`
}

// Analyzer classifies query intent and derives strategy weights. A model
// does the classification; when it fails or returns garbage the lexical
// fallback takes over, so analysis never fails a query.
type Analyzer struct {
	provider llm.Provider
	logger   *zap.Logger
}

// NewAnalyzer builds an analyzer backed by the given completion provider.
func NewAnalyzer(provider llm.Provider, logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{provider: provider, logger: logger}
}

// Analyze classifies the query. History carries recent conversation turns
// for disambiguation; it may be nil.
func (a *Analyzer) Analyze(ctx context.Context, query string, history []string) domain.QueryAnalysis {
	verdict, err := a.classify(ctx, query, history)
	if err != nil {
		a.logger.Debug("query analysis degraded to lexical rules",
			zap.String("query", truncateQuery(query)),
			zap.Error(err))
		return LexicalAnalysis(query)
	}
	return *verdict
}

func (a *Analyzer) classify(ctx context.Context, query string, history []string) (*domain.QueryAnalysis, error) {
	var sb strings.Builder
	if len(history) > 0 {
		sb.WriteString("Recent turns:\n")
		for _, h := range history {
			sb.WriteString("- ")
			sb.WriteString(h)
			sb.WriteByte('\n')
		}
		sb.WriteByte('\n')
	}
	sb.WriteString("Query: ")
	sb.WriteString(query)

	var v analyzerVerdict
	if _, err := a.provider.CompleteJSON(ctx, llm.Request{
		System:    analyzerSystemPrompt,
		Prompt:    sb.String(),
		MaxTokens: 256,
	}, &v); err != nil {
		return nil, err
	}

	if !domain.ValidIntent(v.Intent) {
		return nil, fmt.Errorf("unknown intent %q", v.Intent)
	}
	if v.Confidence < 0 || v.Confidence > 1 {
		return nil, fmt.Errorf("confidence %f out of range", v.Confidence)
	}
	weights := domain.StrategyWeights{
		domain.StrategyVector:   v.Weights.Vector,
		domain.StrategyFulltext: v.Weights.Fulltext,
		domain.StrategyGraph:    v.Weights.Graph,
		domain.StrategySemantic: v.Weights.Semantic,
	}
	var sum float64
	for _, w := range weights {
		if w < 0 {
			return nil, fmt.Errorf("negative weight in %v", weights)
		}
		sum += w
	}
	if sum <= 0 {
		return nil, fmt.Errorf("all weights zero")
	}
	return &domain.QueryAnalysis{
		Intent:     domain.Intent(v.Intent),
		Confidence: v.Confidence,
		Weights:    weights.Normalize(),
	}, nil
}

// LexicalAnalysis classifies a query without a model. Interrogative
// openers, relationship vocabulary, proper nouns and numerals each mark an
// intent; anything unmatched is exploratory.
func LexicalAnalysis(query string) domain.QueryAnalysis {
	lower := strings.ToLower(strings.TrimSpace(query))
	confidence := 0.6

	var intent domain.Intent
	switch {
	case containsAny(lower, "depend", "related", "relationship", "between", "connected", "connects", "linked"):
		intent = domain.IntentRelational
	case strings.HasPrefix(lower, "how "), strings.HasPrefix(lower, "how?"):
		intent = domain.IntentProcedural
	case strings.HasPrefix(lower, "why"):
		intent = domain.IntentConceptual
	case strings.HasPrefix(lower, "what is"), strings.HasPrefix(lower, "what are"),
		strings.HasPrefix(lower, "when "), strings.HasPrefix(lower, "who "):
		intent = domain.IntentFactual
	case hasProperNoun(query):
		intent = domain.IntentNavigational
	case strings.IndexFunc(lower, unicode.IsDigit) >= 0:
		intent = domain.IntentFactual
	default:
		intent = domain.IntentExploratory
		confidence = 0.4
	}

	return domain.QueryAnalysis{
		Intent:     intent,
		Confidence: confidence,
		Weights:    intentWeights(intent),
	}
}

// ProfileWeights returns the preset weight vector for an explicit profile.
// Callers that pass a profile skip the analyzer entirely.
func ProfileWeights(profile domain.WeightProfile) domain.StrategyWeights {
	switch profile {
	case domain.ProfileQuality:
		return domain.StrategyWeights{
			domain.StrategyVector:   0.30,
			domain.StrategyFulltext: 0.15,
			domain.StrategyGraph:    0.30,
			domain.StrategySemantic: 0.25,
		}
	case domain.ProfileSpeed:
		return domain.StrategyWeights{
			domain.StrategyVector:   0.60,
			domain.StrategyFulltext: 0.40,
		}
	case domain.ProfileComprehensive:
		return domain.StrategyWeights{
			domain.StrategyVector:   0.25,
			domain.StrategyFulltext: 0.25,
			domain.StrategyGraph:    0.25,
			domain.StrategySemantic: 0.25,
		}
	case domain.ProfileExploratory:
		return domain.StrategyWeights{
			domain.StrategyVector:   0.20,
			domain.StrategyFulltext: 0.10,
			domain.StrategyGraph:    0.40,
			domain.StrategySemantic: 0.30,
		}
	default: // balanced
		return domain.StrategyWeights{
			domain.StrategyVector:   0.35,
			domain.StrategyFulltext: 0.25,
			domain.StrategyGraph:    0.20,
			domain.StrategySemantic: 0.20,
		}
	}
}

func intentWeights(intent domain.Intent) domain.StrategyWeights {
	switch intent {
	case domain.IntentFactual:
		return domain.StrategyWeights{
			domain.StrategyVector:   0.45,
			domain.StrategyFulltext: 0.30,
			domain.StrategyGraph:    0.10,
			domain.StrategySemantic: 0.15,
		}
	case domain.IntentConceptual:
		return domain.StrategyWeights{
			domain.StrategyVector:   0.30,
			domain.StrategyFulltext: 0.10,
			domain.StrategyGraph:    0.25,
			domain.StrategySemantic: 0.35,
		}
	case domain.IntentNavigational:
		return domain.StrategyWeights{
			domain.StrategyVector:   0.25,
			domain.StrategyFulltext: 0.45,
			domain.StrategyGraph:    0.15,
			domain.StrategySemantic: 0.15,
		}
	case domain.IntentProcedural:
		return domain.StrategyWeights{
			domain.StrategyVector:   0.40,
			domain.StrategyFulltext: 0.30,
			domain.StrategyGraph:    0.15,
			domain.StrategySemantic: 0.15,
		}
	case domain.IntentRelational:
		return domain.StrategyWeights{
			domain.StrategyVector:   0.20,
			domain.StrategyFulltext: 0.10,
			domain.StrategyGraph:    0.45,
			domain.StrategySemantic: 0.25,
		}
	default: // exploratory
		return domain.StrategyWeights{
			domain.StrategyVector:   0.30,
			domain.StrategyFulltext: 0.15,
			domain.StrategyGraph:    0.30,
			domain.StrategySemantic: 0.25,
		}
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// hasProperNoun reports whether any word after the first starts uppercase,
// which marks queries naming a specific entity.
func hasProperNoun(query string) bool {
	fields := strings.Fields(query)
	for i, f := range fields {
		if i == 0 {
			continue
		}
		r := []rune(f)
		if len(r) > 0 && unicode.IsUpper(r[0]) {
			return true
		}
	}
	return false
}

func truncateQuery(q string) string {
	if len(q) <= 80 {
		return q
	}
	return q[:80] + "..."
}

// Package domain contains the core data structures for the service,
// independent of the database or API layers.
package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "rae-backend/internal/errors"
)

// Layer identifies which memory tier a record belongs to.
type Layer string

const (
	LayerEpisodic   Layer = "episodic"
	LayerSemantic   Layer = "semantic"
	LayerReflective Layer = "reflective"
)

// ValidLayer reports whether s names a known layer.
func ValidLayer(s string) bool {
	switch Layer(s) {
	case LayerEpisodic, LayerSemantic, LayerReflective:
		return true
	}
	return false
}

// ParseLayer resolves a layer name or its short alias ("em", "sm", "rf").
// Agent SDKs send the two-letter forms.
func ParseLayer(s string) (Layer, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "em", "episodic":
		return LayerEpisodic, true
	case "sm", "semantic":
		return LayerSemantic, true
	case "rf", "reflective":
		return LayerReflective, true
	}
	return "", false
}

// ConsolidationStatus is the lifecycle marker driving reflection and archival.
type ConsolidationStatus string

const (
	StatusRaw          ConsolidationStatus = "raw"
	StatusConsolidated ConsolidationStatus = "consolidated"
	StatusArchived     ConsolidationStatus = "archived"
)

// MaxContentLength bounds stored content size.
const MaxContentLength = 65536

// Memory is one unit of stored knowledge. Content is immutable after
// creation; access stats, importance and consolidation status are mutable.
type Memory struct {
	ID        string
	TenantID  string
	ProjectID string
	Layer     Layer
	Content   string
	Source    string
	Tags      []string

	Importance             float64
	UserImportanceOverride *float64

	// EmbeddingRef is the vector-index identifier, one-to-one with ID.
	// Empty until the embedding has been committed.
	EmbeddingRef string

	CreatedAt      time.Time
	LastAccessedAt time.Time
	UsageCount     int64

	ConsolidationStatus ConsolidationStatus
	ParentIDs           []string
	ArchivedAt          *time.Time
}

// NewMemory builds a validated memory with defaulted lifecycle fields.
// created_at and last_accessed_at start equal so the invariant
// last_accessed_at >= created_at holds from birth.
func NewMemory(tenantID, projectID string, layer Layer, content, source string, tags []string, importance float64) (*Memory, error) {
	now := time.Now().UTC()
	m := &Memory{
		ID:                  uuid.New().String(),
		TenantID:            tenantID,
		ProjectID:           projectID,
		Layer:               layer,
		Content:             content,
		Source:              source,
		Tags:                dedupeTags(tags),
		Importance:          importance,
		CreatedAt:           now,
		LastAccessedAt:      now,
		UsageCount:          0,
		ConsolidationStatus: StatusRaw,
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate enforces the memory invariants.
func (m *Memory) Validate() error {
	if strings.TrimSpace(m.TenantID) == "" {
		return apperrors.Validation(apperrors.CodeTenantMissing, "tenant_id is required").
			WithDetails("field 'tenant_id'").Build()
	}
	if strings.TrimSpace(m.ProjectID) == "" {
		return apperrors.Validation(apperrors.CodeMissingField, "project_id is required").
			WithDetails("field 'project_id'").Build()
	}
	if !ValidLayer(string(m.Layer)) {
		return apperrors.Validation(apperrors.CodeInvalidLayer, "layer must be one of episodic, semantic, reflective").
			WithDetails("field 'layer'").Build()
	}
	if strings.TrimSpace(m.Content) == "" {
		return apperrors.Validation(apperrors.CodeMemoryContentEmpty, "content cannot be empty").
			WithDetails("field 'content'").Build()
	}
	if len(m.Content) > MaxContentLength {
		return apperrors.Validation(apperrors.CodeMemoryContentTooLong, "content exceeds maximum length").
			WithDetails("field 'content'").Build()
	}
	if m.Importance < 0 || m.Importance > 1 {
		return apperrors.Validation(apperrors.CodeInvalidImportance, "importance must be within [0, 1]").
			WithDetails("field 'importance'").Build()
	}
	if m.UserImportanceOverride != nil {
		if v := *m.UserImportanceOverride; v < 0 || v > 1 {
			return apperrors.Validation(apperrors.CodeInvalidImportance, "importance override must be within [0, 1]").
				WithDetails("field 'user_importance_override'").Build()
		}
	}
	if m.UsageCount < 0 {
		return apperrors.Validation(apperrors.CodeValidationFailed, "usage_count cannot be negative").
			WithDetails("field 'usage_count'").Build()
	}
	return nil
}

// IsArchived reports whether the memory has been moved out of retrieval.
func (m *Memory) IsArchived() bool {
	return m.ConsolidationStatus == StatusArchived
}

// EffectiveImportance returns the user override when present, else the
// computed importance. Ranking always reads this, never the raw field.
func (m *Memory) EffectiveImportance() float64 {
	if m.UserImportanceOverride != nil {
		return *m.UserImportanceOverride
	}
	return m.Importance
}

// AgeDays returns the age in days relative to now.
func (m *Memory) AgeDays(now time.Time) float64 {
	return now.Sub(m.CreatedAt).Hours() / 24
}

// DaysSinceAccess returns days elapsed since the last access.
func (m *Memory) DaysSinceAccess(now time.Time) float64 {
	return now.Sub(m.LastAccessedAt).Hours() / 24
}

func dedupeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

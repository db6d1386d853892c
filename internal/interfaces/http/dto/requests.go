// Package dto defines the request and response shapes of the HTTP surface
// and the validation applied at the boundary. Handlers decode into these
// types, validate, and only then touch services.
package dto

import (
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	apperrors "rae-backend/internal/errors"
)

// validate is shared across handlers; validator instances cache struct
// metadata, so one instance per process is the cheap configuration.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Error messages carry the JSON field name, not the Go field name.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	// Project IDs become vector namespace prefixes joined with '#'.
	v.RegisterValidation("projectid", func(fl validator.FieldLevel) bool {
		return !strings.Contains(fl.Field().String(), "#")
	})
	return v
}

// Validate runs struct-tag validation and converts the first failure into a
// classified validation error naming the offending field.
func Validate(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	if fieldErrs, ok := err.(validator.ValidationErrors); ok && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return apperrors.Validation(apperrors.CodeValidationFailed,
			"invalid value for field '"+fe.Field()+"'").
			WithDetails("field '"+fe.Field()+"' failed rule '"+fe.Tag()+"'").
			Build()
	}
	return apperrors.Validation(apperrors.CodeValidationFailed, "request validation failed").
		WithCause(err).Build()
}

// StoreMemoryRequest is the body of POST /v1/memory/store. Importance is a
// pointer so an omitted value can default to 0.5 while an explicit 0 is kept.
type StoreMemoryRequest struct {
	Content    string     `json:"content" validate:"required,max=65536"`
	Source     string     `json:"source" validate:"max=256"`
	Layer      string     `json:"layer" validate:"required"`
	Tags       []string   `json:"tags" validate:"omitempty,max=32,dive,max=128"`
	Project    string     `json:"project" validate:"omitempty,projectid,max=256"`
	Importance *float64   `json:"importance" validate:"omitempty,gte=0,lte=1"`
	Timestamp  *time.Time `json:"timestamp"`
}

// ListMemoriesRequest mirrors the query string of GET /v1/memory/list.
type ListMemoriesRequest struct {
	Project string   `json:"project" validate:"omitempty,projectid,max=256"`
	Layer   string   `json:"layer"`
	Tags    []string `json:"tags"`
	Source  string   `json:"source"`
	Limit   int      `json:"limit" validate:"omitempty,gte=1,lte=200"`
	Offset  int      `json:"offset" validate:"omitempty,gte=0"`
}

// SetImportanceRequest is the body of POST /v1/memory/importance. A null
// importance clears the override.
type SetImportanceRequest struct {
	MemoryID   string   `json:"memory_id" validate:"required"`
	Importance *float64 `json:"importance" validate:"omitempty,gte=0,lte=1"`
}

// QueryFilters narrows retrieval. Tag matching requires every listed tag.
type QueryFilters struct {
	Layer         string     `json:"layer"`
	Tags          []string   `json:"tags"`
	Source        string     `json:"source"`
	CreatedAfter  *time.Time `json:"created_after"`
	CreatedBefore *time.Time `json:"created_before"`
	MinImportance *float64   `json:"min_importance" validate:"omitempty,gte=0,lte=1"`
}

// QueryMemoryRequest is the body of POST /v1/memory/query. K above 100 is
// rejected here; graph depth above the traversal maximum is clamped by the
// pipeline, which notes the clamp in response metadata.
type QueryMemoryRequest struct {
	Query      string       `json:"query" validate:"required"`
	Project    string       `json:"project" validate:"omitempty,projectid,max=256"`
	K          int          `json:"k" validate:"omitempty,gte=1,lte=100"`
	Filters    QueryFilters `json:"filters"`
	Profile    string       `json:"profile" validate:"omitempty,oneof=balanced quality speed comprehensive exploratory"`
	UseGraph   bool         `json:"use_graph"`
	GraphDepth int          `json:"graph_depth" validate:"omitempty,gte=1"`
	Rerank     *bool        `json:"rerank"`
	NoCache    bool         `json:"no_cache"`
	History    []string     `json:"history" validate:"omitempty,max=20"`
}

// ExtractGraphRequest is the body of POST /v1/graph/extract.
type ExtractGraphRequest struct {
	Project       string  `json:"project" validate:"omitempty,projectid,max=256"`
	Limit         int     `json:"limit" validate:"omitempty,gte=1,lte=1000"`
	MinConfidence float64 `json:"min_confidence" validate:"gte=0,lte=1"`
	AutoStore     bool    `json:"auto_store"`
}

// GraphQueryRequest is the body of POST /v1/graph/query.
type GraphQueryRequest struct {
	Query   string `json:"query" validate:"required"`
	Project string `json:"project" validate:"omitempty,projectid,max=256"`
	K       int    `json:"k" validate:"omitempty,gte=1,lte=100"`
	Depth   int    `json:"depth" validate:"omitempty,gte=1,lte=5"`
}

// HierarchicalReflectionRequest is the body of the reflection fold endpoints.
type HierarchicalReflectionRequest struct {
	Project string `json:"project" validate:"omitempty,projectid,max=256"`
	Limit   int    `json:"limit" validate:"omitempty,gte=1,lte=5000"`
}

// ExecuteTaskRequest is the body of POST /v1/agent/execute.
type ExecuteTaskRequest struct {
	Prompt     string   `json:"prompt" validate:"required"`
	Project    string   `json:"project" validate:"omitempty,projectid,max=256"`
	Model      string   `json:"model" validate:"omitempty,max=128"`
	K          int      `json:"k" validate:"omitempty,gte=1,lte=100"`
	UseGraph   bool     `json:"use_graph"`
	GraphDepth int      `json:"graph_depth" validate:"omitempty,gte=1"`
	Profile    string   `json:"profile" validate:"omitempty,oneof=balanced quality speed comprehensive exploratory"`
	Rerank     *bool    `json:"rerank"`
	MaxTokens  int64    `json:"max_tokens" validate:"omitempty,gte=1,lte=65536"`
	History    []string `json:"history" validate:"omitempty,max=20"`
}

// CacheRebuildRequest is the body of POST /v1/cache/rebuild.
type CacheRebuildRequest struct {
	Project string `json:"project" validate:"omitempty,projectid,max=256"`
	Limit   int    `json:"limit" validate:"omitempty,gte=1,lte=100"`
}

// CacheInvalidateRequest is the body of POST /v1/cache/invalidate. An empty
// project drops every entry of the calling tenant.
type CacheInvalidateRequest struct {
	Project string `json:"project" validate:"omitempty,projectid,max=256"`
}

// SetBudgetRequest is the body of PUT /v1/governance/tenant/{tenant_id}/budget.
// Zero limits mean unlimited.
type SetBudgetRequest struct {
	BudgetUSDMonthly    float64 `json:"budget_usd_monthly" validate:"gte=0"`
	BudgetTokensMonthly int64   `json:"budget_tokens_monthly" validate:"gte=0"`
}

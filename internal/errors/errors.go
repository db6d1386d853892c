// Package errors provides the unified error type used across all layers of
// the service. Handlers map error kinds to HTTP statuses; services and
// repositories construct classified errors instead of returning bare strings.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for handling and response mapping.
type Kind string

const (
	// Caller errors
	KindValidation   Kind = "VALIDATION"
	KindUnauthorized Kind = "UNAUTHORIZED"
	KindForbidden    Kind = "FORBIDDEN"
	KindNotFound     Kind = "NOT_FOUND"
	KindConflict     Kind = "CONFLICT"

	// Governance errors
	KindBudgetExceeded Kind = "BUDGET_EXCEEDED"

	// Dependency errors
	KindDependencyUnavailable Kind = "DEPENDENCY_UNAVAILABLE"
	KindProviderOutputInvalid Kind = "PROVIDER_OUTPUT_INVALID"
	KindTimeout               Kind = "TIMEOUT"

	// Everything else
	KindInternal Kind = "INTERNAL"
)

// Severity defines the severity level for logging and monitoring.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Error is the single error type shared by repositories, services and
// handlers. Cross-tenant lookups surface as KindNotFound so responses never
// reveal whether a resource exists under another tenant.
type Error struct {
	Kind    Kind      `json:"kind"`
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`

	Operation string `json:"operation,omitempty"`
	Resource  string `json:"resource,omitempty"`
	TenantID  string `json:"tenantId,omitempty"`
	RequestID string `json:"requestId,omitempty"`

	Severity   Severity      `json:"severity"`
	Retryable  bool          `json:"retryable"`
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
	Cause      error         `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s:%s] %s: %s", e.Kind, e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Kind, e.Code, e.Message)
}

// Unwrap allows errors.Is and errors.As to reach the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the response status for the error's kind.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return 400
	case KindUnauthorized:
		return 401
	case KindBudgetExceeded:
		return 402
	case KindForbidden:
		return 403
	case KindNotFound:
		return 404
	case KindConflict:
		return 409
	case KindProviderOutputInvalid:
		return 502
	case KindDependencyUnavailable:
		return 503
	case KindTimeout:
		return 504
	default:
		return 500
	}
}

// ============================================================================
// BUILDER
// ============================================================================

// Builder provides a fluent interface for constructing Error values.
type Builder struct {
	err *Error
}

// New creates a builder with the given kind, code and message. Severity and
// retryability default from the code's classification.
func New(kind Kind, code ErrorCode, message string) *Builder {
	return &Builder{
		err: &Error{
			Kind:      kind,
			Code:      code,
			Message:   message,
			Severity:  code.Severity(),
			Retryable: code.IsRetryable(),
		},
	}
}

// WithDetails adds caller-facing detail, e.g. the offending field of a
// validation failure or the usage/limit pair of a budget rejection.
func (b *Builder) WithDetails(details string) *Builder {
	b.err.Details = details
	return b
}

// WithOperation records the operation that failed.
func (b *Builder) WithOperation(operation string) *Builder {
	b.err.Operation = operation
	return b
}

// WithResource records the resource being operated on.
func (b *Builder) WithResource(resource string) *Builder {
	b.err.Resource = resource
	return b
}

// WithTenant records the tenant context.
func (b *Builder) WithTenant(tenantID string) *Builder {
	b.err.TenantID = tenantID
	return b
}

// WithRequestID records the request tracing ID.
func (b *Builder) WithRequestID(requestID string) *Builder {
	b.err.RequestID = requestID
	return b
}

// WithSeverity overrides the default severity.
func (b *Builder) WithSeverity(severity Severity) *Builder {
	b.err.Severity = severity
	return b
}

// WithRetryable overrides the default retryability.
func (b *Builder) WithRetryable(retryable bool) *Builder {
	b.err.Retryable = retryable
	return b
}

// WithRetryAfter sets the suggested wait before retrying and marks the
// error retryable.
func (b *Builder) WithRetryAfter(d time.Duration) *Builder {
	b.err.RetryAfter = d
	b.err.Retryable = true
	return b
}

// WithCause attaches the underlying error.
func (b *Builder) WithCause(cause error) *Builder {
	b.err.Cause = cause
	return b
}

// Build returns the constructed Error.
func (b *Builder) Build() *Error {
	return b.err
}

// ============================================================================
// CONVENIENCE CONSTRUCTORS
// ============================================================================

// Validation creates a validation error.
func Validation(code ErrorCode, message string) *Builder {
	return New(KindValidation, code, message)
}

// Unauthorized creates an authentication error.
func Unauthorized(code ErrorCode, message string) *Builder {
	return New(KindUnauthorized, code, message)
}

// Forbidden creates an authorization error.
func Forbidden(code ErrorCode, message string) *Builder {
	return New(KindForbidden, code, message)
}

// NotFound creates a not found error.
func NotFound(code ErrorCode, message string) *Builder {
	return New(KindNotFound, code, message)
}

// Conflict creates a conflict error.
func Conflict(code ErrorCode, message string) *Builder {
	return New(KindConflict, code, message)
}

// BudgetExceeded creates a budget rejection.
func BudgetExceeded(code ErrorCode, message string) *Builder {
	return New(KindBudgetExceeded, code, message)
}

// DependencyUnavailable creates a transient dependency error.
func DependencyUnavailable(code ErrorCode, message string) *Builder {
	return New(KindDependencyUnavailable, code, message)
}

// ProviderOutputInvalid creates an error for non-parseable provider output.
func ProviderOutputInvalid(code ErrorCode, message string) *Builder {
	return New(KindProviderOutputInvalid, code, message)
}

// Timeout creates a deadline error.
func Timeout(code ErrorCode, message string) *Builder {
	return New(KindTimeout, code, message)
}

// Internal creates an internal error.
func Internal(code ErrorCode, message string) *Builder {
	return New(KindInternal, code, message)
}

// ============================================================================
// CLASSIFICATION AND CHECKING
// ============================================================================

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// IsKind checks whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}

// IsValidation checks if an error is a validation error.
func IsValidation(err error) bool { return IsKind(err, KindValidation) }

// IsUnauthorized checks if an error is an authentication error.
func IsUnauthorized(err error) bool { return IsKind(err, KindUnauthorized) }

// IsForbidden checks if an error is an authorization error.
func IsForbidden(err error) bool { return IsKind(err, KindForbidden) }

// IsNotFound checks if an error is a not found error.
func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }

// IsConflict checks if an error is a conflict error.
func IsConflict(err error) bool { return IsKind(err, KindConflict) }

// IsBudgetExceeded checks if an error is a budget rejection.
func IsBudgetExceeded(err error) bool { return IsKind(err, KindBudgetExceeded) }

// IsDependencyUnavailable checks if an error is a transient dependency error.
func IsDependencyUnavailable(err error) bool { return IsKind(err, KindDependencyUnavailable) }

// IsTimeout checks if an error is a deadline error.
func IsTimeout(err error) bool { return IsKind(err, KindTimeout) }

// IsRetryable reports whether the failed operation may be retried.
func IsRetryable(err error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// GetSeverity returns the severity of an error, defaulting to medium for
// unclassified errors.
func GetSeverity(err error) Severity {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Severity
	}
	return SeverityMedium
}

// ============================================================================
// WRAPPING
// ============================================================================

// Wrap adds operation context to an existing error. Classified errors keep
// their kind, code and metadata; unclassified errors become KindInternal.
func Wrap(err error, operation, message string) *Error {
	if err == nil {
		return nil
	}

	var existing *Error
	if errors.As(err, &existing) {
		return &Error{
			Kind:       existing.Kind,
			Code:       existing.Code,
			Message:    message,
			Details:    existing.Message,
			Operation:  operation,
			Resource:   existing.Resource,
			TenantID:   existing.TenantID,
			RequestID:  existing.RequestID,
			Severity:   existing.Severity,
			Retryable:  existing.Retryable,
			RetryAfter: existing.RetryAfter,
			Cause:      err,
		}
	}

	return &Error{
		Kind:      KindInternal,
		Code:      CodeInternalError,
		Message:   message,
		Details:   err.Error(),
		Operation: operation,
		Severity:  SeverityMedium,
		Cause:     err,
	}
}

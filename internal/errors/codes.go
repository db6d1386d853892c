// Package errors provides standardized error codes for consistent error handling.
package errors

// ErrorCode represents a unique error code for specific error scenarios
type ErrorCode string

// Domain error codes
const (
	// Memory-related errors
	CodeMemoryNotFound         ErrorCode = "MEMORY_NOT_FOUND"
	CodeMemoryValidationFailed ErrorCode = "MEMORY_VALIDATION_FAILED"
	CodeMemoryContentEmpty     ErrorCode = "MEMORY_CONTENT_EMPTY"
	CodeMemoryContentTooLong   ErrorCode = "MEMORY_CONTENT_TOO_LONG"
	CodeInvalidLayer           ErrorCode = "INVALID_LAYER"
	CodeInvalidImportance      ErrorCode = "INVALID_IMPORTANCE"
	CodeMemoryArchived         ErrorCode = "MEMORY_ARCHIVED"

	// Graph-related errors
	CodeNodeNotFound        ErrorCode = "NODE_NOT_FOUND"
	CodeEdgeNotFound        ErrorCode = "EDGE_NOT_FOUND"
	CodeInvalidGraphDepth   ErrorCode = "INVALID_GRAPH_DEPTH"
	CodeEdgeAlreadyExists   ErrorCode = "EDGE_ALREADY_EXISTS"
	CodeExtractionFailed    ErrorCode = "EXTRACTION_FAILED"
	CodeInvalidTripleFormat ErrorCode = "INVALID_TRIPLE_FORMAT"

	// Query-related errors
	CodeQueryEmpty         ErrorCode = "QUERY_EMPTY"
	CodeInvalidK           ErrorCode = "INVALID_K"
	CodeInvalidTaskType    ErrorCode = "INVALID_TASK_TYPE"
	CodeInvalidTimeRange   ErrorCode = "INVALID_TIME_RANGE"
	CodeInvalidFilter      ErrorCode = "INVALID_FILTER"
	CodeRerankerUnavailable ErrorCode = "RERANKER_UNAVAILABLE"

	// Tenant and auth errors
	CodeTenantMissing     ErrorCode = "TENANT_MISSING"
	CodeTenantMismatch    ErrorCode = "TENANT_MISMATCH"
	CodeTokenInvalid      ErrorCode = "TOKEN_INVALID"
	CodeTokenExpired      ErrorCode = "TOKEN_EXPIRED"
	CodeCrossTenantAccess ErrorCode = "CROSS_TENANT_ACCESS"
	CodeInsufficientRole  ErrorCode = "INSUFFICIENT_ROLE"

	// Budget and cost errors
	CodeDailyBudgetExceeded   ErrorCode = "DAILY_BUDGET_EXCEEDED"
	CodeMonthlyBudgetExceeded ErrorCode = "MONTHLY_BUDGET_EXCEEDED"
	CodeBudgetNotConfigured   ErrorCode = "BUDGET_NOT_CONFIGURED"
	CodeCostLogFailed         ErrorCode = "COST_LOG_FAILED"

	// Validation errors
	CodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeMissingField     ErrorCode = "MISSING_FIELD"
	CodeInvalidUUID      ErrorCode = "INVALID_UUID"

	// Repository errors
	CodeRepositoryError   ErrorCode = "REPOSITORY_ERROR"
	CodeDatabaseError     ErrorCode = "DATABASE_ERROR"
	CodeTransactionFailed ErrorCode = "TRANSACTION_FAILED"
	CodeDuplicateKey      ErrorCode = "DUPLICATE_KEY"

	// Infrastructure errors
	CodeInternalError      ErrorCode = "INTERNAL_ERROR"
	CodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	CodeTimeout            ErrorCode = "TIMEOUT"
	CodeConnectionFailed   ErrorCode = "CONNECTION_FAILED"
	CodeCircuitOpen        ErrorCode = "CIRCUIT_OPEN"
	CodeRateLimitExceeded  ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Provider errors
	CodeProviderError         ErrorCode = "PROVIDER_ERROR"
	CodeProviderOutputInvalid ErrorCode = "PROVIDER_OUTPUT_INVALID"
	CodeEmbeddingFailed       ErrorCode = "EMBEDDING_FAILED"
	CodeVectorIndexError      ErrorCode = "VECTOR_INDEX_ERROR"
	CodeCacheError            ErrorCode = "CACHE_ERROR"
)

// String returns the string representation of the error code
func (c ErrorCode) String() string {
	return string(c)
}

// IsRetryable returns whether an error with this code should be retried
func (c ErrorCode) IsRetryable() bool {
	switch c {
	case CodeTimeout, CodeConnectionFailed, CodeServiceUnavailable,
		CodeCircuitOpen, CodeRateLimitExceeded, CodeTransactionFailed,
		CodeVectorIndexError, CodeCacheError:
		return true
	default:
		return false
	}
}

// Severity returns the severity level for the error code
func (c ErrorCode) Severity() Severity {
	switch c {
	// Critical - system failures
	case CodeInternalError, CodeDatabaseError:
		return SeverityCritical

	// High - service disruptions
	case CodeServiceUnavailable, CodeConnectionFailed, CodeTransactionFailed,
		CodeVectorIndexError, CodeProviderError, CodeCrossTenantAccess:
		return SeverityHigh

	// Medium - degraded operations
	case CodeTimeout, CodeCircuitOpen, CodeRateLimitExceeded,
		CodeProviderOutputInvalid, CodeExtractionFailed, CodeEmbeddingFailed,
		CodeCostLogFailed, CodeCacheError, CodeDuplicateKey:
		return SeverityMedium

	// Low - caller errors
	default:
		return SeverityLow
	}
}

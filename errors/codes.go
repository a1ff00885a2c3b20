package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how errors should be handled.
const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	// Examples: dial timeouts, gateway temporarily unavailable.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: invalid token, malformed configuration.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource indicates resource exhaustion or quota issues.
	// Examples: session start limit reached, REST rate limiting.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal indicates unexpected errors, bugs, or system failures.
	// Examples: undecodable frames, recovered panics.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

// Error codes for common failure scenarios.
const (
	// Transient errors
	ErrCodeTimeout     ErrorCode = "TIMEOUT"     // Operation timed out
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE" // Service temporarily unavailable
	ErrCodeNetworkErr  ErrorCode = "NETWORK_ERR" // Network connectivity issue

	// Permanent errors
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"     // Resource does not exist
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT" // Malformed or invalid input
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"  // Authentication failed
	ErrCodeConfig       ErrorCode = "CONFIG"        // Invalid configuration
	ErrCodeCanceled     ErrorCode = "CANCELED"      // Operation was canceled

	// Resource errors
	ErrCodeRateLimit     ErrorCode = "RATE_LIMITED"   // Rate limit exceeded
	ErrCodeQuotaExceeded ErrorCode = "QUOTA_EXCEEDED" // Session start quota exhausted

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL" // Unexpected internal error
	ErrCodePanic    ErrorCode = "PANIC"    // Recovered from panic

	// Gateway-specific errors
	ErrCodeConnect       ErrorCode = "CONNECT_FAILED"   // Shard could not establish its session
	ErrCodeDecode        ErrorCode = "DECODE_FAILED"    // Inbound frame could not be decoded
	ErrCodeGatewayQuery  ErrorCode = "GATEWAY_QUERY"    // Recommended shard count query failed
	ErrCodeGatewayClosed ErrorCode = "GATEWAY_CLOSED"   // Gateway closed the session with an error code
	ErrCodeShardFailed   ErrorCode = "SHARD_FAILED"     // Shard loop ended with an error
	ErrCodeSubsystem     ErrorCode = "SUBSYSTEM_FAILED" // Supervised subsystem returned an error
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	// Transient
	case ErrCodeTimeout, ErrCodeUnavailable, ErrCodeNetworkErr, ErrCodeConnect:
		return CategoryTransient

	// Permanent
	case ErrCodeNotFound, ErrCodeInvalidInput, ErrCodeUnauthorized, ErrCodeConfig,
		ErrCodeCanceled, ErrCodeGatewayClosed:
		return CategoryPermanent

	// Resource
	case ErrCodeRateLimit, ErrCodeQuotaExceeded:
		return CategoryResource

	// Internal
	case ErrCodeInternal, ErrCodePanic, ErrCodeDecode:
		return CategoryInternal

	// Gateway-specific (varies)
	case ErrCodeGatewayQuery:
		return CategoryTransient
	case ErrCodeShardFailed, ErrCodeSubsystem:
		return CategoryInternal

	default:
		return CategoryInternal
	}
}

// DefaultRetryable returns whether this error code is typically retryable.
func (c ErrorCode) DefaultRetryable() bool {
	return c.DefaultCategory().IsRetryable()
}

// codeDescriptions provides human-readable descriptions for error codes.
var codeDescriptions = map[ErrorCode]string{
	ErrCodeTimeout:       "operation timed out",
	ErrCodeUnavailable:   "service temporarily unavailable",
	ErrCodeNetworkErr:    "network connectivity error",
	ErrCodeNotFound:      "resource not found",
	ErrCodeInvalidInput:  "invalid input provided",
	ErrCodeUnauthorized:  "authentication required",
	ErrCodeConfig:        "invalid configuration",
	ErrCodeCanceled:      "operation canceled",
	ErrCodeRateLimit:     "rate limit exceeded",
	ErrCodeQuotaExceeded: "session start quota exceeded",
	ErrCodeInternal:      "internal error",
	ErrCodePanic:         "recovered from panic",
	ErrCodeConnect:       "gateway connection failed",
	ErrCodeDecode:        "gateway frame decode failed",
	ErrCodeGatewayQuery:  "gateway shard query failed",
	ErrCodeGatewayClosed: "gateway closed the session",
	ErrCodeShardFailed:   "shard failed",
	ErrCodeSubsystem:     "subsystem failed",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
